// Package storage resolves uploaded file ids against object storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"deskline/api/internal/store"
)

var ErrFileNotFound = errors.New("file not found")

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
}

// Resolver looks up file metadata by object key. The file id a client
// sends is the key it uploaded to.
type Resolver struct {
	client *minio.Client
	bucket string
}

func NewResolver(cfg Config) (*Resolver, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Resolver{client: client, bucket: cfg.Bucket}, nil
}

func (r *Resolver) Resolve(ctx context.Context, fileID string) (store.File, error) {
	info, err := r.client.StatObject(ctx, r.bucket, fileID, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
			return store.File{}, ErrFileNotFound
		}
		return store.File{}, fmt.Errorf("stat %s: %w", fileID, err)
	}
	return store.File{
		ID:       fileID,
		Path:     r.bucket + "/" + info.Key,
		MimeType: info.ContentType,
		Size:     info.Size,
	}, nil
}
