package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead && r.URL.Path == "/deskline-files/voice/note.ogg" {
			w.Header().Set("Content-Type", "audio/ogg")
			w.Header().Set("Content-Length", "2048")
			w.Header().Set("ETag", `"abc123"`)
			w.Header().Set("Last-Modified", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).Format(http.TimeFormat))
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	resolver, err := NewResolver(Config{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "minio",
		SecretKey: "minio123",
		Bucket:    "deskline-files",
	})
	require.NoError(t, err)
	return resolver
}

func TestResolveReturnsObjectMetadata(t *testing.T) {
	resolver := newTestResolver(t)

	file, err := resolver.Resolve(context.Background(), "voice/note.ogg")
	require.NoError(t, err)
	require.Equal(t, "voice/note.ogg", file.ID)
	require.Equal(t, "deskline-files/voice/note.ogg", file.Path)
	require.Equal(t, "audio/ogg", file.MimeType)
	require.EqualValues(t, 2048, file.Size)
}

func TestResolveMissingObject(t *testing.T) {
	resolver := newTestResolver(t)

	_, err := resolver.Resolve(context.Background(), "voice/missing.ogg")
	require.ErrorIs(t, err, ErrFileNotFound)
}
