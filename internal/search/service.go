package search

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// ErrIndexUnavailable is returned by index writes while Meilisearch is down
// so the bus retries them.
var ErrIndexUnavailable = errors.New("search index unavailable")

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
	log   zerolog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS, logger zerolog.Logger) *Service {
	s := &Service{meili: meili, pgfts: pgfts, log: logger.With().Str("component", "search").Logger()}
	if meili != nil {
		meili.onRecover = func() { s.ReindexAllFromPG(context.Background()) }
	}
	return s
}

func (s *Service) IndexEnabled() bool {
	return s.meili != nil
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn().Err(err).Msg("meilisearch error, falling back to pgfts")
	}

	if s.pgfts == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.pgfts.Search(ctx, q)
	if err != nil {
		s.log.Error().Err(err).Msg("pgfts error")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexMessage upserts one message. Records without content are removed
// from the index instead.
func (s *Service) IndexMessage(_ context.Context, record MessageRecord) error {
	if s.meili == nil {
		return nil
	}
	if !s.meili.Healthy() {
		return ErrIndexUnavailable
	}
	if record.Content == "" {
		return s.meili.DeleteMessage(record.ID)
	}
	return s.meili.IndexMessages([]MessageRecord{record})
}

func (s *Service) DeleteMessage(_ context.Context, id string) error {
	if s.meili == nil {
		return nil
	}
	if !s.meili.Healthy() {
		return ErrIndexUnavailable
	}
	return s.meili.DeleteMessage(id)
}

// ReindexAllFromPG pushes every live message from PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	records, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("reindex load failed")
		return
	}
	if err := s.meili.IndexMessages(records); err != nil {
		s.log.Error().Err(err).Msg("reindex messages")
		return
	}
	s.log.Info().Int("messages", len(records)).Msg("reindexed messages")
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
