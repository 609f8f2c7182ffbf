package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down the whole service is.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search ranks a department's live messages with plainto_tsquery and
// ts_rank, using ts_headline for snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := p.db.QueryRowContext(ctx, `
		SELECT count(*) FROM messages m
		WHERE m.department_id = $2 AND NOT m.is_deleted
		  AND m.fts @@ plainto_tsquery('simple', $1)
	`, q.Text, q.DepartmentID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT m.id, m.department_id, m.sender_id, COALESCE(u.display_name, ''), m.type,
			ts_headline('simple', COALESCE(m.content, ''), plainto_tsquery('simple', $1), 'MaxFragments=1,MaxWords=30'),
			m.created_at
		FROM messages m
		LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.department_id = $2 AND NOT m.is_deleted
		  AND m.fts @@ plainto_tsquery('simple', $1)
		ORDER BY ts_rank(m.fts, plainto_tsquery('simple', $1)) DESC, m.created_at DESC
		LIMIT $3 OFFSET $4
	`, q.Text, q.DepartmentID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.MessageID, &r.DepartmentID, &r.SenderID, &r.SenderName, &r.Type, &r.Snippet, &r.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every indexable message for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]MessageRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT m.id, m.department_id, d.company_id, m.sender_id, COALESCE(u.display_name, ''), m.type, m.content,
			(EXTRACT(EPOCH FROM m.created_at) * 1000)::bigint
		FROM messages m
		JOIN departments d ON d.id = m.department_id
		LEFT JOIN users u ON u.id = m.sender_id
		WHERE NOT m.is_deleted AND COALESCE(m.content, '') <> ''
	`)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	records := make([]MessageRecord, 0)
	for rows.Next() {
		var r MessageRecord
		if err := rows.Scan(&r.ID, &r.DepartmentID, &r.CompanyID, &r.SenderID, &r.SenderName, &r.Type, &r.Content, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return records, nil
}
