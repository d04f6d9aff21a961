package data

import (
	"context"
	"time"
)

// SearchQuery is one logged search. The table deliberately has no client IP
// or user-agent columns.
type SearchQuery struct {
	QueryText   string
	Mode        string
	ResultCount int
	DurationMS  int64
	CreatedAt   time.Time
}

type SearchLogModel struct {
	DB DBTX
}

func (m SearchLogModel) Insert(ctx context.Context, q *SearchQuery) error {
	_, err := m.DB.ExecContext(ctx, `
		INSERT INTO search_queries (query_text, search_mode, result_count, duration_ms)
		VALUES ($1, $2, $3, $4)`,
		q.QueryText, q.Mode, q.ResultCount, q.DurationMS)
	return err
}
