package data

import (
	"context"
)

// TagModel manages the recognised-tag catalogue. Per-media tags live on the
// videos rows; the advertised vocabulary is the union of both.
type TagModel struct {
	DB DBTX
}

func (m TagModel) List(ctx context.Context) ([]string, error) {
	rows, err := m.DB.QueryContext(ctx, `SELECT tag FROM tag_catalogue ORDER BY position ASC, tag ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tags []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// Add is idempotent; position is appended after existing entries.
func (m TagModel) Add(ctx context.Context, tag string) error {
	_, err := m.DB.ExecContext(ctx, `
		INSERT INTO tag_catalogue (tag, position)
		SELECT $1, COALESCE(MAX(position), 0) + 1 FROM tag_catalogue
		ON CONFLICT (tag) DO NOTHING`, tag)
	return err
}

func (m TagModel) Remove(ctx context.Context, tag string) error {
	_, err := m.DB.ExecContext(ctx, `DELETE FROM tag_catalogue WHERE tag = $1`, tag)
	return err
}
