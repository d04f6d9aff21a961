package indexer

import (
	"context"
	"database/sql"
	"fmt"
	"log"
)

// embeddingColumn describes one vector column the pipeline writes.
type embeddingColumn struct {
	table string
	dim   func(visionDim, textDim int) int
}

var embeddingColumns = []embeddingColumn{
	{"frame_embeddings", func(v, t int) int { return v }},
	{"clip_embeddings", func(v, t int) int { return v }},
	{"transcript_embeddings", func(v, t int) int { return t }},
	{"caption_embeddings", func(v, t int) int { return t }},
	{"action_embeddings", func(v, t int) int { return t }},
}

// EnsureEmbeddingSchema verifies every vector column matches the configured
// model dimensions. A mismatch (operator switched models) drops and
// recreates the column and its HNSW index: old embeddings are useless under
// a new model anyway, and the pending_fix path re-fills them.
func EnsureEmbeddingSchema(ctx context.Context, db *sql.DB, visionDim, textDim int) error {
	for _, col := range embeddingColumns {
		want := col.dim(visionDim, textDim)

		var got int
		err := db.QueryRowContext(ctx, `
			SELECT atttypmod FROM pg_attribute
			WHERE attrelid = $1::regclass AND attname = 'embedding'`, col.table).Scan(&got)
		if err != nil {
			return fmt.Errorf("schema guard: %s: %w", col.table, err)
		}
		if got == want {
			continue
		}

		log.Printf("[Indexer] %s.embedding is vector(%d), want vector(%d); rebuilding column",
			col.table, got, want)
		stmts := []string{
			fmt.Sprintf(`DROP INDEX IF EXISTS %s_embedding_idx`, col.table),
			fmt.Sprintf(`ALTER TABLE %s DROP COLUMN embedding`, col.table),
			fmt.Sprintf(`ALTER TABLE %s ADD COLUMN embedding vector(%d)`, col.table, want),
			fmt.Sprintf(`CREATE INDEX %s_embedding_idx ON %s USING hnsw (embedding vector_cosine_ops)`,
				col.table, col.table),
		}
		for _, stmt := range stmts {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("schema guard: %s: %w", col.table, err)
			}
		}
	}
	return nil
}
