package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlTurnMemories returns the schema DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlTurnMemories(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS turn_memories (
    id          TEXT         PRIMARY KEY,
    user_id     TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    embedding   vector(%d),
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_turn_memories_user_id
    ON turn_memories (user_id);

CREATE INDEX IF NOT EXISTS idx_turn_memories_embedding
    ON turn_memories USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures the schema exists. It is idempotent and safe to
// call on every application start.
//
// embeddingDimensions must match the embedding model configured for the
// deployment (e.g., 1536 for OpenAI text-embedding-3-small). Changing it
// after the first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if _, err := pool.Exec(ctx, ddlTurnMemories(embeddingDimensions)); err != nil {
		return fmt.Errorf("memory postgres migrate: %w", err)
	}
	return nil
}
