// Package postgres provides a PostgreSQL-backed [memory.Store] using pgvector
// for semantic retrieval over past conversation turns.
//
// Each recorded turn is embedded once (user and assistant text together) and
// stored with its vector; Search embeds the query and runs a cosine-distance
// nearest-neighbour scan over the user's memories. The pgvector extension
// must be available in the target database; [Migrate] installs it via CREATE
// EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, embedder)
//	if err != nil { … }
//	defer store.Close()
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/Lincept/personality-tts/pkg/memory"
	"github.com/Lincept/personality-tts/pkg/provider/embeddings"
)

// Compile-time interface check.
var _ memory.Store = (*Store)(nil)

// Store is a [memory.Store] backed by a single [pgxpool.Pool]. All methods
// are safe for concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
}

// NewStore connects to the PostgreSQL database at dsn, registers pgvector
// types on every connection, and runs [Migrate] so the schema matches the
// embedder's vector dimension.
//
// The embedder must be the same model for the lifetime of the table; changing
// its dimension after the first migration requires a manual schema change.
func NewStore(ctx context.Context, dsn string, embedder embeddings.Provider) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("memory postgres: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so vector columns scan
	// into and insert from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("memory postgres: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("memory postgres: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embedder.Dimensions()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("memory postgres: migrate: %w", err)
	}

	return &Store{pool: pool, embedder: embedder}, nil
}

// Search implements [memory.Store]. It embeds query and returns the limit
// nearest memories of the given user by cosine distance, most similar first.
func (s *Store) Search(ctx context.Context, query, userID string, limit int) ([]memory.Snippet, error) {
	if limit <= 0 {
		return nil, nil
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memory postgres: embed query: %w", err)
	}

	const q = `
		SELECT content, embedding <=> $1 AS distance, created_at
		FROM   turn_memories
		WHERE  user_id = $2
		ORDER  BY distance
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(vec), userID, limit)
	if err != nil {
		return nil, fmt.Errorf("memory postgres: search: %w", err)
	}

	snippets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Snippet, error) {
		var sn memory.Snippet
		err := row.Scan(&sn.Text, &sn.Distance, &sn.CreatedAt)
		return sn, err
	})
	if err != nil {
		return nil, fmt.Errorf("memory postgres: collect rows: %w", err)
	}
	return snippets, nil
}

// RecordTurn implements [memory.Store]. The user and assistant texts are
// folded into a single content string, embedded once, and inserted.
func (s *Store) RecordTurn(ctx context.Context, userID, userText, assistantText string) error {
	content := fmt.Sprintf("user: %s\nassistant: %s", userText, assistantText)

	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("memory postgres: embed turn: %w", err)
	}

	const q = `
		INSERT INTO turn_memories (id, user_id, content, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err = s.pool.Exec(ctx, q,
		uuid.NewString(),
		userID,
		content,
		pgvector.NewVector(vec),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("memory postgres: record turn: %w", err)
	}
	return nil
}

// Ping verifies the database connection. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("memory postgres: ping: %w", err)
	}
	return nil
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}
