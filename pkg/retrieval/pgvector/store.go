// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pgvector is a retrieval.Store backed by PostgreSQL with the
// pgvector extension.
package pgvector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tombee/ragrunner/pkg/retrieval"
)

// DefaultTable is the embeddings table name.
const DefaultTable = "embeddings"

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config configures the store.
type Config struct {
	// DSN is a PostgreSQL connection string.
	DSN string

	// Table holds the embeddings; defaults to DefaultTable.
	Table string

	// Dimension is the embedding length the table is created with.
	Dimension int

	// Name identifies the backend; defaults to "pgvector".
	Name string

	MaxConns int32
}

// Store searches an embeddings table by cosine distance.
type Store struct {
	pool      *pgxpool.Pool
	table     string
	dimension int
	name      string
	logger    *slog.Logger
}

// Open connects a pool and returns a store over it.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing pgvector dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to pgvector: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging pgvector: %w", err)
	}

	s, err := New(pool, cfg)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool, cfg Config) (*Store, error) {
	table := cfg.Table
	if table == "" {
		table = DefaultTable
	}
	if !identPattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	name := cfg.Name
	if name == "" {
		name = "pgvector"
	}
	return &Store{
		pool:      pool,
		table:     table,
		dimension: cfg.Dimension,
		name:      name,
		logger:    slog.Default().With(slog.String("component", "pgvector")),
	}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Name implements retrieval.Store.
func (s *Store) Name() string { return s.name }

// Migrate creates the vector extension, the table and its indexes.
func (s *Store) Migrate(ctx context.Context) error {
	if s.dimension <= 0 {
		return fmt.Errorf("pgvector migrate: dimension must be positive")
	}
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			document_id TEXT NOT NULL,
			chunk_id TEXT NOT NULL UNIQUE,
			content TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.table, s.dimension),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_document_id_idx ON %s (document_id)`, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING hnsw (embedding vector_cosine_ops)`, s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("pgvector migrate: %w", err)
		}
	}
	return nil
}

// Search implements retrieval.Store.
func (s *Store) Search(ctx context.Context, vector []float32, topK int, filters map[string]interface{}) ([]retrieval.Chunk, error) {
	query, args := buildSearch(s.table, vector, topK, filters)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgvector search: %w", err)
	}
	defer rows.Close()

	var chunks []retrieval.Chunk
	for rows.Next() {
		var (
			c        retrieval.Chunk
			metadata []byte
		)
		if err := rows.Scan(&c.DocumentID, &c.ChunkID, &c.Text, &metadata, &c.Score); err != nil {
			return nil, fmt.Errorf("pgvector scan: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &c.Metadata); err != nil {
				return nil, fmt.Errorf("pgvector metadata: %w", err)
			}
		}
		c.Backend = s.name
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgvector search: %w", err)
	}
	return chunks, nil
}

// Upsert implements retrieval.Store.
func (s *Store) Upsert(ctx context.Context, records []retrieval.Record) error {
	if len(records) == 0 {
		return nil
	}
	query := fmt.Sprintf(`INSERT INTO %s (document_id, chunk_id, content, embedding, metadata)
		VALUES ($1, $2, $3, $4::vector, $5::jsonb)
		ON CONFLICT (chunk_id) DO UPDATE SET
			document_id = EXCLUDED.document_id,
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding,
			metadata = EXCLUDED.metadata,
			updated_at = now()`, s.table)

	batch := &pgx.Batch{}
	for _, r := range records {
		if s.dimension > 0 && len(r.Embedding) != s.dimension {
			return fmt.Errorf("chunk %s: embedding has %d dimensions, table expects %d", r.ChunkID, len(r.Embedding), s.dimension)
		}
		metadata := r.Metadata
		if metadata == nil {
			metadata = map[string]interface{}{}
		}
		raw, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("chunk %s metadata: %w", r.ChunkID, err)
		}
		batch.Queue(query, r.DocumentID, r.ChunkID, r.Content, VectorLiteral(r.Embedding), string(raw))
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("pgvector upsert: %w", err)
	}
	s.logger.Debug("upserted chunks", "count", len(records))
	return nil
}

// DeleteDocument removes every chunk of a document.
func (s *Store) DeleteDocument(ctx context.Context, documentID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE document_id = $1`, s.table), documentID)
	if err != nil {
		return 0, fmt.Errorf("pgvector delete: %w", err)
	}
	return tag.RowsAffected(), nil
}

// buildSearch renders the similarity query. Filter keys are bound as
// parameters, never interpolated, and applied in sorted order so the SQL
// text is stable.
func buildSearch(table string, vector []float32, topK int, filters map[string]interface{}) (string, []interface{}) {
	args := []interface{}{VectorLiteral(vector)}
	var where []string

	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, k, fmt.Sprint(filters[k]))
		where = append(where, fmt.Sprintf("metadata->>$%d = $%d", len(args)-1, len(args)))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT document_id, chunk_id, content, metadata, 1 - (embedding <=> $1::vector) AS similarity FROM %s", table)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY embedding <=> $1::vector")
	if topK > 0 {
		args = append(args, topK)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args
}

// VectorLiteral formats v in pgvector's text input form, e.g. "[0.1,0.2]".
func VectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(x), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
