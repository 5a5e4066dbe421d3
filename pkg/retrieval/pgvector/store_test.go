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

package pgvector

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/ragrunner/pkg/retrieval"
)

func TestVectorLiteral(t *testing.T) {
	assert.Equal(t, "[]", VectorLiteral(nil))
	assert.Equal(t, "[0.5,-1,2.25]", VectorLiteral([]float32{0.5, -1, 2.25}))
}

func TestBuildSearch(t *testing.T) {
	query, args := buildSearch("embeddings", []float32{1, 0}, 5, map[string]interface{}{
		"source": "wiki",
		"lang":   "en",
	})

	assert.Equal(t,
		"SELECT document_id, chunk_id, content, metadata, 1 - (embedding <=> $1::vector) AS similarity FROM embeddings"+
			" WHERE metadata->>$2 = $3 AND metadata->>$4 = $5 ORDER BY embedding <=> $1::vector LIMIT $6",
		query)
	assert.Equal(t, []interface{}{"[1,0]", "lang", "en", "source", "wiki", 5}, args)
}

func TestBuildSearch_NoFiltersNoLimit(t *testing.T) {
	query, args := buildSearch("docs", []float32{1}, 0, nil)
	assert.NotContains(t, query, "WHERE")
	assert.NotContains(t, query, "LIMIT")
	assert.Len(t, args, 1)
}

func TestNew_RejectsBadTable(t *testing.T) {
	_, err := New(nil, Config{Table: "embeddings; DROP TABLE x"})
	assert.Error(t, err)
}

// TestStore_Integration runs against a live database when PGVECTOR_DSN is set.
func TestStore_Integration(t *testing.T) {
	dsn := os.Getenv("PGVECTOR_DSN")
	if dsn == "" {
		t.Skip("PGVECTOR_DSN not set")
	}
	ctx := context.Background()

	s, err := Open(ctx, Config{DSN: dsn, Table: "ragrunner_test_embeddings", Dimension: 2})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { _, _ = s.pool.Exec(ctx, "DROP TABLE IF EXISTS ragrunner_test_embeddings") })

	require.NoError(t, s.Upsert(ctx, []retrieval.Record{
		{DocumentID: "d1", ChunkID: "d1#0", Content: "north", Embedding: []float32{1, 0}, Metadata: map[string]interface{}{"lang": "en"}},
		{DocumentID: "d2", ChunkID: "d2#0", Content: "east", Embedding: []float32{0, 1}, Metadata: map[string]interface{}{"lang": "fr"}},
	}))

	chunks, err := s.Search(ctx, []float32{1, 0.1}, 2, nil)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "d1#0", chunks[0].ChunkID)
	assert.Greater(t, chunks[0].Score, chunks[1].Score)

	chunks, err = s.Search(ctx, []float32{1, 0}, 5, map[string]interface{}{"lang": "fr"})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "east", chunks[0].Text)

	n, err := s.DeleteDocument(ctx, "d1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
