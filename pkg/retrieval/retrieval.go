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

// Package retrieval implements the retrieval pipeline: optional query
// rewrite, concurrent similarity search across vector stores, merge and
// threshold, optional rerank, and assembly of a token-bounded context block.
package retrieval

import (
	"context"
)

// Chunk is one retrieved piece of a document.
type Chunk struct {
	DocumentID string `json:"document_id"`
	ChunkID    string `json:"chunk_id"`
	Text       string `json:"text"`

	// Score is the cosine similarity reported by the store.
	Score float64 `json:"score"`

	// RerankScore is set when a reranker has scored the chunk.
	RerankScore *float64 `json:"rerank_score,omitempty"`

	// RankChange is the chunk's movement during rerank; positive means it
	// moved up.
	RankChange int `json:"rank_change,omitempty"`

	// Backend names the store that produced the chunk.
	Backend  string                 `json:"backend"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Record is a chunk with its embedding, as written to a store.
type Record struct {
	DocumentID string
	ChunkID    string
	Content    string
	Embedding  []float32
	Metadata   map[string]interface{}
}

// Store is a vector index that answers similarity queries.
type Store interface {
	// Name identifies the backend in queries and results.
	Name() string

	// Search returns up to topK chunks ordered by descending cosine
	// similarity. Filters match metadata keys by equality.
	Search(ctx context.Context, vector []float32, topK int, filters map[string]interface{}) ([]Chunk, error)

	// Upsert inserts or replaces records by chunk id.
	Upsert(ctx context.Context, records []Record) error
}

// Query describes one retrieval request.
type Query struct {
	Text string

	// TopK is the number of chunks returned. Zero uses DefaultTopK.
	TopK int

	// Threshold drops chunks whose similarity is below it.
	Threshold float64

	// Backends selects stores by name. Empty searches every store.
	Backends []string

	Filters map[string]interface{}

	// Rewrite selects a rewrite strategy. Empty skips the rewrite pass.
	Rewrite Strategy

	// Memory is recent conversation text offered to the rewriter.
	Memory string

	// Rerank enables the rerank pass.
	Rerank bool

	// MaxContextTokens bounds the assembled context. Zero means unbounded.
	MaxContextTokens int
}

// Result is the outcome of a retrieval.
type Result struct {
	// Query is the text that was searched, after any rewrite.
	Query         string  `json:"query"`
	OriginalQuery string  `json:"original_query"`
	Chunks        []Chunk `json:"chunks"`

	// Context is the chunks rendered as one prompt-ready block.
	Context       string `json:"context"`
	ContextTokens int    `json:"context_tokens"`

	// Truncated reports that chunks were dropped to fit MaxContextTokens;
	// Dropped counts them.
	Truncated bool `json:"truncated"`
	Dropped   int  `json:"dropped"`
}

// Output renders r as a step output payload.
func (r *Result) Output() map[string]interface{} {
	chunks := make([]interface{}, len(r.Chunks))
	for i, c := range r.Chunks {
		m := map[string]interface{}{
			"document_id": c.DocumentID,
			"chunk_id":    c.ChunkID,
			"text":        c.Text,
			"score":       c.Score,
			"backend":     c.Backend,
		}
		if c.RerankScore != nil {
			m["rerank_score"] = *c.RerankScore
			m["rank_change"] = c.RankChange
		}
		if len(c.Metadata) > 0 {
			m["metadata"] = c.Metadata
		}
		chunks[i] = m
	}
	return map[string]interface{}{
		"query":          r.Query,
		"original_query": r.OriginalQuery,
		"chunks":         chunks,
		"context":        r.Context,
		"context_tokens": r.ContextTokens,
		"truncated":      r.Truncated,
		"dropped":        r.Dropped,
	}
}

// ChunksFromOutput recovers chunks from an Output payload, so a rerank step
// can consume the output of an earlier retrieval step.
func ChunksFromOutput(output map[string]interface{}) []Chunk {
	raw, _ := output["chunks"].([]interface{})
	chunks := make([]Chunk, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		c := Chunk{
			DocumentID: str(m["document_id"]),
			ChunkID:    str(m["chunk_id"]),
			Text:       str(m["text"]),
			Backend:    str(m["backend"]),
		}
		c.Score, _ = m["score"].(float64)
		if md, ok := m["metadata"].(map[string]interface{}); ok {
			c.Metadata = md
		}
		chunks = append(chunks, c)
	}
	return chunks
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}
