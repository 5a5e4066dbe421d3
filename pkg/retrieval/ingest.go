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

package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tombee/ragrunner/pkg/errors"
	"github.com/tombee/ragrunner/pkg/llm"
)

const (
	DefaultChunkWords   = 200
	DefaultChunkOverlap = 40
	defaultEmbedBatch   = 32
)

// Document is a source text to be chunked and indexed.
type Document struct {
	ID       string                 `json:"id" yaml:"id"`
	Text     string                 `json:"text" yaml:"text"`
	Metadata map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Chunker splits text into overlapping word windows.
type Chunker struct {
	Words   int
	Overlap int
}

// Split returns the windows of text. Each window after the first starts
// Overlap words before the previous one ended.
func (c Chunker) Split(text string) []string {
	size, overlap := c.Words, c.Overlap
	if size <= 0 {
		size = DefaultChunkWords
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	var out []string
	step := size - overlap
	for start := 0; start < len(words); start += step {
		end := start + size
		if end > len(words) {
			end = len(words)
		}
		out = append(out, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return out
}

// Ingestor chunks documents, embeds the chunks and writes them to stores.
type Ingestor struct {
	embedder  llm.Embedder
	stores    []Store
	chunker   Chunker
	batchSize int
	logger    *slog.Logger
}

// NewIngestor creates an ingestor writing to every store given.
func NewIngestor(embedder llm.Embedder, chunker Chunker, stores ...Store) *Ingestor {
	return &Ingestor{
		embedder:  embedder,
		stores:    stores,
		chunker:   chunker,
		batchSize: defaultEmbedBatch,
		logger:    slog.Default(),
	}
}

// WithLogger sets the ingestor's logger.
func (i *Ingestor) WithLogger(l *slog.Logger) *Ingestor {
	i.logger = l
	return i
}

// Ingest indexes docs and returns the number of chunks written.
func (i *Ingestor) Ingest(ctx context.Context, docs []Document) (int, error) {
	if len(i.stores) == 0 {
		return 0, &errors.ValidationError{Field: "stores", Message: "no vector stores to ingest into"}
	}

	var records []Record
	for _, doc := range docs {
		if doc.ID == "" {
			return 0, &errors.ValidationError{Field: "id", Message: "document id is required"}
		}
		for n, text := range i.chunker.Split(doc.Text) {
			records = append(records, Record{
				DocumentID: doc.ID,
				ChunkID:    fmt.Sprintf("%s#%d", doc.ID, n),
				Content:    text,
				Metadata:   doc.Metadata,
			})
		}
	}

	for start := 0; start < len(records); start += i.batchSize {
		end := min(start+i.batchSize, len(records))
		batch := records[start:end]

		texts := make([]string, len(batch))
		for j, r := range batch {
			texts[j] = r.Content
		}
		vectors, err := i.embedder.Embed(ctx, texts)
		if err != nil {
			return start, fmt.Errorf("embedding batch at %d: %w", start, err)
		}
		if len(vectors) != len(batch) {
			return start, fmt.Errorf("embedding batch at %d: got %d vectors for %d chunks", start, len(vectors), len(batch))
		}
		for j := range batch {
			batch[j].Embedding = vectors[j]
		}

		for _, s := range i.stores {
			if err := s.Upsert(ctx, batch); err != nil {
				return start, fmt.Errorf("upserting into %s: %w", s.Name(), err)
			}
		}
	}

	i.logger.Info("documents ingested", "documents", len(docs), "chunks", len(records))
	return len(records), nil
}
