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

// Package memstore is an in-process vector index with brute-force cosine
// search. It suits tests, dry runs and corpora of a few thousand chunks.
package memstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/tombee/ragrunner/pkg/retrieval"
)

// Store is a retrieval.Store held in memory.
type Store struct {
	name string

	mu      sync.RWMutex
	records map[string]retrieval.Record
	order   []string
}

// New creates an empty store. name defaults to "memory".
func New(name string) *Store {
	if name == "" {
		name = "memory"
	}
	return &Store{name: name, records: make(map[string]retrieval.Record)}
}

// Name implements retrieval.Store.
func (s *Store) Name() string { return s.name }

// Len returns the number of stored chunks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Upsert implements retrieval.Store.
func (s *Store) Upsert(_ context.Context, records []retrieval.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if r.ChunkID == "" {
			return fmt.Errorf("record for document %q has no chunk id", r.DocumentID)
		}
		if _, exists := s.records[r.ChunkID]; !exists {
			s.order = append(s.order, r.ChunkID)
		}
		s.records[r.ChunkID] = r
	}
	return nil
}

// DeleteDocument removes every chunk of a document.
func (s *Store) DeleteDocument(documentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	kept := s.order[:0]
	for _, id := range s.order {
		if s.records[id].DocumentID == documentID {
			delete(s.records, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return removed
}

// Search implements retrieval.Store. Ties keep insertion order.
func (s *Store) Search(ctx context.Context, vector []float32, topK int, filters map[string]interface{}) ([]retrieval.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	chunks := make([]retrieval.Chunk, 0, len(s.order))
	for _, id := range s.order {
		r := s.records[id]
		if !matches(r.Metadata, filters) {
			continue
		}
		chunks = append(chunks, retrieval.Chunk{
			DocumentID: r.DocumentID,
			ChunkID:    r.ChunkID,
			Text:       r.Content,
			Score:      Cosine(vector, r.Embedding),
			Backend:    s.name,
			Metadata:   r.Metadata,
		})
	}
	s.mu.RUnlock()

	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].Score > chunks[j].Score })
	if topK > 0 && len(chunks) > topK {
		chunks = chunks[:topK]
	}
	return chunks, nil
}

func matches(metadata, filters map[string]interface{}) bool {
	for k, want := range filters {
		got, ok := metadata[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a
// zero vector or their lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
