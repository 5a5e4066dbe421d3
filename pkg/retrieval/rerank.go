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
	"regexp"
	"strings"
)

// Reranker scores (query, chunk) pairs. Higher is more relevant. A
// cross-encoder service would implement this interface.
type Reranker interface {
	Score(ctx context.Context, query string, chunks []Chunk) ([]float64, error)
}

var termPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "how": true, "in": true,
	"is": true, "it": true, "of": true, "on": true, "or": true, "that": true,
	"the": true, "this": true, "to": true, "was": true, "what": true,
	"when": true, "where": true, "which": true, "who": true, "why": true,
	"with": true,
}

// Terms returns the distinct lower-cased content words of text.
func Terms(text string) map[string]bool {
	terms := make(map[string]bool)
	for _, w := range termPattern.FindAllString(strings.ToLower(text), -1) {
		if !stopWords[w] {
			terms[w] = true
		}
	}
	return terms
}

// LexicalReranker scores a chunk by the share of query terms it contains.
// It is deterministic and needs no model.
type LexicalReranker struct{}

// Score implements Reranker.
func (LexicalReranker) Score(_ context.Context, query string, chunks []Chunk) ([]float64, error) {
	q := Terms(query)
	scores := make([]float64, len(chunks))
	if len(q) == 0 {
		return scores, nil
	}
	for i, c := range chunks {
		ct := Terms(c.Text)
		hits := 0
		for term := range q {
			if ct[term] {
				hits++
			}
		}
		scores[i] = float64(hits) / float64(len(q))
	}
	return scores, nil
}

// HybridReranker blends the store similarity with an inner scorer.
type HybridReranker struct {
	Inner Reranker

	// OriginalWeight and InnerWeight default to 0.3 and 0.7 when both are
	// zero.
	OriginalWeight float64
	InnerWeight    float64
}

// Score implements Reranker.
func (h HybridReranker) Score(ctx context.Context, query string, chunks []Chunk) ([]float64, error) {
	inner := h.Inner
	if inner == nil {
		inner = LexicalReranker{}
	}
	ow, iw := h.OriginalWeight, h.InnerWeight
	if ow == 0 && iw == 0 {
		ow, iw = 0.3, 0.7
	}

	scores, err := inner.Score(ctx, query, chunks)
	if err != nil {
		return nil, err
	}
	for i := range scores {
		scores[i] = ow*chunks[i].Score + iw*scores[i]
	}
	return scores, nil
}
