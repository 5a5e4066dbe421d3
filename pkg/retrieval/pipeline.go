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
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tombee/ragrunner/pkg/budget"
	"github.com/tombee/ragrunner/pkg/errors"
	"github.com/tombee/ragrunner/pkg/llm"
)

const (
	// DefaultTopK is used when a query leaves TopK unset.
	DefaultTopK = 5

	// rerankCandidateFactor widens the search when a rerank pass follows,
	// so the reranker has candidates to promote.
	rerankCandidateFactor = 3
)

// Pipeline runs retrievals against a fixed set of stores.
type Pipeline struct {
	embedder llm.Embedder
	stores   map[string]Store
	order    []string
	reranker Reranker
	rewriter Rewriter
	counter  budget.Counter
	logger   *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithStore adds a store. Stores are searched in the order added.
func WithStore(s Store) Option {
	return func(p *Pipeline) {
		if _, dup := p.stores[s.Name()]; !dup {
			p.order = append(p.order, s.Name())
		}
		p.stores[s.Name()] = s
	}
}

// WithReranker sets the reranker used when a query asks for rerank.
func WithReranker(r Reranker) Option {
	return func(p *Pipeline) { p.reranker = r }
}

// WithRewriter sets the query rewriter.
func WithRewriter(r Rewriter) Option {
	return func(p *Pipeline) { p.rewriter = r }
}

// WithCounter sets the token counter used for context assembly.
func WithCounter(c budget.Counter) Option {
	return func(p *Pipeline) { p.counter = c }
}

// WithLogger sets the pipeline's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// NewPipeline creates a pipeline that embeds queries with embedder.
func NewPipeline(embedder llm.Embedder, opts ...Option) *Pipeline {
	p := &Pipeline{
		embedder: embedder,
		stores:   make(map[string]Store),
		reranker: LexicalReranker{},
		rewriter: &LLMRewriter{},
		counter:  budget.HeuristicCounter{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Backends returns the configured store names in search order.
func (p *Pipeline) Backends() []string {
	return append([]string(nil), p.order...)
}

// Retrieve runs the full pipeline for q. provider serves the rewrite call
// and may be nil when q.Rewrite is empty; callers pass a metered provider so
// the rewrite is charged to the execution budget.
func (p *Pipeline) Retrieve(ctx context.Context, q Query, provider llm.Provider) (*Result, error) {
	if q.Text == "" {
		return nil, &errors.ValidationError{Field: "query", Message: "query text is empty"}
	}
	topK := q.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	stores, err := p.selectStores(q.Backends)
	if err != nil {
		return nil, err
	}

	result := &Result{Query: q.Text, OriginalQuery: q.Text}

	if q.Rewrite != "" {
		if provider == nil {
			return nil, &errors.ValidationError{Field: "rewrite", Message: "query rewrite needs an llm provider"}
		}
		rewritten, err := p.rewriter.Rewrite(ctx, provider, q.Text, q.Memory, q.Rewrite)
		if err != nil {
			return nil, fmt.Errorf("rewriting query: %w", err)
		}
		result.Query = rewritten
	}

	vectors, err := p.embedder.Embed(ctx, []string{result.Query})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedding query: expected 1 vector, got %d", len(vectors))
	}

	candidates := topK
	if q.Rerank {
		candidates = topK * rerankCandidateFactor
	}
	chunks, err := p.search(ctx, stores, vectors[0], candidates, q.Filters)
	if err != nil {
		return nil, err
	}

	chunks = applyThreshold(chunks, q.Threshold)
	sortBySimilarity(chunks)

	if q.Rerank {
		chunks, err = p.Rerank(ctx, result.Query, chunks, topK)
		if err != nil {
			return nil, err
		}
	} else if len(chunks) > topK {
		chunks = chunks[:topK]
	}

	block := AssembleContext(chunks, q.MaxContextTokens, p.counter)
	result.Chunks = block.Chunks
	result.Context = block.Text
	result.ContextTokens = block.Tokens
	result.Dropped = block.Dropped
	result.Truncated = block.Dropped > 0
	if result.Truncated {
		p.logger.Warn("retrieval context truncated",
			"event", "context_truncated",
			"max_context_tokens", q.MaxContextTokens,
			"kept", len(block.Chunks),
			"dropped", block.Dropped)
	}
	return result, nil
}

// Rerank scores chunks against query, orders them by rerank score and
// keeps the first topK. Equal scores keep their incoming order.
func (p *Pipeline) Rerank(ctx context.Context, query string, chunks []Chunk, topK int) ([]Chunk, error) {
	if len(chunks) == 0 {
		return chunks, nil
	}
	start := time.Now()
	scores, err := p.reranker.Score(ctx, query, chunks)
	if err != nil {
		return nil, fmt.Errorf("reranking: %w", err)
	}
	if len(scores) != len(chunks) {
		return nil, fmt.Errorf("reranking: scorer returned %d scores for %d chunks", len(scores), len(chunks))
	}

	type ranked struct {
		chunk Chunk
		prior int
	}
	items := make([]ranked, len(chunks))
	for i, c := range chunks {
		score := scores[i]
		c.RerankScore = &score
		items[i] = ranked{chunk: c, prior: i}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return *items[i].chunk.RerankScore > *items[j].chunk.RerankScore
	})

	if topK <= 0 || topK > len(items) {
		topK = len(items)
	}
	out := make([]Chunk, topK)
	for i := range out {
		out[i] = items[i].chunk
		out[i].RankChange = items[i].prior - i
	}
	p.logger.Debug("reranked chunks", "candidates", len(chunks), "kept", topK, "duration", time.Since(start))
	return out, nil
}

func (p *Pipeline) selectStores(names []string) ([]Store, error) {
	if len(p.order) == 0 {
		return nil, &errors.ValidationError{Field: "backends", Message: "no vector stores configured"}
	}
	if len(names) == 0 {
		names = p.order
	}
	stores := make([]Store, 0, len(names))
	for _, name := range names {
		s, ok := p.stores[name]
		if !ok {
			return nil, &errors.NotFoundError{Resource: "vector store", ID: name}
		}
		stores = append(stores, s)
	}
	return stores, nil
}

// search queries every store concurrently and merges the candidates.
func (p *Pipeline) search(ctx context.Context, stores []Store, vector []float32, topK int, filters map[string]interface{}) ([]Chunk, error) {
	results := make([][]Chunk, len(stores))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range stores {
		g.Go(func() error {
			chunks, err := s.Search(gctx, vector, topK, filters)
			if err != nil {
				return fmt.Errorf("searching %s: %w", s.Name(), err)
			}
			for j := range chunks {
				if chunks[j].Backend == "" {
					chunks[j].Backend = s.Name()
				}
			}
			results[i] = chunks
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return Merge(results...), nil
}

// Merge combines candidate lists, keeping the higher-scoring copy of any
// chunk id that appears more than once. First-seen order is preserved.
func Merge(lists ...[]Chunk) []Chunk {
	index := make(map[string]int)
	var merged []Chunk
	for _, list := range lists {
		for _, c := range list {
			if i, seen := index[c.ChunkID]; seen {
				if c.Score > merged[i].Score {
					merged[i] = c
				}
				continue
			}
			index[c.ChunkID] = len(merged)
			merged = append(merged, c)
		}
	}
	return merged
}

func applyThreshold(chunks []Chunk, threshold float64) []Chunk {
	kept := chunks[:0]
	for _, c := range chunks {
		if c.Score >= threshold {
			kept = append(kept, c)
		}
	}
	return kept
}

func sortBySimilarity(chunks []Chunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		return chunks[i].Score > chunks[j].Score
	})
}
