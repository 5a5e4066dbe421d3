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

// Package embedcache wraps an embedder with a Redis cache keyed by model
// and text hash, so repeated queries and re-ingested chunks skip the
// embedding service.
package embedcache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/tombee/ragrunner/pkg/llm"
)

// DefaultTTL is how long a cached vector lives.
const DefaultTTL = 7 * 24 * time.Hour

// Embedder is an llm.Embedder that consults Redis before the inner embedder.
type Embedder struct {
	inner  llm.Embedder
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// Options configures the cache.
type Options struct {
	// Namespace separates vectors from different models; it is part of
	// every key.
	Namespace string
	TTL       time.Duration
	Logger    *slog.Logger
}

// New wraps inner with a cache on client.
func New(inner llm.Embedder, client *redis.Client, opts Options) *Embedder {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ns := opts.Namespace
	if ns == "" {
		ns = "default"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Embedder{
		inner:  inner,
		client: client,
		prefix: fmt.Sprintf("ragrunner:emb:%s:%d:", ns, inner.Dimension()),
		ttl:    ttl,
		logger: logger,
	}
}

// Dimension implements llm.Embedder.
func (e *Embedder) Dimension() int { return e.inner.Dimension() }

// Embed implements llm.Embedder. Cache failures are logged and bypassed;
// only the inner embedder's errors are returned.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	keys := make([]string, len(texts))
	for i, t := range texts {
		keys[i] = e.key(t)
	}

	out := make([][]float32, len(texts))
	cached, err := e.client.MGet(ctx, keys...).Result()
	if err != nil {
		e.logger.Warn("embedding cache read failed", "error", err)
		cached = nil
	}

	var missIdx []int
	var missTexts []string
	for i := range texts {
		if i < len(cached) {
			if s, ok := cached[i].(string); ok {
				if v, ok := decode(s, e.Dimension()); ok {
					out[i] = v
					continue
				}
			}
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, texts[i])
	}
	if len(missIdx) == 0 {
		return out, nil
	}

	vectors, err := e.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missTexts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(missTexts))
	}

	pipe := e.client.Pipeline()
	for j, i := range missIdx {
		out[i] = vectors[j]
		pipe.Set(ctx, keys[i], encode(vectors[j]), e.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		e.logger.Warn("embedding cache write failed", "error", err)
	}
	e.logger.Debug("embedding cache", "hits", len(texts)-len(missIdx), "misses", len(missIdx))
	return out, nil
}

func (e *Embedder) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return e.prefix + hex.EncodeToString(sum[:])
}

func encode(v []float32) string {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return string(buf)
}

func decode(s string, dim int) ([]float32, bool) {
	if len(s)%4 != 0 || (dim > 0 && len(s) != 4*dim) {
		return nil, false
	}
	v := make([]float32, len(s)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32([]byte(s[4*i : 4*i+4])))
	}
	return v, true
}
