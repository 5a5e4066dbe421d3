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

// Package memory provides an in-memory backend for tests and one-shot runs.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/tombee/ragrunner/internal/backend"
	"github.com/tombee/ragrunner/pkg/errors"
	"github.com/tombee/ragrunner/pkg/eval"
	"github.com/tombee/ragrunner/pkg/workflow"
)

var _ backend.Backend = (*Backend)(nil)

// Backend is an in-memory storage backend.
type Backend struct {
	mu          sync.RWMutex
	executions  map[string]*workflow.ExecutionRecord
	evaluations []*eval.Result
}

// New creates a new in-memory backend.
func New() *Backend {
	return &Backend{executions: make(map[string]*workflow.ExecutionRecord)}
}

// SaveExecution stores a copy of record.
func (b *Backend) SaveExecution(ctx context.Context, record *workflow.ExecutionRecord) error {
	if record == nil || record.ExecutionID == "" {
		return &errors.ValidationError{Field: "execution_id", Message: "record has no execution id"}
	}
	cp := *record
	b.mu.Lock()
	defer b.mu.Unlock()
	b.executions[record.ExecutionID] = &cp
	return nil
}

// GetExecution retrieves a record by execution id.
func (b *Backend) GetExecution(ctx context.Context, id string) (*workflow.ExecutionRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	record, ok := b.executions[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "execution", ID: id}
	}
	cp := *record
	return &cp, nil
}

// ListExecutions lists records newest first.
func (b *Backend) ListExecutions(ctx context.Context, filter backend.ExecutionFilter) ([]*workflow.ExecutionRecord, error) {
	b.mu.RLock()
	var result []*workflow.ExecutionRecord
	for _, record := range b.executions {
		if filter.Matches(record) {
			cp := *record
			result = append(result, &cp)
		}
	}
	b.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return nil, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// SaveEvaluation appends a copy of result.
func (b *Backend) SaveEvaluation(ctx context.Context, result *eval.Result) error {
	if result == nil {
		return &errors.ValidationError{Field: "result", Message: "result is nil"}
	}
	cp := *result
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evaluations = append(b.evaluations, &cp)
	return nil
}

// ListEvaluations lists results newest first.
func (b *Backend) ListEvaluations(ctx context.Context, filter backend.EvaluationFilter) ([]*eval.Result, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*eval.Result
	for i := len(b.evaluations) - 1; i >= 0; i-- {
		if filter.Matches(b.evaluations[i]) {
			cp := *b.evaluations[i]
			result = append(result, &cp)
		}
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}

// Close is a no-op.
func (b *Backend) Close() error {
	return nil
}
