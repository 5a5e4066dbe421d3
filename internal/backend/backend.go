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

// Package backend provides storage for execution records and evaluation
// results.
//
// # Interface Hierarchy
//
//   - ExecutionStore (required): SaveExecution, GetExecution, ListExecutions
//   - EvaluationStore (optional): SaveEvaluation, ListEvaluations
//   - io.Closer (optional): Close
//
// The Backend interface composes all of these. ExecutionStore satisfies the
// engine's record sink and EvaluationStore the eval harness's result sink,
// so one backend can be handed to both.
package backend

import (
	"context"
	"io"
	"time"

	"github.com/tombee/ragrunner/pkg/eval"
	"github.com/tombee/ragrunner/pkg/workflow"
)

// ExecutionStore persists execution records. Saving a record whose
// execution id already exists replaces it.
type ExecutionStore interface {
	SaveExecution(ctx context.Context, record *workflow.ExecutionRecord) error

	// GetExecution returns a NotFoundError when id is unknown.
	GetExecution(ctx context.Context, id string) (*workflow.ExecutionRecord, error)

	// ListExecutions returns matching records, newest first.
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*workflow.ExecutionRecord, error)
}

// EvaluationStore persists evaluation results.
type EvaluationStore interface {
	SaveEvaluation(ctx context.Context, result *eval.Result) error

	// ListEvaluations returns matching results, newest first.
	ListEvaluations(ctx context.Context, filter EvaluationFilter) ([]*eval.Result, error)
}

// Backend is the full storage interface.
type Backend interface {
	ExecutionStore
	EvaluationStore
	io.Closer
}

// ExecutionFilter narrows ListExecutions. Zero values match everything.
type ExecutionFilter struct {
	SpecID string
	Status workflow.Status
	Since  time.Time
	Limit  int
	Offset int
}

// Matches reports whether record passes the filter, ignoring paging.
func (f ExecutionFilter) Matches(record *workflow.ExecutionRecord) bool {
	if f.SpecID != "" && record.SpecID != f.SpecID {
		return false
	}
	if f.Status != "" && record.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && record.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// EvaluationFilter narrows ListEvaluations. Zero values match everything.
type EvaluationFilter struct {
	Case   string
	Type   eval.CaseType
	Passed *bool
	Limit  int
}

// Matches reports whether result passes the filter, ignoring the limit.
func (f EvaluationFilter) Matches(result *eval.Result) bool {
	if f.Case != "" && result.Case != f.Case {
		return false
	}
	if f.Type != "" && result.Type != f.Type {
		return false
	}
	if f.Passed != nil && result.Passed != *f.Passed {
		return false
	}
	return true
}
