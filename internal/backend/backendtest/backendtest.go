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

// Package backendtest holds the conformance suite every backend runs.
package backendtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/ragrunner/internal/backend"
	"github.com/tombee/ragrunner/pkg/errors"
	"github.com/tombee/ragrunner/pkg/eval"
	"github.com/tombee/ragrunner/pkg/llm"
	"github.com/tombee/ragrunner/pkg/workflow"
)

// Run exercises a backend. newBackend must return an empty backend on each
// call.
func Run(t *testing.T, newBackend func(t *testing.T) backend.Backend) {
	t.Run("SaveAndGetExecution", func(t *testing.T) { testSaveAndGet(t, newBackend(t)) })
	t.Run("SaveExecutionReplaces", func(t *testing.T) { testReplace(t, newBackend(t)) })
	t.Run("ListExecutions", func(t *testing.T) { testListExecutions(t, newBackend(t)) })
	t.Run("Evaluations", func(t *testing.T) { testEvaluations(t, newBackend(t)) })
}

// base is truncated so every backend round-trips it exactly.
var base = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

func record(id, spec string, status workflow.Status, at time.Time) *workflow.ExecutionRecord {
	return &workflow.ExecutionRecord{
		ExecutionID: id,
		SpecID:      spec,
		SpecKind:    workflow.KindWorkflow,
		Status:      status,
		Input:       map[string]interface{}{"query": "how do I reset my password?"},
		Output:      map[string]interface{}{"content": "Open settings."},
		TokenUsage:  llm.TokenUsage{InputTokens: 30, OutputTokens: 12, TotalTokens: 42},
		Duration:    1500 * time.Millisecond,
		Steps: []workflow.StepResult{{
			Name:      "answer",
			Kind:      workflow.StepLLMCall,
			Status:    workflow.StepSucceeded,
			Output:    map[string]interface{}{"content": "Open settings."},
			Tokens:    42,
			Duration:  time.Second,
			Attempts:  1,
			StartedAt: at,
		}},
		Metadata:    map[string]interface{}{"model": "gpt-4o-mini"},
		CreatedAt:   at,
		CompletedAt: at.Add(1500 * time.Millisecond),
	}
}

func testSaveAndGet(t *testing.T, b backend.Backend) {
	defer b.Close()
	ctx := context.Background()

	want := record("exec-1", "support", workflow.StatusCompleted, base)
	require.NoError(t, b.SaveExecution(ctx, want))

	got, err := b.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, want.SpecID, got.SpecID)
	assert.Equal(t, want.SpecKind, got.SpecKind)
	assert.Equal(t, want.Status, got.Status)
	assert.Equal(t, want.TokenUsage, got.TokenUsage)
	assert.Equal(t, want.Duration, got.Duration)
	assert.Equal(t, "how do I reset my password?", got.Input["query"])
	assert.Equal(t, "Open settings.", got.Answer())
	assert.Equal(t, "gpt-4o-mini", got.Metadata["model"])
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt), "created_at %v", got.CreatedAt)
	assert.True(t, want.CompletedAt.Equal(got.CompletedAt), "completed_at %v", got.CompletedAt)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, "answer", got.Steps[0].Name)
	assert.Equal(t, 42, got.Steps[0].Tokens)
	assert.Equal(t, time.Second, got.Steps[0].Duration)

	_, err = b.GetExecution(ctx, "missing")
	var nf *errors.NotFoundError
	assert.True(t, errors.As(err, &nf), "err = %v", err)
}

func testReplace(t *testing.T, b backend.Backend) {
	defer b.Close()
	ctx := context.Background()

	r := record("exec-1", "support", workflow.StatusCompleted, base)
	require.NoError(t, b.SaveExecution(ctx, r))
	r.Status = workflow.StatusFailed
	r.Error = "provider unavailable"
	require.NoError(t, b.SaveExecution(ctx, r))

	got, err := b.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, got.Status)
	assert.Equal(t, "provider unavailable", got.Error)

	all, err := b.ListExecutions(ctx, backend.ExecutionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testListExecutions(t *testing.T, b backend.Backend) {
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.SaveExecution(ctx, record("a", "support", workflow.StatusCompleted, base)))
	require.NoError(t, b.SaveExecution(ctx, record("b", "support", workflow.StatusFailed, base.Add(time.Minute))))
	require.NoError(t, b.SaveExecution(ctx, record("c", "billing", workflow.StatusCompleted, base.Add(2*time.Minute))))
	require.NoError(t, b.SaveExecution(ctx, record("d", "support", workflow.StatusCompleted, base.Add(3*time.Minute))))

	ids := func(filter backend.ExecutionFilter) []string {
		t.Helper()
		records, err := b.ListExecutions(ctx, filter)
		require.NoError(t, err)
		out := []string{}
		for _, r := range records {
			out = append(out, r.ExecutionID)
		}
		return out
	}

	assert.Equal(t, []string{"d", "c", "b", "a"}, ids(backend.ExecutionFilter{}))
	assert.Equal(t, []string{"d", "b", "a"}, ids(backend.ExecutionFilter{SpecID: "support"}))
	assert.Equal(t, []string{"d", "a"}, ids(backend.ExecutionFilter{SpecID: "support", Status: workflow.StatusCompleted}))
	assert.Equal(t, []string{"d", "c"}, ids(backend.ExecutionFilter{Since: base.Add(2 * time.Minute)}))
	assert.Equal(t, []string{"c", "b"}, ids(backend.ExecutionFilter{Limit: 2, Offset: 1}))
	assert.Equal(t, []string{"a"}, ids(backend.ExecutionFilter{Offset: 3}))
}

func testEvaluations(t *testing.T, b backend.Backend) {
	defer b.Close()
	ctx := context.Background()

	results := []*eval.Result{
		{ID: "r1", Case: "reset", Type: eval.TypeGoldenAnswer, Expected: "Open settings.", Actual: "Open settings.", Score: 1, Passed: true,
			Metrics: map[string]interface{}{"similarity": 1.0}, ExecutionID: "exec-1", CreatedAt: base},
		{ID: "r2", Case: "grounded", Type: eval.TypeHallucination, Score: 0.5, Passed: false,
			Metrics: map[string]interface{}{"hallucination": true}, Error: "", CreatedAt: base.Add(time.Minute)},
		{ID: "r3", Case: "reset", Type: eval.TypeGoldenAnswer, Expected: "Open settings.", Score: 0, Passed: false,
			Error: "execution exec-3 ended failed", Duration: 250 * time.Millisecond, CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, r := range results {
		require.NoError(t, b.SaveEvaluation(ctx, r))
	}

	all, err := b.ListEvaluations(ctx, backend.EvaluationFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "r3", all[0].ID)
	assert.Equal(t, "execution exec-3 ended failed", all[0].Error)
	assert.Equal(t, 250*time.Millisecond, all[0].Duration)
	assert.Equal(t, "Open settings.", all[2].Actual)
	assert.Equal(t, 1.0, all[2].Metrics["similarity"])
	assert.Equal(t, "exec-1", all[2].ExecutionID)

	reset, err := b.ListEvaluations(ctx, backend.EvaluationFilter{Case: "reset", Limit: 1})
	require.NoError(t, err)
	require.Len(t, reset, 1)
	assert.Equal(t, "r3", reset[0].ID)

	passed := true
	ok, err := b.ListEvaluations(ctx, backend.EvaluationFilter{Passed: &passed})
	require.NoError(t, err)
	require.Len(t, ok, 1)
	assert.Equal(t, "r1", ok[0].ID)

	hallucination, err := b.ListEvaluations(ctx, backend.EvaluationFilter{Type: eval.TypeHallucination})
	require.NoError(t, err)
	require.Len(t, hallucination, 1)
	assert.Equal(t, true, hallucination[0].Metrics["hallucination"])
}
