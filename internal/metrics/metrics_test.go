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

package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/ragrunner/pkg/engine"
	"github.com/tombee/ragrunner/pkg/llm"
	"github.com/tombee/ragrunner/pkg/workflow"
)

var _ engine.Observer = (*Collector)(nil)

func TestCollector_Executions(t *testing.T) {
	c := New()

	c.ExecutionFinished("rag", workflow.KindWorkflow, workflow.StatusCompleted, llm.TokenUsage{InputTokens: 30, OutputTokens: 12, TotalTokens: 42}, time.Second)
	c.ExecutionFinished("rag", workflow.KindWorkflow, workflow.StatusBudgetExceeded, llm.TokenUsage{InputTokens: 10, TotalTokens: 10}, time.Second)
	c.ExecutionFinished("helper", workflow.KindAgent, workflow.StatusCompleted, llm.TokenUsage{}, time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.requests.WithLabelValues("rag", "workflow", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.requests.WithLabelValues("rag", "workflow", "budget_exceeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.requests.WithLabelValues("helper", "agent", "completed")))
	assert.Equal(t, 40.0, testutil.ToFloat64(c.tokens.WithLabelValues("rag", "input")))
	assert.Equal(t, 12.0, testutil.ToFloat64(c.tokens.WithLabelValues("rag", "output")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.tokens), "zero usage adds no series")
}

func TestCollector_Steps(t *testing.T) {
	c := New()

	c.StepFinished("rag", workflow.StepResult{Name: "search", Kind: workflow.StepRetrieval, Status: workflow.StepSucceeded, Duration: 40 * time.Millisecond})
	c.StepFinished("rag", workflow.StepResult{Name: "answer", Kind: workflow.StepLLMCall, Status: workflow.StepFailed, Duration: 2 * time.Second})
	c.StepFinished("rag", workflow.StepResult{Name: "escalate", Kind: workflow.StepToolCall, Status: workflow.StepSkipped})
	c.StepRetried("rag", "answer", nil)
	c.StepRetried("rag", "answer", nil)
	c.ToolExecuted("search_docs", true)
	c.ToolExecuted("search_docs", false)
	c.ContextTruncated("rag")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.steps.WithLabelValues("rag", "answer", "llm_call", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.steps.WithLabelValues("rag", "escalate", "tool_call", "skipped")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.stepDuration), "skipped steps are not timed")
	assert.Equal(t, 2.0, testutil.ToFloat64(c.retries.WithLabelValues("rag", "answer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tools.WithLabelValues("search_docs", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.truncations.WithLabelValues("rag")))

	expected := `
# HELP ragrunner_tool_executions_total Total tool invocations by tool and outcome
# TYPE ragrunner_tool_executions_total counter
ragrunner_tool_executions_total{status="error",tool="search_docs"} 1
ragrunner_tool_executions_total{status="success",tool="search_docs"} 1
`
	require.NoError(t, testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected), "ragrunner_tool_executions_total"))
}

func TestCollector_Handler(t *testing.T) {
	c := New()
	c.ContextTruncated("rag")

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `ragrunner_retrieval_truncations_total{spec="rag"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
