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

package engine

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/ragrunner/pkg/errors"
	"github.com/tombee/ragrunner/pkg/llm"
	"github.com/tombee/ragrunner/pkg/llm/providers"
	"github.com/tombee/ragrunner/pkg/retrieval"
	"github.com/tombee/ragrunner/pkg/retrieval/memstore"
	"github.com/tombee/ragrunner/pkg/secrets"
	"github.com/tombee/ragrunner/pkg/tools"
	"github.com/tombee/ragrunner/pkg/workflow"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// funcTool adapts a function to the tools.Tool contract.
type funcTool struct {
	name string
	fn   func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error)
}

func (f *funcTool) Name() string        { return f.name }
func (f *funcTool) Description() string { return "test tool " + f.name }
func (f *funcTool) Schema() *tools.Schema {
	return &tools.Schema{Inputs: &tools.ParameterSchema{
		Type: "object",
		Properties: map[string]*tools.Property{
			"query": {Type: "string"},
			"id":    {Type: "string"},
		},
	}}
}
func (f *funcTool) Execute(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	return f.fn(ctx, args)
}

// recorder is an Observer and RecordSink that keeps what it sees.
type recorder struct {
	mu        sync.Mutex
	statuses  []workflow.Status
	steps     []workflow.StepResult
	retries   []string
	tools     map[string]int
	truncated int
	saved     []*workflow.ExecutionRecord
	saveErr   error
	panicOn   string
}

func newRecorder() *recorder { return &recorder{tools: map[string]int{}} }

func (r *recorder) ExecutionFinished(_ string, _ workflow.SpecKind, status workflow.Status, _ llm.TokenUsage, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *recorder) StepFinished(_ string, step workflow.StepResult) {
	if step.Name == r.panicOn {
		panic("observer exploded")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, step)
}

func (r *recorder) StepRetried(_ string, step string, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries = append(r.retries, step)
}

func (r *recorder) ToolExecuted(tool string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if success {
		r.tools[tool]++
	}
}

func (r *recorder) ContextTruncated(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.truncated++
}

func (r *recorder) SaveExecution(_ context.Context, record *workflow.ExecutionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, record)
	return r.saveErr
}

func newCatalog(t *testing.T, docs ...string) *workflow.Catalog {
	t.Helper()
	c := workflow.NewCatalog(quietLogger())
	for _, doc := range docs {
		spec, err := workflow.ParseSpec([]byte(doc))
		require.NoError(t, err)
		require.NoError(t, c.Add(spec))
	}
	return c
}

func newPipeline(t *testing.T, embedder *providers.ScriptedProvider) *retrieval.Pipeline {
	t.Helper()
	store := memstore.New("docs")
	_, err := retrieval.NewIngestor(embedder, retrieval.Chunker{}, store).WithLogger(quietLogger()).Ingest(context.Background(), []retrieval.Document{
		{ID: "reset", Text: "To reset your password open settings and choose reset password."},
		{ID: "billing", Text: "Invoices are emailed on the first day of each month."},
	})
	require.NoError(t, err)
	return retrieval.NewPipeline(embedder, retrieval.WithStore(store), retrieval.WithLogger(quietLogger()))
}

func sumTokens(steps []workflow.StepResult) int {
	total := 0
	for _, s := range steps {
		total += s.Tokens
	}
	return total
}

const ragSpec = `
name: support-rag
steps:
  - name: search
    kind: retrieval
    config:
      top_k: 1
  - name: answer
    kind: llm_call
    config:
      system: "Answer from the context only."
      prompt: "Context:\n{{.steps.search.context}}\n\nQuestion: {{.input.query}}"
`

func TestExecute_RetrievalThenLLM(t *testing.T) {
	embedder := providers.NewScriptedProvider()
	llmProvider := providers.NewScriptedProvider(providers.ScriptedResponse{
		Content: "Open settings and choose reset password.",
		Usage:   llm.TokenUsage{InputTokens: 40, OutputTokens: 10},
	})
	rec := newRecorder()
	eng := New(newCatalog(t, ragSpec),
		WithProvider(llmProvider),
		WithPipeline(newPipeline(t, embedder)),
		WithObserver(rec),
		WithRecordSink(rec),
		WithLogger(quietLogger()))

	record := eng.Execute(context.Background(), "support-rag", map[string]interface{}{"query": "How do I reset my password?"})

	require.Equal(t, workflow.StatusCompleted, record.Status, record.Error)
	assert.NotEmpty(t, record.ExecutionID)
	assert.Equal(t, workflow.KindWorkflow, record.SpecKind)
	require.Len(t, record.Steps, 2)
	assert.Equal(t, workflow.StepSucceeded, record.Steps[0].Status)
	assert.Equal(t, "Open settings and choose reset password.", record.Answer())
	assert.Equal(t, 50, record.TokenUsage.TotalTokens)
	assert.Equal(t, record.TokenUsage.TotalTokens, sumTokens(record.Steps))
	assert.NotEmpty(t, record.Metadata["correlation_id"])
	assert.False(t, record.CompletedAt.Before(record.CreatedAt))

	calls := llmProvider.Calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].Messages, 2)
	assert.Contains(t, calls[0].Messages[1].Content, "reset password")
	assert.Contains(t, calls[0].Messages[1].Content, "Question: How do I reset my password?")

	assert.Equal(t, []workflow.Status{workflow.StatusCompleted}, rec.statuses)
	assert.Len(t, rec.steps, 2)
	require.Len(t, rec.saved, 1)
	assert.Same(t, record, rec.saved[0])
}

func TestExecute_UnknownSpec(t *testing.T) {
	rec := newRecorder()
	eng := New(newCatalog(t), WithRecordSink(rec), WithObserver(rec), WithLogger(quietLogger()))

	record := eng.Execute(context.Background(), "missing", nil)

	assert.Equal(t, workflow.StatusFailed, record.Status)
	assert.Contains(t, record.Error, "spec not found: missing")
	assert.Empty(t, record.Steps)
	assert.Len(t, rec.saved, 1)
}

func TestExecute_FalseConditionSkipsStep(t *testing.T) {
	spec := `
name: gated
steps:
  - name: first
    kind: llm_call
    config: {prompt: "hello"}
  - name: second
    kind: llm_call
    condition: input.verbose == true
    config: {prompt: "more"}
`
	llmProvider := providers.NewScriptedProvider(providers.ScriptedResponse{Content: "hi"})
	eng := New(newCatalog(t, spec), WithProvider(llmProvider), WithLogger(quietLogger()))

	record := eng.Execute(context.Background(), "gated", map[string]interface{}{"verbose": false})

	require.Equal(t, workflow.StatusCompleted, record.Status, record.Error)
	require.Len(t, record.Steps, 2)
	assert.Equal(t, workflow.StepSkipped, record.Steps[1].Status)
	assert.Equal(t, map[string]interface{}{"skipped": true, "reason": "condition evaluated to false"}, record.Steps[1].Output)
	assert.Equal(t, 0, record.Steps[1].Tokens)
	assert.Equal(t, "hi", record.Answer(), "output comes from the last succeeded step")
	assert.Len(t, llmProvider.Calls(), 1)
}

func TestExecute_BudgetDeniedBeforeCall(t *testing.T) {
	spec := `
name: tight
token_budget: 50
steps:
  - name: answer
    kind: llm_call
    config: {prompt: "Summarize everything", max_tokens: 500}
`
	llmProvider := providers.NewScriptedProvider()
	eng := New(newCatalog(t, spec), WithProvider(llmProvider), WithLogger(quietLogger()))

	record := eng.Execute(context.Background(), "tight", nil)

	assert.Equal(t, workflow.StatusBudgetExceeded, record.Status)
	assert.Empty(t, llmProvider.Calls())
	assert.Equal(t, 0, record.TokenUsage.TotalTokens)
	require.Len(t, record.Steps, 1)
	assert.Equal(t, 1, record.Steps[0].Attempts, "budget denial is not retried")
}

func TestExecute_RetriesTransientFailures(t *testing.T) {
	spec := `
name: flaky
max_retries: 2
steps:
  - name: answer
    kind: llm_call
    config: {prompt: "hello"}
`
	llmProvider := providers.NewScriptedProvider(
		providers.ScriptedResponse{Err: &errors.ProviderError{Provider: "scripted", StatusCode: 503, Message: "unavailable"}},
		providers.ScriptedResponse{Content: "recovered", Usage: llm.TokenUsage{TotalTokens: 9}},
	)
	rec := newRecorder()
	eng := New(newCatalog(t, spec),
		WithProvider(llmProvider),
		WithObserver(rec),
		WithRetryDelays(time.Millisecond, 5*time.Millisecond),
		WithLogger(quietLogger()))

	record := eng.Execute(context.Background(), "flaky", nil)

	require.Equal(t, workflow.StatusCompleted, record.Status, record.Error)
	assert.Equal(t, 2, record.Steps[0].Attempts)
	assert.Equal(t, []string{"answer"}, rec.retries)
	assert.Equal(t, 9, record.TokenUsage.TotalTokens, "failed attempts are not charged")
}

func TestExecute_RetriesTransientToolFailures(t *testing.T) {
	calls := 0
	lookup := &funcTool{name: "lookup", fn: func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		calls++
		if calls == 1 {
			return nil, &errors.TransientError{Operation: "api request", Message: "connection reset by peer"}
		}
		return map[string]interface{}{"status": "shipped"}, nil
	}}
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(lookup))
	spec := `
name: order-lookup
max_retries: 3
steps:
  - name: fetch
    kind: tool_call
    config: {tool: lookup}
`
	rec := newRecorder()
	eng := New(newCatalog(t, spec),
		WithRegistry(registry),
		WithObserver(rec),
		WithRetryDelays(time.Millisecond, 5*time.Millisecond),
		WithLogger(quietLogger()))

	record := eng.Execute(context.Background(), "order-lookup", nil)

	require.Equal(t, workflow.StatusCompleted, record.Status, record.Error)
	require.Len(t, record.Steps, 1)
	assert.Equal(t, workflow.StepSucceeded, record.Steps[0].Status)
	assert.Equal(t, 2, record.Steps[0].Attempts)
	assert.Equal(t, []string{"fetch"}, rec.retries)
	assert.Equal(t, map[string]interface{}{"status": "shipped"}, record.Output)
}

func TestExecute_ToolFailureIsNotRetried(t *testing.T) {
	calls := 0
	lookup := &funcTool{name: "lookup", fn: func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		calls++
		return nil, stderrors.New("order not found")
	}}
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(lookup))
	spec := `
name: order-lookup
max_retries: 3
steps:
  - name: fetch
    kind: tool_call
    config: {tool: lookup}
`
	eng := New(newCatalog(t, spec),
		WithRegistry(registry),
		WithRetryDelays(time.Millisecond, 5*time.Millisecond),
		WithLogger(quietLogger()))

	record := eng.Execute(context.Background(), "order-lookup", nil)

	assert.Equal(t, workflow.StatusFailed, record.Status)
	assert.Equal(t, 1, calls)
	assert.Contains(t, record.Error, "order not found")
}

func TestExecute_RetrievalIsIdempotent(t *testing.T) {
	spec := `
name: lookup-only
steps:
  - name: search
    kind: retrieval
    config:
      top_k: 2
`
	eng := New(newCatalog(t, spec),
		WithPipeline(newPipeline(t, providers.NewScriptedProvider())),
		WithLogger(quietLogger()))
	input := map[string]interface{}{"query": "How do I reset my password?"}

	first := eng.Execute(context.Background(), "lookup-only", input)
	second := eng.Execute(context.Background(), "lookup-only", input)

	require.Equal(t, workflow.StatusCompleted, first.Status, first.Error)
	require.Equal(t, workflow.StatusCompleted, second.Status, second.Error)
	require.Len(t, first.Steps, 1)
	require.Len(t, second.Steps, 1)
	assert.Equal(t, first.Steps[0].Output, second.Steps[0].Output)
	assert.Equal(t, first.Steps[0].Tokens, second.Steps[0].Tokens)
	assert.Equal(t, first.TokenUsage, second.TokenUsage)
	assert.NotEqual(t, first.ExecutionID, second.ExecutionID)
}

func TestExecute_CapitalOfFrance(t *testing.T) {
	embedder := providers.NewScriptedProvider()
	store := memstore.New("facts")
	_, err := retrieval.NewIngestor(embedder, retrieval.Chunker{}, store).WithLogger(quietLogger()).Ingest(context.Background(), []retrieval.Document{
		{ID: "france", Text: "Paris is the capital of France."},
		{ID: "germany", Text: "Berlin is the capital of Germany."},
		{ID: "rivers", Text: "The Loire is the longest river in France."},
	})
	require.NoError(t, err)
	pipeline := retrieval.NewPipeline(embedder, retrieval.WithStore(store), retrieval.WithLogger(quietLogger()))

	spec := `
name: capital-qa
steps:
  - name: retrieve
    kind: retrieval
    config:
      top_k: 5
  - name: generate
    kind: llm_call
    config:
      prompt: "Context:\n{{.steps.retrieve.context}}\n\nQuestion: {{.input.query}}"
`
	llmProvider := providers.NewScriptedProvider(providers.ScriptedResponse{Content: "Paris is the capital of France."})
	eng := New(newCatalog(t, spec), WithProvider(llmProvider), WithPipeline(pipeline), WithLogger(quietLogger()))

	record := eng.Execute(context.Background(), "capital-qa", map[string]interface{}{"query": "What is the capital of France?"})

	require.Equal(t, workflow.StatusCompleted, record.Status, record.Error)
	assert.Contains(t, record.Answer(), "Paris")
	block, _ := record.Steps[0].Output["context"].(string)
	assert.Contains(t, block, "Paris is the capital of France")
	require.Len(t, llmProvider.Calls(), 1)
	assert.Contains(t, llmProvider.Calls()[0].Messages[len(llmProvider.Calls()[0].Messages)-1].Content, "Paris is the capital of France")
}

func TestExecute_NonTransientErrorsAreNotRetried(t *testing.T) {
	spec := `
name: broken-template
max_retries: 3
steps:
  - name: answer
    kind: llm_call
    config: {prompt: "{{.input.missing.field}}"}
`
	llmProvider := providers.NewScriptedProvider()
	eng := New(newCatalog(t, spec), WithProvider(llmProvider), WithLogger(quietLogger()))

	record := eng.Execute(context.Background(), "broken-template", map[string]interface{}{})

	assert.Equal(t, workflow.StatusFailed, record.Status)
	require.Len(t, record.Steps, 1)
	assert.Equal(t, 1, record.Steps[0].Attempts)
	assert.Empty(t, llmProvider.Calls())
}

func TestExecute_FallbackAfterFailure(t *testing.T) {
	failing := &funcTool{name: "lookup", fn: func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		return nil, stderrors.New("backend down")
	}}
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(failing))

	withFallback := `
name: with-fallback
steps:
  - name: fetch
    kind: tool_call
    config: {tool: lookup, arguments: {id: "{{.input.id}}"}}
  - name: apologize
    kind: llm_call
    condition: failed("fetch")
    config: {prompt: "Say sorry"}
`
	withoutFallback := `
name: without-fallback
steps:
  - name: fetch
    kind: tool_call
    config: {tool: lookup}
  - name: summarize
    kind: llm_call
    config: {prompt: "Summarize"}
`
	llmProvider := providers.NewScriptedProvider(providers.ScriptedResponse{Content: "Sorry, try later."})
	eng := New(newCatalog(t, withFallback, withoutFallback),
		WithProvider(llmProvider), WithRegistry(registry), WithLogger(quietLogger()))

	record := eng.Execute(context.Background(), "with-fallback", map[string]interface{}{"id": "42"})
	require.Equal(t, workflow.StatusCompleted, record.Status, record.Error)
	require.Len(t, record.Steps, 2)
	assert.Equal(t, workflow.StepFailed, record.Steps[0].Status)
	assert.Contains(t, record.Steps[0].Error, "backend down")
	assert.Equal(t, "Sorry, try later.", record.Answer())

	record = eng.Execute(context.Background(), "without-fallback", nil)
	assert.Equal(t, workflow.StatusFailed, record.Status)
	assert.Contains(t, record.Error, "step fetch")
	assert.Len(t, record.Steps, 1, "execution stops at the failed step")
}

func TestExecute_StepTimeout(t *testing.T) {
	slow := &funcTool{name: "slow", fn: func(ctx context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return map[string]interface{}{}, nil
		}
	}}
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(slow))
	spec := `
name: slow-spec
steps:
  - name: wait
    kind: tool_call
    timeout_seconds: 1
    config: {tool: slow}
`
	eng := New(newCatalog(t, spec), WithRegistry(registry), WithLogger(quietLogger()))

	record := eng.Execute(context.Background(), "slow-spec", nil)

	assert.Equal(t, workflow.StatusTimedOut, record.Status)
	assert.Contains(t, record.Error, "timed out")
}

func TestExecute_ToolOutputProjectionAndConditional(t *testing.T) {
	lookup := &funcTool{name: "lookup", fn: func(_ context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{
			"order": map[string]interface{}{"id": args["id"], "status": "shipped"},
		}, nil
	}}
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(lookup))
	spec := `
name: order-status
steps:
  - name: fetch
    kind: tool_call
    config:
      tool: lookup
      arguments: {id: "{{.input.id}}"}
      output_query: ".order"
  - name: shipped
    kind: conditional
    config: {expression: 'steps.fetch.output.status == "shipped"'}
`
	rec := newRecorder()
	eng := New(newCatalog(t, spec), WithRegistry(registry), WithObserver(rec), WithLogger(quietLogger()))

	record := eng.Execute(context.Background(), "order-status", map[string]interface{}{"id": "A-1"})

	require.Equal(t, workflow.StatusCompleted, record.Status, record.Error)
	assert.Equal(t, map[string]interface{}{"id": "A-1", "status": "shipped"}, record.Steps[0].Output)
	assert.Equal(t, map[string]interface{}{"result": true}, record.Output)
	assert.Equal(t, 1, rec.tools["lookup"])
}

func TestExecute_RerankStep(t *testing.T) {
	spec := `
name: reranked
steps:
  - name: search
    kind: retrieval
    config: {top_k: 2}
  - name: rerank
    kind: rerank
    config: {from: search, top_k: 1}
`
	eng := New(newCatalog(t, spec), WithPipeline(newPipeline(t, providers.NewScriptedProvider())), WithLogger(quietLogger()))

	record := eng.Execute(context.Background(), "reranked", map[string]interface{}{"query": "when are invoices emailed"})

	require.Equal(t, workflow.StatusCompleted, record.Status, record.Error)
	chunks := retrieval.ChunksFromOutput(record.Output)
	require.Len(t, chunks, 1)
	assert.Equal(t, "billing", chunks[0].DocumentID)
	assert.Contains(t, record.Output["context"], "Invoices")
}

func TestExecute_MemoryIsRenderedIntoPrompts(t *testing.T) {
	spec := `
name: chat
memory: {type: conversation_buffer, max_tokens: 500}
steps:
  - name: reply
    kind: llm_call
    config: {prompt: "History:\n{{.memory}}\nReply to: {{.input.message}}"}
`
	llmProvider := providers.NewScriptedProvider(providers.ScriptedResponse{Content: "Sure."})
	eng := New(newCatalog(t, spec), WithProvider(llmProvider), WithLogger(quietLogger()))

	record := eng.Execute(context.Background(), "chat", map[string]interface{}{
		"message": "and in blue?",
		"history": []interface{}{
			map[string]interface{}{"role": "user", "content": "I want a red bike"},
		},
	})

	require.Equal(t, workflow.StatusCompleted, record.Status, record.Error)
	prompt := llmProvider.Calls()[0].Messages[0].Content
	assert.Contains(t, prompt, "I want a red bike")
	assert.Contains(t, prompt, "and in blue?")
}

func TestExecute_Agent(t *testing.T) {
	search := &funcTool{name: "kb_search", fn: func(_ context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"hits": []interface{}{"reset via settings"}}, nil
	}}
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(search))
	require.NoError(t, registry.Register(&funcTool{name: "unused", fn: nil}))

	spec := `
kind: agent
name: helper
system: "You are a support agent."
tools: [kb_search]
max_iterations: 4
`
	llmProvider := providers.NewScriptedProvider(
		providers.ScriptedResponse{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "kb_search", Arguments: `{"query":"reset"}`}}},
		providers.ScriptedResponse{Content: "Use settings to reset it."},
	)
	rec := newRecorder()
	eng := New(newCatalog(t, spec), WithProvider(llmProvider), WithRegistry(registry), WithObserver(rec), WithLogger(quietLogger()))

	record := eng.Execute(context.Background(), "helper", map[string]interface{}{"question": "How do I reset?"})

	require.Equal(t, workflow.StatusCompleted, record.Status, record.Error)
	assert.Equal(t, workflow.KindAgent, record.SpecKind)
	assert.Equal(t, "Use settings to reset it.", record.Answer())
	require.Len(t, record.Steps, 2)
	assert.Equal(t, "iteration-1", record.Steps[0].Name)
	assert.Equal(t, workflow.StepAgentIteration, record.Steps[0].Kind)
	assert.Equal(t, false, record.Metadata["truncated"])
	assert.Equal(t, record.TokenUsage.TotalTokens, sumTokens(record.Steps))
	assert.Equal(t, 1, rec.tools["kb_search"])

	calls := llmProvider.Calls()
	require.Len(t, calls[0].Tools, 1, "only the agent's tools are offered")
	assert.Equal(t, "kb_search", calls[0].Tools[0].Name)
}

func TestExecute_AgentTruncated(t *testing.T) {
	search := &funcTool{name: "kb_search", fn: func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"hits": []interface{}{}}, nil
	}}
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(search))

	spec := `
kind: agent
name: looper
tools: [kb_search]
max_iterations: 1
`
	llmProvider := providers.NewScriptedProvider(providers.ScriptedResponse{
		Content:   "Let me look that up.",
		ToolCalls: []llm.ToolCall{{ID: "c1", Name: "kb_search", Arguments: `{}`}},
	})
	eng := New(newCatalog(t, spec), WithProvider(llmProvider), WithRegistry(registry), WithLogger(quietLogger()))

	record := eng.Execute(context.Background(), "looper", map[string]interface{}{"question": "anything"})

	require.Equal(t, workflow.StatusCompleted, record.Status, record.Error)
	assert.Equal(t, true, record.Metadata["truncated"])
	assert.Equal(t, "Let me look that up.", record.Answer())
}

func TestExecute_RecoversFromPanics(t *testing.T) {
	rec := newRecorder()
	rec.panicOn = "answer"
	spec := `
name: explosive
steps:
  - name: answer
    kind: llm_call
    config: {prompt: "hello"}
`
	eng := New(newCatalog(t, spec), WithProvider(providers.NewScriptedProvider()), WithObserver(rec), WithRecordSink(rec), WithLogger(quietLogger()))

	var record *workflow.ExecutionRecord
	require.NotPanics(t, func() {
		record = eng.Execute(context.Background(), "explosive", nil)
	})
	assert.Equal(t, workflow.StatusFailed, record.Status)
	assert.Contains(t, record.Error, "observer exploded")
	assert.Len(t, rec.saved, 1)
}

func TestExecute_SinkFailureDoesNotChangeRecord(t *testing.T) {
	rec := newRecorder()
	rec.saveErr = stderrors.New("disk full")
	spec := `
name: simple
steps:
  - name: answer
    kind: llm_call
    config: {prompt: "hello"}
`
	eng := New(newCatalog(t, spec), WithProvider(providers.NewScriptedProvider()), WithRecordSink(rec), WithLogger(quietLogger()))

	record := eng.Execute(context.Background(), "simple", nil)

	assert.Equal(t, workflow.StatusCompleted, record.Status)
	assert.Empty(t, record.Error)
}

func TestExecute_RedactsSecrets(t *testing.T) {
	const dsn = "postgres://app:s3cret-pw@db/orders"
	lookup := &funcTool{name: "lookup", fn: func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		return nil, stderrors.New("dial " + dsn + ": connection refused")
	}}
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(lookup))
	spec := `
name: leaky
steps:
  - name: fetch
    kind: tool_call
    config: {tool: lookup}
`
	rec := newRecorder()
	eng := New(newCatalog(t, spec),
		WithRegistry(registry),
		WithRecordSink(rec),
		WithMasker(secrets.NewMasker(dsn)),
		WithLogger(quietLogger()))

	record := eng.Execute(context.Background(), "leaky", nil)

	require.Equal(t, workflow.StatusFailed, record.Status)
	require.Len(t, rec.saved, 1)
	saved := rec.saved[0]
	assert.NotContains(t, saved.Error, "s3cret-pw")
	require.Len(t, saved.Steps, 1)
	assert.NotContains(t, saved.Steps[0].Error, "s3cret-pw")
	assert.Contains(t, saved.Steps[0].Error, secrets.Redacted)
}

func TestExecute_MissingProvider(t *testing.T) {
	spec := `
name: no-llm
steps:
  - name: answer
    kind: llm_call
    config: {prompt: "hello"}
`
	eng := New(newCatalog(t, spec), WithLogger(quietLogger()))

	record := eng.Execute(context.Background(), "no-llm", nil)

	assert.Equal(t, workflow.StatusFailed, record.Status)
	assert.True(t, strings.Contains(record.Error, "no llm provider configured"), record.Error)
}

func TestInputText(t *testing.T) {
	tests := []struct {
		name  string
		input map[string]interface{}
		want  string
	}{
		{"query wins", map[string]interface{}{"query": "q", "message": "m"}, "q"},
		{"message", map[string]interface{}{"message": "m"}, "m"},
		{"empty", nil, ""},
		{"history only", map[string]interface{}{"history": []interface{}{}}, ""},
		{"json fallback", map[string]interface{}{"id": 7}, `{"id":7}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, inputText(tt.input))
		})
	}
}
