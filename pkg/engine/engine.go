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

// Package engine runs workflow and agent specs and produces one
// ExecutionRecord per run.
//
// An Engine is built once and shared; each call to Execute creates its own
// budget ledger, memory and step history:
//
//	eng := engine.New(catalog,
//	    engine.WithProvider(provider),
//	    engine.WithPipeline(pipeline),
//	    engine.WithRegistry(registry),
//	)
//	record := eng.Execute(ctx, "support-rag", map[string]interface{}{"query": "How do I reset my password?"})
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/tombee/ragrunner/internal/log"
	"github.com/tombee/ragrunner/internal/tracing"
	"github.com/tombee/ragrunner/pkg/budget"
	"github.com/tombee/ragrunner/pkg/errors"
	"github.com/tombee/ragrunner/pkg/llm"
	"github.com/tombee/ragrunner/pkg/memory"
	"github.com/tombee/ragrunner/pkg/prompt"
	"github.com/tombee/ragrunner/pkg/retrieval"
	"github.com/tombee/ragrunner/pkg/secrets"
	"github.com/tombee/ragrunner/pkg/tools"
	"github.com/tombee/ragrunner/pkg/workflow"
)

// Default retry delays for transient step failures.
const (
	DefaultRetryBaseDelay = time.Second
	DefaultRetryMaxDelay  = 30 * time.Second
)

// inputTextKeys are the input fields read, in order, as the user's text.
var inputTextKeys = []string{"query", "question", "input", "message", "prompt"}

// Engine executes specs from a catalog.
type Engine struct {
	catalog  *workflow.Catalog
	provider llm.Provider
	pipeline *retrieval.Pipeline
	registry *tools.Registry
	prompts  *prompt.Library
	counter  budget.Counter
	memDeps  memory.Deps
	model    string
	retry    llm.RetryConfig

	observer Observer
	sink     RecordSink
	masker   *secrets.Masker
	tracer   trace.Tracer
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithProvider sets the LLM provider. Each execution wraps it in a
// provider metered against that execution's budget.
func WithProvider(p llm.Provider) Option {
	return func(e *Engine) { e.provider = p }
}

// WithPipeline sets the retrieval pipeline used by retrieval and rerank steps.
func WithPipeline(p *retrieval.Pipeline) Option {
	return func(e *Engine) { e.pipeline = p }
}

// WithRegistry sets the tool registry.
func WithRegistry(r *tools.Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithPrompts sets the shared prompt template library.
func WithPrompts(l *prompt.Library) Option {
	return func(e *Engine) { e.prompts = l }
}

// WithCounter sets the token counter used for estimates.
func WithCounter(c budget.Counter) Option {
	return func(e *Engine) { e.counter = c }
}

// WithMemoryDeps sets the collaborators summary and entity memory use.
func WithMemoryDeps(d memory.Deps) Option {
	return func(e *Engine) { e.memDeps = d }
}

// WithDefaultModel sets the model used when neither step nor spec names one.
func WithDefaultModel(model string) Option {
	return func(e *Engine) { e.model = model }
}

// WithRetryDelays sets the backoff base and cap for transient failures.
func WithRetryDelays(base, max time.Duration) Option {
	return func(e *Engine) {
		e.retry.InitialDelay = base
		e.retry.MaxDelay = max
	}
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithRecordSink sets where finished records are persisted.
func WithRecordSink(s RecordSink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithMasker redacts registered secrets from finished records before they
// are logged or persisted.
func WithMasker(m *secrets.Masker) Option {
	return func(e *Engine) { e.masker = m }
}

// WithTracer sets the tracer spans are created with.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an engine over catalog.
func New(catalog *workflow.Catalog, opts ...Option) *Engine {
	e := &Engine{
		catalog: catalog,
		counter: budget.HeuristicCounter{},
		retry: llm.RetryConfig{
			InitialDelay: DefaultRetryBaseDelay,
			MaxDelay:     DefaultRetryMaxDelay,
		},
		observer: NopObserver{},
		tracer:   noop.NewTracerProvider().Tracer(tracing.InstrumentationName),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = tools.NewRegistry()
	}
	if e.memDeps.Counter == nil {
		e.memDeps.Counter = e.counter
	}
	if e.memDeps.Logger == nil {
		e.memDeps.Logger = e.logger
	}
	return e
}

// run is the per-execution state handlers share.
type run struct {
	spec     *workflow.Spec
	ectx     *workflow.ExecutionContext
	provider llm.Provider
	logger   *slog.Logger
	record   *workflow.ExecutionRecord
}

// Execute runs the spec registered as specID with input. It never returns
// an error: every outcome, including unknown specs and handler panics, is
// reported in the record.
func (e *Engine) Execute(ctx context.Context, specID string, input map[string]interface{}) (record *workflow.ExecutionRecord) {
	start := time.Now()
	correlationID := log.CorrelationIDFromContext(ctx)
	if correlationID == "" {
		correlationID = log.NewCorrelationID()
		ctx = log.ContextWithCorrelationID(ctx, correlationID)
	}
	record = &workflow.ExecutionRecord{
		ExecutionID: uuid.NewString(),
		SpecID:      specID,
		Status:      workflow.StatusFailed,
		Input:       input,
		CreatedAt:   start,
		Metadata:    map[string]interface{}{"correlation_id": correlationID},
	}
	if record.Input == nil {
		record.Input = map[string]interface{}{}
	}
	logger := log.WithExecutionContext(e.logger, record.ExecutionID, correlationID, specID)

	spec, err := e.catalog.Get(specID)
	if err == nil {
		record.SpecKind = spec.Kind
	}
	ctx, span := tracing.StartExecution(ctx, e.tracer, record.ExecutionID, correlationID, specID, string(record.SpecKind))

	var runErr error
	defer func() {
		if r := recover(); r != nil {
			record.Status = workflow.StatusFailed
			runErr = fmt.Errorf("panic during execution: %v", r)
			logger.Error("execution panicked", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
		}
		if runErr != nil && record.Error == "" {
			record.Error = runErr.Error()
		}
		e.finish(ctx, record, start, logger)
		tracing.Finish(span, string(record.Status), record.TokenUsage.TotalTokens, 0, runErr)
	}()

	if err != nil {
		runErr = err
		return record
	}

	logger.Info("execution started", slog.String("spec_kind", string(spec.Kind)))
	record.Status, runErr = e.execute(ctx, spec, record, logger)
	return record
}

func (e *Engine) execute(ctx context.Context, spec *workflow.Spec, record *workflow.ExecutionRecord, logger *slog.Logger) (workflow.Status, error) {
	settings := spec.Common()
	ledger := budget.NewLedger(settings.TokenBudget)
	mem, err := memory.New(settings.Memory, e.memDeps)
	if err != nil {
		return workflow.StatusFailed, fmt.Errorf("building memory: %w", err)
	}

	if model := e.modelFor(settings, ""); model != "" {
		record.Metadata["model"] = model
	}

	ectx := workflow.NewExecutionContext(record.ExecutionID, log.CorrelationIDFromContext(ctx), spec, record.Input, ledger, mem)
	r := &run{
		spec:     spec,
		ectx:     ectx,
		provider: budget.NewMeteredProvider(e.providerOrMissing(), ledger, e.counter),
		logger:   logger,
		record:   record,
	}

	seedMemory(ctx, mem, record.Input)
	if text := inputText(record.Input); text != "" {
		mem.Append(ctx, memory.Turn{Role: string(llm.MessageRoleUser), Content: text, Timestamp: time.Now()})
	}

	var status workflow.Status
	switch spec.Kind {
	case workflow.KindAgent:
		status, err = e.runAgent(ctx, r)
	default:
		status, err = e.runWorkflow(ctx, r)
	}

	record.Steps = ectx.Results()
	record.TokenUsage = ledger.Used()
	if status == workflow.StatusCompleted {
		if answer := record.Answer(); answer != "" {
			mem.Append(ctx, memory.Turn{Role: string(llm.MessageRoleAssistant), Content: answer, Timestamp: time.Now()})
		}
	}
	return status, err
}

// finish stamps timing, emits metrics and persists the record. Sink errors
// are logged and never change the record.
func (e *Engine) finish(ctx context.Context, record *workflow.ExecutionRecord, start time.Time, logger *slog.Logger) {
	record.CompletedAt = time.Now()
	record.Duration = record.CompletedAt.Sub(start)
	e.redact(record)

	e.observer.ExecutionFinished(record.SpecID, record.SpecKind, record.Status, record.TokenUsage, record.Duration)

	attrs := []any{
		slog.String("status", string(record.Status)),
		slog.Int("steps", len(record.Steps)),
		slog.Int("tokens", record.TokenUsage.TotalTokens),
		slog.Int64(log.DurationKey, record.Duration.Milliseconds()),
	}
	if record.Status == workflow.StatusCompleted {
		logger.Info("execution finished", attrs...)
	} else {
		logger.Warn("execution finished", append(attrs, slog.String("error", record.Error))...)
	}

	if e.sink == nil {
		return
	}
	if err := e.sink.SaveExecution(context.WithoutCancel(ctx), record); err != nil {
		logger.Error("failed to persist execution record", log.Error(err))
	}
}

// redact masks secrets in the record's error text and outputs.
func (e *Engine) redact(record *workflow.ExecutionRecord) {
	if e.masker.Len() == 0 {
		return
	}
	record.Error = e.masker.Mask(record.Error)
	record.Output = e.masker.MaskMap(record.Output)
	for i := range record.Steps {
		step := &record.Steps[i]
		step.Error = e.masker.Mask(step.Error)
		step.Output = e.masker.MaskMap(step.Output)
	}
}

func (e *Engine) providerOrMissing() llm.Provider {
	if e.provider != nil {
		return e.provider
	}
	return missingProvider{}
}

// missingProvider fails every call; workflows without LLM steps never
// reach it.
type missingProvider struct{}

func (missingProvider) Name() string { return "none" }

func (missingProvider) Complete(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return nil, &errors.ConfigError{Key: "llm.provider", Reason: "no llm provider configured"}
}

// statusFor maps a terminal error to an execution status.
func statusFor(err error) workflow.Status {
	var budgetErr *errors.BudgetExceededError
	switch {
	case errors.As(err, &budgetErr):
		return workflow.StatusBudgetExceeded
	case errors.IsTimeout(err):
		return workflow.StatusTimedOut
	default:
		return workflow.StatusFailed
	}
}

// overrun reports a ledger that was pushed past its limit by a call whose
// estimate fit.
func overrun(ledger *budget.Ledger) error {
	if ledger.Exceeded() {
		return &errors.BudgetExceededError{Limit: ledger.Limit(), Used: ledger.Used().TotalTokens}
	}
	return nil
}

// inputText returns the user's text from input: the first string field
// among the common names, or the rest of the input as JSON.
func inputText(input map[string]interface{}) string {
	for _, key := range inputTextKeys {
		if s, ok := input[key].(string); ok && s != "" {
			return s
		}
	}
	rest := make(map[string]interface{}, len(input))
	for k, v := range input {
		if k != "history" {
			rest[k] = v
		}
	}
	if len(rest) == 0 {
		return ""
	}
	data, err := json.Marshal(rest)
	if err != nil {
		return fmt.Sprint(rest)
	}
	return string(data)
}

// seedMemory replays prior turns passed as input.history.
func seedMemory(ctx context.Context, mem memory.Memory, input map[string]interface{}) {
	history, _ := input["history"].([]interface{})
	for _, item := range history {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		if role == "" || content == "" {
			continue
		}
		mem.Append(ctx, memory.Turn{Role: role, Content: content, Timestamp: time.Now()})
	}
}
