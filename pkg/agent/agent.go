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

// Package agent runs a bounded tool-calling loop against an LLM.
//
// Each iteration:
//  1. Sends the conversation and the available tools to the model
//  2. Returns the reply as the final answer if it requests no tools
//  3. Otherwise executes the requested tools through the registry
//  4. Feeds each tool result back as a tool message and repeats
//
// Tool failures and unknown tool names become observations the model can
// recover from. The loop ends on a final answer, the iteration limit, a
// budget denial, invalid tool arguments or an LLM error that survives
// retries.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tombee/ragrunner/internal/log"
	"github.com/tombee/ragrunner/pkg/budget"
	"github.com/tombee/ragrunner/pkg/errors"
	"github.com/tombee/ragrunner/pkg/llm"
	"github.com/tombee/ragrunner/pkg/tools"
	"github.com/tombee/ragrunner/pkg/workflow"
)

// Agent runs the loop for one execution. The provider should already be
// metered against the execution's ledger.
type Agent struct {
	provider      llm.Provider
	registry      *tools.Registry
	ledger        *budget.Ledger
	maxIterations int
	model         string
	temperature   *float64
	maxTokens     int
	retry         llm.RetryConfig
	toolTimeout   time.Duration
	window        *ContextManager
	logger        *slog.Logger
	onIteration   func(workflow.StepResult)
	onRetry       func(iteration string, err error)
}

// Option configures an Agent.
type Option func(*Agent)

// WithMaxIterations bounds the loop.
func WithMaxIterations(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxIterations = n
		}
	}
}

// WithModel sets the model, temperature and output cap for every call.
func WithModel(model string, temperature *float64, maxTokens int) Option {
	return func(a *Agent) {
		a.model = model
		a.temperature = temperature
		a.maxTokens = maxTokens
	}
}

// WithLedger charges Coster tools to ledger and measures iteration tokens
// as ledger deltas.
func WithLedger(ledger *budget.Ledger) Option {
	return func(a *Agent) { a.ledger = ledger }
}

// WithRetry sets the retry policy for transient LLM failures.
func WithRetry(cfg llm.RetryConfig) Option {
	return func(a *Agent) { a.retry = cfg }
}

// WithToolTimeout bounds each tool invocation.
func WithToolTimeout(d time.Duration) Option {
	return func(a *Agent) { a.toolTimeout = d }
}

// WithContextManager replaces the conversation window manager.
func WithContextManager(cm *ContextManager) Option {
	return func(a *Agent) { a.window = cm }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) { a.logger = logger }
}

// WithIterationHook is called with each iteration result as it completes.
func WithIterationHook(fn func(workflow.StepResult)) Option {
	return func(a *Agent) { a.onIteration = fn }
}

// WithRetryHook is called before each LLM retry.
func WithRetryHook(fn func(iteration string, err error)) Option {
	return func(a *Agent) { a.onRetry = fn }
}

// New creates an agent that offers the tools in registry.
func New(provider llm.Provider, registry *tools.Registry, opts ...Option) *Agent {
	a := &Agent{
		provider:      provider,
		registry:      registry,
		maxIterations: workflow.DefaultMaxIterations,
		retry:         llm.RetryConfig{InitialDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second},
		toolTimeout:   tools.DefaultTimeout,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.registry == nil {
		a.registry = tools.NewRegistry()
	}
	if a.window == nil {
		a.window = NewContextManager(DefaultContextWindow, nil)
	}
	return a
}

// Result is the outcome of a run.
type Result struct {
	Status    workflow.Status
	Answer    string
	Truncated bool

	// Iterations has one result per loop iteration, named iteration-N.
	Iterations []workflow.StepResult

	ToolExecutions []tools.ToolResult
	Usage          llm.TokenUsage
	Duration       time.Duration

	// Err is the terminal error for any status but completed.
	Err error
}

// Run executes the loop. system may be empty; user is the task.
func (a *Agent) Run(ctx context.Context, system, user string) *Result {
	start := time.Now()
	result := &Result{}

	var messages []llm.Message
	if system != "" {
		messages = append(messages, llm.Message{Role: llm.MessageRoleSystem, Content: system})
	}
	messages = append(messages, llm.Message{Role: llm.MessageRoleUser, Content: user})
	descriptors := a.registry.Descriptors()

	lastText := ""
	for i := 1; i <= a.maxIterations; i++ {
		name := fmt.Sprintf("iteration-%d", i)
		iterStart := time.Now()
		before := a.spent()

		if a.window.ShouldPrune(messages) {
			messages = a.window.Prune(messages)
		}

		req := llm.CompletionRequest{
			Messages:    messages,
			Model:       a.model,
			Temperature: a.temperature,
			Tools:       descriptors,
			Metadata:    map[string]string{"correlation_id": log.CorrelationIDFromContext(ctx)},
		}
		if a.maxTokens > 0 {
			maxTokens := a.maxTokens
			req.MaxTokens = &maxTokens
		}

		resp, attempts, err := a.complete(ctx, name, req)
		step := workflow.StepResult{
			Name:      name,
			Kind:      workflow.StepAgentIteration,
			Attempts:  attempts,
			StartedAt: iterStart,
		}
		if err != nil {
			a.finishStep(result, &step, before, iterStart, err)
			return a.fail(result, start, fmt.Errorf("%s: llm call: %w", name, err))
		}
		result.Usage = result.Usage.Add(resp.Usage.Normalize())
		if resp.Content != "" {
			lastText = resp.Content
		}
		messages = append(messages, llm.Message{
			Role:      llm.MessageRoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if len(resp.ToolCalls) == 0 {
			step.Output = map[string]interface{}{"content": resp.Content, "final": true}
			a.finishStep(result, &step, before, iterStart, nil)
			if err := a.overrun(); err != nil {
				return a.fail(result, start, err)
			}
			result.Status = workflow.StatusCompleted
			result.Answer = resp.Content
			result.Duration = time.Since(start)
			return result
		}

		calls := make([]interface{}, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			observation, exec, err := a.executeTool(ctx, call)
			if exec != nil {
				result.ToolExecutions = append(result.ToolExecutions, *exec)
			}
			if err != nil {
				step.Output = map[string]interface{}{"content": resp.Content, "tool_calls": calls}
				a.finishStep(result, &step, before, iterStart, err)
				return a.fail(result, start, fmt.Errorf("%s: %w", name, err))
			}
			calls = append(calls, map[string]interface{}{"name": call.Name, "observation": observation})
			messages = append(messages, llm.Message{
				Role:       llm.MessageRoleTool,
				Content:    observation,
				ToolCallID: call.ID,
				Name:       call.Name,
			})
		}

		step.Output = map[string]interface{}{"content": resp.Content, "tool_calls": calls}
		a.finishStep(result, &step, before, iterStart, nil)
		if err := a.overrun(); err != nil {
			return a.fail(result, start, err)
		}
	}

	a.logger.Warn("agent reached max iterations",
		slog.Int("max_iterations", a.maxIterations),
		slog.String(log.EventKey, "agent_truncated"))
	result.Status = workflow.StatusCompleted
	result.Truncated = true
	result.Answer = lastText
	result.Duration = time.Since(start)
	return result
}

// complete calls the provider, retrying transient failures.
func (a *Agent) complete(ctx context.Context, iteration string, req llm.CompletionRequest) (*llm.CompletionResponse, int, error) {
	var lastErr error
	for attempt := 0; attempt <= a.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			if a.onRetry != nil {
				a.onRetry(iteration, lastErr)
			}
			if err := a.retry.Sleep(ctx, attempt-1); err != nil {
				return nil, attempt, lastErr
			}
		}
		resp, err := a.provider.Complete(ctx, req)
		if err == nil {
			return resp, attempt + 1, nil
		}
		lastErr = err
		if !errors.IsRetryable(err) || ctx.Err() != nil {
			return nil, attempt + 1, err
		}
	}
	return nil, a.retry.MaxRetries + 1, lastErr
}

// executeTool runs one call. It returns an error only for outcomes that end
// the loop: invalid arguments and budget denial.
func (a *Agent) executeTool(ctx context.Context, call llm.ToolCall) (string, *tools.ToolResult, error) {
	args := map[string]interface{}{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return "", nil, &errors.ValidationError{
				Field:   "tool_calls." + call.Name,
				Message: fmt.Sprintf("arguments are not a JSON object: %v", err),
			}
		}
	}

	logger := a.logger.With(slog.String(log.ToolKey, call.Name))
	res, err := a.registry.InvokeMetered(ctx, a.ledger, call.Name, args, a.toolTimeout)
	if err != nil {
		var notFound *errors.NotFoundError
		if errors.As(err, &notFound) {
			logger.Debug("agent requested unknown tool")
			return fmt.Sprintf("Error: unknown tool %q. Available tools: %v", call.Name, a.registry.List()), nil, nil
		}
		return "", nil, err
	}

	logger.Debug("tool executed", slog.Bool("success", res.Success), slog.Int64(log.DurationKey, res.Duration.Milliseconds()))
	return formatToolResult(res), &res, nil
}

// formatToolResult renders a tool result as a tool message.
func formatToolResult(res tools.ToolResult) string {
	if !res.Success {
		return fmt.Sprintf("Error executing %s: %s", res.Name, res.Error)
	}
	data, err := json.Marshal(res.Output)
	if err != nil {
		return fmt.Sprintf("Tool %s completed successfully: %v", res.Name, res.Output)
	}
	return string(data)
}

func (a *Agent) spent() int {
	if a.ledger == nil {
		return 0
	}
	return a.ledger.Used().TotalTokens
}

// overrun reports a provider that spent past the budget on a call the
// estimate allowed.
func (a *Agent) overrun() error {
	if a.ledger != nil && a.ledger.Exceeded() {
		return &errors.BudgetExceededError{Limit: a.ledger.Limit(), Used: a.ledger.Used().TotalTokens}
	}
	return nil
}

func (a *Agent) finishStep(result *Result, step *workflow.StepResult, before int, started time.Time, err error) {
	step.Duration = time.Since(started)
	if a.ledger != nil {
		step.Tokens = a.spent() - before
	} else if n := len(result.Iterations); n == 0 {
		step.Tokens = result.Usage.TotalTokens
	} else {
		prior := 0
		for _, it := range result.Iterations {
			prior += it.Tokens
		}
		step.Tokens = result.Usage.TotalTokens - prior
	}
	step.Status = workflow.StepSucceeded
	if err != nil {
		step.Status = workflow.StepFailed
		step.Error = err.Error()
	}
	result.Iterations = append(result.Iterations, *step)
	if a.onIteration != nil {
		a.onIteration(*step)
	}
}

func (a *Agent) fail(result *Result, start time.Time, err error) *Result {
	result.Err = err
	result.Duration = time.Since(start)
	var budgetErr *errors.BudgetExceededError
	switch {
	case errors.As(err, &budgetErr):
		result.Status = workflow.StatusBudgetExceeded
	case errors.IsTimeout(err):
		result.Status = workflow.StatusTimedOut
	default:
		result.Status = workflow.StatusFailed
	}
	return result
}
