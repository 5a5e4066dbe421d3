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
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tombee/ragrunner/internal/log"
	"github.com/tombee/ragrunner/pkg/errors"
	"github.com/tombee/ragrunner/pkg/llm"
	"github.com/tombee/ragrunner/pkg/prompt"
	"github.com/tombee/ragrunner/pkg/retrieval"
	"github.com/tombee/ragrunner/pkg/tools"
	"github.com/tombee/ragrunner/pkg/workflow"
)

// dispatch runs one attempt of step according to its config variant.
func (e *Engine) dispatch(ctx context.Context, r *run, step *workflow.Step, timeout time.Duration) (map[string]interface{}, error) {
	switch cfg := step.Config.(type) {
	case *workflow.RetrievalConfig:
		return e.runRetrieval(ctx, r, cfg)
	case *workflow.RerankConfig:
		return e.runRerank(ctx, r, cfg)
	case *workflow.LLMCallConfig:
		return e.runLLMCall(ctx, r, step, cfg)
	case *workflow.ToolCallConfig:
		return e.runToolCall(ctx, r, cfg, timeout)
	case *workflow.ConditionalConfig:
		return runConditional(r, cfg)
	default:
		return nil, &errors.ValidationError{
			Field:   "steps." + step.Name + ".kind",
			Message: fmt.Sprintf("unsupported step kind %q", step.Kind),
		}
	}
}

func (e *Engine) runRetrieval(ctx context.Context, r *run, cfg *workflow.RetrievalConfig) (map[string]interface{}, error) {
	if e.pipeline == nil {
		return nil, &errors.ConfigError{Key: "retrieval", Reason: "no retrieval pipeline configured"}
	}
	text, err := e.queryText(r, cfg.Query)
	if err != nil {
		return nil, err
	}
	strategy, err := retrieval.ParseStrategy(cfg.Rewrite)
	if err != nil {
		return nil, err
	}

	q := retrieval.Query{
		Text:             text,
		TopK:             cfg.TopK,
		Threshold:        cfg.Threshold,
		Backends:         cfg.Backends,
		Filters:          cfg.Filters,
		Rewrite:          strategy,
		Rerank:           cfg.Rerank,
		MaxContextTokens: cfg.MaxContextTokens,
	}
	if strategy != "" {
		q.Memory = r.ectx.Memory.Render(ctx)
	}
	result, err := e.pipeline.Retrieve(ctx, q, r.provider)
	if err != nil {
		return nil, err
	}
	if result.Truncated {
		e.observer.ContextTruncated(r.spec.ID())
	}
	return result.Output(), nil
}

func (e *Engine) runRerank(ctx context.Context, r *run, cfg *workflow.RerankConfig) (map[string]interface{}, error) {
	if e.pipeline == nil {
		return nil, &errors.ConfigError{Key: "retrieval", Reason: "no retrieval pipeline configured"}
	}
	src, ok := r.ectx.Result(cfg.From)
	if !ok || src.Status != workflow.StepSucceeded {
		return nil, &errors.ValidationError{
			Field:   "config.from",
			Message: fmt.Sprintf("step %q has no successful output to rerank", cfg.From),
		}
	}

	query, _ := src.Output["query"].(string)
	if cfg.Query != "" {
		var err error
		if query, err = e.queryText(r, cfg.Query); err != nil {
			return nil, err
		}
	}
	original, _ := src.Output["original_query"].(string)

	chunks, err := e.pipeline.Rerank(ctx, query, retrieval.ChunksFromOutput(src.Output), cfg.TopK)
	if err != nil {
		return nil, err
	}
	block := retrieval.AssembleContext(chunks, cfg.MaxContextTokens, e.counter)
	result := &retrieval.Result{
		Query:         query,
		OriginalQuery: original,
		Chunks:        block.Chunks,
		Context:       block.Text,
		ContextTokens: block.Tokens,
		Truncated:     block.Dropped > 0,
		Dropped:       block.Dropped,
	}
	if result.Truncated {
		r.logger.Warn("reranked context truncated",
			slog.String(log.EventKey, "context_truncated"),
			slog.Int("max_context_tokens", cfg.MaxContextTokens),
			slog.Int("dropped", block.Dropped))
		e.observer.ContextTruncated(r.spec.ID())
	}
	return result.Output(), nil
}

func (e *Engine) runLLMCall(ctx context.Context, r *run, step *workflow.Step, cfg *workflow.LLMCallConfig) (map[string]interface{}, error) {
	vars, err := e.promptVars(ctx, r, cfg.Variables)
	if err != nil {
		return nil, err
	}
	settings := r.spec.Common()

	user, err := e.render(settings, cfg.Prompt, vars)
	if err != nil {
		return nil, err
	}
	var messages []llm.Message
	if cfg.System != "" {
		system, err := e.render(settings, cfg.System, vars)
		if err != nil {
			return nil, err
		}
		messages = append(messages, llm.Message{Role: llm.MessageRoleSystem, Content: system})
	}
	messages = append(messages, llm.Message{Role: llm.MessageRoleUser, Content: user})

	req := llm.CompletionRequest{
		Messages:    messages,
		Model:       e.modelFor(settings, cfg.Model),
		Temperature: cfg.Temperature,
		Metadata: map[string]string{
			"correlation_id": r.ectx.CorrelationID,
			"execution_id":   r.ectx.ExecutionID,
			"step":           step.Name,
		},
	}
	if cfg.MaxTokens > 0 {
		maxTokens := cfg.MaxTokens
		req.MaxTokens = &maxTokens
	}

	log.Trace(ctx, r.logger, "llm prompt", slog.String(log.StepKey, step.Name), slog.String("prompt", user))
	resp, err := r.provider.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("llm call: %w", err)
	}
	log.Trace(ctx, r.logger, "llm response", slog.String(log.StepKey, step.Name), slog.String("content", resp.Content))

	usage := resp.Usage.Normalize()
	return map[string]interface{}{
		"content":       resp.Content,
		"model":         resp.Model,
		"finish_reason": resp.FinishReason,
		"usage": map[string]interface{}{
			"input_tokens":  usage.InputTokens,
			"output_tokens": usage.OutputTokens,
			"total_tokens":  usage.TotalTokens,
		},
	}, nil
}

func (e *Engine) runToolCall(ctx context.Context, r *run, cfg *workflow.ToolCallConfig, timeout time.Duration) (map[string]interface{}, error) {
	vars := r.ectx.TemplateData(nil)
	resolved, err := prompt.ResolveValue(cfg.Arguments, vars)
	if err != nil {
		return nil, err
	}
	args, _ := resolved.(map[string]interface{})
	if args == nil {
		args = map[string]interface{}{}
	}

	res, err := e.registry.InvokeMetered(ctx, r.ectx.Ledger, cfg.Tool, args, timeout)
	if err != nil {
		return nil, err
	}
	e.observer.ToolExecuted(cfg.Tool, res.Success)
	if !res.Success {
		if res.TimedOut {
			return nil, &errors.TimeoutError{Operation: "tool " + cfg.Tool, Duration: res.Duration}
		}
		msg := strings.TrimPrefix(res.Error, "tool "+cfg.Tool+" failed: ")
		if errors.IsRetryable(res.Err) {
			return nil, &errors.TransientError{Operation: "tool " + cfg.Tool, Message: msg, Cause: res.Err}
		}
		return nil, &errors.ToolExecutionError{Tool: cfg.Tool, Message: msg, Cause: res.Err}
	}

	if cfg.OutputQuery == "" {
		return res.Output, nil
	}
	projected, err := tools.Project(ctx, cfg.OutputQuery, res.Output)
	if err != nil {
		return nil, err
	}
	if m, ok := projected.(map[string]interface{}); ok {
		return m, nil
	}
	return map[string]interface{}{"result": projected}, nil
}

func runConditional(r *run, cfg *workflow.ConditionalConfig) (map[string]interface{}, error) {
	cond := cfg.Compiled()
	if cond == nil {
		var err error
		if cond, err = workflow.CompileCondition(cfg.Expression); err != nil {
			return nil, err
		}
	}
	ok, err := cond.Eval(r.ectx.ConditionEnv())
	if err != nil {
		return nil, fmt.Errorf("evaluating expression: %w", err)
	}
	return map[string]interface{}{"result": ok}, nil
}

// queryText resolves a configured query template, falling back to the
// user's input text.
func (e *Engine) queryText(r *run, query string) (string, error) {
	if query == "" {
		text := inputText(r.ectx.Input)
		if text == "" {
			return "", &errors.ValidationError{Field: "config.query", Message: "no query configured and input has no query text"}
		}
		return text, nil
	}
	resolved, err := prompt.ResolveValue(query, r.ectx.TemplateData(nil))
	if err != nil {
		return "", err
	}
	return fmt.Sprint(resolved), nil
}

// promptVars builds template variables: input, steps, memory and the
// step's own variables, which may reference the others.
func (e *Engine) promptVars(ctx context.Context, r *run, extra map[string]interface{}) (map[string]interface{}, error) {
	vars := r.ectx.TemplateData(map[string]interface{}{
		"memory": r.ectx.Memory.Render(ctx),
	})
	if len(extra) == 0 {
		return vars, nil
	}
	resolved, err := prompt.ResolveValue(extra, vars)
	if err != nil {
		return nil, err
	}
	for k, v := range resolved.(map[string]interface{}) {
		vars[k] = v
	}
	return vars, nil
}

// render resolves ref as a template id from the spec's prompts or the
// shared library, else renders it as inline template text.
func (e *Engine) render(settings workflow.Settings, ref string, vars map[string]interface{}) (string, error) {
	if text, ok := settings.Prompts[ref]; ok {
		return prompt.RenderText(ref, text, vars)
	}
	if e.prompts != nil && e.prompts.Has(ref) {
		return e.prompts.Render(ref, vars)
	}
	return prompt.RenderText("inline", ref, vars)
}

func (e *Engine) modelFor(settings workflow.Settings, stepModel string) string {
	switch {
	case stepModel != "":
		return stepModel
	case settings.Model != "":
		return settings.Model
	default:
		return e.model
	}
}
