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
	"time"

	"github.com/tombee/ragrunner/internal/log"
	"github.com/tombee/ragrunner/internal/tracing"
	"github.com/tombee/ragrunner/pkg/agent"
	"github.com/tombee/ragrunner/pkg/errors"
	"github.com/tombee/ragrunner/pkg/tools"
	"github.com/tombee/ragrunner/pkg/workflow"
)

// runAgent runs an agent spec through the bounded tool loop. Each
// iteration is appended to the context as it finishes.
func (e *Engine) runAgent(ctx context.Context, r *run) (workflow.Status, error) {
	spec := r.spec.Agent
	settings := spec.Settings

	registry := tools.NewRegistry().WithLogger(e.logger)
	if len(spec.Tools) > 0 {
		filtered, err := e.registry.Filter(spec.Tools)
		if err != nil {
			return workflow.StatusFailed, fmt.Errorf("resolving agent tools: %w", err)
		}
		registry = filtered
	}

	vars, err := e.promptVars(ctx, r, nil)
	if err != nil {
		return workflow.StatusFailed, err
	}
	var system string
	if spec.System != "" {
		if system, err = e.render(settings, spec.System, vars); err != nil {
			return workflow.StatusFailed, err
		}
	}
	user := inputText(r.ectx.Input)
	if spec.Prompt != "" {
		if user, err = e.render(settings, spec.Prompt, vars); err != nil {
			return workflow.StatusFailed, err
		}
	}
	if user == "" {
		return workflow.StatusFailed, fmt.Errorf("agent %s: input has no task text", spec.Name)
	}

	retry := e.retry
	retry.MaxRetries = settings.MaxRetries
	toolTimeout := time.Duration(workflow.DefaultTimeoutSeconds) * time.Second
	if settings.TimeoutSeconds > 0 {
		toolTimeout = time.Duration(settings.TimeoutSeconds) * time.Second
	}

	specID := r.spec.ID()
	a := agent.New(r.provider, registry,
		agent.WithMaxIterations(spec.MaxIterations),
		agent.WithModel(e.modelFor(settings, ""), spec.Temperature, spec.MaxTokens),
		agent.WithLedger(r.ectx.Ledger),
		agent.WithRetry(retry),
		agent.WithToolTimeout(toolTimeout),
		agent.WithLogger(r.logger),
		agent.WithIterationHook(func(step workflow.StepResult) {
			r.ectx.Append(step)
			e.observer.StepFinished(specID, step)
			var stepErr error
			if step.Error != "" {
				stepErr = errors.New(step.Error)
			}
			tracing.RecordStep(ctx, e.tracer, step.Name, string(step.Kind), string(step.Status), step.Tokens, step.Attempts, step.StartedAt, step.Duration, stepErr)
			r.logger.Info("iteration finished",
				slog.String(log.StepKey, step.Name),
				slog.String("status", string(step.Status)),
				slog.Int("tokens", step.Tokens),
				slog.Int64(log.DurationKey, step.Duration.Milliseconds()))
		}),
		agent.WithRetryHook(func(iteration string, err error) {
			e.observer.StepRetried(specID, iteration, err)
		}),
	)

	result := a.Run(ctx, system, user)
	for _, exec := range result.ToolExecutions {
		e.observer.ToolExecuted(exec.Name, exec.Success)
	}

	r.record.Metadata["iterations"] = len(result.Iterations)
	r.record.Metadata["tool_executions"] = len(result.ToolExecutions)
	r.record.Metadata["truncated"] = result.Truncated
	if result.Status == workflow.StatusCompleted {
		r.record.Output = map[string]interface{}{
			"answer":     result.Answer,
			"iterations": len(result.Iterations),
			"truncated":  result.Truncated,
		}
	}
	return result.Status, result.Err
}
