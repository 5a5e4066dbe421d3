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
	"fmt"
	"log/slog"
	"time"

	"github.com/tombee/ragrunner/internal/log"
	"github.com/tombee/ragrunner/internal/tracing"
	"github.com/tombee/ragrunner/pkg/errors"
	"github.com/tombee/ragrunner/pkg/workflow"
)

// skippedOutput is recorded for steps whose condition is false.
func skippedOutput() map[string]interface{} {
	return map[string]interface{}{
		"skipped": true,
		"reason":  "condition evaluated to false",
	}
}

// runWorkflow runs the steps in order. A failed step ends the execution
// unless a later step's condition handles its failure.
func (e *Engine) runWorkflow(ctx context.Context, r *run) (workflow.Status, error) {
	wf := r.spec.Workflow
	for i := range wf.Steps {
		step := &wf.Steps[i]
		res, err := e.runStep(ctx, r, step)
		r.ectx.Append(res)
		e.observer.StepFinished(r.spec.ID(), res)

		if err == nil {
			if err := overrun(r.ectx.Ledger); err != nil {
				return workflow.StatusBudgetExceeded, fmt.Errorf("step %s: %w", step.Name, err)
			}
			continue
		}

		err = fmt.Errorf("step %s: %w", step.Name, err)
		var budgetErr *errors.BudgetExceededError
		if errors.As(err, &budgetErr) || ctx.Err() != nil {
			return statusFor(err), err
		}
		if fallback, ok := fallbackFor(wf, i); ok {
			r.logger.Warn("step failed, continuing to fallback",
				slog.String(log.StepKey, step.Name),
				slog.String("fallback", fallback),
				log.Error(err))
			continue
		}
		return statusFor(err), err
	}

	if last, ok := r.ectx.LastSucceeded(); ok {
		r.record.Output = last.Output
	}
	return workflow.StatusCompleted, nil
}

// fallbackFor returns the first step after index i whose condition reacts to
// that step failing.
func fallbackFor(wf *workflow.WorkflowSpec, i int) (string, bool) {
	failed := wf.Steps[i].Name
	for _, next := range wf.Steps[i+1:] {
		if pred := next.Predicate(); pred != nil && pred.HandlesFailure(failed) {
			return next.Name, true
		}
		if cc, ok := next.Config.(*workflow.ConditionalConfig); ok && cc.Compiled() != nil && cc.Compiled().HandlesFailure(failed) {
			return next.Name, true
		}
	}
	return "", false
}

// runStep evaluates the step's condition and runs it with retries. The
// returned result is complete whether or not err is nil.
func (e *Engine) runStep(ctx context.Context, r *run, step *workflow.Step) (res workflow.StepResult, err error) {
	started := time.Now()
	before := r.ectx.Ledger.Used().TotalTokens
	logger := log.WithStepContext(r.logger, step.Name)
	res = workflow.StepResult{Name: step.Name, Kind: step.Kind, StartedAt: started}

	ctx, span := tracing.StartStep(ctx, e.tracer, step.Name, string(step.Kind))

	defer func() {
		res.Duration = time.Since(started)
		res.Tokens = r.ectx.Ledger.Used().TotalTokens - before
		if err != nil {
			res.Error = err.Error()
		}
		tracing.Finish(span, string(res.Status), res.Tokens, res.Attempts, err)
		logger.Info("step finished",
			slog.String("status", string(res.Status)),
			slog.String("kind", string(step.Kind)),
			slog.Int("attempts", res.Attempts),
			slog.Int("tokens", res.Tokens),
			slog.Int64(log.DurationKey, res.Duration.Milliseconds()))
	}()

	if pred := step.Predicate(); pred != nil {
		ok, condErr := pred.Eval(r.ectx.ConditionEnv())
		if condErr != nil {
			res.Status = workflow.StepFailed
			err = fmt.Errorf("evaluating condition: %w", condErr)
			return res, err
		}
		if !ok {
			logger.Debug("step skipped", slog.String("condition", step.Condition))
			res.Status = workflow.StepSkipped
			res.Output = skippedOutput()
			return res, nil
		}
	}

	var output map[string]interface{}
	output, res.Attempts, err = e.withRetry(ctx, r, step, logger)
	if err != nil {
		res.Status = workflow.StepFailed
		return res, err
	}
	res.Status = workflow.StepSucceeded
	res.Output = output
	return res, nil
}

// withRetry runs the step, retrying transient failures with exponential
// backoff. It returns the number of attempts made.
func (e *Engine) withRetry(ctx context.Context, r *run, step *workflow.Step, logger *slog.Logger) (map[string]interface{}, int, error) {
	settings := r.spec.Common()
	maxRetries := settings.MaxRetries
	if step.MaxRetries != nil {
		maxRetries = *step.MaxRetries
	}
	timeout := stepTimeout(settings, step)

	for attempt := 0; ; attempt++ {
		output, err := e.attempt(ctx, r, step, timeout)
		if err == nil {
			return output, attempt + 1, nil
		}
		if attempt >= maxRetries || !errors.IsRetryable(err) || ctx.Err() != nil {
			return nil, attempt + 1, err
		}

		delay := e.retry.Backoff(attempt)
		logger.Warn("retrying step",
			slog.Int("attempt", attempt+1),
			slog.Int("max_retries", maxRetries),
			slog.Duration("delay", delay),
			log.Error(err))
		e.observer.StepRetried(r.spec.ID(), step.Name, err)
		if sleepErr := e.retry.Sleep(ctx, attempt); sleepErr != nil {
			return nil, attempt + 1, err
		}
	}
}

// attempt runs the step once under its timeout.
func (e *Engine) attempt(ctx context.Context, r *run, step *workflow.Step, timeout time.Duration) (map[string]interface{}, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := e.dispatch(attemptCtx, r, step, timeout)
	if err != nil && ctx.Err() == nil && stderrors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		var timeoutErr *errors.TimeoutError
		if !errors.As(err, &timeoutErr) {
			err = &errors.TimeoutError{Operation: "step " + step.Name, Duration: timeout, Cause: err}
		}
	}
	return output, err
}

func stepTimeout(settings workflow.Settings, step *workflow.Step) time.Duration {
	seconds := workflow.DefaultTimeoutSeconds
	if settings.TimeoutSeconds > 0 {
		seconds = settings.TimeoutSeconds
	}
	if step.TimeoutSeconds != nil && *step.TimeoutSeconds > 0 {
		seconds = *step.TimeoutSeconds
	}
	return time.Duration(seconds) * time.Second
}
