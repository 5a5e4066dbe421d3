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

package workflow

import (
	"sync"

	"github.com/tombee/ragrunner/pkg/budget"
	"github.com/tombee/ragrunner/pkg/memory"
)

// ExecutionContext is the state of one execution. It is created per run
// and never shared between runs.
type ExecutionContext struct {
	ExecutionID   string
	CorrelationID string
	Spec          *Spec
	Input         map[string]interface{}
	Ledger        *budget.Ledger
	Memory        memory.Memory

	mu      sync.RWMutex
	results []StepResult
}

// NewExecutionContext creates the context for one run of spec.
func NewExecutionContext(executionID, correlationID string, spec *Spec, input map[string]interface{}, ledger *budget.Ledger, mem memory.Memory) *ExecutionContext {
	if input == nil {
		input = map[string]interface{}{}
	}
	return &ExecutionContext{
		ExecutionID:   executionID,
		CorrelationID: correlationID,
		Spec:          spec,
		Input:         cloneMap(input),
		Ledger:        ledger,
		Memory:        mem,
	}
}

// Append records a step result. Results are never modified once appended.
func (c *ExecutionContext) Append(r StepResult) {
	r.Output = cloneMap(r.Output)
	c.mu.Lock()
	c.results = append(c.results, r)
	c.mu.Unlock()
}

// Results returns a copy of every result in append order.
func (c *ExecutionContext) Results() []StepResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]StepResult, len(c.results))
	for i, r := range c.results {
		r.Output = cloneMap(r.Output)
		out[i] = r
	}
	return out
}

// Result returns a copy of the latest result for the named step.
func (c *ExecutionContext) Result(name string) (StepResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := len(c.results) - 1; i >= 0; i-- {
		if c.results[i].Name == name {
			r := c.results[i]
			r.Output = cloneMap(r.Output)
			return r, true
		}
	}
	return StepResult{}, false
}

// LastSucceeded returns a copy of the most recent succeeded result.
func (c *ExecutionContext) LastSucceeded() (StepResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := len(c.results) - 1; i >= 0; i-- {
		if c.results[i].Status == StepSucceeded {
			r := c.results[i]
			r.Output = cloneMap(r.Output)
			return r, true
		}
	}
	return StepResult{}, false
}

// stepsView exposes results by step name. Output keys are also promoted to
// the step level unless they collide with status, error, tokens or output.
func (c *ExecutionContext) stepsView() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	steps := make(map[string]interface{}, len(c.results))
	for _, r := range c.results {
		output := cloneMap(r.Output)
		view := make(map[string]interface{}, len(output)+4)
		for k, v := range output {
			view[k] = v
		}
		view["status"] = string(r.Status)
		view["error"] = r.Error
		view["tokens"] = r.Tokens
		view["output"] = output
		steps[r.Name] = view
	}
	return steps
}

// TemplateData returns the variables prompts and tool arguments render
// against: input, steps and any extra values.
func (c *ExecutionContext) TemplateData(extra map[string]interface{}) map[string]interface{} {
	data := map[string]interface{}{
		"input":  cloneMap(c.Input),
		"inputs": cloneMap(c.Input),
		"steps":  c.stepsView(),
	}
	for k, v := range extra {
		data[k] = v
	}
	return data
}

// ConditionEnv returns the environment predicates evaluate against.
func (c *ExecutionContext) ConditionEnv() map[string]interface{} {
	status := func(want StepStatus) func(string) bool {
		return func(name string) bool {
			r, ok := c.Result(name)
			return ok && r.Status == want
		}
	}
	return map[string]interface{}{
		"input":     cloneMap(c.Input),
		"inputs":    cloneMap(c.Input),
		"steps":     c.stepsView(),
		"succeeded": status(StepSucceeded),
		"failed":    status(StepFailed),
		"skipped":   status(StepSkipped),
	}
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cloneMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case []map[string]interface{}:
		out := make([]map[string]interface{}, len(t))
		for i, item := range t {
			out[i] = cloneMap(item)
		}
		return out
	default:
		return v
	}
}
