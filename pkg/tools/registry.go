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

package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tombee/ragrunner/internal/log"
	"github.com/tombee/ragrunner/pkg/budget"
	"github.com/tombee/ragrunner/pkg/errors"
	"github.com/tombee/ragrunner/pkg/llm"
)

// DefaultTimeout bounds an invocation when the caller passes no timeout.
const DefaultTimeout = 30 * time.Second

// Registry holds the tools available to executions. Registration happens
// at startup and on hot-reload; lookups and invocations take a read lock.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:  make(map[string]Tool),
		logger: slog.Default(),
	}
}

// WithLogger sets the registry's logger.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// Register adds a tool. A tool with the same name is replaced; the last
// registration wins so reloaded definitions take effect.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return &errors.ValidationError{Field: "tool", Message: "tool cannot be nil"}
	}
	name := tool.Name()
	if name == "" {
		return &errors.ValidationError{Field: "name", Message: "tool name cannot be empty"}
	}

	r.mu.Lock()
	_, replaced := r.tools[name]
	r.tools[name] = tool
	r.mu.Unlock()

	if replaced {
		r.logger.Debug("tool replaced", log.ToolKey, name)
	}
	return nil
}

// Unregister removes a tool. Removing an unknown tool is a NotFoundError.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return &errors.NotFoundError{Resource: "tool", ID: name}
	}
	delete(r.tools, name)
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "tool", ID: name}
	}
	return tool, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// List returns the registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Filter returns a new registry holding only the named tools. Unknown
// names are a NotFoundError.
func (r *Registry) Filter(names []string) (*Registry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	filtered := &Registry{tools: make(map[string]Tool, len(names)), logger: r.logger}
	for _, name := range names {
		tool, ok := r.tools[name]
		if !ok {
			return nil, &errors.NotFoundError{Resource: "tool", ID: name}
		}
		filtered.tools[name] = tool
	}
	return filtered, nil
}

// Descriptors returns the registered tools as LLM tool definitions, sorted
// by name.
func (r *Registry) Descriptors() []llm.Tool {
	names := r.List()
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]llm.Tool, 0, len(names))
	for _, name := range names {
		tool, ok := r.tools[name]
		if !ok {
			continue
		}
		var inputs *ParameterSchema
		if s := tool.Schema(); s != nil {
			inputs = s.Inputs
		}
		out = append(out, llm.Tool{
			Name:        name,
			Description: tool.Description(),
			InputSchema: inputs.JSONSchema(),
		})
	}
	return out
}

// Invoke validates args and runs the named tool under timeout.
//
// It returns an error only when the call never reached the tool: an unknown
// name (NotFoundError) or arguments that fail the schema (ValidationError).
// Tool failures and timeouts come back as a ToolResult with Success false.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]interface{}, timeout time.Duration) (ToolResult, error) {
	tool, err := r.Get(name)
	if err != nil {
		return ToolResult{}, err
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	var inputs *ParameterSchema
	if s := tool.Schema(); s != nil {
		inputs = s.Inputs
	}
	if err := ValidateArguments(inputs, args); err != nil {
		return ToolResult{}, fmt.Errorf("tool %s: %w", name, err)
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return run(ctx, tool, args, timeout), nil
}

// InvokeMetered is Invoke with the tool's token estimate charged to ledger.
// Only tools that implement Coster are charged; the reservation is
// committed when the tool succeeds and released otherwise.
func (r *Registry) InvokeMetered(ctx context.Context, ledger *budget.Ledger, name string, args map[string]interface{}, timeout time.Duration) (ToolResult, error) {
	tool, err := r.Get(name)
	if err != nil {
		return ToolResult{}, err
	}
	coster, ok := tool.(Coster)
	if !ok || ledger == nil {
		return r.Invoke(ctx, name, args, timeout)
	}

	estimate := coster.EstimateTokens(args)
	reservation, err := ledger.Reserve(estimate)
	if err != nil {
		return ToolResult{}, fmt.Errorf("tool %s: %w", name, err)
	}
	result, err := r.Invoke(ctx, name, args, timeout)
	if err != nil || !result.Success {
		ledger.Release(reservation)
		return result, err
	}
	ledger.Commit(reservation, llm.TokenUsage{TotalTokens: estimate})
	return result, nil
}

type outcome struct {
	output map[string]interface{}
	err    error
}

// run executes the tool in its own goroutine so a tool that ignores its
// context still cannot hold the caller past the deadline.
func run(ctx context.Context, tool Tool, args map[string]interface{}, timeout time.Duration) ToolResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result := ToolResult{Name: tool.Name(), Arguments: args}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", p)}
			}
		}()
		out, err := tool.Execute(ctx, args)
		done <- outcome{output: out, err: err}
	}()

	select {
	case o := <-done:
		result.Duration = time.Since(start)
		if o.err != nil {
			result.Err = o.err
			result.Error = (&errors.ToolExecutionError{Tool: tool.Name(), Cause: o.err}).Error()
			result.TimedOut = ctx.Err() == context.DeadlineExceeded
			return result
		}
		result.Success = true
		result.Output = o.output
		return result
	case <-ctx.Done():
		result.Duration = time.Since(start)
		result.TimedOut = ctx.Err() == context.DeadlineExceeded
		if result.TimedOut {
			result.Err = &errors.TimeoutError{Operation: "tool " + tool.Name(), Duration: timeout}
			result.Error = result.Err.Error()
		} else {
			result.Err = ctx.Err()
			result.Error = fmt.Sprintf("tool %s cancelled: %v", tool.Name(), ctx.Err())
		}
		return result
	}
}
