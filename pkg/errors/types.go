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

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents bad input, configuration or tool arguments.
// Validation failures are never retried.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *ValidationError) ErrorType() string { return "validation" }

// IsRetryable implements ErrorClassifier.
func (e *ValidationError) IsRetryable() bool { return false }

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "tool", "template")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorType implements ErrorClassifier.
func (e *NotFoundError) ErrorType() string { return "not_found" }

// IsRetryable implements ErrorClassifier.
func (e *NotFoundError) IsRetryable() bool { return false }

// TransientError marks a failure that may succeed when attempted again:
// rate limits, dropped connections, upstream 5xx responses.
type TransientError struct {
	// Operation describes the call that failed (e.g., "llm completion")
	Operation string

	// Message is the human-readable error description
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Operation != "" {
		return fmt.Sprintf("transient failure in %s: %s", e.Operation, msg)
	}
	return fmt.Sprintf("transient failure: %s", msg)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TransientError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *TransientError) ErrorType() string { return "transient" }

// IsRetryable implements ErrorClassifier.
func (e *TransientError) IsRetryable() bool { return true }

// BudgetExceededError is returned when a token reservation would take an
// execution past its budget. It is terminal.
type BudgetExceededError struct {
	// Limit is the configured token budget
	Limit int

	// Used is the number of tokens already committed
	Used int

	// Requested is the number of tokens the denied call asked for
	Requested int
}

// Error implements the error interface.
func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("token budget exceeded: %d used + %d requested > %d allowed", e.Used, e.Requested, e.Limit)
}

// ErrorType implements ErrorClassifier.
func (e *BudgetExceededError) ErrorType() string { return "budget_exceeded" }

// IsRetryable implements ErrorClassifier.
func (e *BudgetExceededError) IsRetryable() bool { return false }

// ToolExecutionError is a failure reported by a tool itself. Agents fold it
// back into the conversation as an observation.
type ToolExecutionError struct {
	// Tool is the name of the tool that failed
	Tool string

	// Message is the human-readable error description
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ToolExecutionError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	return fmt.Sprintf("tool %s failed: %s", e.Tool, msg)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ToolExecutionError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *ToolExecutionError) ErrorType() string { return "tool_execution" }

// IsRetryable implements ErrorClassifier.
func (e *ToolExecutionError) IsRetryable() bool { return false }

// TemplateError represents a missing prompt template or a missing variable
// during rendering. It fails the step that rendered the prompt.
type TemplateError struct {
	// Template is the template identifier
	Template string

	// Message is the human-readable error description
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *TemplateError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	return fmt.Sprintf("template %s: %s", e.Template, msg)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TemplateError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *TemplateError) ErrorType() string { return "template" }

// IsRetryable implements ErrorClassifier.
func (e *TemplateError) IsRetryable() bool { return false }

// ProviderError represents a non-success response from an LLM provider.
type ProviderError struct {
	// Provider is the name of the LLM provider (e.g., "openai")
	Provider string

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// Message is the human-readable error message
	Message string

	// RequestID correlates this error with provider logs
	RequestID string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider %s error", e.Provider)

	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.StatusCode)
	}

	msg = fmt.Sprintf("%s: %s", msg, e.Message)

	if e.RequestID != "" {
		msg = fmt.Sprintf("%s (request-id: %s)", msg, e.RequestID)
	}

	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *ProviderError) ErrorType() string { return "provider" }

// IsRetryable reports true for request timeouts, rate limits and server errors.
func (e *ProviderError) IsRetryable() bool {
	return e.StatusCode == 408 || e.StatusCode == 429 || e.StatusCode >= 500
}

// ConfigError represents configuration problems.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "llm.api_key")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *ConfigError) ErrorType() string { return "config" }

// IsRetryable implements ErrorClassifier.
func (e *ConfigError) IsRetryable() bool { return false }

// TimeoutError represents a call that exceeded its deadline.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "step generate", "tool sql_query")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *TimeoutError) ErrorType() string { return "timeout" }

// IsRetryable implements ErrorClassifier.
func (e *TimeoutError) IsRetryable() bool { return true }
