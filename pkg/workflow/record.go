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
	"time"

	"github.com/tombee/ragrunner/pkg/llm"
)

// Status is the terminal state of an execution.
type Status string

// Execution statuses
const (
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusTimedOut       Status = "timed_out"
	StatusBudgetExceeded Status = "budget_exceeded"
)

var validStatuses = map[Status]bool{
	StatusCompleted:      true,
	StatusFailed:         true,
	StatusTimedOut:       true,
	StatusBudgetExceeded: true,
}

// IsValid checks if a status is valid.
func (s Status) IsValid() bool {
	return validStatuses[s]
}

// StepStatus is the outcome of one step.
type StepStatus string

// Step statuses
const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepResult is the immutable outcome of one step or agent iteration.
type StepResult struct {
	Name      string                 `json:"name"`
	Kind      StepKind               `json:"kind"`
	Status    StepStatus             `json:"status"`
	Output    map[string]interface{} `json:"output,omitempty"`
	Tokens    int                    `json:"tokens"`
	Duration  time.Duration          `json:"duration"`
	Attempts  int                    `json:"attempts"`
	Error     string                 `json:"error,omitempty"`
	StartedAt time.Time              `json:"started_at"`
}

// ExecutionRecord is the one record an execution produces.
type ExecutionRecord struct {
	ExecutionID string                 `json:"execution_id"`
	SpecID      string                 `json:"spec_id"`
	SpecKind    SpecKind               `json:"spec_kind"`
	Status      Status                 `json:"status"`
	Input       map[string]interface{} `json:"input"`
	Output      map[string]interface{} `json:"output,omitempty"`
	TokenUsage  llm.TokenUsage         `json:"token_usage"`
	Duration    time.Duration          `json:"duration"`
	Error       string                 `json:"error,omitempty"`
	Steps       []StepResult           `json:"steps"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	CompletedAt time.Time              `json:"completed_at"`
}

// Answer returns the record's final text: output.answer, output.response
// or output.content, whichever is set first.
func (r *ExecutionRecord) Answer() string {
	for _, key := range []string{"answer", "response", "content"} {
		if s, ok := r.Output[key].(string); ok {
			return s
		}
	}
	return ""
}
