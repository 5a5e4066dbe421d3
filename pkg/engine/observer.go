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
	"time"

	"github.com/tombee/ragrunner/pkg/llm"
	"github.com/tombee/ragrunner/pkg/workflow"
)

// Observer receives execution events as they happen. Implementations must
// be safe for concurrent use and must not block.
type Observer interface {
	// ExecutionFinished is called once per execution with its terminal status.
	ExecutionFinished(spec string, kind workflow.SpecKind, status workflow.Status, usage llm.TokenUsage, duration time.Duration)

	// StepFinished is called for every step and agent iteration.
	StepFinished(spec string, step workflow.StepResult)

	// StepRetried is called before each retry of a step or iteration.
	StepRetried(spec, step string, err error)

	// ToolExecuted is called after each tool invocation.
	ToolExecuted(tool string, success bool)

	// ContextTruncated is called when retrieved context was cut to fit.
	ContextTruncated(spec string)
}

// RecordSink persists execution records.
type RecordSink interface {
	SaveExecution(ctx context.Context, record *workflow.ExecutionRecord) error
}

// NopObserver discards all events.
type NopObserver struct{}

func (NopObserver) ExecutionFinished(string, workflow.SpecKind, workflow.Status, llm.TokenUsage, time.Duration) {
}
func (NopObserver) StepFinished(string, workflow.StepResult) {}
func (NopObserver) StepRetried(string, string, error)        {}
func (NopObserver) ToolExecuted(string, bool)                {}
func (NopObserver) ContextTruncated(string)                  {}
