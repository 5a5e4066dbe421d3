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

// Package budget implements per-execution token accounting: a heuristic
// token counter and a ledger that grants or denies reservations before a
// call is made and records actual usage after it returns.
package budget

import (
	"github.com/tombee/ragrunner/pkg/llm"
)

// Counter estimates how many tokens text will cost.
type Counter interface {
	Count(text string) int
}

// HeuristicCounter approximates tokens as one per four characters. It
// over-counts code and under-counts CJK text, which is acceptable for
// budget reservations that are reconciled against provider usage.
type HeuristicCounter struct{}

// Count returns len(text)/4, rounded up.
func (HeuristicCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// Per-message and per-tool-call framing overhead.
const (
	messageOverhead  = 10
	toolCallOverhead = 20
)

// EstimateMessages estimates the prompt size of a conversation.
func EstimateMessages(c Counter, msgs []llm.Message) int {
	total := 0
	for _, msg := range msgs {
		total += messageOverhead + c.Count(msg.Content)
		for _, tc := range msg.ToolCalls {
			total += toolCallOverhead + c.Count(tc.Name) + c.Count(tc.Arguments)
		}
	}
	return total
}

// EstimateRequest estimates the worst-case cost of a completion request:
// the prompt plus the requested output cap (or defaultOutput if unset).
func EstimateRequest(c Counter, req llm.CompletionRequest, defaultOutput int) int {
	total := EstimateMessages(c, req.Messages)
	for _, tool := range req.Tools {
		total += toolCallOverhead + c.Count(tool.Name) + c.Count(tool.Description)
	}
	if req.MaxTokens != nil {
		total += *req.MaxTokens
	} else {
		total += defaultOutput
	}
	return total
}
