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

package agent

import (
	"strings"

	"github.com/tombee/ragrunner/pkg/budget"
	"github.com/tombee/ragrunner/pkg/llm"
)

// DefaultContextWindow is the conversation size an agent prunes towards.
const DefaultContextWindow = 100000

// ContextManager keeps an agent conversation inside the model's window.
type ContextManager struct {
	maxTokens      int
	pruneThreshold int
	counter        budget.Counter
}

// NewContextManager creates a manager for a window of maxTokens.
func NewContextManager(maxTokens int, counter budget.Counter) *ContextManager {
	if maxTokens <= 0 {
		maxTokens = DefaultContextWindow
	}
	if counter == nil {
		counter = budget.HeuristicCounter{}
	}
	return &ContextManager{
		maxTokens:      maxTokens,
		pruneThreshold: int(float64(maxTokens) * 0.8), // Prune at 80% capacity
		counter:        counter,
	}
}

// EstimateTokens estimates the size of messages.
func (cm *ContextManager) EstimateTokens(messages []llm.Message) int {
	return budget.EstimateMessages(cm.counter, messages)
}

// ShouldPrune checks if the message history should be pruned.
func (cm *ContextManager) ShouldPrune(messages []llm.Message) bool {
	return cm.EstimateTokens(messages) > cm.pruneThreshold
}

// Prune reduces the history to fit the window. It keeps the leading system
// message and the first user message, then adds messages from newest to
// oldest while they fit. A tool message is never kept without the
// assistant message that requested it.
func (cm *ContextManager) Prune(messages []llm.Message) []llm.Message {
	if len(messages) == 0 {
		return messages
	}

	var head []llm.Message
	rest := messages
	if rest[0].Role == llm.MessageRoleSystem {
		head = append(head, rest[0])
		rest = rest[1:]
	}
	if len(rest) > 0 && rest[0].Role == llm.MessageRoleUser {
		head = append(head, rest[0])
		rest = rest[1:]
	}

	remaining := cm.maxTokens - cm.EstimateTokens(head)
	start := len(rest)
	for i := len(rest) - 1; i >= 0; i-- {
		cost := cm.EstimateTokens(rest[i : i+1])
		if remaining-cost < 0 {
			break
		}
		remaining -= cost
		start = i
	}
	for start < len(rest) && rest[start].Role == llm.MessageRoleTool {
		start++
	}

	pruned := make([]llm.Message, 0, len(head)+len(rest)-start)
	pruned = append(pruned, head...)
	return append(pruned, rest[start:]...)
}

// TruncateContent cuts content to roughly maxTokens, at a word boundary.
func (cm *ContextManager) TruncateContent(content string, maxTokens int) string {
	maxChars := maxTokens * 4
	if maxChars < 4 || len(content) <= maxChars {
		return content
	}

	truncated := content[:maxChars-3]
	if lastSpace := strings.LastIndex(truncated, " "); lastSpace > 0 {
		truncated = truncated[:lastSpace]
	}
	return truncated + "..."
}
