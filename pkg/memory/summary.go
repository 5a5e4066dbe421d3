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

package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/tombee/ragrunner/pkg/budget"
	"github.com/tombee/ragrunner/pkg/llm"
)

// Summarizer folds turns into a running summary.
type Summarizer interface {
	Summarize(ctx context.Context, previous string, turns []Turn) (string, error)
}

// Summary keeps recent turns verbatim and replaces evicted turns with an
// LLM-generated summary. Half of the window is reserved for the summary.
type Summary struct {
	mu         sync.Mutex
	window     *Buffer
	summary    string
	maxTokens  int
	summarizer Summarizer
	counter    budget.Counter
	logger     *slog.Logger
}

// NewSummary creates a summary memory.
func NewSummary(maxTokens int, summarizer Summarizer, counter budget.Counter, logger *slog.Logger) *Summary {
	if logger == nil {
		logger = slog.Default()
	}
	return &Summary{
		window:     NewBuffer(maxTokens/2, counter),
		maxTokens:  maxTokens,
		summarizer: summarizer,
		counter:    counter,
		logger:     logger,
	}
}

// Append adds a turn. Turns pushed out of the window are summarized; if the
// summarizer fails they are dropped and the previous summary is kept.
func (s *Summary) Append(ctx context.Context, turn Turn) {
	s.window.mu.Lock()
	s.window.turns = append(s.window.turns, turn)
	s.window.tokens += turnTokens(s.counter, turn)
	dropped := s.window.evictLocked()
	s.window.mu.Unlock()

	if len(dropped) == 0 {
		return
	}

	s.mu.Lock()
	previous := s.summary
	s.mu.Unlock()

	updated, err := s.summarizer.Summarize(ctx, previous, dropped)
	if err != nil {
		s.logger.WarnContext(ctx, "memory summarization failed, dropping evicted turns",
			"dropped_turns", len(dropped),
			"error", err,
		)
		return
	}

	s.mu.Lock()
	s.summary = strings.TrimSpace(updated)
	s.mu.Unlock()
}

// Render returns the summary followed by the recent turns.
func (s *Summary) Render(ctx context.Context) string {
	s.mu.Lock()
	summary := s.summary
	s.mu.Unlock()

	recent := s.window.Render(ctx)
	if summary == "" {
		return recent
	}

	header := "Summary of earlier conversation: "
	budgetLeft := s.maxTokens - s.counter.Count(recent) - s.counter.Count(header) - 1
	summary = keepHead(s.counter, summary, budgetLeft)
	if summary == "" {
		return recent
	}
	if recent == "" {
		return header + summary
	}
	return header + summary + "\n" + recent
}

// Turns returns the turns held verbatim.
func (s *Summary) Turns() []Turn {
	return s.window.Turns()
}

// CurrentSummary returns the running summary.
func (s *Summary) CurrentSummary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}

// LLMSummarizer summarizes through a chat completion.
type LLMSummarizer struct {
	Provider  llm.Provider
	Model     string
	MaxTokens int
}

// Summarize asks the model to extend previous with turns.
func (l *LLMSummarizer) Summarize(ctx context.Context, previous string, turns []Turn) (string, error) {
	maxTokens := l.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 256
	}

	var prompt strings.Builder
	prompt.WriteString("Progressively summarize the conversation, adding onto the previous summary and returning a new summary.\n\n")
	if previous != "" {
		fmt.Fprintf(&prompt, "Current summary:\n%s\n\n", previous)
	}
	fmt.Fprintf(&prompt, "New lines of conversation:\n%s\n\nNew summary:", formatTurns(turns))

	resp, err := l.Provider.Complete(ctx, llm.CompletionRequest{
		Model:     l.Model,
		MaxTokens: &maxTokens,
		Messages: []llm.Message{
			{Role: llm.MessageRoleUser, Content: prompt.String()},
		},
	})
	if err != nil {
		return "", fmt.Errorf("summarizing %d turns: %w", len(turns), err)
	}
	return resp.Content, nil
}
