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
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/tombee/ragrunner/pkg/budget"
	"github.com/tombee/ragrunner/pkg/llm"
)

// Extractor pulls named-entity facts out of a turn.
type Extractor interface {
	Extract(ctx context.Context, turn Turn) (map[string]string, error)
}

// Entity accumulates facts about named entities across turns. When the
// rendered facts exceed the limit, the least recently updated entities are
// left out first.
type Entity struct {
	mu        sync.Mutex
	maxTokens int
	extractor Extractor
	counter   budget.Counter
	logger    *slog.Logger
	facts     map[string]entityFact
	seq       int
	turns     []Turn
}

type entityFact struct {
	fact    string
	updated int
}

// NewEntity creates an entity memory.
func NewEntity(maxTokens int, extractor Extractor, counter budget.Counter, logger *slog.Logger) *Entity {
	if logger == nil {
		logger = slog.Default()
	}
	return &Entity{
		maxTokens: maxTokens,
		extractor: extractor,
		counter:   counter,
		logger:    logger,
		facts:     make(map[string]entityFact),
	}
}

// Append extracts facts from the turn and merges them; later facts about
// the same entity replace earlier ones.
func (e *Entity) Append(ctx context.Context, turn Turn) {
	facts, err := e.extractor.Extract(ctx, turn)
	if err != nil {
		e.logger.WarnContext(ctx, "entity extraction failed", "error", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.turns = append(e.turns, turn)
	if len(e.turns) > 16 {
		e.turns = e.turns[len(e.turns)-16:]
	}
	for name, fact := range facts {
		name = strings.TrimSpace(name)
		if name == "" || strings.TrimSpace(fact) == "" {
			continue
		}
		e.seq++
		e.facts[name] = entityFact{fact: strings.TrimSpace(fact), updated: e.seq}
	}
}

// Render lists entity facts, most recently updated first.
func (e *Entity) Render(_ context.Context) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.facts) == 0 {
		return ""
	}

	names := make([]string, 0, len(e.facts))
	for name := range e.facts {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return e.facts[names[i]].updated > e.facts[names[j]].updated
	})

	header := "Known entities:"
	used := e.counter.Count(header)
	if used > e.maxTokens {
		return ""
	}
	lines := []string{header}
	for _, name := range names {
		line := fmt.Sprintf("- %s: %s", name, e.facts[name].fact)
		cost := e.counter.Count(line) + 1
		if used+cost > e.maxTokens {
			break
		}
		used += cost
		lines = append(lines, line)
	}
	if len(lines) == 1 {
		return ""
	}
	return strings.Join(lines, "\n")
}

// Turns returns the most recent turns seen.
func (e *Entity) Turns() []Turn {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Turn, len(e.turns))
	copy(out, e.turns)
	return out
}

// Facts returns a copy of the entity facts.
func (e *Entity) Facts() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.facts))
	for name, f := range e.facts {
		out[name] = f.fact
	}
	return out
}

// factPattern matches simple copular sentences about a capitalized subject:
// "Paris is the capital of France."
var factPattern = regexp.MustCompile(`\b([A-Z][\w-]*(?:\s+[A-Z][\w-]*)*)\s+(is|are|was|were|has|have)\s+([^.!?\n]+)`)

// HeuristicExtractor finds "X is Y" style facts without a model call.
type HeuristicExtractor struct{}

// Extract returns one fact per capitalized subject.
func (HeuristicExtractor) Extract(_ context.Context, turn Turn) (map[string]string, error) {
	facts := make(map[string]string)
	for _, m := range factPattern.FindAllStringSubmatch(turn.Content, -1) {
		subject := m[1]
		if isStopWord(subject) {
			continue
		}
		facts[subject] = m[2] + " " + strings.TrimSpace(m[3])
	}
	return facts, nil
}

var stopWords = map[string]bool{
	"The": true, "This": true, "That": true, "It": true, "There": true,
	"What": true, "Who": true, "Which": true, "I": true, "We": true, "You": true,
	"He": true, "She": true, "They": true,
}

func isStopWord(s string) bool {
	return stopWords[s]
}

// LLMExtractor asks a model for entity facts as a JSON object and falls
// back to HeuristicExtractor when the reply cannot be parsed.
type LLMExtractor struct {
	Provider llm.Provider
	Model    string
}

// Extract returns entity facts from turn.
func (l *LLMExtractor) Extract(ctx context.Context, turn Turn) (map[string]string, error) {
	maxTokens := 256
	prompt := "Extract named entities and one short fact about each from the text below. " +
		"Reply with a single JSON object mapping entity name to fact, or {} if there are none.\n\nText:\n" + turn.Content

	resp, err := l.Provider.Complete(ctx, llm.CompletionRequest{
		Model:     l.Model,
		MaxTokens: &maxTokens,
		Messages:  []llm.Message{{Role: llm.MessageRoleUser, Content: prompt}},
	})
	if err != nil {
		return HeuristicExtractor{}.Extract(ctx, turn)
	}

	var facts map[string]string
	body := resp.Content
	if start, end := strings.Index(body, "{"), strings.LastIndex(body, "}"); start >= 0 && end > start {
		body = body[start : end+1]
	}
	if err := json.Unmarshal([]byte(body), &facts); err != nil {
		return HeuristicExtractor{}.Extract(ctx, turn)
	}
	return facts, nil
}
