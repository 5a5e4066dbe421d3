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

// Package memory keeps bounded conversational context for one execution.
//
// Four variants are provided: a FIFO conversation buffer, a rolling LLM
// summary, an entity fact store and a composition of the others. Append
// never fails and Render always fits the configured token limit.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/tombee/ragrunner/pkg/budget"
	"github.com/tombee/ragrunner/pkg/errors"
)

// Type names a memory variant.
type Type string

const (
	TypeBuffer   Type = "conversation_buffer"
	TypeSummary  Type = "summary"
	TypeEntity   Type = "entity"
	TypeCombined Type = "combined"
)

// DefaultMaxTokens is used when a config leaves MaxTokens unset.
const DefaultMaxTokens = 2000

// Turn is one message of conversation.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Memory is the contract every variant implements.
type Memory interface {
	// Append records a turn. It never fails; variant-specific processing
	// errors are logged and degrade to plain truncation.
	Append(ctx context.Context, turn Turn)

	// Render returns the memory as prompt text within the token limit.
	Render(ctx context.Context) string

	// Turns returns the turns currently held verbatim.
	Turns() []Turn
}

// Config selects and sizes a memory variant.
type Config struct {
	Type      Type     `yaml:"type" json:"type"`
	MaxTokens int      `yaml:"max_tokens" json:"max_tokens"`
	Members   []Config `yaml:"members,omitempty" json:"members,omitempty"`
}

// Deps are the collaborators variants may need.
type Deps struct {
	Counter    budget.Counter
	Summarizer Summarizer
	Extractor  Extractor
	Logger     *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Counter == nil {
		d.Counter = budget.HeuristicCounter{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Extractor == nil {
		d.Extractor = HeuristicExtractor{}
	}
	return d
}

// New builds the variant cfg describes. An empty Type yields a
// conversation buffer.
func New(cfg Config, deps Deps) (Memory, error) {
	deps = deps.withDefaults()
	limit := cfg.MaxTokens
	if limit <= 0 {
		limit = DefaultMaxTokens
	}

	switch cfg.Type {
	case "", TypeBuffer:
		return NewBuffer(limit, deps.Counter), nil
	case TypeSummary:
		if deps.Summarizer == nil {
			return nil, &errors.ValidationError{Field: "memory.type", Message: "summary memory requires a summarizer"}
		}
		return NewSummary(limit, deps.Summarizer, deps.Counter, deps.Logger), nil
	case TypeEntity:
		return NewEntity(limit, deps.Extractor, deps.Counter, deps.Logger), nil
	case TypeCombined:
		if len(cfg.Members) == 0 {
			return nil, &errors.ValidationError{Field: "memory.members", Message: "combined memory requires at least one member"}
		}
		members := make([]Memory, 0, len(cfg.Members))
		for i, mc := range cfg.Members {
			if mc.Type == TypeCombined {
				return nil, &errors.ValidationError{Field: fmt.Sprintf("memory.members[%d]", i), Message: "combined memory cannot nest"}
			}
			m, err := New(mc, deps)
			if err != nil {
				return nil, err
			}
			members = append(members, m)
		}
		// Members bound themselves; the combined cap only absorbs separators
		// unless the config sets a tighter one.
		combinedLimit := cfg.MaxTokens
		if combinedLimit <= 0 {
			for _, mc := range cfg.Members {
				if mc.MaxTokens > 0 {
					combinedLimit += mc.MaxTokens
				} else {
					combinedLimit += DefaultMaxTokens
				}
			}
		}
		return NewCombined(combinedLimit, deps.Counter, members...), nil
	default:
		return nil, &errors.ValidationError{
			Field:      "memory.type",
			Message:    fmt.Sprintf("unknown memory type %q", cfg.Type),
			Suggestion: "use conversation_buffer, summary, entity or combined",
		}
	}
}

func formatTurns(turns []Turn) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(t.Role)
		b.WriteString(": ")
		b.WriteString(t.Content)
	}
	return b.String()
}

func turnTokens(c budget.Counter, t Turn) int {
	return c.Count(t.Role) + c.Count(t.Content) + 1
}

var wordPattern = regexp.MustCompile(`\S+`)

// keepTail returns the longest suffix of text, starting at a word, that
// fits maxTokens. Line breaks inside the kept text are preserved.
func keepTail(c budget.Counter, text string, maxTokens int) string {
	if c.Count(text) <= maxTokens {
		return text
	}
	if maxTokens <= 0 {
		return ""
	}
	words := wordPattern.FindAllStringIndex(text, -1)
	// Smallest k whose suffix fits; counts shrink as k grows.
	k := sort.Search(len(words), func(i int) bool {
		return c.Count(text[words[i][0]:]) <= maxTokens
	})
	if k == len(words) {
		return ""
	}
	return text[words[k][0]:]
}

// keepHead returns the longest prefix of text, ending at a word, that fits
// maxTokens.
func keepHead(c budget.Counter, text string, maxTokens int) string {
	if c.Count(text) <= maxTokens {
		return text
	}
	if maxTokens <= 0 {
		return ""
	}
	words := wordPattern.FindAllStringIndex(text, -1)
	// Number of leading words whose prefix fits.
	n := sort.Search(len(words), func(i int) bool {
		return c.Count(text[:words[i][1]]) > maxTokens
	})
	if n == 0 {
		return ""
	}
	return text[:words[n-1][1]]
}
