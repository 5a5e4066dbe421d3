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
	"strings"

	"github.com/tombee/ragrunner/pkg/budget"
)

// Combined fans turns out to several variants and concatenates their
// renderings. Each member enforces its own limit; maxTokens, when positive,
// caps the joined result and trims from the last member backwards.
type Combined struct {
	members   []Memory
	maxTokens int
	counter   budget.Counter
}

// NewCombined composes members in render order.
func NewCombined(maxTokens int, counter budget.Counter, members ...Memory) *Combined {
	if counter == nil {
		counter = budget.HeuristicCounter{}
	}
	return &Combined{members: members, maxTokens: maxTokens, counter: counter}
}

// Append forwards the turn to every member.
func (c *Combined) Append(ctx context.Context, turn Turn) {
	for _, m := range c.members {
		m.Append(ctx, turn)
	}
}

// Render joins non-empty member renderings with blank lines.
func (c *Combined) Render(ctx context.Context) string {
	parts := make([]string, 0, len(c.members))
	for _, m := range c.members {
		if s := m.Render(ctx); s != "" {
			parts = append(parts, s)
		}
	}
	out := strings.Join(parts, "\n\n")
	if c.maxTokens > 0 {
		out = keepHead(c.counter, out, c.maxTokens)
	}
	return out
}

// Turns returns the turns of the first member that holds any.
func (c *Combined) Turns() []Turn {
	for _, m := range c.members {
		if turns := m.Turns(); len(turns) > 0 {
			return turns
		}
	}
	return nil
}
