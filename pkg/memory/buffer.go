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
	"sync"

	"github.com/tombee/ragrunner/pkg/budget"
)

// Buffer is a FIFO of recent turns capped by a token window. The oldest
// turns are dropped first.
type Buffer struct {
	mu        sync.Mutex
	maxTokens int
	counter   budget.Counter
	turns     []Turn
	tokens    int
}

// NewBuffer creates a conversation buffer.
func NewBuffer(maxTokens int, counter budget.Counter) *Buffer {
	return &Buffer{maxTokens: maxTokens, counter: counter}
}

// Append adds a turn and evicts the oldest turns until the window fits.
// The newest turn is always kept.
func (b *Buffer) Append(_ context.Context, turn Turn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.turns = append(b.turns, turn)
	b.tokens += turnTokens(b.counter, turn)
	b.evictLocked()
}

// evictLocked drops turns from the front and returns them.
func (b *Buffer) evictLocked() []Turn {
	var dropped []Turn
	for b.tokens > b.maxTokens && len(b.turns) > 1 {
		dropped = append(dropped, b.turns[0])
		b.tokens -= turnTokens(b.counter, b.turns[0])
		b.turns = b.turns[1:]
	}
	return dropped
}

// Render returns the buffered turns, newest last. A single turn larger than
// the window is cut from the front.
func (b *Buffer) Render(_ context.Context) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return keepTail(b.counter, formatTurns(b.turns), b.maxTokens)
}

// Turns returns a copy of the buffered turns.
func (b *Buffer) Turns() []Turn {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Turn, len(b.turns))
	copy(out, b.turns)
	return out
}
