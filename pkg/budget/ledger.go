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

package budget

import (
	"fmt"
	"sync"

	"github.com/tombee/ragrunner/pkg/errors"
	"github.com/tombee/ragrunner/pkg/llm"
)

// Ledger tracks token spend for one execution against a fixed limit.
//
// A reservation holds estimated tokens until it is committed or released,
// so a second reservation cannot be granted against capacity the first one
// already claimed. A limit <= 0 means unlimited.
type Ledger struct {
	mu       sync.Mutex
	limit    int
	used     llm.TokenUsage
	reserved int
	nextID   int
	open     map[int]int
}

// Reservation is a grant returned by Reserve.
type Reservation struct {
	id     int
	Tokens int
}

// NewLedger creates a ledger with the given token limit.
func NewLedger(limit int) *Ledger {
	return &Ledger{limit: limit, open: make(map[int]int)}
}

// Limit returns the configured token limit.
func (l *Ledger) Limit() int {
	return l.limit
}

// Reserve grants estimated tokens, or returns a BudgetExceededError when
// the grant would take committed plus reserved tokens past the limit.
// A denied reservation changes nothing.
func (l *Ledger) Reserve(estimated int) (Reservation, error) {
	if estimated < 0 {
		return Reservation{}, &errors.ValidationError{
			Field:   "estimated_tokens",
			Message: fmt.Sprintf("must be >= 0, got %d", estimated),
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.limit > 0 && l.used.TotalTokens+l.reserved+estimated > l.limit {
		return Reservation{}, &errors.BudgetExceededError{
			Limit:     l.limit,
			Used:      l.used.TotalTokens + l.reserved,
			Requested: estimated,
		}
	}

	l.nextID++
	l.open[l.nextID] = estimated
	l.reserved += estimated
	return Reservation{id: l.nextID, Tokens: estimated}, nil
}

// Commit closes a reservation and records the actual usage reported by the
// provider. The running total always reflects actual usage, never the
// estimate. Committing an unknown or already closed reservation only records
// usage.
func (l *Ledger) Commit(r Reservation, actual llm.TokenUsage) {
	actual = clampUsage(actual.Normalize())

	l.mu.Lock()
	defer l.mu.Unlock()

	l.closeLocked(r)
	l.used = l.used.Add(actual)
}

// Release closes a reservation without spending anything.
func (l *Ledger) Release(r Reservation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeLocked(r)
}

func (l *Ledger) closeLocked(r Reservation) {
	tokens, ok := l.open[r.id]
	if !ok {
		return
	}
	delete(l.open, r.id)
	l.reserved -= tokens
	if l.reserved < 0 {
		l.reserved = 0
	}
}

// Used returns the committed usage.
func (l *Ledger) Used() llm.TokenUsage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used
}

// Remaining returns the tokens still available for reservation, or -1 for
// an unlimited ledger.
func (l *Ledger) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limit <= 0 {
		return -1
	}
	remaining := l.limit - l.used.TotalTokens - l.reserved
	if remaining < 0 {
		return 0
	}
	return remaining
}

func clampUsage(u llm.TokenUsage) llm.TokenUsage {
	if u.InputTokens < 0 {
		u.InputTokens = 0
	}
	if u.OutputTokens < 0 {
		u.OutputTokens = 0
	}
	if u.TotalTokens < 0 {
		u.TotalTokens = 0
	}
	return u
}

// Exceeded reports whether committed usage has passed the limit. This can
// only happen when a provider reports more tokens than were reserved.
func (l *Ledger) Exceeded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit > 0 && l.used.TotalTokens > l.limit
}
