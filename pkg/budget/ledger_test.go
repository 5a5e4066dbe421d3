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
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rrerrors "github.com/tombee/ragrunner/pkg/errors"
	"github.com/tombee/ragrunner/pkg/llm"
)

func TestLedger_DeniesBeforeSpend(t *testing.T) {
	l := NewLedger(100)

	_, err := l.Reserve(150)
	var budgetErr *rrerrors.BudgetExceededError
	require.True(t, errors.As(err, &budgetErr))
	assert.Equal(t, 100, budgetErr.Limit)
	assert.Equal(t, 150, budgetErr.Requested)

	assert.Equal(t, 0, l.Used().TotalTokens)
	assert.Equal(t, 100, l.Remaining())
}

func TestLedger_CommitUsesActual(t *testing.T) {
	l := NewLedger(100)

	r, err := l.Reserve(60)
	require.NoError(t, err)
	assert.Equal(t, 40, l.Remaining())

	l.Commit(r, llm.TokenUsage{InputTokens: 20, OutputTokens: 5})
	assert.Equal(t, llm.TokenUsage{InputTokens: 20, OutputTokens: 5, TotalTokens: 25}, l.Used())
	assert.Equal(t, 75, l.Remaining())

	// Committing twice must not free capacity twice.
	l.Commit(r, llm.TokenUsage{})
	assert.Equal(t, 75, l.Remaining())
}

func TestLedger_OutstandingReservationsCount(t *testing.T) {
	l := NewLedger(100)

	first, err := l.Reserve(70)
	require.NoError(t, err)

	_, err = l.Reserve(40)
	require.Error(t, err)

	l.Release(first)
	_, err = l.Reserve(40)
	require.NoError(t, err)
}

func TestLedger_NeverNegative(t *testing.T) {
	l := NewLedger(10)
	r, err := l.Reserve(5)
	require.NoError(t, err)

	l.Commit(r, llm.TokenUsage{InputTokens: -50, OutputTokens: -1, TotalTokens: -51})
	l.Release(r)
	l.Release(Reservation{id: 999, Tokens: 1000})

	assert.GreaterOrEqual(t, l.Used().TotalTokens, 0)
	assert.Equal(t, 10, l.Remaining())

	_, err = l.Reserve(-1)
	var validationErr *rrerrors.ValidationError
	assert.True(t, errors.As(err, &validationErr))
}

func TestLedger_Unlimited(t *testing.T) {
	l := NewLedger(0)
	r, err := l.Reserve(1_000_000)
	require.NoError(t, err)
	l.Commit(r, llm.TokenUsage{TotalTokens: 1_000_000})
	assert.Equal(t, -1, l.Remaining())
}

func TestLedger_ConcurrentReservationsRespectLimit(t *testing.T) {
	l := NewLedger(1000)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r, err := l.Reserve(30); err == nil {
				l.Commit(r, llm.TokenUsage{TotalTokens: 30})
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, l.Used().TotalTokens, 1000)
}

func TestEstimateRequest(t *testing.T) {
	c := HeuristicCounter{}
	assert.Equal(t, 0, c.Count(""))
	assert.Equal(t, 1, c.Count("abc"))
	assert.Equal(t, 2, c.Count("abcde"))

	maxTokens := 50
	req := llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.MessageRoleUser, Content: "12345678"},
			{Role: llm.MessageRoleAssistant, ToolCalls: []llm.ToolCall{{Name: "abcd", Arguments: "{}"}}},
		},
		MaxTokens: &maxTokens,
	}
	// (10 + 2) + (10 + 20 + 1 + 1) + 50
	assert.Equal(t, 94, EstimateRequest(c, req, 256))

	req.MaxTokens = nil
	assert.Equal(t, 300, EstimateRequest(c, req, 256))
}

func TestLedger_ExceededAfterUnderestimate(t *testing.T) {
	l := NewLedger(50)
	r, err := l.Reserve(40)
	require.NoError(t, err)
	assert.False(t, l.Exceeded())

	l.Commit(r, llm.TokenUsage{TotalTokens: 60})
	assert.True(t, l.Exceeded())
	assert.Equal(t, 0, l.Remaining())
}
