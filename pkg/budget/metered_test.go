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
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rrerrors "github.com/tombee/ragrunner/pkg/errors"
	"github.com/tombee/ragrunner/pkg/llm"
	"github.com/tombee/ragrunner/pkg/llm/providers"
)

func intPtr(n int) *int { return &n }

func TestMeteredProvider_CommitsActualUsage(t *testing.T) {
	inner := providers.NewScriptedProvider(providers.ScriptedResponse{
		Content: "answer",
		Usage:   llm.TokenUsage{InputTokens: 40, OutputTokens: 10},
	})
	ledger := NewLedger(1000)
	var seen []llm.TokenUsage
	m := NewMeteredProvider(inner, ledger, nil).OnUsage(func(u llm.TokenUsage) { seen = append(seen, u) })

	resp, err := m.Complete(context.Background(), llm.CompletionRequest{
		Messages:  []llm.Message{{Role: llm.MessageRoleUser, Content: "question"}},
		MaxTokens: intPtr(100),
	})
	require.NoError(t, err)
	assert.Equal(t, "answer", resp.Content)

	used := ledger.Used()
	assert.Equal(t, 50, used.TotalTokens)
	assert.Equal(t, 40, used.InputTokens)
	assert.Equal(t, 1000-50, ledger.Remaining(), "reservation is released on commit")
	require.Len(t, seen, 1)
	assert.Equal(t, 50, seen[0].TotalTokens)
}

func TestMeteredProvider_DeniedBeforeCall(t *testing.T) {
	inner := providers.NewScriptedProvider()
	ledger := NewLedger(50)
	m := NewMeteredProvider(inner, ledger, HeuristicCounter{})

	_, err := m.Complete(context.Background(), llm.CompletionRequest{
		Messages:  []llm.Message{{Role: llm.MessageRoleUser, Content: "question"}},
		MaxTokens: intPtr(100),
	})
	var budgetErr *rrerrors.BudgetExceededError
	require.True(t, errors.As(err, &budgetErr))
	assert.Empty(t, inner.Calls(), "provider is never reached")
	assert.Equal(t, 0, ledger.Used().TotalTokens)
	assert.Equal(t, 50, ledger.Remaining())
}

func TestMeteredProvider_ReleasesOnError(t *testing.T) {
	inner := providers.NewScriptedProvider(providers.ScriptedResponse{Err: errors.New("boom")})
	ledger := NewLedger(1000)
	m := NewMeteredProvider(inner, ledger, nil)

	_, err := m.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.MessageRoleUser, Content: "q"}},
	})
	require.Error(t, err)
	assert.Equal(t, 0, ledger.Used().TotalTokens)
	assert.Equal(t, 1000, ledger.Remaining())
}

func TestMeteredProvider_OverrunIsDetected(t *testing.T) {
	inner := providers.NewScriptedProvider(providers.ScriptedResponse{
		Content: "long",
		Usage:   llm.TokenUsage{InputTokens: 50, OutputTokens: 200},
	})
	ledger := NewLedger(100)
	m := NewMeteredProvider(inner, ledger, nil)

	_, err := m.Complete(context.Background(), llm.CompletionRequest{
		Messages:  []llm.Message{{Role: llm.MessageRoleUser, Content: "q"}},
		MaxTokens: intPtr(20),
	})
	require.NoError(t, err)
	assert.True(t, ledger.Exceeded())
	assert.Equal(t, 0, ledger.Remaining())
}
