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
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/ragrunner/pkg/budget"
	rrerrors "github.com/tombee/ragrunner/pkg/errors"
	"github.com/tombee/ragrunner/pkg/llm"
)

type stubSummarizer struct {
	calls int
	err   error
}

func (s *stubSummarizer) Summarize(_ context.Context, previous string, turns []Turn) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	parts := []string{}
	if previous != "" {
		parts = append(parts, previous)
	}
	for _, t := range turns {
		parts = append(parts, t.Role+" said "+strings.Fields(t.Content)[0])
	}
	return strings.Join(parts, "; "), nil
}

type stubProvider struct {
	content string
	err     error
	reqs    []llm.CompletionRequest
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return nil, s.err
	}
	return &llm.CompletionResponse{Content: s.content}, nil
}

func turn(role, content string) Turn {
	return Turn{Role: role, Content: content}
}

func TestBuffer_DropsOldestFirst(t *testing.T) {
	ctx := context.Background()
	c := budget.HeuristicCounter{}
	b := NewBuffer(20, c)

	for i := 0; i < 10; i++ {
		b.Append(ctx, turn("user", fmt.Sprintf("message number %d here", i)))
	}

	turns := b.Turns()
	require.NotEmpty(t, turns)
	assert.Equal(t, "message number 9 here", turns[len(turns)-1].Content)
	assert.NotEqual(t, "message number 0 here", turns[0].Content)

	rendered := b.Render(ctx)
	assert.LessOrEqual(t, c.Count(rendered), 20)
	assert.Contains(t, rendered, "message number 9 here")
}

func TestBuffer_OversizedTurnIsCutFromFront(t *testing.T) {
	ctx := context.Background()
	c := budget.HeuristicCounter{}
	b := NewBuffer(5, c)

	b.Append(ctx, turn("user", strings.Repeat("word ", 50)+"final"))
	rendered := b.Render(ctx)
	assert.LessOrEqual(t, c.Count(rendered), 5)
	assert.True(t, strings.HasSuffix(rendered, "final"))
}

func TestSummary_SummarizesEvictedTurns(t *testing.T) {
	ctx := context.Background()
	c := budget.HeuristicCounter{}
	s := &stubSummarizer{}
	m := NewSummary(40, s, c, nil)

	m.Append(ctx, turn("user", "alpha is the first topic we discussed"))
	m.Append(ctx, turn("assistant", "bravo answered about the first topic"))
	m.Append(ctx, turn("user", "charlie asks a follow up question now"))

	assert.Positive(t, s.calls)
	assert.Contains(t, m.CurrentSummary(), "user said alpha")

	rendered := m.Render(ctx)
	assert.LessOrEqual(t, c.Count(rendered), 40)
	assert.Contains(t, rendered, "Summary of earlier conversation")
	assert.Contains(t, rendered, "charlie")
}

func TestSummary_FailureFallsBackToTruncation(t *testing.T) {
	ctx := context.Background()
	c := budget.HeuristicCounter{}
	m := NewSummary(30, &stubSummarizer{err: errors.New("model down")}, c, discardLogger())

	for i := 0; i < 6; i++ {
		m.Append(ctx, turn("user", fmt.Sprintf("turn %d with some padding text", i)))
	}

	assert.Empty(t, m.CurrentSummary())
	rendered := m.Render(ctx)
	assert.LessOrEqual(t, c.Count(rendered), 30)
	assert.Contains(t, rendered, "turn 5")
}

func TestEntity_ExtractsAndBoundsFacts(t *testing.T) {
	ctx := context.Background()
	c := budget.HeuristicCounter{}
	m := NewEntity(25, HeuristicExtractor{}, c, nil)

	m.Append(ctx, turn("user", "Paris is the capital of France. The weather is nice."))
	m.Append(ctx, turn("assistant", "Berlin is the capital of Germany."))

	facts := m.Facts()
	assert.Equal(t, "is the capital of France", facts["Paris"])
	assert.Equal(t, "is the capital of Germany", facts["Berlin"])
	assert.NotContains(t, facts, "The")

	rendered := m.Render(ctx)
	assert.LessOrEqual(t, c.Count(rendered), 25)
	// Most recently updated entity comes first.
	assert.True(t, strings.Index(rendered, "Berlin") < strings.Index(rendered, "Paris") || !strings.Contains(rendered, "Paris"))
}

func TestEntity_LaterFactReplacesEarlier(t *testing.T) {
	ctx := context.Background()
	m := NewEntity(200, HeuristicExtractor{}, budget.HeuristicCounter{}, nil)
	m.Append(ctx, turn("user", "Acme is a startup."))
	m.Append(ctx, turn("user", "Acme is now a public company."))
	assert.Equal(t, "is now a public company", m.Facts()["Acme"])
}

func TestLLMExtractor(t *testing.T) {
	ctx := context.Background()

	p := &stubProvider{content: "Sure! {\"Ada Lovelace\": \"wrote the first program\"}"}
	facts, err := (&LLMExtractor{Provider: p}).Extract(ctx, turn("user", "Ada Lovelace wrote the first program."))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Ada Lovelace": "wrote the first program"}, facts)

	p = &stubProvider{content: "not json"}
	facts, err = (&LLMExtractor{Provider: p}).Extract(ctx, turn("user", "Rome is old."))
	require.NoError(t, err)
	assert.Equal(t, "is old", facts["Rome"])
}

func TestLLMSummarizer_PromptIncludesPrevious(t *testing.T) {
	p := &stubProvider{content: "new summary"}
	out, err := (&LLMSummarizer{Provider: p}).Summarize(context.Background(), "old summary", []Turn{turn("user", "hello")})
	require.NoError(t, err)
	assert.Equal(t, "new summary", out)
	require.Len(t, p.reqs, 1)
	assert.Contains(t, p.reqs[0].Messages[0].Content, "old summary")
	assert.Contains(t, p.reqs[0].Messages[0].Content, "user: hello")
	assert.Equal(t, 256, *p.reqs[0].MaxTokens)
}

func TestCombined_EachMemberContributes(t *testing.T) {
	ctx := context.Background()
	m, err := New(Config{
		Type: TypeCombined,
		Members: []Config{
			{Type: TypeEntity, MaxTokens: 50},
			{Type: TypeBuffer, MaxTokens: 50},
		},
	}, Deps{})
	require.NoError(t, err)

	m.Append(ctx, turn("user", "Tokyo is the capital of Japan."))
	rendered := m.Render(ctx)

	assert.Contains(t, rendered, "Known entities:")
	assert.Contains(t, rendered, "user: Tokyo is the capital of Japan.")
	assert.LessOrEqual(t, budget.HeuristicCounter{}.Count(rendered), 100)
	assert.Len(t, m.Turns(), 1)
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"unknown type", Config{Type: "vector"}},
		{"summary without summarizer", Config{Type: TypeSummary}},
		{"empty combined", Config{Type: TypeCombined}},
		{"nested combined", Config{Type: TypeCombined, Members: []Config{{Type: TypeCombined}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, Deps{})
			var validationErr *rrerrors.ValidationError
			assert.True(t, errors.As(err, &validationErr), "got %v", err)
		})
	}

	m, err := New(Config{}, Deps{})
	require.NoError(t, err)
	assert.IsType(t, &Buffer{}, m)
}

func TestKeepHeadTail(t *testing.T) {
	c := budget.HeuristicCounter{}
	text := "one two\nthree four five"

	assert.Equal(t, text, keepHead(c, text, 100))
	head := keepHead(c, text, 3)
	assert.True(t, strings.HasPrefix(text, head))
	assert.LessOrEqual(t, c.Count(head), 3)

	tail := keepTail(c, text, 3)
	assert.True(t, strings.HasSuffix(text, tail))
	assert.LessOrEqual(t, c.Count(tail), 3)

	assert.Equal(t, "", keepTail(c, text, 0))
	assert.Equal(t, "", keepHead(c, "supercalifragilistic", 1))
}
