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

package retrieval

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/tombee/ragrunner/pkg/errors"
	"github.com/tombee/ragrunner/pkg/llm"
)

// Strategy selects how a query is rewritten.
type Strategy string

const (
	StrategyExpansion     Strategy = "expansion"
	StrategyReformulation Strategy = "reformulation"
	StrategySynonym       Strategy = "synonym"
	StrategyParaphrase    Strategy = "paraphrase"
)

// ParseStrategy maps a config value to a Strategy. "true" and "default"
// select expansion; the empty string means no rewrite.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "false", "none":
		return "", nil
	case "true", "default", string(StrategyExpansion):
		return StrategyExpansion, nil
	case string(StrategyReformulation):
		return StrategyReformulation, nil
	case string(StrategySynonym):
		return StrategySynonym, nil
	case string(StrategyParaphrase):
		return StrategyParaphrase, nil
	default:
		return "", &errors.ValidationError{
			Field:      "rewrite",
			Message:    fmt.Sprintf("unknown rewrite strategy %q", s),
			Suggestion: "use expansion, reformulation, synonym or paraphrase",
		}
	}
}

// Rewriter turns a raw query into a better search query.
type Rewriter interface {
	Rewrite(ctx context.Context, provider llm.Provider, query, memory string, strategy Strategy) (string, error)
}

type strategyPrompt struct {
	instruction string
	temperature float64
	maxTokens   int
}

var strategyPrompts = map[Strategy]strategyPrompt{
	StrategyExpansion: {
		instruction: "Expand the query with related terms, synonyms and concepts to improve search results. Keep the original intent.",
		temperature: 0.3,
		maxTokens:   200,
	},
	StrategyReformulation: {
		instruction: "Reformulate the query to be more specific and clear for document search. Keep the original intent.",
		temperature: 0.2,
		maxTokens:   150,
	},
	StrategySynonym: {
		instruction: "Keep the query intact and add synonyms and alternative terms in parentheses, for example: machine learning (ML, artificial intelligence, deep learning).",
		temperature: 0.1,
		maxTokens:   150,
	},
	StrategyParaphrase: {
		instruction: "Paraphrase the query using different words while keeping exactly the same meaning.",
		temperature: 0.4,
		maxTokens:   100,
	},
}

// LLMRewriter rewrites queries with one completion call.
type LLMRewriter struct {
	// Model overrides the provider's default model.
	Model string
}

// Rewrite implements Rewriter. Budget and cancellation errors are returned;
// any other failure falls back to rule-based expansion for the expansion
// strategy and to the original query otherwise.
func (r *LLMRewriter) Rewrite(ctx context.Context, provider llm.Provider, query, memory string, strategy Strategy) (string, error) {
	sp, ok := strategyPrompts[strategy]
	if !ok {
		return "", &errors.ValidationError{Field: "rewrite", Message: fmt.Sprintf("unknown rewrite strategy %q", strategy)}
	}

	var b strings.Builder
	b.WriteString(sp.instruction)
	b.WriteString(" Respond with the rewritten query only.\n\n")
	if memory != "" {
		b.WriteString("Recent conversation:\n")
		b.WriteString(memory)
		b.WriteString("\n\n")
	}
	b.WriteString("Original query: ")
	b.WriteString(query)

	temp := sp.temperature
	maxTokens := sp.maxTokens
	resp, err := provider.Complete(ctx, llm.CompletionRequest{
		Model:       r.Model,
		Messages:    []llm.Message{{Role: llm.MessageRoleUser, Content: b.String()}},
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		var budgetErr *errors.BudgetExceededError
		if errors.As(err, &budgetErr) || ctx.Err() != nil {
			return "", err
		}
		if strategy == StrategyExpansion {
			return ExpandAbbreviations(query), nil
		}
		return query, nil
	}

	rewritten := strings.Trim(strings.TrimSpace(resp.Content), "\"")
	if rewritten == "" {
		return query, nil
	}
	return rewritten, nil
}

var abbreviations = []struct {
	pattern *regexp.Regexp
	expand  string
}{
	{regexp.MustCompile(`(?i)\bML\b`), "machine learning ML"},
	{regexp.MustCompile(`(?i)\bAI\b`), "artificial intelligence AI"},
	{regexp.MustCompile(`(?i)\bAPI\b`), "application programming interface API"},
	{regexp.MustCompile(`(?i)\bSQL\b`), "structured query language SQL"},
	{regexp.MustCompile(`(?i)\bDB\b`), "database DB"},
	{regexp.MustCompile(`(?i)\bUI\b`), "user interface UI"},
	{regexp.MustCompile(`(?i)\bUX\b`), "user experience UX"},
}

// ExpandAbbreviations is the rule-based expansion used when the model is
// unavailable.
func ExpandAbbreviations(query string) string {
	out := query
	for _, a := range abbreviations {
		out = a.pattern.ReplaceAllString(out, a.expand)
	}
	return out
}
