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

package eval

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/tombee/ragrunner/pkg/errors"
	"github.com/tombee/ragrunner/pkg/llm"
	"github.com/tombee/ragrunner/pkg/prompt"
	"github.com/tombee/ragrunner/pkg/workflow"
)

// critiqueTemplate asks the judge for a JSON verdict.
const critiqueTemplate = `You are checking an AI answer for hallucinations.

Context:
{{.context}}

Answer:
{{.answer}}
{{if .instruction}}
Additional instructions: {{.instruction}}
{{end}}
Split the answer into factual claims. A claim is supported only if the
context states or directly implies it. Reply with JSON only:
{"supported_claims": ["..."], "unsupported_claims": ["..."], "confidence": 0.0}`

// Verdict is the judge's structured reply.
type Verdict struct {
	SupportedClaims   []string `json:"supported_claims"`
	UnsupportedClaims []string `json:"unsupported_claims"`
	Confidence        float64  `json:"confidence"`
}

// Hallucinated reports whether any claim was unsupported.
func (v Verdict) Hallucinated() bool {
	return len(v.UnsupportedClaims) > 0
}

// Score is the supported share of claims; 1 when there are none.
func (v Verdict) Score() float64 {
	total := len(v.SupportedClaims) + len(v.UnsupportedClaims)
	if total == 0 {
		return 1
	}
	return float64(len(v.SupportedClaims)) / float64(total)
}

// ParseVerdict extracts the JSON verdict from a judge reply, tolerating
// code fences and surrounding prose.
func ParseVerdict(reply string) (Verdict, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end < start {
		return Verdict{}, &errors.ValidationError{Field: "verdict", Message: "judge reply contains no JSON object"}
	}
	var v Verdict
	if err := json.Unmarshal([]byte(reply[start:end+1]), &v); err != nil {
		return Verdict{}, &errors.ValidationError{Field: "verdict", Message: fmt.Sprintf("judge reply is not a verdict: %v", err)}
	}
	v.Confidence = math.Max(0, math.Min(1, v.Confidence))
	return v, nil
}

var (
	uncertaintyPatterns = compileAll(
		`\b(?:I think|I believe|I assume|I guess|I suppose)\b`,
		`\b(?:might be|could be|possibly|perhaps)\b`,
		`\b(?:I'm not sure|I don't know|I can't be certain)\b`,
		`\b(?:as far as I know|to my knowledge|I recall)\b`,
		`\b(?:I remember|I think I heard)\b`,
	)
	overconfidencePatterns = compileAll(
		`\b(?:definitely|certainly|absolutely|surely)\b`,
		`\b(?:without a doubt|no question|clearly)\b`,
		`\b(?:I can confirm|I can verify|I know for sure)\b`,
	)
	unsubstantiatedPatterns = compileAll(
		`\b(?:studies show|research indicates|experts say)\b`,
		`\b(?:it is known|it is established|it is proven)\b`,
		`\b(?:according to|research shows)\b`,
	)
)

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile("(?i)" + p)
	}
	return out
}

// PhraseSignals counts hedging and overconfidence markers in an answer.
type PhraseSignals struct {
	Uncertainty     int
	Overconfidence  int
	Unsubstantiated int
}

// Confidence is 1 minus 0.2 per signal and a further 0.3 per
// overconfidence marker, floored at 0.
func (s PhraseSignals) Confidence() float64 {
	issues := s.Uncertainty + s.Overconfidence + s.Unsubstantiated
	return math.Max(0, 1-0.2*float64(issues)-0.3*float64(s.Overconfidence))
}

// ScanPhrases matches answer against the signal patterns.
func ScanPhrases(answer string) PhraseSignals {
	count := func(patterns []*regexp.Regexp) int {
		n := 0
		for _, p := range patterns {
			if p.MatchString(answer) {
				n++
			}
		}
		return n
	}
	return PhraseSignals{
		Uncertainty:     count(uncertaintyPatterns),
		Overconfidence:  count(overconfidencePatterns),
		Unsubstantiated: count(unsubstantiatedPatterns),
	}
}

func (h *Harness) runHallucination(ctx context.Context, c Case, res *Result) error {
	if h.judge == nil {
		return &errors.ConfigError{Key: "eval.judge", Reason: "hallucination cases need a judge provider"}
	}

	answer, contextText := c.Answer, c.Context
	if c.Spec != "" {
		record, err := h.execute(ctx, c, res)
		if err != nil {
			return err
		}
		answer = record.Answer()
		contextText = retrievedContext(record)
	}
	res.Actual = answer

	critique, err := prompt.RenderText("critique", critiqueTemplate, map[string]interface{}{
		"context":     contextText,
		"answer":      answer,
		"instruction": c.Critique,
	})
	if err != nil {
		return err
	}

	temperature := 0.1
	maxTokens := 512
	resp, err := h.judge.Complete(ctx, llm.CompletionRequest{
		Messages:    []llm.Message{{Role: llm.MessageRoleUser, Content: critique}},
		Model:       h.judgeModel,
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		return fmt.Errorf("judge call: %w", err)
	}
	verdict, err := ParseVerdict(resp.Content)
	if err != nil {
		return err
	}

	signals := ScanPhrases(answer)
	res.Score = verdict.Score()
	res.Passed = !verdict.Hallucinated()
	res.Metrics["hallucination"] = verdict.Hallucinated()
	res.Metrics["confidence"] = verdict.Confidence
	res.Metrics["supported_claims"] = len(verdict.SupportedClaims)
	res.Metrics["unsupported_claims"] = len(verdict.UnsupportedClaims)
	if len(verdict.UnsupportedClaims) > 0 {
		res.Metrics["unsupported"] = verdict.UnsupportedClaims
	}
	res.Metrics["uncertainty_phrases"] = signals.Uncertainty
	res.Metrics["overconfidence_markers"] = signals.Overconfidence
	res.Metrics["unsubstantiated_phrases"] = signals.Unsubstantiated
	res.Metrics["phrase_confidence"] = signals.Confidence()
	return nil
}

// retrievedContext joins the context blocks of successful retrieval and
// rerank steps. A rerank replaces the retrieval it consumed, so only the
// last such block is used when both ran.
func retrievedContext(record *workflow.ExecutionRecord) string {
	var blocks []string
	for _, step := range record.Steps {
		if step.Status != workflow.StepSucceeded {
			continue
		}
		text, _ := step.Output["context"].(string)
		if text == "" {
			continue
		}
		switch step.Kind {
		case workflow.StepRetrieval:
			blocks = append(blocks, text)
		case workflow.StepRerank:
			if len(blocks) > 0 {
				blocks[len(blocks)-1] = text
			} else {
				blocks = append(blocks, text)
			}
		}
	}
	return strings.Join(blocks, "\n\n")
}
