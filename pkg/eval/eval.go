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

// Package eval scores workflow and agent outputs.
//
// A Harness drives the engine through its public Execute contract and
// never touches spec or engine state. Three case types are supported:
//
//   - golden_answer compares the output with an expected value.
//   - hallucination asks a judge model whether the answer is supported by
//     the retrieved context.
//   - cost checks the execution stayed within a token allowance.
package eval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tombee/ragrunner/internal/log"
	"github.com/tombee/ragrunner/pkg/errors"
	"github.com/tombee/ragrunner/pkg/llm"
	"github.com/tombee/ragrunner/pkg/workflow"
)

// DefaultThreshold is the golden-answer pass mark.
const DefaultThreshold = 0.8

// CaseType selects how a case is scored.
type CaseType string

const (
	TypeGoldenAnswer  CaseType = "golden_answer"
	TypeHallucination CaseType = "hallucination"
	TypeCost          CaseType = "cost"
)

// Executor runs a spec. *engine.Engine satisfies it.
type Executor interface {
	Execute(ctx context.Context, specID string, input map[string]interface{}) *workflow.ExecutionRecord
}

// ResultSink persists evaluation results.
type ResultSink interface {
	SaveEvaluation(ctx context.Context, result *Result) error
}

// Case is one evaluation.
type Case struct {
	Name string   `yaml:"name" json:"name"`
	Type CaseType `yaml:"type" json:"type"`

	// Spec is the workflow or agent to execute.
	Spec  string                 `yaml:"spec" json:"spec"`
	Input map[string]interface{} `yaml:"input" json:"input"`

	// Expected is the golden output: a string compares with the answer,
	// a map or list with the whole output.
	Expected interface{} `yaml:"expected,omitempty" json:"expected,omitempty"`

	// Threshold overrides DefaultThreshold.
	Threshold float64 `yaml:"threshold,omitempty" json:"threshold,omitempty"`

	// Critique is extra instruction for the judge in hallucination cases.
	Critique string `yaml:"critique,omitempty" json:"critique,omitempty"`

	// Answer and Context judge a recorded answer without executing Spec.
	Answer  string `yaml:"answer,omitempty" json:"answer,omitempty"`
	Context string `yaml:"context,omitempty" json:"context,omitempty"`

	// MaxTokens is the allowance for cost cases.
	MaxTokens int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
}

// Validate checks the case is runnable.
func (c Case) Validate() error {
	if c.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "case name is required"}
	}
	field := func(f string) string { return c.Name + "." + f }
	if c.Threshold < 0 || c.Threshold > 1 {
		return &errors.ValidationError{Field: field("threshold"), Message: "threshold must be within [0, 1]"}
	}
	switch c.Type {
	case TypeGoldenAnswer:
		if c.Spec == "" {
			return &errors.ValidationError{Field: field("spec"), Message: "golden_answer cases need a spec"}
		}
		if c.Expected == nil {
			return &errors.ValidationError{Field: field("expected"), Message: "golden_answer cases need an expected output"}
		}
	case TypeHallucination:
		if c.Spec == "" && c.Answer == "" {
			return &errors.ValidationError{Field: field("spec"), Message: "hallucination cases need a spec or a recorded answer"}
		}
	case TypeCost:
		if c.Spec == "" {
			return &errors.ValidationError{Field: field("spec"), Message: "cost cases need a spec"}
		}
		if c.MaxTokens <= 0 {
			return &errors.ValidationError{Field: field("max_tokens"), Message: "cost cases need max_tokens > 0"}
		}
	default:
		return &errors.ValidationError{
			Field:      field("type"),
			Message:    fmt.Sprintf("unknown case type %q", c.Type),
			Suggestion: "use golden_answer, hallucination or cost",
		}
	}
	return nil
}

// Result is the outcome of one case.
type Result struct {
	ID          string                 `json:"id"`
	Case        string                 `json:"case"`
	Type        CaseType               `json:"type"`
	Input       map[string]interface{} `json:"input,omitempty"`
	Expected    interface{}            `json:"expected,omitempty"`
	Actual      interface{}            `json:"actual,omitempty"`
	Score       float64                `json:"score"`
	Passed      bool                   `json:"passed"`
	Metrics     map[string]interface{} `json:"metrics"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Duration    time.Duration          `json:"duration"`
	CreatedAt   time.Time              `json:"created_at"`
}

// Harness runs evaluation cases.
type Harness struct {
	executor    Executor
	judge       llm.Provider
	judgeModel  string
	sink        ResultSink
	concurrency int
	logger      *slog.Logger
}

// Option configures a Harness.
type Option func(*Harness)

// WithJudge sets the model that critiques answers in hallucination cases.
func WithJudge(p llm.Provider, model string) Option {
	return func(h *Harness) {
		h.judge = p
		h.judgeModel = model
	}
}

// WithResultSink persists every result.
func WithResultSink(s ResultSink) Option {
	return func(h *Harness) { h.sink = s }
}

// WithConcurrency bounds how many cases RunSuite runs at once.
func WithConcurrency(n int) Option {
	return func(h *Harness) { h.concurrency = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// NewHarness creates a harness over executor.
func NewHarness(executor Executor, opts ...Option) *Harness {
	h := &Harness{executor: executor, concurrency: 1, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	if h.concurrency < 1 {
		h.concurrency = 1
	}
	return h
}

// Run evaluates one case. Failures are reported in the result.
func (h *Harness) Run(ctx context.Context, c Case) *Result {
	start := time.Now()
	res := &Result{
		ID:        uuid.NewString(),
		Case:      c.Name,
		Type:      c.Type,
		Input:     c.Input,
		Expected:  c.Expected,
		Metrics:   map[string]interface{}{},
		CreatedAt: start,
	}

	var err error
	if err = c.Validate(); err == nil {
		switch c.Type {
		case TypeGoldenAnswer:
			err = h.runGolden(ctx, c, res)
		case TypeHallucination:
			err = h.runHallucination(ctx, c, res)
		case TypeCost:
			err = h.runCost(ctx, c, res)
		}
	}
	if err != nil {
		res.Passed = false
		res.Score = 0
		res.Error = err.Error()
	}
	res.Duration = time.Since(start)

	logger := h.logger.With(slog.String("case", c.Name), slog.String("type", string(c.Type)))
	if res.Error != "" {
		logger.Warn("evaluation case failed", slog.String("error", res.Error))
	} else {
		logger.Info("evaluation case finished",
			slog.Bool("passed", res.Passed),
			slog.Float64("score", res.Score),
			slog.Int64(log.DurationKey, res.Duration.Milliseconds()))
	}

	if h.sink != nil {
		if err := h.sink.SaveEvaluation(context.WithoutCancel(ctx), res); err != nil {
			logger.Error("failed to persist evaluation result", log.Error(err))
		}
	}
	return res
}

// RunSuite evaluates cases and summarizes them. Results keep case order.
func (h *Harness) RunSuite(ctx context.Context, cases []Case) *Report {
	start := time.Now()
	results := make([]*Result, len(cases))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.concurrency)
	for i := range cases {
		g.Go(func() error {
			results[i] = h.Run(gctx, cases[i])
			return nil
		})
	}
	_ = g.Wait()

	report := Summarize(results)
	report.Duration = time.Since(start)
	return report
}

// execute runs the case's spec and rejects executions that did not
// complete.
func (h *Harness) execute(ctx context.Context, c Case, res *Result) (*workflow.ExecutionRecord, error) {
	if h.executor == nil {
		return nil, &errors.ConfigError{Key: "eval.executor", Reason: "no executor configured"}
	}
	record := h.executor.Execute(ctx, c.Spec, c.Input)
	res.ExecutionID = record.ExecutionID
	res.Metrics["execution_status"] = string(record.Status)
	res.Metrics["total_tokens"] = record.TokenUsage.TotalTokens
	if record.Status != workflow.StatusCompleted {
		return record, fmt.Errorf("execution %s ended %s: %s", record.ExecutionID, record.Status, record.Error)
	}
	return record, nil
}

func (h *Harness) runGolden(ctx context.Context, c Case, res *Result) error {
	record, err := h.execute(ctx, c, res)
	if err != nil {
		return err
	}

	var actual interface{} = record.Output
	if _, ok := c.Expected.(string); ok {
		actual = record.Answer()
	}
	res.Actual = actual

	threshold := c.Threshold
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	res.Score = Similarity(c.Expected, actual)
	res.Passed = res.Score >= threshold
	res.Metrics["similarity"] = res.Score
	res.Metrics["exact_match"] = ExactMatch(c.Expected, actual)
	res.Metrics["threshold"] = threshold
	return nil
}

func (h *Harness) runCost(ctx context.Context, c Case, res *Result) error {
	record, err := h.execute(ctx, c, res)
	if err != nil {
		return err
	}
	usage := record.TokenUsage
	res.Actual = usage.TotalTokens
	res.Passed = usage.TotalTokens <= c.MaxTokens
	res.Score = 1
	if usage.TotalTokens > 0 {
		res.Score = min(1, float64(c.MaxTokens)/float64(usage.TotalTokens))
	}
	res.Metrics["max_tokens"] = c.MaxTokens
	res.Metrics["input_tokens"] = usage.InputTokens
	res.Metrics["output_tokens"] = usage.OutputTokens
	if model, _ := record.Metadata["model"].(string); model != "" {
		if cost, ok := llm.EstimateCost(model, usage); ok {
			res.Metrics["estimated_cost_usd"] = cost
		}
	}
	return nil
}
