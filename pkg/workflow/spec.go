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

// Package workflow defines the declarative specs the engine executes, the
// per-run execution context and the records a run produces.
//
// A spec file is YAML with a kind discriminator:
//
//	kind: workflow
//	name: rag_qa
//	token_budget: 4000
//	steps:
//	  - name: retrieve
//	    kind: retrieval
//	    config:
//	      query: "{{.input.question}}"
//	      top_k: 5
//	  - name: answer
//	    kind: llm_call
//	    config:
//	      prompt: answer
//	      max_tokens: 300
//
// Values of the form ${VAR} or ${VAR:-default} are substituted from the
// environment before decoding.
package workflow

import (
	"fmt"

	"github.com/tombee/ragrunner/pkg/memory"
)

// SpecKind discriminates workflows from agents.
type SpecKind string

const (
	KindWorkflow SpecKind = "workflow"
	KindAgent    SpecKind = "agent"
)

// StepKind identifies the config variant a step carries.
type StepKind string

const (
	StepRetrieval   StepKind = "retrieval"
	StepLLMCall     StepKind = "llm_call"
	StepToolCall    StepKind = "tool_call"
	StepRerank      StepKind = "rerank"
	StepConditional StepKind = "conditional"

	// StepAgentIteration labels the results of agent loop iterations. It
	// never appears in a spec file.
	StepAgentIteration StepKind = "agent_iteration"
)

// DefaultTimeoutSeconds bounds a step attempt when neither the step nor the
// spec sets a timeout.
const DefaultTimeoutSeconds = 30

// DefaultMaxIterations bounds an agent loop when the spec leaves it unset.
const DefaultMaxIterations = 10

// Spec is one catalog entry: exactly one of Workflow or Agent is set.
// Specs are immutable once loaded; a reload swaps in a new value.
type Spec struct {
	Kind     SpecKind
	Workflow *WorkflowSpec
	Agent    *AgentSpec

	// Source is the file the spec was loaded from, if any.
	Source string
}

// ID returns the name the spec is registered under.
func (s *Spec) ID() string {
	switch s.Kind {
	case KindAgent:
		return s.Agent.Name
	default:
		return s.Workflow.Name
	}
}

// Common returns the settings shared by both spec kinds.
func (s *Spec) Common() Settings {
	if s.Kind == KindAgent {
		return s.Agent.Settings
	}
	return s.Workflow.Settings
}

// Settings are the fields every spec kind carries.
type Settings struct {
	Name        string `yaml:"name" json:"name"`
	Version     string `yaml:"version,omitempty" json:"version,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Model is the default model for LLM calls. Empty uses the provider
	// default.
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	// Prompts maps template ids to inline template text. Inline templates
	// shadow library templates with the same id.
	Prompts map[string]string `yaml:"prompts,omitempty" json:"prompts,omitempty"`

	Memory memory.Config `yaml:"memory,omitempty" json:"memory,omitempty"`

	// TokenBudget caps total tokens per execution. Zero means unlimited.
	TokenBudget int `yaml:"token_budget,omitempty" json:"token_budget,omitempty"`

	MaxRetries     int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// WorkflowSpec is an ordered list of steps.
type WorkflowSpec struct {
	Settings `yaml:",inline"`

	Steps []Step `yaml:"steps" json:"steps"`
}

// StepByName returns the step with the given name.
func (w *WorkflowSpec) StepByName(name string) (*Step, bool) {
	for i := range w.Steps {
		if w.Steps[i].Name == name {
			return &w.Steps[i], true
		}
	}
	return nil, false
}

// AgentSpec is a bounded tool-calling loop.
type AgentSpec struct {
	Settings `yaml:",inline"`

	// System is a template id or inline text for the system message.
	System string `yaml:"system,omitempty" json:"system,omitempty"`

	// Prompt is a template id or inline text for the first user message.
	// Empty sends input.query (or input.question) verbatim.
	Prompt string `yaml:"prompt,omitempty" json:"prompt,omitempty"`

	Tools         []string `yaml:"tools,omitempty" json:"tools,omitempty"`
	MaxIterations int      `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`

	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens   int      `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
}

// Step is one unit of a workflow.
type Step struct {
	Name string
	Kind StepKind

	// Config is the typed configuration for Kind.
	Config StepConfig

	// Condition is an optional predicate; a false result skips the step.
	Condition string

	TimeoutSeconds *int
	MaxRetries     *int

	condition *Condition
}

// Predicate returns the compiled condition, or nil when the step has none.
func (s *Step) Predicate() *Condition {
	return s.condition
}

// StepConfig is implemented only by the config types in this package.
type StepConfig interface {
	StepKind() StepKind
	validate(field string) error
}

// RetrievalConfig runs the retrieval pipeline.
type RetrievalConfig struct {
	// Query is a template rendered against the execution data. Empty uses
	// input.query, falling back to input.question.
	Query string `yaml:"query,omitempty"`

	TopK      int                    `yaml:"top_k,omitempty"`
	Threshold float64                `yaml:"threshold,omitempty"`
	Backends  []string               `yaml:"backends,omitempty"`
	Filters   map[string]interface{} `yaml:"filters,omitempty"`

	// Rewrite names a rewrite strategy. "true" selects expansion.
	Rewrite string `yaml:"rewrite,omitempty"`

	Rerank           bool `yaml:"rerank,omitempty"`
	MaxContextTokens int  `yaml:"max_context_tokens,omitempty"`
}

// LLMCallConfig renders a prompt and calls the model.
type LLMCallConfig struct {
	// Prompt is a template id or inline template text.
	Prompt string `yaml:"prompt"`

	// System is an optional template id or inline text.
	System string `yaml:"system,omitempty"`

	Model       string   `yaml:"model,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty"`
	MaxTokens   int      `yaml:"max_tokens,omitempty"`

	// Variables are extra template variables, themselves resolved as
	// templates.
	Variables map[string]interface{} `yaml:"variables,omitempty"`
}

// ToolCallConfig invokes a registered tool.
type ToolCallConfig struct {
	Tool string `yaml:"tool"`

	// Arguments are resolved as templates before validation.
	Arguments map[string]interface{} `yaml:"arguments,omitempty"`

	// OutputQuery is an optional jq expression applied to the tool output.
	OutputQuery string `yaml:"output_query,omitempty"`
}

// RerankConfig reorders the chunks produced by an earlier step.
type RerankConfig struct {
	// From names the retrieval or rerank step whose chunks are reranked.
	From string `yaml:"from"`

	// Query is a template. Empty uses the source step's query.
	Query string `yaml:"query,omitempty"`

	TopK             int `yaml:"top_k,omitempty"`
	MaxContextTokens int `yaml:"max_context_tokens,omitempty"`
}

// ConditionalConfig evaluates a predicate and records the outcome.
type ConditionalConfig struct {
	Expression string `yaml:"expression"`

	compiled *Condition
}

// Compiled returns the compiled predicate.
func (c *ConditionalConfig) Compiled() *Condition {
	return c.compiled
}

func (*RetrievalConfig) StepKind() StepKind   { return StepRetrieval }
func (*LLMCallConfig) StepKind() StepKind     { return StepLLMCall }
func (*ToolCallConfig) StepKind() StepKind    { return StepToolCall }
func (*RerankConfig) StepKind() StepKind      { return StepRerank }
func (*ConditionalConfig) StepKind() StepKind { return StepConditional }

// newConfig returns an empty config for kind.
func newConfig(kind StepKind) (StepConfig, error) {
	switch kind {
	case StepRetrieval:
		return &RetrievalConfig{}, nil
	case StepLLMCall:
		return &LLMCallConfig{}, nil
	case StepToolCall:
		return &ToolCallConfig{}, nil
	case StepRerank:
		return &RerankConfig{}, nil
	case StepConditional:
		return &ConditionalConfig{}, nil
	default:
		return nil, fmt.Errorf("unknown step kind %q", kind)
	}
}
