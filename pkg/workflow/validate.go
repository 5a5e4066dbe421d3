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

package workflow

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tombee/ragrunner/pkg/errors"
	"github.com/tombee/ragrunner/pkg/tools"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Validate checks a parsed spec and compiles its predicates.
func (s *Spec) Validate() error {
	switch s.Kind {
	case KindWorkflow:
		if s.Workflow == nil {
			return &errors.ValidationError{Field: "kind", Message: "workflow spec has no body"}
		}
		return s.Workflow.Validate()
	case KindAgent:
		if s.Agent == nil {
			return &errors.ValidationError{Field: "kind", Message: "agent spec has no body"}
		}
		return s.Agent.Validate()
	default:
		return &errors.ValidationError{
			Field:      "kind",
			Message:    fmt.Sprintf("unknown kind %q", s.Kind),
			Suggestion: "use workflow or agent",
		}
	}
}

func (c *Settings) validate() error {
	if c.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "name is required"}
	}
	if !namePattern.MatchString(c.Name) {
		return &errors.ValidationError{
			Field:      "name",
			Message:    fmt.Sprintf("invalid name %q", c.Name),
			Suggestion: "use letters, digits, '_', '-' and '.'",
		}
	}
	if c.TokenBudget < 0 {
		return &errors.ValidationError{Field: "token_budget", Message: "must be >= 0"}
	}
	if c.MaxRetries < 0 {
		return &errors.ValidationError{Field: "max_retries", Message: "must be >= 0"}
	}
	if c.TimeoutSeconds < 0 {
		return &errors.ValidationError{Field: "timeout_seconds", Message: "must be >= 0"}
	}
	for id, text := range c.Prompts {
		if strings.TrimSpace(text) == "" {
			return &errors.ValidationError{Field: "prompts." + id, Message: "template text is empty"}
		}
	}
	return nil
}

// Validate checks the workflow and compiles step conditions. A condition
// may only reference steps that run before it.
func (w *WorkflowSpec) Validate() error {
	if err := w.Settings.validate(); err != nil {
		return err
	}
	if len(w.Steps) == 0 {
		return &errors.ValidationError{Field: "steps", Message: "workflow must have at least one step"}
	}

	seen := make(map[string]bool, len(w.Steps))
	for i := range w.Steps {
		step := &w.Steps[i]
		field := fmt.Sprintf("steps[%d]", i)

		if step.Name == "" {
			return &errors.ValidationError{Field: field + ".name", Message: "step name is required"}
		}
		if !namePattern.MatchString(step.Name) {
			return &errors.ValidationError{Field: field + ".name", Message: fmt.Sprintf("invalid step name %q", step.Name)}
		}
		if seen[step.Name] {
			return &errors.ValidationError{
				Field:   field + ".name",
				Message: fmt.Sprintf("duplicate step name %q", step.Name),
			}
		}
		if step.Config == nil {
			return &errors.ValidationError{Field: field + ".kind", Message: "step kind is required"}
		}
		if step.TimeoutSeconds != nil && *step.TimeoutSeconds < 0 {
			return &errors.ValidationError{Field: field + ".timeout_seconds", Message: "must be >= 0"}
		}
		if step.MaxRetries != nil && *step.MaxRetries < 0 {
			return &errors.ValidationError{Field: field + ".max_retries", Message: "must be >= 0"}
		}
		if err := step.Config.validate(field + ".config"); err != nil {
			return err
		}

		if step.Condition != "" {
			cond, err := compileScoped(step.Condition, field+".condition", seen)
			if err != nil {
				return err
			}
			step.condition = cond
		}
		if cc, ok := step.Config.(*ConditionalConfig); ok {
			cond, err := compileScoped(cc.Expression, field+".config.expression", seen)
			if err != nil {
				return err
			}
			cc.compiled = cond
		}
		if rc, ok := step.Config.(*RerankConfig); ok {
			src, found := w.StepByName(rc.From)
			if !found || !seen[rc.From] {
				return &errors.ValidationError{
					Field:   field + ".config.from",
					Message: fmt.Sprintf("rerank source %q is not an earlier step", rc.From),
				}
			}
			if src.Kind != StepRetrieval && src.Kind != StepRerank {
				return &errors.ValidationError{
					Field:   field + ".config.from",
					Message: fmt.Sprintf("rerank source %q is a %s step", rc.From, src.Kind),
				}
			}
		}

		seen[step.Name] = true
	}
	return nil
}

// compileScoped compiles a predicate whose step references must be in
// earlier.
func compileScoped(source, field string, earlier map[string]bool) (*Condition, error) {
	if strings.Contains(source, "{{") {
		return nil, &errors.ValidationError{
			Field:      field,
			Message:    "predicates cannot contain template expressions",
			Suggestion: "reference values directly, e.g. steps.retrieve.status == \"succeeded\"",
		}
	}
	cond, err := CompileCondition(source)
	if err != nil {
		var ve *errors.ValidationError
		if errors.As(err, &ve) {
			ve.Field = field
		}
		return nil, err
	}
	for _, ref := range cond.StepRefs() {
		if !earlier[ref] {
			return nil, &errors.ValidationError{
				Field:   field,
				Message: fmt.Sprintf("references step %q, which does not run earlier", ref),
			}
		}
	}
	return cond, nil
}

// Validate checks the agent settings.
func (a *AgentSpec) Validate() error {
	if err := a.Settings.validate(); err != nil {
		return err
	}
	if a.MaxIterations < 1 {
		return &errors.ValidationError{Field: "max_iterations", Message: "must be >= 1"}
	}
	if a.MaxTokens < 0 {
		return &errors.ValidationError{Field: "max_tokens", Message: "must be >= 0"}
	}
	seen := make(map[string]bool, len(a.Tools))
	for i, name := range a.Tools {
		if name == "" || seen[name] {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("tools[%d]", i),
				Message: fmt.Sprintf("tool name %q is empty or repeated", name),
			}
		}
		seen[name] = true
	}
	return nil
}

func (c *RetrievalConfig) validate(field string) error {
	if c.TopK < 0 {
		return &errors.ValidationError{Field: field + ".top_k", Message: "must be >= 0"}
	}
	if c.Threshold < -1 || c.Threshold > 1 {
		return &errors.ValidationError{Field: field + ".threshold", Message: "must be within [-1, 1]"}
	}
	if c.MaxContextTokens < 0 {
		return &errors.ValidationError{Field: field + ".max_context_tokens", Message: "must be >= 0"}
	}
	switch strings.ToLower(c.Rewrite) {
	case "", "false", "none", "true", "expansion", "reformulation", "synonym", "paraphrase":
	default:
		return &errors.ValidationError{
			Field:      field + ".rewrite",
			Message:    fmt.Sprintf("unknown rewrite strategy %q", c.Rewrite),
			Suggestion: "use expansion, reformulation, synonym or paraphrase",
		}
	}
	return nil
}

func (c *LLMCallConfig) validate(field string) error {
	if strings.TrimSpace(c.Prompt) == "" {
		return &errors.ValidationError{Field: field + ".prompt", Message: "prompt is required"}
	}
	if c.MaxTokens < 0 {
		return &errors.ValidationError{Field: field + ".max_tokens", Message: "must be >= 0"}
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return &errors.ValidationError{Field: field + ".temperature", Message: "must be within [0, 2]"}
	}
	return nil
}

func (c *ToolCallConfig) validate(field string) error {
	if c.Tool == "" {
		return &errors.ValidationError{Field: field + ".tool", Message: "tool is required"}
	}
	if c.OutputQuery != "" {
		if _, err := tools.CompileQuery(c.OutputQuery); err != nil {
			var ve *errors.ValidationError
			if errors.As(err, &ve) {
				ve.Field = field + ".output_query"
			}
			return err
		}
	}
	return nil
}

func (c *RerankConfig) validate(field string) error {
	if c.From == "" {
		return &errors.ValidationError{Field: field + ".from", Message: "source step is required"}
	}
	if c.TopK < 0 {
		return &errors.ValidationError{Field: field + ".top_k", Message: "must be >= 0"}
	}
	return nil
}

func (c *ConditionalConfig) validate(field string) error {
	if strings.TrimSpace(c.Expression) == "" {
		return &errors.ValidationError{Field: field + ".expression", Message: "expression is required"}
	}
	return nil
}
