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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/ragrunner/pkg/errors"
	"github.com/tombee/ragrunner/pkg/memory"
)

const ragSpec = `
kind: workflow
name: rag_qa
version: "1.0"
token_budget: 4000
max_retries: 2
timeout_seconds: 20
memory:
  type: conversation_buffer
  max_tokens: 500
prompts:
  answer: "Context: {{.steps.retrieve.context}} Q: {{.input.question}}"
steps:
  - name: retrieve
    kind: retrieval
    config:
      query: "{{.input.question}}"
      threshold: 0.2
      rerank: true
      rewrite: expansion
      max_context_tokens: 800
  - name: lookup
    kind: tool_call
    condition: failed("retrieve")
    timeout_seconds: 5
    config:
      tool: sql_query
      arguments:
        query: "SELECT 1"
      output_query: ".data"
  - name: answer
    kind: llm_call
    max_retries: 0
    config:
      prompt: answer
      max_tokens: 300
      temperature: 0.2
`

func TestParseSpec_Workflow(t *testing.T) {
	spec, err := ParseSpec([]byte(ragSpec))
	require.NoError(t, err)

	assert.Equal(t, KindWorkflow, spec.Kind)
	assert.Equal(t, "rag_qa", spec.ID())
	wf := spec.Workflow
	assert.Equal(t, 4000, wf.TokenBudget)
	assert.Equal(t, memory.TypeBuffer, wf.Memory.Type)
	require.Len(t, wf.Steps, 3)

	rc, ok := wf.Steps[0].Config.(*RetrievalConfig)
	require.True(t, ok)
	assert.Equal(t, 5, rc.TopK, "top_k defaults to 5")
	assert.True(t, rc.Rerank)
	assert.Equal(t, 800, rc.MaxContextTokens)

	lookup := wf.Steps[1]
	assert.Equal(t, StepToolCall, lookup.Kind)
	require.NotNil(t, lookup.Predicate())
	assert.True(t, lookup.Predicate().HandlesFailure("retrieve"))
	require.NotNil(t, lookup.TimeoutSeconds)
	assert.Equal(t, 5, *lookup.TimeoutSeconds)
	tc := lookup.Config.(*ToolCallConfig)
	assert.Equal(t, "SELECT 1", tc.Arguments["query"])

	answer := wf.Steps[2]
	require.NotNil(t, answer.MaxRetries)
	assert.Equal(t, 0, *answer.MaxRetries)
	lc := answer.Config.(*LLMCallConfig)
	require.NotNil(t, lc.Temperature)
	assert.InDelta(t, 0.2, *lc.Temperature, 1e-9)
}

func TestParseSpec_Agent(t *testing.T) {
	spec, err := ParseSpec([]byte(`
kind: agent
name: researcher
system: "You are a research assistant."
tools: [sql_query, api_request]
token_budget: 2000
`))
	require.NoError(t, err)
	assert.Equal(t, KindAgent, spec.Kind)
	assert.Equal(t, "researcher", spec.ID())
	assert.Equal(t, DefaultMaxIterations, spec.Agent.MaxIterations)
	assert.Equal(t, []string{"sql_query", "api_request"}, spec.Agent.Tools)
	assert.Equal(t, 2000, spec.Common().TokenBudget)
}

func TestParseSpec_EnvSubstitution(t *testing.T) {
	t.Setenv("RAG_MODEL", "gpt-4o")
	spec, err := ParseSpec([]byte(`
name: env_test
model: ${RAG_MODEL}
token_budget: ${RAG_BUDGET_UNSET:-1500}
steps:
  - name: answer
    kind: llm_call
    config:
      prompt: "hi ${RAG_NAME_UNSET}"
`))
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", spec.Workflow.Model)
	assert.Equal(t, 1500, spec.Workflow.TokenBudget)
	assert.Equal(t, "hi ", spec.Workflow.Steps[0].Config.(*LLMCallConfig).Prompt)
}

func TestSubstituteEnvFunc(t *testing.T) {
	lookup := func(name string) (string, bool) {
		if name == "SET" {
			return "value", true
		}
		if name == "EMPTY" {
			return "", true
		}
		return "", false
	}
	tests := []struct {
		in, want string
	}{
		{"${SET}", "value"},
		{"a-${SET}-b", "a-value-b"},
		{"${MISSING}", ""},
		{"${MISSING:-fallback}", "fallback"},
		{"${EMPTY:-fallback}", "fallback"},
		{"${SET:-fallback}", "value"},
		{"$SET", "$SET"},
		{"${1BAD}", "${1BAD}"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, string(SubstituteEnvFunc([]byte(tt.in), lookup)))
		})
	}
}

func TestParseSpec_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{
			name:  "missing name",
			yaml:  "steps: [{name: a, kind: llm_call, config: {prompt: x}}]",
			field: "name",
		},
		{
			name:  "no steps",
			yaml:  "name: w",
			field: "steps",
		},
		{
			name:  "duplicate step",
			yaml:  "name: w\nsteps: [{name: a, kind: llm_call, config: {prompt: x}}, {name: a, kind: llm_call, config: {prompt: y}}]",
			field: "steps[1].name",
		},
		{
			name:  "llm call without prompt",
			yaml:  "name: w\nsteps: [{name: a, kind: llm_call}]",
			field: "steps[0].config.prompt",
		},
		{
			name:  "forward reference",
			yaml:  "name: w\nsteps: [{name: a, kind: llm_call, condition: 'succeeded(\"b\")', config: {prompt: x}}, {name: b, kind: llm_call, config: {prompt: y}}]",
			field: "steps[0].condition",
		},
		{
			name:  "template in condition",
			yaml:  "name: w\nsteps: [{name: a, kind: llm_call, config: {prompt: x}}, {name: b, kind: llm_call, condition: '{{.x}} == 1', config: {prompt: y}}]",
			field: "steps[1].condition",
		},
		{
			name:  "rerank of unknown step",
			yaml:  "name: w\nsteps: [{name: r, kind: rerank, config: {from: retrieve}}]",
			field: "steps[0].config.from",
		},
		{
			name:  "rerank of llm step",
			yaml:  "name: w\nsteps: [{name: a, kind: llm_call, config: {prompt: x}}, {name: r, kind: rerank, config: {from: a}}]",
			field: "steps[1].config.from",
		},
		{
			name:  "bad jq",
			yaml:  "name: w\nsteps: [{name: t, kind: tool_call, config: {tool: x, output_query: '.['}}]",
			field: "steps[0].config.output_query",
		},
		{
			name:  "bad rewrite",
			yaml:  "name: w\nsteps: [{name: r, kind: retrieval, config: {rewrite: telepathy}}]",
			field: "steps[0].config.rewrite",
		},
		{
			name:  "negative budget",
			yaml:  "name: w\ntoken_budget: -1\nsteps: [{name: a, kind: llm_call, config: {prompt: x}}]",
			field: "token_budget",
		},
		{
			name:  "agent repeated tool",
			yaml:  "kind: agent\nname: a\ntools: [x, x]",
			field: "tools[1]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSpec([]byte(tt.yaml))
			require.Error(t, err)
			var ve *errors.ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestParseSpec_UnknownKinds(t *testing.T) {
	_, err := ParseSpec([]byte("kind: pipeline\nname: x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown kind")

	_, err = ParseSpec([]byte("name: w\nsteps: [{name: a, kind: teleport}]"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown step kind")
}
