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
)

func TestExecutionContext_ResultsAreCopies(t *testing.T) {
	ec := NewExecutionContext("exec-1", "corr-1", nil, map[string]interface{}{"q": "x"}, nil, nil)
	output := map[string]interface{}{"answer": "first", "nested": map[string]interface{}{"k": "v"}}
	ec.Append(StepResult{Name: "a", Status: StepSucceeded, Output: output})

	output["answer"] = "mutated"
	got := ec.Results()
	require.Len(t, got, 1)
	assert.Equal(t, "first", got[0].Output["answer"])

	got[0].Output["answer"] = "changed by reader"
	got[0].Output["nested"].(map[string]interface{})["k"] = "changed"
	again, ok := ec.Result("a")
	require.True(t, ok)
	assert.Equal(t, "first", again.Output["answer"])
	assert.Equal(t, "v", again.Output["nested"].(map[string]interface{})["k"])
}

func TestExecutionContext_Lookups(t *testing.T) {
	ec := NewExecutionContext("exec-1", "", nil, nil, nil, nil)
	_, ok := ec.LastSucceeded()
	assert.False(t, ok)

	ec.Append(StepResult{Name: "a", Status: StepSucceeded, Output: map[string]interface{}{"answer": "one"}})
	ec.Append(StepResult{Name: "b", Status: StepFailed, Error: "boom"})
	ec.Append(StepResult{Name: "c", Status: StepSkipped})

	last, ok := ec.LastSucceeded()
	require.True(t, ok)
	assert.Equal(t, "a", last.Name)

	_, ok = ec.Result("missing")
	assert.False(t, ok)
}

func TestExecutionContext_TemplateData(t *testing.T) {
	ec := NewExecutionContext("exec-1", "", nil, map[string]interface{}{"question": "why?"}, nil, nil)
	ec.Append(StepResult{Name: "retrieve", Status: StepSucceeded, Tokens: 0, Output: map[string]interface{}{"context": "[1] text", "status": "shadowed"}})

	data := ec.TemplateData(map[string]interface{}{"memory": "user: hi"})
	assert.Equal(t, "why?", data["input"].(map[string]interface{})["question"])
	assert.Equal(t, "user: hi", data["memory"])

	step := data["steps"].(map[string]interface{})["retrieve"].(map[string]interface{})
	assert.Equal(t, "[1] text", step["context"])
	assert.Equal(t, "succeeded", step["status"], "reserved keys win over output keys")
	assert.Equal(t, "shadowed", step["output"].(map[string]interface{})["status"])
}
