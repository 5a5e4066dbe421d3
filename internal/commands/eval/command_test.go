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
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/ragrunner/internal/commands/commandtest"
	"github.com/tombee/ragrunner/internal/commands/shared"
	pkgeval "github.com/tombee/ragrunner/pkg/eval"
)

const echoSpec = `
name: echo
steps:
  - name: answer
    kind: llm_call
    config:
      prompt: "{{.input.question}}"
`

const cases = `
spec: echo
cases:
  - name: exact
    input: {question: hi}
    expected: "echo: hi"
  - name: cheap
    type: cost
    input: {question: hi}
    max_tokens: 1000
`

func TestEval_RunsSuite(t *testing.T) {
	env := commandtest.New(t)
	env.Write(t, "specs/echo.yaml", echoSpec)
	path := env.Write(t, "evals/echo.yaml", cases)

	out, err := env.Execute(t, NewCommand(), "eval", path)
	require.NoError(t, err)
	assert.Contains(t, out, "PASS  exact")
	assert.Contains(t, out, "PASS  cheap")
	assert.Contains(t, out, "2 cases: 2 passed, 0 failed")
}

func TestEval_FailuresSetExitCode(t *testing.T) {
	env := commandtest.New(t)
	env.Write(t, "specs/echo.yaml", echoSpec)
	env.Write(t, "evals/a.yaml", cases)
	env.Write(t, "evals/b.yaml", "- name: wrong\n  spec: echo\n  input: {question: hi}\n  expected: \"something else entirely\"\n")

	out, err := env.Execute(t, NewCommand(), "eval", env.Root+"/evals", "--json")
	var exitErr *shared.ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, shared.ExitEvalFailed, exitErr.Code)

	var report pkgeval.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, []string{"wrong"}, report.Failures())
}

func TestEval_InvalidInputs(t *testing.T) {
	env := commandtest.New(t)
	path := env.Write(t, "evals/bad.yaml", "- name: x\n  type: vibes\n  spec: echo\n")

	_, err := env.Execute(t, NewCommand(), "eval", path)
	var exitErr *shared.ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, shared.ExitInvalidSpec, exitErr.Code)

	env.Write(t, "specs/echo.yaml", echoSpec)
	good := env.Write(t, "evals/good.yaml", cases)
	_, err = env.Execute(t, NewCommand(), "eval", good, "--schedule", "not a schedule")
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, shared.ExitConfigError, exitErr.Code)
}
