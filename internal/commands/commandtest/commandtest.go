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

// Package commandtest prepares an offline configuration for command tests.
package commandtest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/tombee/ragrunner/internal/cli"
	"github.com/tombee/ragrunner/internal/commands/shared"
)

// Env is a temporary workspace with a config file that uses the scripted
// provider and a SQLite backend.
type Env struct {
	Root     string
	SpecsDir string
	DocsDir  string
	Config   string
}

// New writes the config. Execute passes it as --config.
func New(t *testing.T) *Env {
	t.Helper()
	root := t.TempDir()
	env := &Env{
		Root:     root,
		SpecsDir: filepath.Join(root, "specs"),
		DocsDir:  filepath.Join(root, "docs"),
		Config:   filepath.Join(root, "config.yaml"),
	}
	require.NoError(t, os.MkdirAll(env.SpecsDir, 0o755))
	require.NoError(t, os.MkdirAll(env.DocsDir, 0o755))

	cfg := fmt.Sprintf(`log:
  level: error
llm:
  provider: scripted
specs:
  dir: %s
retrieval:
  stores:
    - name: kb
      type: memory
      documents: %s
backend:
  type: sqlite
  sqlite:
    path: %s
`, env.SpecsDir, env.DocsDir, filepath.Join(root, "data", "ragrunner.db"))
	env.Write(t, "config.yaml", cfg)

	t.Cleanup(func() { shared.SetConfigPathForTest("") })
	return env
}

// Write creates a file relative to the workspace root.
func (e *Env) Write(t *testing.T, rel, body string) string {
	t.Helper()
	path := filepath.Join(e.Root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// Execute runs cmd under a root command with args and returns its output.
func (e *Env) Execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	root := cli.NewRootCommand()
	root.AddCommand(cmd)

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", e.Config}, args...))
	err := root.ExecuteContext(t.Context())
	return out.String(), err
}
