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
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/ragrunner/pkg/errors"
)

func writeSpec(t *testing.T, dir, file, name, prompt string) {
	t.Helper()
	body := "name: " + name + "\nsteps:\n  - name: answer\n    kind: llm_call\n    config:\n      prompt: \"" + prompt + "\"\n"
	require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(dir, file)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(body), 0o644))
}

func TestCatalog_AddGetList(t *testing.T) {
	c := NewCatalog(nil)
	_, err := c.Get("missing")
	var nf *errors.NotFoundError
	require.True(t, errors.As(err, &nf))

	first, err := ParseSpec([]byte("name: b\nsteps: [{name: s, kind: llm_call, config: {prompt: one}}]"))
	require.NoError(t, err)
	second, err := ParseSpec([]byte("name: b\nsteps: [{name: s, kind: llm_call, config: {prompt: two}}]"))
	require.NoError(t, err)
	other, err := ParseSpec([]byte("kind: agent\nname: a"))
	require.NoError(t, err)

	require.NoError(t, c.Add(first))
	require.NoError(t, c.Add(second))
	require.NoError(t, c.Add(other))
	assert.Error(t, c.Add(nil))

	got, err := c.Get("b")
	require.NoError(t, err)
	assert.Same(t, second, got, "last writer wins")

	list := c.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID())
	assert.Equal(t, "b", list[1].ID())

	c.Remove("a")
	assert.Len(t, c.List(), 1)
}

func TestCatalog_LoadDir(t *testing.T) {
	dir := t.TempDir()
	writeSpec(t, dir, "qa.yaml", "qa", "v1")
	writeSpec(t, dir, "nested/summarize.yml", "summarize", "v1")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	c := NewCatalog(nil)
	require.NoError(t, c.LoadDir(dir))
	assert.Len(t, c.List(), 2)

	held, err := c.Get("qa")
	require.NoError(t, err)

	// A broken file keeps its previous version; a removed file drops its spec.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "qa.yaml"), []byte("name: qa\nsteps: ["), 0o644))
	require.NoError(t, os.Remove(filepath.Join(dir, "nested", "summarize.yml")))
	err = c.LoadDir(dir)
	require.Error(t, err)

	kept, err := c.Get("qa")
	require.NoError(t, err)
	assert.Same(t, held, kept)
	_, err = c.Get("summarize")
	assert.Error(t, err)

	writeSpec(t, dir, "qa.yaml", "qa", "v2")
	require.NoError(t, c.LoadDir(dir))
	updated, err := c.Get("qa")
	require.NoError(t, err)
	assert.Equal(t, "v2", updated.Workflow.Steps[0].Config.(*LLMCallConfig).Prompt)
	assert.Equal(t, "v1", held.Workflow.Steps[0].Config.(*LLMCallConfig).Prompt, "held specs never change")
}

func TestCatalog_Watch(t *testing.T) {
	dir := t.TempDir()
	writeSpec(t, dir, "qa.yaml", "qa", "v1")

	c := NewCatalog(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx, dir) }()

	require.Eventually(t, func() bool {
		_, err := c.Get("qa")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)

	writeSpec(t, dir, "extra.yaml", "extra", "v1")
	require.Eventually(t, func() bool {
		_, err := c.Get("extra")
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}
