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

package custom

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/ragrunner/pkg/errors"
	"github.com/tombee/ragrunner/pkg/tools"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestParseDefinition(t *testing.T) {
	tests := []struct {
		name      string
		yaml      string
		wantField string
	}{
		{"missing name", "url: http://x\n", "name"},
		{"missing url", "name: t\n", "url"},
		{"bad method", "name: t\nurl: http://x\nmethod: TRACE\n", "method"},
		{"bad yaml", "name: [\n", "yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDefinition([]byte(tt.yaml))
			var verr *errors.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantField, verr.Field)
		})
	}

	def, err := ParseDefinition([]byte("name: t\nurl: http://x\nmethod: post\ninput_schema:\n  properties:\n    id: {type: string}\n"))
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, def.Method)
	assert.Equal(t, "object", def.InputSchema.Type)
}

func TestHTTPTool_Execute(t *testing.T) {
	t.Setenv("ORDERS_TOKEN", "tok-123")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/orders/42", r.URL.Path)
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"id": "42", "status": "shipped"})
	}))
	defer server.Close()

	tool, err := NewHTTPTool(Definition{
		Name:    "lookup_order",
		URL:     server.URL + "/orders/{{.order_id}}",
		Headers: map[string]string{"Authorization": `Bearer {{env "ORDERS_TOKEN"}}`},
	})
	require.NoError(t, err)

	out, err := tool.Execute(context.Background(), map[string]interface{}{"order_id": "42"})
	require.NoError(t, err)
	assert.Equal(t, 200, out["status_code"])
	resp := out["response"].(map[string]interface{})
	assert.Equal(t, "shipped", resp["status"])
}

func TestHTTPTool_PostsArgumentsAsBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hi", body["text"])
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	tool, err := NewHTTPTool(Definition{Name: "echo", Method: "POST", URL: server.URL})
	require.NoError(t, err)

	out, err := tool.Execute(context.Background(), map[string]interface{}{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out["response"])
}

func TestHTTPTool_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	tool, err := NewHTTPTool(Definition{Name: "broken", URL: server.URL})
	require.NoError(t, err)

	_, err = tool.Execute(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http error 500")
}

func TestHTTPTool_MissingURLVariable(t *testing.T) {
	tool, err := NewHTTPTool(Definition{Name: "t", URL: "http://example.com/{{.id}}"})
	require.NoError(t, err)

	_, err = tool.Execute(context.Background(), map[string]interface{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interpolate URL")
}

func TestLoader_SyncRegistersAndRemoves(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), "name: alpha\nurl: http://example.com/a\n")
	writeFile(t, filepath.Join(dir, "nested", "b.yml"), "name: beta\nurl: http://example.com/b\n")
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")

	registry := tools.NewRegistry()
	loader := NewLoader(dir, registry)

	require.NoError(t, loader.Sync())
	assert.Equal(t, []string{"alpha", "beta"}, registry.List())

	require.NoError(t, os.Remove(filepath.Join(dir, "a.yaml")))
	require.NoError(t, loader.Sync())
	assert.Equal(t, []string{"beta"}, registry.List())
}

func TestLoader_BadFileDoesNotBlockOthers(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "good.yaml"), "name: good\nurl: http://example.com\n")
	writeFile(t, filepath.Join(dir, "bad.yaml"), "description: no name\n")

	registry := tools.NewRegistry()
	err := NewLoader(dir, registry).Sync()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.yaml")
	assert.True(t, registry.Has("good"))
}

func TestLoader_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	registry := tools.NewRegistry()
	loader := NewLoader(dir, registry)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loader.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to attach before writing.
	time.Sleep(50 * time.Millisecond)
	writeFile(t, filepath.Join(dir, "late.yaml"), "name: late\nurl: http://example.com\n")

	require.Eventually(t, func() bool { return registry.Has("late") }, 3*time.Second, 20*time.Millisecond)
}
