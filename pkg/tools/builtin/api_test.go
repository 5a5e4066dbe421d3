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

package builtin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/ragrunner/pkg/errors"
)

func TestAPITool_GETWithBaseURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/users", r.URL.Path)
		assert.Equal(t, "3", r.URL.Query().Get("limit"))
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"users":["ada","grace"]}`))
	}))
	defer server.Close()

	tool, err := NewAPITool(APIConfig{
		BaseURL:        server.URL + "/v1/",
		DefaultHeaders: map[string]string{"X-Api-Key": "secret"},
	})
	require.NoError(t, err)

	out, err := tool.Execute(context.Background(), map[string]interface{}{
		"url":    "/users",
		"params": map[string]interface{}{"limit": 3},
	})
	require.NoError(t, err)

	assert.Equal(t, 200, out["status_code"])
	assert.Equal(t, true, out["success"])
	assert.Equal(t, server.URL+"/v1/users?limit=3", out["url"])
	data := out["data"].(map[string]interface{})
	assert.Equal(t, []interface{}{"ada", "grace"}, data["users"])
	headers := out["headers"].(map[string]interface{})
	assert.Equal(t, "application/json", headers["Content-Type"])
}

func TestAPITool_POSTJSONBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello", body["text"])
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}))
	defer server.Close()

	tool, err := NewAPITool(APIConfig{})
	require.NoError(t, err)

	out, err := tool.Execute(context.Background(), map[string]interface{}{
		"method": "post",
		"url":    server.URL,
		"body":   map[string]interface{}{"text": "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, 201, out["status_code"])
	assert.Equal(t, "created", out["data"])
}

func TestAPITool_NonSuccessStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer server.Close()

	tool, err := NewAPITool(APIConfig{})
	require.NoError(t, err)

	out, err := tool.Execute(context.Background(), map[string]interface{}{"url": server.URL})
	require.NoError(t, err)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, 404, out["status_code"])
}

func TestAPITool_RelativeURLWithoutBase(t *testing.T) {
	tool, err := NewAPITool(APIConfig{})
	require.NoError(t, err)

	_, err = tool.Execute(context.Background(), map[string]interface{}{"url": "/users"})
	var verr *errors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "url", verr.Field)
}

func TestAPITool_RejectsBadScheme(t *testing.T) {
	_, err := NewAPITool(APIConfig{BaseURL: "ftp://example.com"})
	require.Error(t, err)
}

func TestAPITool_RateLimitHonoursContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{}"))
	}))
	defer server.Close()

	tool, err := NewAPITool(APIConfig{RateLimitPerMinute: 1})
	require.NoError(t, err)

	_, err = tool.Execute(context.Background(), map[string]interface{}{"url": server.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = tool.Execute(ctx, map[string]interface{}{"url": server.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
}
