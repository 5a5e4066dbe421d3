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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/tombee/ragrunner/pkg/errors"
	"github.com/tombee/ragrunner/pkg/httpclient"
	"github.com/tombee/ragrunner/pkg/tools"
)

const defaultMaxResponseSize = 1 << 20

// HTTPTool is a tools.Tool backed by a Definition.
type HTTPTool struct {
	def             Definition
	url             *template.Template
	headers         map[string]*template.Template
	timeout         time.Duration
	maxResponseSize int64
	client          *http.Client
}

var templateFuncs = template.FuncMap{
	"env": os.Getenv,
}

// NewHTTPTool compiles the URL and header templates of def.
func NewHTTPTool(def Definition) (*HTTPTool, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	urlTmpl, err := template.New(def.Name + ".url").Funcs(templateFuncs).Option("missingkey=error").Parse(def.URL)
	if err != nil {
		return nil, &errors.ValidationError{Field: "url", Message: fmt.Sprintf("invalid url template: %v", err)}
	}
	headers := make(map[string]*template.Template, len(def.Headers))
	for k, v := range def.Headers {
		tmpl, err := template.New(def.Name + "." + k).Funcs(templateFuncs).Parse(v)
		if err != nil {
			return nil, &errors.ValidationError{Field: "headers." + k, Message: fmt.Sprintf("invalid header template: %v", err)}
		}
		headers[k] = tmpl
	}

	timeout := time.Duration(def.Timeout) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxSize := def.MaxResponseSize
	if maxSize <= 0 {
		maxSize = defaultMaxResponseSize
	}

	cfg := httpclient.DefaultConfig()
	cfg.Timeout = timeout
	cfg.UserAgent = "ragrunner-custom-tool/" + def.Name
	client, err := httpclient.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating http client: %w", err)
	}

	return &HTTPTool{
		def:             def,
		url:             urlTmpl,
		headers:         headers,
		timeout:         timeout,
		maxResponseSize: maxSize,
		client:          client,
	}, nil
}

// Name returns the tool name.
func (h *HTTPTool) Name() string { return h.def.Name }

// Description returns the tool description.
func (h *HTTPTool) Description() string { return h.def.Description }

// Source returns the definition file path, if any.
func (h *HTTPTool) Source() string { return h.def.Source }

// Schema returns the declared input schema, or an empty object schema.
func (h *HTTPTool) Schema() *tools.Schema {
	if h.def.InputSchema == nil {
		return &tools.Schema{
			Inputs: &tools.ParameterSchema{
				Type:       "object",
				Properties: make(map[string]*tools.Property),
			},
		}
	}
	return &tools.Schema{Inputs: h.def.InputSchema}
}

// Execute renders the request from inputs and performs it. Arguments are
// sent as a JSON body for POST, PUT and PATCH.
func (h *HTTPTool) Execute(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	target, err := render(h.url, inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to interpolate URL: %w", err)
	}

	var body io.Reader
	if len(inputs) > 0 && (h.def.Method == http.MethodPost || h.def.Method == http.MethodPut || h.def.Method == http.MethodPatch) {
		raw, err := json.Marshal(inputs)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal inputs: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, h.def.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, tmpl := range h.headers {
		v, err := render(tmpl, inputs)
		if err != nil {
			return nil, fmt.Errorf("failed to interpolate header %s: %w", k, err)
		}
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, &errors.TransientError{Operation: "custom tool " + h.def.Name, Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, h.maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("http error %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	contentType := resp.Header.Get("Content-Type")
	var result interface{} = string(raw)
	if strings.Contains(contentType, "application/json") {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("failed to parse JSON response: %w", err)
		}
	}

	return map[string]interface{}{
		"response":     result,
		"status_code":  resp.StatusCode,
		"content_type": contentType,
	}, nil
}

// render executes tmpl with inputs available both at the top level and
// under .inputs.
func render(tmpl *template.Template, inputs map[string]interface{}) (string, error) {
	data := make(map[string]interface{}, len(inputs)+1)
	for k, v := range inputs {
		data[k] = v
	}
	data["inputs"] = inputs

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
