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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/ragrunner/pkg/errors"
	"github.com/tombee/ragrunner/pkg/httpclient"
	"github.com/tombee/ragrunner/pkg/tools"
)

// DefaultRateLimit is the number of requests api_request allows per minute.
const DefaultRateLimit = 60

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 4 << 20

// APITool makes HTTP API calls against an optional base URL.
type APITool struct {
	baseURL        string
	defaultHeaders map[string]string
	timeout        time.Duration
	limiter        *rate.Limiter
	client         *http.Client
	logger         *slog.Logger
}

// APIConfig configures the api_request tool.
type APIConfig struct {
	BaseURL            string
	DefaultHeaders     map[string]string
	Timeout            time.Duration
	RateLimitPerMinute int
}

// NewAPITool creates the api_request tool.
func NewAPITool(cfg APIConfig) (*APITool, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = DefaultRateLimit
	}
	if cfg.BaseURL != "" {
		if err := checkURL(cfg.BaseURL); err != nil {
			return nil, fmt.Errorf("base url: %w", err)
		}
	}

	hc := httpclient.DefaultConfig()
	hc.Timeout = cfg.Timeout
	hc.UserAgent = "ragrunner-api-tool/1.0"
	client, err := httpclient.New(hc)
	if err != nil {
		return nil, fmt.Errorf("creating http client: %w", err)
	}

	perMinute := rate.Every(time.Minute / time.Duration(cfg.RateLimitPerMinute))
	return &APITool{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		defaultHeaders: cfg.DefaultHeaders,
		timeout:        cfg.Timeout,
		limiter:        rate.NewLimiter(perMinute, cfg.RateLimitPerMinute),
		client:         client,
		logger:         slog.Default(),
	}, nil
}

// WithLogger sets the tool's logger.
func (t *APITool) WithLogger(logger *slog.Logger) *APITool {
	t.logger = logger
	return t
}

// Name returns the tool identifier.
func (t *APITool) Name() string { return "api_request" }

// Description returns a human-readable description.
func (t *APITool) Description() string {
	return "Make an HTTP API call and return the status, headers and decoded body"
}

// Schema returns the tool's input/output schema.
func (t *APITool) Schema() *tools.Schema {
	return &tools.Schema{
		Inputs: &tools.ParameterSchema{
			Type: "object",
			Properties: map[string]*tools.Property{
				"method": {
					Type:        "string",
					Description: "HTTP method",
					Enum:        []interface{}{"GET", "POST", "PUT", "PATCH", "DELETE"},
					Default:     "GET",
				},
				"url": {
					Type:        "string",
					Description: "Absolute URL, or a path joined to the configured base URL",
				},
				"headers": {Type: "object", Description: "Extra request headers"},
				"params":  {Type: "object", Description: "Query string parameters"},
				"body":    {Type: "object", Description: "JSON request body"},
			},
			Required: []string{"url"},
		},
		Outputs: &tools.ParameterSchema{
			Type: "object",
			Properties: map[string]*tools.Property{
				"status_code": {Type: "integer"},
				"headers":     {Type: "object"},
				"data":        {Description: "Decoded JSON body, or the raw text"},
				"url":         {Type: "string"},
				"success":     {Type: "boolean"},
			},
		},
	}
}

// Execute performs the request. Non-2xx responses are returned with
// success=false rather than as errors.
func (t *APITool) Execute(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
	endpoint, _ := inputs["url"].(string)
	fullURL, err := t.resolveURL(endpoint)
	if err != nil {
		return nil, err
	}

	method := http.MethodGet
	if m, ok := inputs["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	if params, ok := inputs["params"].(map[string]interface{}); ok && len(params) > 0 {
		u, err := url.Parse(fullURL)
		if err != nil {
			return nil, &errors.ValidationError{Field: "url", Message: err.Error()}
		}
		q := u.Query()
		for k, v := range params {
			q.Set(k, fmt.Sprint(v))
		}
		u.RawQuery = q.Encode()
		fullURL = u.String()
	}

	var body io.Reader
	if b, ok := inputs["body"]; ok && b != nil {
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, &errors.ValidationError{Field: "body", Message: fmt.Sprintf("body is not JSON encodable: %v", err)}
		}
		body = bytes.NewReader(raw)
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for k, v := range t.defaultHeaders {
		req.Header.Set(k, v)
	}
	if headers, ok := inputs["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &errors.TransientError{Operation: "api_request " + method, Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	var data interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		data = string(raw)
	}

	headers := make(map[string]interface{}, len(resp.Header))
	for k, v := range resp.Header {
		if len(v) == 1 {
			headers[k] = v[0]
		} else {
			vals := make([]interface{}, len(v))
			for i, s := range v {
				vals[i] = s
			}
			headers[k] = vals
		}
	}

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !success {
		t.logger.Debug("api request returned non-success status", "url", fullURL, "status", resp.StatusCode)
	}
	return map[string]interface{}{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"data":        data,
		"url":         fullURL,
		"success":     success,
	}, nil
}

func (t *APITool) resolveURL(endpoint string) (string, error) {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint, checkURL(endpoint)
	}
	if t.baseURL == "" {
		return "", &errors.ValidationError{
			Field:      "url",
			Message:    "relative url without a configured base url",
			Suggestion: "pass an absolute http(s) url or configure tools.api.base_url",
		}
	}
	return t.baseURL + "/" + strings.TrimLeft(endpoint, "/"), nil
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return &errors.ValidationError{Field: "url", Message: fmt.Sprintf("invalid url: %v", err)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &errors.ValidationError{Field: "url", Message: "only http and https urls are allowed"}
	}
	if u.Hostname() == "" {
		return &errors.ValidationError{Field: "url", Message: "url has no host"}
	}
	return nil
}
