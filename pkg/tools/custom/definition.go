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

// Package custom provides HTTP tools declared in YAML files. A definition
// names an endpoint and the argument schema the model must satisfy:
//
//	name: lookup_order
//	description: Fetch an order by id
//	method: GET
//	url: https://orders.internal/api/orders/{{.order_id}}
//	headers:
//	  Authorization: Bearer {{env "ORDERS_TOKEN"}}
//	input_schema:
//	  type: object
//	  properties:
//	    order_id: {type: string}
//	  required: [order_id]
//	timeout: 10
package custom

import (
	"fmt"
	"net/http"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tombee/ragrunner/pkg/errors"
	"github.com/tombee/ragrunner/pkg/tools"
)

// Definition is the YAML form of a custom HTTP tool.
type Definition struct {
	Name            string                 `yaml:"name"`
	Description     string                 `yaml:"description"`
	Method          string                 `yaml:"method"`
	URL             string                 `yaml:"url"`
	Headers         map[string]string      `yaml:"headers,omitempty"`
	InputSchema     *tools.ParameterSchema `yaml:"input_schema,omitempty"`
	Timeout         int                    `yaml:"timeout,omitempty"`
	MaxResponseSize int64                  `yaml:"max_response_size,omitempty"`

	// Source is the file the definition was read from.
	Source string `yaml:"-"`
}

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// ParseDefinition decodes and validates a YAML definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, &errors.ValidationError{Field: "yaml", Message: err.Error()}
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks required fields and normalises the method.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "custom tool name is required"}
	}
	if d.URL == "" {
		return &errors.ValidationError{Field: "url", Message: fmt.Sprintf("custom tool %s has no url", d.Name)}
	}
	if d.Method == "" {
		d.Method = http.MethodGet
	}
	d.Method = strings.ToUpper(d.Method)
	if !allowedMethods[d.Method] {
		return &errors.ValidationError{
			Field:      "method",
			Message:    fmt.Sprintf("unsupported method %q", d.Method),
			Suggestion: "use GET, POST, PUT, PATCH or DELETE",
		}
	}
	if d.Timeout < 0 {
		return &errors.ValidationError{Field: "timeout", Message: "timeout must not be negative"}
	}
	if d.InputSchema != nil && d.InputSchema.Type == "" {
		d.InputSchema.Type = "object"
	}
	return nil
}
