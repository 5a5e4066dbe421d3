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

// Package tools provides the tool contract, a process-wide registry and the
// executor that validates arguments and runs tools under a timeout.
package tools

import (
	"context"
	"time"
)

// Tool is a named capability an agent or workflow step can invoke.
type Tool interface {
	// Name returns the unique tool identifier.
	Name() string

	// Description explains what the tool does, for the model.
	Description() string

	// Schema returns the tool's input/output schema.
	Schema() *Schema

	// Execute runs the tool with validated arguments.
	Execute(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error)
}

// Coster is implemented by tools that consume LLM tokens. The executor's
// caller reserves the estimate against the execution budget before invoking.
type Coster interface {
	EstimateTokens(inputs map[string]interface{}) int
}

// Schema defines the input and output contract of a tool.
type Schema struct {
	Inputs  *ParameterSchema `json:"inputs" yaml:"inputs"`
	Outputs *ParameterSchema `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// ParameterSchema is the JSON-Schema subset tools declare arguments with.
type ParameterSchema struct {
	Type        string               `json:"type" yaml:"type"`
	Properties  map[string]*Property `json:"properties,omitempty" yaml:"properties,omitempty"`
	Required    []string             `json:"required,omitempty" yaml:"required,omitempty"`
	Description string               `json:"description,omitempty" yaml:"description,omitempty"`
}

// Property describes one argument. Object and array properties nest.
type Property struct {
	Type        string               `json:"type" yaml:"type"`
	Description string               `json:"description,omitempty" yaml:"description,omitempty"`
	Enum        []interface{}        `json:"enum,omitempty" yaml:"enum,omitempty"`
	Default     interface{}          `json:"default,omitempty" yaml:"default,omitempty"`
	Format      string               `json:"format,omitempty" yaml:"format,omitempty"`
	Minimum     *float64             `json:"minimum,omitempty" yaml:"minimum,omitempty"`
	Maximum     *float64             `json:"maximum,omitempty" yaml:"maximum,omitempty"`
	Items       *Property            `json:"items,omitempty" yaml:"items,omitempty"`
	Properties  map[string]*Property `json:"properties,omitempty" yaml:"properties,omitempty"`
	Required    []string             `json:"required,omitempty" yaml:"required,omitempty"`
}

// ToolResult is the outcome of one invocation. A failed or timed out tool
// produces a result with Success false rather than an error.
type ToolResult struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
	Success   bool                   `json:"success"`
	Output    map[string]interface{} `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
	TimedOut  bool                   `json:"timed_out,omitempty"`
	Duration  time.Duration          `json:"duration"`

	// Err is the failure cause, kept so callers can classify it.
	Err error `json:"-"`
}

// JSONSchema renders s in the JSON Schema shape LLM providers expect.
func (s *ParameterSchema) JSONSchema() map[string]interface{} {
	if s == nil {
		return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	out := map[string]interface{}{"type": s.Type}
	if s.Type == "" {
		out["type"] = "object"
	}
	if s.Description != "" {
		out["description"] = s.Description
	}
	props := make(map[string]interface{}, len(s.Properties))
	for name, p := range s.Properties {
		props[name] = p.jsonSchema()
	}
	out["properties"] = props
	if len(s.Required) > 0 {
		out["required"] = append([]string(nil), s.Required...)
	}
	return out
}

func (p *Property) jsonSchema() map[string]interface{} {
	out := map[string]interface{}{}
	if p.Type != "" && p.Type != "any" {
		out["type"] = p.Type
	}
	if p.Description != "" {
		out["description"] = p.Description
	}
	if len(p.Enum) > 0 {
		out["enum"] = p.Enum
	}
	if p.Default != nil {
		out["default"] = p.Default
	}
	if p.Format != "" {
		out["format"] = p.Format
	}
	if p.Minimum != nil {
		out["minimum"] = *p.Minimum
	}
	if p.Maximum != nil {
		out["maximum"] = *p.Maximum
	}
	if p.Items != nil {
		out["items"] = p.Items.jsonSchema()
	}
	if len(p.Properties) > 0 {
		props := make(map[string]interface{}, len(p.Properties))
		for name, child := range p.Properties {
			props[name] = child.jsonSchema()
		}
		out["properties"] = props
	}
	if len(p.Required) > 0 {
		out["required"] = append([]string(nil), p.Required...)
	}
	return out
}
