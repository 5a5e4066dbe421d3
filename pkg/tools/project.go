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

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/itchyny/gojq"

	"github.com/tombee/ragrunner/pkg/errors"
)

// projectTimeout bounds a single jq evaluation.
const projectTimeout = time.Second

// CompileQuery parses and compiles a jq expression, returning a
// ValidationError when it is malformed.
func CompileQuery(expression string) (*gojq.Code, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, &errors.ValidationError{Field: "output_query", Message: fmt.Sprintf("invalid jq expression: %v", err)}
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, &errors.ValidationError{Field: "output_query", Message: fmt.Sprintf("jq compilation failed: %v", err)}
	}
	return code, nil
}

// Project applies a jq expression to a tool output. One result is
// returned as is, several as a slice, none as nil. An empty expression
// returns data unchanged.
func Project(ctx context.Context, expression string, data interface{}) (interface{}, error) {
	if expression == "" {
		return data, nil
	}
	code, err := CompileQuery(expression)
	if err != nil {
		return nil, err
	}

	// gojq only accepts JSON-shaped values.
	normalized, err := normalizeJSON(data)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, projectTimeout)
	defer cancel()

	var results []interface{}
	iter := code.RunWithContext(ctx, normalized)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, fmt.Errorf("jq %q: %w", expression, err)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func normalizeJSON(data interface{}) (interface{}, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding jq input: %w", err)
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding jq input: %w", err)
	}
	return out, nil
}
