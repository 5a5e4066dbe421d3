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
	"encoding/json"
	"fmt"
	"math"
	"reflect"

	"github.com/tombee/ragrunner/pkg/errors"
)

// ValidateArguments checks args against schema and returns a
// ValidationError naming the first offending path ("$.limit", "$.ids[2]").
// A nil schema accepts any arguments.
func ValidateArguments(schema *ParameterSchema, args map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	return validateObject(schema.Properties, schema.Required, args, "$")
}

func validateObject(props map[string]*Property, required []string, obj map[string]interface{}, path string) error {
	for _, name := range required {
		if _, ok := obj[name]; !ok {
			return invalid(path, fmt.Sprintf("missing required field: %s", name))
		}
	}
	for name, value := range obj {
		prop, ok := props[name]
		if !ok || prop == nil {
			continue
		}
		if err := validateProperty(prop, value, path+"."+name); err != nil {
			return err
		}
	}
	return nil
}

func validateProperty(p *Property, value interface{}, path string) error {
	if value == nil {
		return invalid(path, "value must not be null")
	}

	switch p.Type {
	case "", "any":
	case "string":
		if _, ok := value.(string); !ok {
			return invalid(path, fmt.Sprintf("expected string, got %T", value))
		}
	case "number":
		f, ok := toFloat(value)
		if !ok {
			return invalid(path, fmt.Sprintf("expected number, got %T", value))
		}
		if err := checkRange(p, f, path); err != nil {
			return err
		}
	case "integer":
		f, ok := toFloat(value)
		if !ok || f != math.Trunc(f) {
			return invalid(path, fmt.Sprintf("expected integer, got %v", value))
		}
		if err := checkRange(p, f, path); err != nil {
			return err
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return invalid(path, fmt.Sprintf("expected boolean, got %T", value))
		}
	case "object":
		obj, ok := value.(map[string]interface{})
		if !ok {
			return invalid(path, fmt.Sprintf("expected object, got %T", value))
		}
		if err := validateObject(p.Properties, p.Required, obj, path); err != nil {
			return err
		}
	case "array":
		items, ok := toSlice(value)
		if !ok {
			return invalid(path, fmt.Sprintf("expected array, got %T", value))
		}
		if p.Items != nil {
			for i, item := range items {
				if err := validateProperty(p.Items, item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
					return err
				}
			}
		}
	default:
		return invalid(path, fmt.Sprintf("unsupported schema type %q", p.Type))
	}

	if len(p.Enum) > 0 && !inEnum(p.Enum, value) {
		allowed, _ := json.Marshal(p.Enum)
		return invalid(path, fmt.Sprintf("value %v not in allowed values: %s", value, allowed))
	}
	return nil
}

func checkRange(p *Property, f float64, path string) error {
	if p.Minimum != nil && f < *p.Minimum {
		return invalid(path, fmt.Sprintf("value %v is below minimum %v", f, *p.Minimum))
	}
	if p.Maximum != nil && f > *p.Maximum {
		return invalid(path, fmt.Sprintf("value %v is above maximum %v", f, *p.Maximum))
	}
	return nil
}

func invalid(path, msg string) error {
	return &errors.ValidationError{Field: path, Message: msg}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func toSlice(v interface{}) ([]interface{}, bool) {
	if s, ok := v.([]interface{}); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func inEnum(enum []interface{}, value interface{}) bool {
	vf, vNumeric := toFloat(value)
	for _, allowed := range enum {
		if af, ok := toFloat(allowed); ok && vNumeric {
			if af == vf {
				return true
			}
			continue
		}
		if reflect.DeepEqual(allowed, value) {
			return true
		}
	}
	return false
}
