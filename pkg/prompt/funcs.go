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

package prompt

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"text/template"
)

// FuncMap returns the functions available inside prompt templates.
func FuncMap() template.FuncMap {
	return template.FuncMap{
		"toJson":   toJSON,
		"join":     join,
		"upper":    strings.ToUpper,
		"lower":    strings.ToLower,
		"trim":     strings.TrimSpace,
		"contains": strings.Contains,
		"default":  defaultValue,
		"truncate": truncate,
		"numbered": numbered,
	}
}

func toJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("toJson: %w", err)
	}
	return string(data), nil
}

// join accepts []string or []interface{} from template data.
func join(arr interface{}, sep string) (string, error) {
	v := reflect.ValueOf(arr)
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return "", fmt.Errorf("join: first argument must be array or slice, got %T", arr)
	}
	parts := make([]string, v.Len())
	for i := 0; i < v.Len(); i++ {
		parts[i] = fmt.Sprint(v.Index(i).Interface())
	}
	return strings.Join(parts, sep), nil
}

// defaultValue returns value unless it is nil or the zero value of its type.
func defaultValue(def, value interface{}) interface{} {
	if value == nil {
		return def
	}
	v := reflect.ValueOf(value)
	if v.IsZero() {
		return def
	}
	return value
}

// truncate cuts s to at most n runes and appends "..." when it cut.
func truncate(n int, s string) string {
	runes := []rune(s)
	if n < 0 || len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

// numbered renders a list as "[1] a\n[2] b".
func numbered(arr interface{}) (string, error) {
	v := reflect.ValueOf(arr)
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return "", fmt.Errorf("numbered: argument must be array or slice, got %T", arr)
	}
	var b strings.Builder
	for i := 0; i < v.Len(); i++ {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%d] %v", i+1, v.Index(i).Interface())
	}
	return b.String(), nil
}
