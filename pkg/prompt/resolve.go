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
	"strings"
)

// ResolveValue renders template strings nested anywhere inside value. A
// string that is exactly one reference such as "{{.input.limit}}" resolves
// to the referenced value with its type preserved; other strings are
// rendered as text. Non-string leaves are returned unchanged.
func ResolveValue(value interface{}, vars map[string]interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		if !strings.Contains(v, "{{") {
			return v, nil
		}
		if raw, ok := lookupPureRef(v, vars); ok {
			return raw, nil
		}
		return RenderText("argument", v, vars)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			resolved, err := ResolveValue(item, vars)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			resolved, err := ResolveValue(item, vars)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

// lookupPureRef resolves "{{ .a.b.c }}" by walking vars.
func lookupPureRef(s string, vars map[string]interface{}) (interface{}, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{{") || !strings.HasSuffix(s, "}}") {
		return nil, false
	}
	inner := strings.TrimSpace(s[2 : len(s)-2])
	if strings.Contains(inner, "{{") || strings.Contains(inner, "}}") {
		return nil, false
	}
	if !strings.HasPrefix(inner, ".") || strings.ContainsAny(inner, " |()\"") {
		return nil, false
	}

	var current interface{} = vars
	for _, part := range strings.Split(inner[1:], ".") {
		if part == "" {
			return nil, false
		}
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
