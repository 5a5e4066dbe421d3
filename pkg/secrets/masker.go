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

// Package secrets redacts known secret values from text persisted or
// logged by an execution.
package secrets

import (
	"sort"
	"strings"
	"sync"
)

// Redacted replaces every masked value.
const Redacted = "***"

// minSecretLen keeps short values such as "1" or "on" from turning every
// record into noise.
const minSecretLen = 4

// minEnvSecretLen is stricter since env flags such as FEATURE_KEY=true
// would otherwise redact ordinary words.
const minEnvSecretLen = 8

// secretSuffixes mark environment variables whose values are secrets.
var secretSuffixes = []string{"_TOKEN", "_SECRET", "_KEY", "_PASSWORD", "_PASS", "_PWD", "_DSN"}

// Masker replaces registered secret values with Redacted. It is safe for
// concurrent use.
type Masker struct {
	mu      sync.RWMutex
	secrets []string
}

// NewMasker creates a masker over values.
func NewMasker(values ...string) *Masker {
	m := &Masker{}
	m.Add(values...)
	return m
}

// Add registers values. Empty and very short values are ignored.
func (m *Masker) Add(values ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range values {
		if len(v) < minSecretLen || m.has(v) {
			continue
		}
		m.secrets = append(m.secrets, v)
	}
	// Longest first so a secret containing another is masked whole.
	sort.Slice(m.secrets, func(i, j int) bool { return len(m.secrets[i]) > len(m.secrets[j]) })
}

func (m *Masker) has(v string) bool {
	for _, s := range m.secrets {
		if s == v {
			return true
		}
	}
	return false
}

// AddFromEnv registers the values of KEY=VALUE entries whose key ends in a
// secret suffix such as _TOKEN or _API_KEY. Values shorter than eight
// bytes are skipped.
func (m *Masker) AddFromEnv(environ []string) {
	var values []string
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if ok && len(value) >= minEnvSecretLen && IsSecretKey(key) {
			values = append(values, value)
		}
	}
	m.Add(values...)
}

// IsSecretKey reports whether an environment variable name looks secret.
func IsSecretKey(key string) bool {
	upper := strings.ToUpper(key)
	for _, suffix := range secretSuffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	return false
}

// Len returns the number of registered values.
func (m *Masker) Len() int {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.secrets)
}

// Mask returns s with every registered value replaced. A nil masker
// returns s unchanged.
func (m *Masker) Mask(s string) string {
	if m == nil || s == "" {
		return s
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, secret := range m.secrets {
		if strings.Contains(s, secret) {
			s = strings.ReplaceAll(s, secret, Redacted)
		}
	}
	return s
}

// MaskValue masks strings nested anywhere in v. Maps and slices are
// copied; other values are returned as is.
func (m *Masker) MaskValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return m.Mask(val)
	case map[string]interface{}:
		return m.MaskMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = m.MaskValue(item)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, item := range val {
			out[i] = m.Mask(item)
		}
		return out
	default:
		return v
	}
}

// MaskMap returns a copy of data with nested strings masked. A nil map
// stays nil.
func (m *Masker) MaskMap(data map[string]interface{}) map[string]interface{} {
	if data == nil || m.Len() == 0 {
		return data
	}
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = m.MaskValue(v)
	}
	return out
}
