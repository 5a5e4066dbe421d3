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

package secrets

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMasker_Mask(t *testing.T) {
	m := NewMasker("sk-live-abc123", "hunter22", "", "ab")

	assert.Equal(t, 2, m.Len())
	assert.Equal(t, "auth failed for key ***", m.Mask("auth failed for key sk-live-abc123"))
	assert.Equal(t, "*** and ***", m.Mask("hunter22 and sk-live-abc123"))
	assert.Equal(t, "ab stays", m.Mask("ab stays"))
	assert.Equal(t, "", m.Mask(""))
}

func TestMasker_LongestFirst(t *testing.T) {
	m := NewMasker("secret", "secret-extended")
	assert.Equal(t, "dsn=***", m.Mask("dsn=secret-extended"))
}

func TestMasker_NilIsNoop(t *testing.T) {
	var m *Masker
	assert.Equal(t, "plain", m.Mask("plain"))
	assert.Equal(t, 0, m.Len())
}

func TestMasker_AddFromEnv(t *testing.T) {
	m := NewMasker()
	m.AddFromEnv([]string{
		"OPENAI_API_KEY=sk-test-0001",
		"DATABASE_DSN=postgres://u:p@db/x",
		"HOME=/home/someone",
		"FEATURE_KEY=true",
		"MALFORMED",
	})

	assert.Equal(t, 2, m.Len())
	assert.Equal(t, "/home/someone", m.Mask("/home/someone"))
	assert.Equal(t, "true", m.Mask("true"))
	assert.Equal(t, "connect ***", m.Mask("connect postgres://u:p@db/x"))
}

func TestIsSecretKey(t *testing.T) {
	tests := map[string]bool{
		"GITHUB_TOKEN":   true,
		"db_password":    true,
		"OPENAI_API_KEY": true,
		"SQL_DSN":        true,
		"PATH":           false,
		"KEYBOARD":       false,
	}
	for key, want := range tests {
		assert.Equal(t, want, IsSecretKey(key), key)
	}
}

func TestMasker_MaskMap(t *testing.T) {
	m := NewMasker("tok-9999")
	in := map[string]interface{}{
		"error": "bad token tok-9999",
		"rows":  []interface{}{map[string]interface{}{"v": "tok-9999"}, 3},
		"tags":  []string{"tok-9999", "x"},
		"n":     42,
	}

	out := m.MaskMap(in)

	require.NotNil(t, out)
	assert.Equal(t, "bad token ***", out["error"])
	assert.Equal(t, []interface{}{map[string]interface{}{"v": "***"}, 3}, out["rows"])
	assert.Equal(t, []string{"***", "x"}, out["tags"])
	assert.Equal(t, 42, out["n"])
	assert.Equal(t, "bad token tok-9999", in["error"], "input must not be modified")
	assert.Nil(t, m.MaskMap(nil))
}

func TestMasker_Concurrent(t *testing.T) {
	m := NewMasker()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.Add("value-shared")
		}()
		go func() {
			defer wg.Done()
			_ = m.Mask("value-shared")
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, m.Len())
}
