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

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"

	ragerrors "github.com/tombee/ragrunner/pkg/errors"
)

// Secret reference prefixes.
const (
	EnvRefPrefix     = "env:"
	KeyringRefPrefix = "keyring:"
)

// ResolveSecret returns the value a reference points at. Values without a
// reference prefix are returned unchanged.
func ResolveSecret(value string) (string, error) {
	switch {
	case strings.HasPrefix(value, EnvRefPrefix):
		name := strings.TrimPrefix(value, EnvRefPrefix)
		v, ok := os.LookupEnv(name)
		if !ok {
			return "", fmt.Errorf("environment variable %s is not set", name)
		}
		return v, nil

	case strings.HasPrefix(value, KeyringRefPrefix):
		service, user, ok := strings.Cut(strings.TrimPrefix(value, KeyringRefPrefix), "/")
		if !ok || service == "" || user == "" {
			return "", fmt.Errorf("keyring reference %q must have the form keyring:service/user", value)
		}
		v, err := keyring.Get(service, user)
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("no keyring entry for %s/%s", service, user)
		}
		if err != nil {
			return "", fmt.Errorf("reading keyring entry %s/%s: %w", service, user, err)
		}
		return v, nil
	}
	return value, nil
}

type secretField struct {
	key      string
	value    *string
	optional bool
}

// ResolveSecrets replaces every secret reference in c with its value.
//
// An unset llm.api_key reference is tolerated: the scripted provider and
// local OpenAI-compatible servers need no key.
func (c *Config) ResolveSecrets() error {
	for _, f := range c.secretFields() {
		resolved, err := ResolveSecret(*f.value)
		if err != nil {
			if f.optional {
				*f.value = ""
				continue
			}
			return &ragerrors.ConfigError{Key: f.key, Reason: "failed to resolve secret reference", Cause: err}
		}
		*f.value = resolved
	}
	return nil
}

// SecretValues returns the non-empty values of every secret-bearing field.
// Call it after ResolveSecrets.
func (c *Config) SecretValues() []string {
	var values []string
	for _, f := range c.secretFields() {
		if *f.value != "" {
			values = append(values, *f.value)
		}
	}
	return values
}

func (c *Config) secretFields() []secretField {
	fields := []secretField{
		{"llm.api_key", &c.LLM.APIKey, true},
		{"tools.sql.dsn", &c.Tools.SQL.DSN, false},
		{"retrieval.embed_cache.url", &c.Retrieval.EmbedCache.URL, false},
		{"backend.postgres.connection_string", &c.Backend.Postgres.ConnectionString, false},
	}
	for i := range c.Retrieval.Stores {
		fields = append(fields, secretField{fmt.Sprintf("retrieval.stores[%d].dsn", i), &c.Retrieval.Stores[i].DSN, false})
	}
	return fields
}
