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

package workflow

import (
	"os"
	"regexp"
)

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// SubstituteEnv replaces ${VAR} and ${VAR:-default} with values from the
// environment. An unset or empty VAR with no default becomes "".
func SubstituteEnv(data []byte) []byte {
	return SubstituteEnvFunc(data, os.LookupEnv)
}

// SubstituteEnvFunc is SubstituteEnv with a custom lookup.
func SubstituteEnvFunc(data []byte, lookup func(string) (string, bool)) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		groups := envPattern.FindSubmatch(match)
		if value, ok := lookup(string(groups[1])); ok && value != "" {
			return []byte(value)
		}
		return groups[2]
	})
}
