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

package httpclient

import (
	"net/url"
	"strings"
)

// urlRedacted survives URL encoding unchanged.
const urlRedacted = "REDACTED"

// redactedParams are query parameter name fragments whose values never
// reach a log line.
var redactedParams = []string{"token", "password", "auth", "secret", "key", "credential", "signature"}

// redactURL renders u for logging with userinfo passwords and sensitive
// query values replaced.
func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	safe := *u
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			safe.User = url.UserPassword(u.User.Username(), urlRedacted)
		}
	}
	if u.RawQuery != "" {
		q := u.Query()
		for name := range q {
			if redactedParam(name) {
				q.Set(name, urlRedacted)
			}
		}
		safe.RawQuery = q.Encode()
	}
	return safe.String()
}

func redactedParam(name string) bool {
	lower := strings.ToLower(name)
	for _, fragment := range redactedParams {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}
