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

package log

import (
	"context"

	"github.com/google/uuid"
)

// HeaderCorrelationID is the HTTP header outbound calls carry the
// correlation id in.
const HeaderCorrelationID = "X-Correlation-ID"

type correlationKeyType struct{}

var correlationKey = correlationKeyType{}

// NewCorrelationID generates a new correlation id.
func NewCorrelationID() string {
	return uuid.NewString()
}

// ContextWithCorrelationID stores the correlation id in ctx.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey, id)
}

// CorrelationIDFromContext returns the correlation id stored in ctx, or ""
// if none is set.
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey).(string)
	return id
}
