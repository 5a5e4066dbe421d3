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

// Package tracing configures OpenTelemetry export for the engine and
// provides span helpers for executions and steps.
//
// Tracing is off unless enabled in configuration. When enabled, spans are
// exported to the console or to an OTLP/HTTP collector:
//
//	provider, err := tracing.Setup(ctx, tracing.Config{
//	    Enabled:  true,
//	    Exporter: tracing.ExporterOTLPHTTP,
//	    Endpoint: "localhost:4318",
//	    Insecure: true,
//	})
//	defer provider.Shutdown(ctx)
package tracing
