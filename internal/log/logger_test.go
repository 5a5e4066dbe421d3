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
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != "info" {
		t.Errorf("expected default level 'info', got %q", cfg.Level)
	}
	if cfg.Format != FormatJSON {
		t.Errorf("expected default format 'json', got %q", cfg.Format)
	}
	if cfg.Output != os.Stderr {
		t.Errorf("expected default output to be os.Stderr")
	}
}

func TestFromEnv(t *testing.T) {
	tests := []struct {
		name       string
		envVars    map[string]string
		wantLevel  string
		wantFormat Format
		wantSource bool
	}{
		{
			name:       "defaults",
			envVars:    map[string]string{},
			wantLevel:  "info",
			wantFormat: FormatJSON,
		},
		{
			name:       "debug flag wins",
			envVars:    map[string]string{"RAGRUNNER_DEBUG": "1", "RAGRUNNER_LOG_LEVEL": "error"},
			wantLevel:  "debug",
			wantFormat: FormatJSON,
			wantSource: true,
		},
		{
			name:       "prefixed level beats generic",
			envVars:    map[string]string{"RAGRUNNER_LOG_LEVEL": "WARN", "LOG_LEVEL": "debug"},
			wantLevel:  "warn",
			wantFormat: FormatJSON,
		},
		{
			name:       "generic level and text format",
			envVars:    map[string]string{"LOG_LEVEL": "trace", "LOG_FORMAT": "TEXT", "LOG_SOURCE": "1"},
			wantLevel:  "trace",
			wantFormat: FormatText,
			wantSource: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range []string{"RAGRUNNER_DEBUG", "RAGRUNNER_LOG_LEVEL", "LOG_LEVEL", "LOG_FORMAT", "LOG_SOURCE"} {
				t.Setenv(key, "")
			}
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg := FromEnv()
			if cfg.Level != tt.wantLevel {
				t.Errorf("Level = %q, want %q", cfg.Level, tt.wantLevel)
			}
			if cfg.Format != tt.wantFormat {
				t.Errorf("Format = %q, want %q", cfg.Format, tt.wantFormat)
			}
			if cfg.AddSource != tt.wantSource {
				t.Errorf("AddSource = %v, want %v", cfg.AddSource, tt.wantSource)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"trace":   LevelTrace,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNew_JSONWithExecutionContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	WithStepContext(WithExecutionContext(logger, "exec-1", "corr-1", "rag"), "retrieve").
		Info("step finished")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	for key, want := range map[string]string{
		ExecutionIDKey:   "exec-1",
		CorrelationIDKey: "corr-1",
		SpecKey:          "rag",
		StepKey:          "retrieve",
	} {
		if entry[key] != want {
			t.Errorf("%s = %v, want %q", key, entry[key], want)
		}
	}
}

func TestTrace_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "debug", Format: FormatText, Output: &buf})
	Trace(context.Background(), logger, "hidden")
	if buf.Len() != 0 {
		t.Errorf("expected no trace output at debug level, got %q", buf.String())
	}

	logger = New(&Config{Level: "trace", Format: FormatText, Output: &buf})
	Trace(context.Background(), logger, "visible", slog.String("k", "v"))
	if !strings.Contains(buf.String(), "visible") {
		t.Errorf("expected trace output, got %q", buf.String())
	}
}

func TestCorrelationIDContext(t *testing.T) {
	ctx := context.Background()
	if got := CorrelationIDFromContext(ctx); got != "" {
		t.Errorf("expected empty id, got %q", got)
	}

	id := NewCorrelationID()
	ctx = ContextWithCorrelationID(ctx, id)
	if got := CorrelationIDFromContext(ctx); got != id {
		t.Errorf("CorrelationIDFromContext = %q, want %q", got, id)
	}
}

func TestSanitizeAPIKey(t *testing.T) {
	if got := SanitizeAPIKey("sk-abcdef1234"); got != "...1234" {
		t.Errorf("SanitizeAPIKey = %q", got)
	}
	if got := SanitizeAPIKey("abc"); got != "[REDACTED]" {
		t.Errorf("SanitizeAPIKey = %q", got)
	}
}
