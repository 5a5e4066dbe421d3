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

package tracing

import (
	"fmt"
)

// Exporter types.
const (
	ExporterConsole  = "console"
	ExporterOTLPHTTP = "otlp-http"
)

// Config holds tracing configuration.
type Config struct {
	// Enabled controls whether spans are exported.
	Enabled bool `yaml:"enabled"`

	// ServiceName identifies this service in traces.
	ServiceName string `yaml:"service_name"`

	// ServiceVersion is the application version.
	ServiceVersion string `yaml:"service_version"`

	// Exporter is "console" or "otlp-http".
	Exporter string `yaml:"exporter"`

	// Endpoint is the OTLP receiver host:port.
	Endpoint string `yaml:"endpoint"`

	// URLPath overrides the OTLP traces path (default: "/v1/traces").
	URLPath string `yaml:"url_path"`

	// Insecure disables TLS (for development only).
	Insecure bool `yaml:"insecure"`

	// Headers are sent with each export request.
	Headers map[string]string `yaml:"headers"`

	// SampleRate is the fraction of executions traced (0.0 - 1.0).
	SampleRate float64 `yaml:"sample_rate"`
}

// DefaultConfig returns tracing disabled with console export.
func DefaultConfig() Config {
	return Config{
		ServiceName: "ragrunner",
		Exporter:    ExporterConsole,
		SampleRate:  1.0,
	}
}

// Validate checks the exporter settings.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.Exporter {
	case ExporterConsole:
	case ExporterOTLPHTTP:
		if c.Endpoint == "" {
			return fmt.Errorf("tracing.endpoint is required for the %s exporter", c.Exporter)
		}
	default:
		return fmt.Errorf("unknown tracing exporter %q", c.Exporter)
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1], got %v", c.SampleRate)
	}
	return nil
}
