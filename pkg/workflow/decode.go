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
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseSpec decodes, defaults and validates a spec document.
func ParseSpec(data []byte) (*Spec, error) {
	data = SubstituteEnv(data)

	var header struct {
		Kind SpecKind `yaml:"kind"`
	}
	if err := yaml.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("failed to parse spec: %w", err)
	}

	spec := &Spec{Kind: header.Kind}
	switch header.Kind {
	case "", KindWorkflow:
		spec.Kind = KindWorkflow
		spec.Workflow = &WorkflowSpec{}
		if err := yaml.Unmarshal(data, spec.Workflow); err != nil {
			return nil, fmt.Errorf("failed to parse workflow spec: %w", err)
		}
	case KindAgent:
		spec.Agent = &AgentSpec{}
		if err := yaml.Unmarshal(data, spec.Agent); err != nil {
			return nil, fmt.Errorf("failed to parse agent spec: %w", err)
		}
	default:
		return nil, fmt.Errorf("failed to parse spec: unknown kind %q", header.Kind)
	}

	spec.applyDefaults()
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid spec %q: %w", spec.ID(), err)
	}
	return spec, nil
}

// LoadSpecFile reads and parses one spec file.
func LoadSpecFile(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading spec: %w", err)
	}
	spec, err := ParseSpec(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	spec.Source = path
	return spec, nil
}

func (s *Spec) applyDefaults() {
	if s.Agent != nil && s.Agent.MaxIterations <= 0 {
		s.Agent.MaxIterations = DefaultMaxIterations
	}
	if s.Workflow != nil {
		for i := range s.Workflow.Steps {
			if rc, ok := s.Workflow.Steps[i].Config.(*RetrievalConfig); ok && rc.TopK <= 0 {
				rc.TopK = 5
			}
		}
	}
}

// UnmarshalYAML decodes a step, choosing the config type from kind.
func (s *Step) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw struct {
		Name           string    `yaml:"name"`
		Kind           StepKind  `yaml:"kind"`
		Config         yaml.Node `yaml:"config"`
		Condition      string    `yaml:"condition"`
		TimeoutSeconds *int      `yaml:"timeout_seconds"`
		MaxRetries     *int      `yaml:"max_retries"`
	}
	if err := unmarshal(&raw); err != nil {
		return err
	}

	kind := StepKind(strings.ToLower(string(raw.Kind)))
	cfg, err := newConfig(kind)
	if err != nil {
		return fmt.Errorf("step %q: %w", raw.Name, err)
	}
	if raw.Config.Kind != 0 {
		if err := raw.Config.Decode(cfg); err != nil {
			return fmt.Errorf("step %q config: %w", raw.Name, err)
		}
	}

	*s = Step{
		Name:           raw.Name,
		Kind:           kind,
		Config:         cfg,
		Condition:      strings.TrimSpace(raw.Condition),
		TimeoutSeconds: raw.TimeoutSeconds,
		MaxRetries:     raw.MaxRetries,
	}
	return nil
}

// MarshalYAML writes the step back in its file form.
func (s Step) MarshalYAML() (interface{}, error) {
	out := map[string]interface{}{
		"name":   s.Name,
		"kind":   s.Kind,
		"config": s.Config,
	}
	if s.Condition != "" {
		out["condition"] = s.Condition
	}
	if s.TimeoutSeconds != nil {
		out["timeout_seconds"] = *s.TimeoutSeconds
	}
	if s.MaxRetries != nil {
		out["max_retries"] = *s.MaxRetries
	}
	return out, nil
}
