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

package eval

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/tombee/ragrunner/pkg/workflow"
)

// CasePattern matches case files under a directory.
const CasePattern = "**/*.{yaml,yml}"

// caseFile is the on-disk layout: a cases list, optionally with a default
// spec applied to cases that name none.
type caseFile struct {
	Spec  string `yaml:"spec"`
	Cases []Case `yaml:"cases"`
}

// ParseCases decodes a case file. Both a top-level list and a mapping with
// a cases key are accepted. ${VAR} references are substituted first.
func ParseCases(data []byte) ([]Case, error) {
	data = workflow.SubstituteEnv(data)

	var file caseFile
	trimmed := bytes.TrimSpace(data)
	if bytes.HasPrefix(trimmed, []byte("-")) {
		if err := yaml.Unmarshal(data, &file.Cases); err != nil {
			return nil, fmt.Errorf("failed to parse cases: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse cases: %w", err)
	}

	var errs []error
	for i := range file.Cases {
		c := &file.Cases[i]
		if c.Spec == "" {
			c.Spec = file.Spec
		}
		if c.Type == "" {
			c.Type = TypeGoldenAnswer
		}
		if err := c.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("case %d: %w", i, err))
		}
	}
	if err := stderrors.Join(errs...); err != nil {
		return nil, err
	}
	return file.Cases, nil
}

// LoadCases reads cases from a file, or from every case file under a
// directory in path order.
func LoadCases(path string) ([]Case, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("loading cases: %w", err)
	}
	files := []string{path}
	if info.IsDir() {
		matches, err := doublestar.Glob(os.DirFS(path), CasePattern)
		if err != nil {
			return nil, fmt.Errorf("loading cases: %w", err)
		}
		sort.Strings(matches)
		files = files[:0]
		for _, m := range matches {
			files = append(files, filepath.Join(path, m))
		}
	}

	var cases []Case
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("loading cases: %w", err)
		}
		parsed, err := ParseCases(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
		cases = append(cases, parsed...)
	}
	return cases, nil
}
