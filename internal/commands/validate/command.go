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

package validate

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/ragrunner/internal/commands/shared"
	"github.com/tombee/ragrunner/pkg/workflow"
)

// SpecSummary describes one valid spec.
type SpecSummary struct {
	ID     string            `json:"id"`
	Kind   workflow.SpecKind `json:"kind"`
	Source string            `json:"source"`
}

// Response is the JSON output of validate.
type Response struct {
	shared.JSONResponse
	Specs  []SpecSummary      `json:"specs"`
	Errors []shared.JSONError `json:"errors,omitempty"`
}

// NewCommand creates the validate command
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Check spec files without running them",
		Long: `Validate parses and checks spec files. The path may be one file or a
directory, which is searched recursively for *.yaml and *.yml files. With
no path the configured specs directory is used.

No provider, store or backend is contacted.`,
		Example: `  ragrunner validate
  ragrunner validate specs/rag_qa.yaml
  ragrunner validate ./specs --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				cfg, err := shared.LoadConfig()
				if err != nil {
					return err
				}
				path = cfg.Specs.Dir
			}
			return runValidate(cmd.OutOrStdout(), path)
		},
	}
	return cmd
}

func runValidate(w io.Writer, path string) error {
	specs, loadErr := load(path)

	resp := Response{
		JSONResponse: shared.JSONResponse{Version: "1.0", Command: "validate", Success: loadErr == nil},
		Specs:        make([]SpecSummary, 0, len(specs)),
	}
	for _, s := range specs {
		resp.Specs = append(resp.Specs, SpecSummary{ID: s.ID(), Kind: s.Kind, Source: s.Source})
	}
	for _, err := range flatten(loadErr) {
		resp.Errors = append(resp.Errors, shared.JSONError{Code: shared.ErrorCodeInvalidSpec, Message: err.Error()})
	}

	if shared.GetJSON() {
		if err := shared.EmitJSON(w, resp); err != nil {
			return err
		}
	} else {
		for _, s := range resp.Specs {
			fmt.Fprintf(w, "ok    %-24s %-8s %s\n", s.ID, s.Kind, s.Source)
		}
		for _, e := range resp.Errors {
			fmt.Fprintf(w, "error %s\n", e.Message)
		}
		fmt.Fprintf(w, "\n%d valid, %d invalid\n", len(resp.Specs), len(resp.Errors))
	}

	if loadErr != nil {
		return shared.NewInvalidSpecError(fmt.Sprintf("%d invalid spec file(s)", len(resp.Errors)), nil)
	}
	return nil
}

func load(path string) ([]*workflow.Spec, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		spec, err := workflow.LoadSpecFile(path)
		if err != nil {
			return nil, err
		}
		return []*workflow.Spec{spec}, nil
	}

	catalog := workflow.NewCatalog(nil)
	err = catalog.LoadDir(path)
	return catalog.List(), err
}

// flatten splits a joined error into its parts.
func flatten(err error) []error {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []error
		for _, e := range joined.Unwrap() {
			out = append(out, flatten(e)...)
		}
		return out
	}
	return []error{err}
}
