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

package run

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/ragrunner/internal/app"
	"github.com/tombee/ragrunner/internal/cli/timeline"
	"github.com/tombee/ragrunner/internal/commands/shared"
	"github.com/tombee/ragrunner/pkg/llm/providers"
	"github.com/tombee/ragrunner/pkg/workflow"
)

// NewCommand creates the run command
func NewCommand() *cobra.Command {
	var (
		inputs       []string
		inputFile    string
		dryRun       bool
		showTimeline bool
	)

	cmd := &cobra.Command{
		Use:   "run <spec>",
		Short: "Execute a workflow or agent spec",
		Long: `Run executes one spec from the catalog and prints its answer. The
execution record is saved to the configured backend.

Inputs come from --input-file (JSON, '-' for stdin) and are overridden by
--input key=value pairs.

--dry-run swaps the configured provider for an offline one that echoes
each prompt, which shows what the model would be asked without calling it.

The exit code reflects the execution status: 0 completed, 1 failed or
timed out, 4 budget exceeded.`,
		Example: `  ragrunner run rag_qa -i question="What is our refund policy?"
  ragrunner run support_agent --input-file request.json --json
  echo '{"query": "reset password"}' | ragrunner run kb_search --input-file -
  ragrunner run rag_qa -i question=test --dry-run --timeline`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := parseInputs(cmd.InOrStdin(), inputs, inputFile)
			if err != nil {
				return &shared.ExitError{Code: shared.ExitExecutionFailed, Message: "invalid input", Cause: err}
			}

			var opts []app.Option
			if dryRun {
				opts = append(opts, app.WithProvider(providers.NewScriptedProvider()))
			}
			a, err := shared.OpenApp(cmd.Context(), opts...)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			record := a.Engine.Execute(cmd.Context(), args[0], input)
			if err := printRecord(cmd.OutOrStdout(), record, showTimeline); err != nil {
				return err
			}
			if code := shared.ExitCodeForStatus(record.Status); code != shared.ExitSuccess {
				return &shared.ExitError{Code: code, Message: fmt.Sprintf("execution %s", record.Status), Cause: errorOf(record)}
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&inputs, "input", "i", nil, "Input in key=value format")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "JSON file with inputs (use '-' for stdin)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Use an offline provider that echoes prompts")
	cmd.Flags().BoolVar(&showTimeline, "timeline", false, "Show a step timeline after the answer")

	return cmd
}

func printRecord(w io.Writer, record *workflow.ExecutionRecord, showTimeline bool) error {
	if shared.GetJSON() {
		return shared.EmitJSON(w, record)
	}

	if answer := record.Answer(); answer != "" {
		fmt.Fprintln(w, answer)
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "Execution: %s\n", record.ExecutionID)
	fmt.Fprintf(w, "Status:    %s\n", record.Status)
	fmt.Fprintf(w, "Tokens:    %d\n", record.TokenUsage.TotalTokens)
	fmt.Fprintf(w, "Duration:  %s\n", record.Duration.Round(time.Millisecond))
	if record.Error != "" {
		fmt.Fprintf(w, "Error:     %s\n", record.Error)
	}

	if showTimeline && len(record.Steps) > 0 {
		out, err := timeline.NewRenderer(timeline.WidthOf(w)).Render(record)
		if err != nil {
			return err
		}
		fmt.Fprintln(w)
		fmt.Fprint(w, out)
	}
	return nil
}

func errorOf(record *workflow.ExecutionRecord) error {
	if record.Error == "" {
		return nil
	}
	return errors.New(record.Error)
}
