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

// Package history implements commands over stored execution records and
// evaluation results.
package history

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/ragrunner/internal/backend"
	"github.com/tombee/ragrunner/internal/cli/timeline"
	"github.com/tombee/ragrunner/internal/commands/shared"
	"github.com/tombee/ragrunner/pkg/eval"
	"github.com/tombee/ragrunner/pkg/workflow"
)

// NewCommand creates the history command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "View stored executions and evaluation results",
		Long: `Commands for listing and inspecting the execution records and
evaluation results saved in the configured backend.`,
	}
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newShowCommand())
	cmd.AddCommand(newEvalsCommand())
	return cmd
}

func newListCommand() *cobra.Command {
	var (
		spec   string
		status string
		since  time.Duration
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions, newest first",
		Example: `  ragrunner history list
  ragrunner history list --spec rag_qa --status failed
  ragrunner history list --since 24h --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := backend.ExecutionFilter{SpecID: spec, Status: workflow.Status(status), Limit: limit}
			if status != "" && !filter.Status.IsValid() {
				return fmt.Errorf("invalid --status %q", status)
			}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}

			a, err := shared.OpenApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			records, err := a.Backend.ListExecutions(cmd.Context(), filter)
			if err != nil {
				return shared.NewExecutionError("failed to list executions", err)
			}

			out := cmd.OutOrStdout()
			if shared.GetJSON() {
				return shared.EmitJSON(out, map[string]interface{}{"executions": records})
			}
			if len(records) == 0 {
				fmt.Fprintln(out, "No executions found.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSPEC\tSTATUS\tTOKENS\tDURATION\tCREATED")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
					r.ExecutionID, r.SpecID, r.Status, r.TokenUsage.TotalTokens,
					r.Duration.Round(time.Millisecond), r.CreatedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&spec, "spec", "", "Filter by spec id")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (completed, failed, timed_out, budget_exceeded)")
	cmd.Flags().DurationVar(&since, "since", 0, "Only executions created within this duration")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of executions")
	return cmd
}

func newShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <execution-id>",
		Short: "Show one execution with its step timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := shared.OpenApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			record, err := a.Backend.GetExecution(cmd.Context(), args[0])
			if err != nil {
				return shared.NewExecutionError("failed to load execution", err)
			}

			out := cmd.OutOrStdout()
			if shared.GetJSON() {
				return shared.EmitJSON(out, record)
			}
			fmt.Fprintf(out, "Execution: %s\n", record.ExecutionID)
			fmt.Fprintf(out, "Spec:      %s (%s)\n", record.SpecID, record.SpecKind)
			fmt.Fprintf(out, "Status:    %s\n", record.Status)
			fmt.Fprintf(out, "Created:   %s\n", record.CreatedAt.Local().Format(time.DateTime))
			if record.Error != "" {
				fmt.Fprintf(out, "Error:     %s\n", record.Error)
			}
			if answer := record.Answer(); answer != "" {
				fmt.Fprintf(out, "\n%s\n", answer)
			}
			if len(record.Steps) > 0 {
				rendered, err := timeline.NewRenderer(timeline.WidthOf(out)).Render(record)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "\n%s", rendered)
			}
			return nil
		},
	}
	return cmd
}

func newEvalsCommand() *cobra.Command {
	var (
		caseName string
		caseType string
		failed   bool
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "evals",
		Short: "List evaluation results, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := backend.EvaluationFilter{Case: caseName, Type: eval.CaseType(caseType), Limit: limit}
			if failed {
				passed := false
				filter.Passed = &passed
			}

			a, err := shared.OpenApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			results, err := a.Backend.ListEvaluations(cmd.Context(), filter)
			if err != nil {
				return shared.NewExecutionError("failed to list evaluations", err)
			}

			out := cmd.OutOrStdout()
			if shared.GetJSON() {
				return shared.EmitJSON(out, map[string]interface{}{"evaluations": results})
			}
			if len(results) == 0 {
				fmt.Fprintln(out, "No evaluation results found.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CASE\tTYPE\tSCORE\tPASSED\tEXECUTION\tCREATED")
			for _, r := range results {
				fmt.Fprintf(tw, "%s\t%s\t%.2f\t%t\t%s\t%s\n",
					r.Case, r.Type, r.Score, r.Passed, r.ExecutionID, r.CreatedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&caseName, "case", "", "Filter by case name")
	cmd.Flags().StringVar(&caseType, "type", "", "Filter by case type")
	cmd.Flags().BoolVar(&failed, "failed", false, "Show only failed cases")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of results")
	return cmd
}
