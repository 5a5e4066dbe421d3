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

// Package eval implements the eval command.
package eval

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tombee/ragrunner/internal/commands/shared"
	pkgeval "github.com/tombee/ragrunner/pkg/eval"
)

// NewCommand creates the eval command
func NewCommand() *cobra.Command {
	var schedule string

	cmd := &cobra.Command{
		Use:   "eval <cases>",
		Short: "Run evaluation cases against specs",
		Long: `Eval runs the cases in a file, or in every *.yaml and *.yml file under a
directory, and prints a report. Results are saved to the configured backend.

Case types:
  golden_answer   compare the answer or output with an expected value
  hallucination   ask a judge model whether the answer is grounded
  cost            check token use against max_tokens

Without --schedule the suite runs once and the command exits with code 5
when any case fails. With --schedule the suite runs on a cron schedule
until interrupted; the metrics endpoint is served and specs are reloaded
as they change when enabled in the config.`,
		Example: `  ragrunner eval evals/
  ragrunner eval evals/rag_qa.yaml --json
  ragrunner eval evals/ --schedule "@every 1h"
  ragrunner eval evals/ --schedule "0 6 * * *"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cases, err := pkgeval.LoadCases(args[0])
			if err != nil {
				return shared.NewInvalidSpecError("failed to load cases", err)
			}

			a, err := shared.OpenApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			harness := a.Harness()
			out := cmd.OutOrStdout()

			if schedule == "" {
				report := harness.RunSuite(cmd.Context(), cases)
				if err := printReport(out, report); err != nil {
					return err
				}
				if report.Failed > 0 {
					return shared.NewEvalFailedError(fmt.Sprintf("%d of %d cases failed", report.Failed, report.Total))
				}
				return nil
			}

			var mu sync.Mutex
			scheduler := pkgeval.NewScheduler(harness, a.Logger)
			if _, err := scheduler.Add(cmd.Context(), schedule, cases, func(r *pkgeval.Report) {
				mu.Lock()
				defer mu.Unlock()
				if err := printReport(out, r); err != nil {
					a.Logger.Error("failed to print report", slog.Any("error", err))
				}
			}); err != nil {
				return &shared.ExitError{Code: shared.ExitConfigError, Message: "invalid --schedule", Cause: err}
			}

			a.Logger.Info("evaluation scheduled",
				slog.String("schedule", schedule),
				slog.Int("cases", len(cases)))

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return a.ServeMetrics(ctx) })
			g.Go(func() error { return a.Watch(ctx) })
			g.Go(func() error {
				scheduler.Run(ctx)
				return nil
			})
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&schedule, "schedule", "", "Run the suite on a cron schedule (e.g. \"@every 1h\")")
	return cmd
}

func printReport(w io.Writer, report *pkgeval.Report) error {
	if shared.GetJSON() {
		return shared.EmitJSON(w, report)
	}

	for _, r := range report.Results {
		mark := "PASS"
		if !r.Passed {
			mark = "FAIL"
		}
		fmt.Fprintf(w, "%s  %-28s %-14s %.2f", mark, r.Case, r.Type, r.Score)
		if r.Error != "" {
			fmt.Fprintf(w, "  %s", r.Error)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "\n%d cases: %d passed, %d failed (%d errored), pass rate %.0f%%, average score %.2f\n",
		report.Total, report.Passed, report.Failed, report.Errored, report.PassRate*100, report.AverageScore)

	types := make([]string, 0, len(report.ByType))
	for t := range report.ByType {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		tr := report.ByType[pkgeval.CaseType(t)]
		fmt.Fprintf(w, "  %-14s %d/%d passed, average %.2f", t, tr.Passed, tr.Total, tr.AverageScore)
		if pkgeval.CaseType(t) == pkgeval.TypeHallucination {
			fmt.Fprintf(w, ", hallucination rate %.0f%%", tr.HallucinationRate*100)
		}
		fmt.Fprintln(w)
	}
	return nil
}
