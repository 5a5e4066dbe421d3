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

// Package cli builds the ragrunner root command.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/tombee/ragrunner/internal/commands/shared"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// NewRootCommand creates the root command. Subcommands are added by main.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ragrunner",
		Short: "ragrunner - retrieval-augmented workflows and agents",
		Long: `ragrunner executes declarative retrieval-augmented workflows and
tool-using agents under a token budget, and evaluates them against golden
answers, hallucination checks and cost limits.

Specs are YAML files under the configured specs directory. Run
'ragrunner validate' to check them and 'ragrunner run <spec>' to execute one.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	verbose, quiet, json, config := shared.RegisterFlagPointers()
	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable debug logging")
	cmd.PersistentFlags().BoolVarP(quiet, "quiet", "q", false, "Only log warnings and errors")
	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(config, "config", "", "Path to config file (default: ~/.config/ragrunner/config.yaml)")
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	return cmd
}

// HandleExitError prints err and exits with its code.
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
