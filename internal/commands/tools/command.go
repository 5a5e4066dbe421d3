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

package tools

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tombee/ragrunner/internal/commands/shared"
)

// ToolInfo describes one registered tool.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// NewCommand creates the tools command
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools available to specs",
		Long: `Tools lists the built-in tools enabled in the config and the custom
tools loaded from the tools directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := shared.OpenApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			var infos []ToolInfo
			for _, name := range a.Registry.List() {
				tool, err := a.Registry.Get(name)
				if err != nil {
					continue
				}
				infos = append(infos, ToolInfo{Name: name, Description: tool.Description()})
			}

			out := cmd.OutOrStdout()
			if shared.GetJSON() {
				return shared.EmitJSON(out, map[string]interface{}{"tools": infos})
			}
			if len(infos) == 0 {
				fmt.Fprintln(out, "No tools registered.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tDESCRIPTION")
			for _, info := range infos {
				fmt.Fprintf(tw, "%s\t%s\n", info.Name, info.Description)
			}
			return tw.Flush()
		},
	}
	return cmd
}
