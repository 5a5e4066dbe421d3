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

package ingest

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/ragrunner/internal/app"
	"github.com/tombee/ragrunner/internal/commands/shared"
)

// Result is the JSON output of ingest.
type Result struct {
	shared.JSONResponse
	Documents int      `json:"documents"`
	Chunks    int      `json:"chunks"`
	Stores    []string `json:"stores"`
}

// NewCommand creates the ingest command
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest <path>",
		Short: "Chunk, embed and index documents into the retrieval stores",
		Long: `Ingest reads documents from a file or directory and writes their chunks
to every configured retrieval store. Markdown and text files are one
document each; YAML and JSON files hold a list of {id, text, metadata}.

Chunks are keyed by document id and position, so re-ingesting a document
updates it in place. Memory stores only live for one process; ingest is
meant for persistent stores such as pgvector.`,
		Example: `  ragrunner ingest ./handbook
  ragrunner ingest faq.yaml --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			docs, err := app.LoadDocuments(args[0])
			if err != nil {
				return shared.NewExecutionError("failed to read documents", err)
			}

			a, err := shared.OpenApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			chunks, err := a.Ingestor().Ingest(cmd.Context(), docs)
			if err != nil {
				return shared.NewExecutionError("ingest failed", err)
			}

			res := Result{
				JSONResponse: shared.JSONResponse{Version: "1.0", Command: "ingest", Success: true},
				Documents:    len(docs),
				Chunks:       chunks,
				Stores:       a.Pipeline.Backends(),
			}
			if shared.GetJSON() {
				return shared.EmitJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d chunks from %d documents into %s\n",
				res.Chunks, res.Documents, strings.Join(res.Stores, ", "))
			return nil
		},
	}
	return cmd
}
