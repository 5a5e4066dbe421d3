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

package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/tombee/ragrunner/internal/cli"
	"github.com/tombee/ragrunner/internal/commands/eval"
	"github.com/tombee/ragrunner/internal/commands/history"
	"github.com/tombee/ragrunner/internal/commands/ingest"
	"github.com/tombee/ragrunner/internal/commands/run"
	"github.com/tombee/ragrunner/internal/commands/tools"
	"github.com/tombee/ragrunner/internal/commands/validate"
	versioncmd "github.com/tombee/ragrunner/internal/commands/version"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	// A .env file in the working directory supplies API keys and DSNs
	// without overriding variables already set.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		cli.HandleExitError(err)
	}

	cli.SetVersion(version, commit, buildDate)

	rootCmd := cli.NewRootCommand()
	rootCmd.AddCommand(run.NewCommand())
	rootCmd.AddCommand(validate.NewCommand())
	rootCmd.AddCommand(eval.NewCommand())
	rootCmd.AddCommand(ingest.NewCommand())
	rootCmd.AddCommand(tools.NewCommand())
	rootCmd.AddCommand(history.NewCommand())
	rootCmd.AddCommand(versioncmd.NewCommand())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	cli.HandleExitError(err)
}
