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

package shared

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"golang.org/x/term"

	"github.com/tombee/ragrunner/internal/app"
	"github.com/tombee/ragrunner/internal/config"
	internallog "github.com/tombee/ragrunner/internal/log"
)

// LoadConfig loads the --config file, else the default config file when
// one exists, else defaults and the environment alone.
func LoadConfig() (*config.Config, error) {
	path := GetConfigPath()
	if path == "" {
		if def, err := config.ConfigPath(); err == nil {
			if _, err := os.Stat(def); err == nil {
				path = def
			} else if !errors.Is(err, fs.ErrNotExist) {
				return nil, NewConfigError("failed to read config", err)
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, NewConfigError("failed to load config", err)
	}
	return cfg, nil
}

// NewLogger builds the CLI logger on w. An unset format picks text when w
// is a terminal and JSON otherwise. --verbose and --quiet override the
// configured level.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	level := cfg.Level
	switch {
	case GetVerbose():
		level = "debug"
	case GetQuiet():
		level = "warn"
	}
	return internallog.New(&internallog.Config{
		Level:     level,
		Format:    logFormat(cfg.Format, w),
		Output:    w,
		AddSource: cfg.AddSource,
	})
}

func logFormat(format string, w io.Writer) internallog.Format {
	if format != "" {
		return internallog.Format(format)
	}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return internallog.FormatText
	}
	return internallog.FormatJSON
}

// OpenApp loads configuration and assembles the application. Callers must
// Close the result.
func OpenApp(ctx context.Context, opts ...app.Option) (*app.App, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	logger := NewLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	a, err := app.New(ctx, cfg, logger, opts...)
	if err != nil {
		return nil, NewConfigError("failed to initialize", err)
	}
	return a, nil
}
