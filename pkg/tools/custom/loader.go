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

package custom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tombee/ragrunner/internal/log"
	"github.com/tombee/ragrunner/internal/watch"
	"github.com/tombee/ragrunner/pkg/tools"
)

// DefaultPattern matches definition files anywhere under the tools directory.
const DefaultPattern = "**/*.{yaml,yml}"

// Loader discovers definition files under a directory and keeps a registry
// in step with them.
type Loader struct {
	dir      string
	pattern  string
	registry *tools.Registry
	logger   *slog.Logger

	mu     sync.Mutex
	loaded map[string]bool
}

// NewLoader creates a loader for dir that registers into registry.
func NewLoader(dir string, registry *tools.Registry) *Loader {
	return &Loader{
		dir:      dir,
		pattern:  DefaultPattern,
		registry: registry,
		logger:   slog.Default(),
		loaded:   make(map[string]bool),
	}
}

// WithPattern overrides the glob used to find definitions.
func (l *Loader) WithPattern(pattern string) *Loader {
	l.pattern = pattern
	return l
}

// WithLogger sets the loader's logger.
func (l *Loader) WithLogger(logger *slog.Logger) *Loader {
	l.logger = logger
	return l
}

// Discover returns the definition files under the directory, sorted.
func (l *Loader) Discover() ([]string, error) {
	if !doublestar.ValidatePattern(l.pattern) {
		return nil, fmt.Errorf("invalid tool pattern %q", l.pattern)
	}
	matches, err := doublestar.Glob(os.DirFS(l.dir), l.pattern)
	if err != nil {
		return nil, fmt.Errorf("globbing %s: %w", l.dir, err)
	}
	paths := make([]string, len(matches))
	for i, m := range matches {
		paths[i] = filepath.Join(l.dir, filepath.FromSlash(m))
	}
	sort.Strings(paths)
	return paths, nil
}

// Load parses every definition file. A file that fails to parse is
// reported in the returned error and skipped; the rest still load.
func (l *Loader) Load() ([]*HTTPTool, error) {
	paths, err := l.Discover()
	if err != nil {
		return nil, err
	}

	var loaded []*HTTPTool
	var errs []error
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		def, err := ParseDefinition(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		def.Source = path
		tool, err := NewHTTPTool(*def)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		loaded = append(loaded, tool)
	}
	return loaded, errors.Join(errs...)
}

// Sync loads the directory, registers every tool and unregisters custom
// tools whose files have gone. Tools registered by other components are
// left alone.
func (l *Loader) Sync() error {
	loaded, loadErr := l.Load()

	l.mu.Lock()
	defer l.mu.Unlock()

	current := make(map[string]bool, len(loaded))
	for _, tool := range loaded {
		if err := l.registry.Register(tool); err != nil {
			return fmt.Errorf("registering %s: %w", tool.Name(), err)
		}
		current[tool.Name()] = true
	}
	for name := range l.loaded {
		if !current[name] {
			_ = l.registry.Unregister(name)
			l.logger.Info("custom tool removed", log.ToolKey, name)
		}
	}
	l.loaded = current

	l.logger.Debug("custom tools synced", "count", len(current), "dir", l.dir)
	return loadErr
}

// Watch syncs once and then again whenever a matching file changes, until
// ctx is cancelled.
func (l *Loader) Watch(ctx context.Context) error {
	w, err := watch.New([]string{l.dir}, watch.Options{Logger: l.logger}, func(events []watch.Event) {
		if !l.relevant(events) {
			return
		}
		if err := l.Sync(); err != nil {
			l.logger.Warn("custom tool reload reported errors", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("watching %s: %w", l.dir, err)
	}
	if err := l.Sync(); err != nil {
		l.logger.Warn("custom tool load reported errors", "error", err)
	}
	return w.Run(ctx)
}

func (l *Loader) relevant(events []watch.Event) bool {
	root, err := filepath.Abs(l.dir)
	if err != nil {
		return true
	}
	for _, ev := range events {
		rel, err := filepath.Rel(root, ev.Path)
		if err != nil {
			continue
		}
		if ok, _ := doublestar.Match(l.pattern, filepath.ToSlash(rel)); ok {
			return true
		}
	}
	return false
}
