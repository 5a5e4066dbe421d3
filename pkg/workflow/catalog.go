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

package workflow

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tombee/ragrunner/internal/watch"
	"github.com/tombee/ragrunner/pkg/errors"
)

// SpecPattern matches spec files under a catalog directory.
const SpecPattern = "**/*.{yaml,yml}"

// Catalog holds the loaded specs by id. It is safe for concurrent use;
// reloads are the only writers. Executions hold the *Spec they started
// with, so a reload never changes a running execution.
type Catalog struct {
	mu     sync.RWMutex
	specs  map[string]*Spec
	logger *slog.Logger
}

// NewCatalog creates an empty catalog.
func NewCatalog(logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{specs: make(map[string]*Spec), logger: logger}
}

// Add validates spec and registers it, replacing any spec with the same id.
func (c *Catalog) Add(spec *Spec) error {
	if spec == nil {
		return &errors.ValidationError{Field: "spec", Message: "spec cannot be nil"}
	}
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("adding spec: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.specs[spec.ID()]; ok {
		c.logger.Debug("replacing spec", "spec", spec.ID(), "previous_source", prev.Source)
	}
	c.specs[spec.ID()] = spec
	return nil
}

// Get returns the spec registered under id.
func (c *Catalog) Get(id string) (*Spec, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	spec, ok := c.specs[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "spec", ID: id}
	}
	return spec, nil
}

// Remove drops the spec registered under id.
func (c *Catalog) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.specs, id)
}

// List returns every spec sorted by id.
func (c *Catalog) List() []*Spec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Spec, 0, len(c.specs))
	for _, spec := range c.specs {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// LoadDir loads every spec file under dir. Specs previously loaded from
// files that no longer exist are removed; a file that fails to parse keeps
// its previous version. The returned error joins every file error.
func (c *Catalog) LoadDir(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", dir, err)
	}
	matches, err := doublestar.Glob(os.DirFS(abs), SpecPattern)
	if err != nil {
		return fmt.Errorf("globbing %s: %w", abs, err)
	}
	sort.Strings(matches)

	loaded := make(map[string]*Spec)
	failed := make(map[string]bool)
	var errs []error
	for _, m := range matches {
		path := filepath.Join(abs, filepath.FromSlash(m))
		spec, err := LoadSpecFile(path)
		if err != nil {
			failed[path] = true
			errs = append(errs, err)
			continue
		}
		if prev, dup := loaded[spec.ID()]; dup {
			c.logger.Warn("duplicate spec id, last file wins", "spec", spec.ID(), "first", prev.Source, "second", path)
		}
		loaded[spec.ID()] = spec
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	next := make(map[string]*Spec, len(c.specs)+len(loaded))
	for id, spec := range c.specs {
		switch {
		case !inDir(spec.Source, abs):
			next[id] = spec
		case failed[spec.Source]:
			next[id] = spec
		}
	}
	for id, spec := range loaded {
		next[id] = spec
	}
	c.specs = next
	c.logger.Debug("catalog loaded", "dir", abs, "specs", len(loaded), "errors", len(errs))
	return stderrors.Join(errs...)
}

// Watch loads dir and reloads it whenever a spec file changes, until ctx
// is done.
func (c *Catalog) Watch(ctx context.Context, dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", dir, err)
	}

	w, err := watch.New([]string{abs}, watch.Options{Logger: c.logger}, func(events []watch.Event) {
		relevant := false
		for _, ev := range events {
			rel, err := filepath.Rel(abs, ev.Path)
			if err != nil {
				continue
			}
			if ok, _ := doublestar.Match(SpecPattern, filepath.ToSlash(rel)); ok {
				relevant = true
				break
			}
		}
		if !relevant {
			return
		}
		if err := c.LoadDir(abs); err != nil {
			c.logger.Warn("spec reload reported errors", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("watching %s: %w", abs, err)
	}
	if err := c.LoadDir(abs); err != nil {
		c.logger.Warn("spec load reported errors", "error", err)
	}
	return w.Run(ctx)
}

func inDir(path, dir string) bool {
	if path == "" {
		return false
	}
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
