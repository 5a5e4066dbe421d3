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

// Package watch notifies callers when files under a set of directories
// change. The spec catalog and the custom tool loader use it for
// hot-reload.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period before a batch of changes is delivered.
const DefaultDebounce = 200 * time.Millisecond

// Event is one filesystem change.
type Event struct {
	Path string
	Op   string
}

// opNames maps fsnotify operations to event names. Chmod is ignored.
var opNames = map[fsnotify.Op]string{
	fsnotify.Create: "created",
	fsnotify.Write:  "modified",
	fsnotify.Remove: "deleted",
	fsnotify.Rename: "renamed",
}

// Watcher watches directory trees and delivers debounced batches of events.
type Watcher struct {
	fsw      *fsnotify.Watcher
	debounce *debouncer
	logger   *slog.Logger
	doneCh   chan struct{}
}

// Options configures a Watcher.
type Options struct {
	// Debounce is the quiet period; zero uses DefaultDebounce.
	Debounce time.Duration
	Logger   *slog.Logger
}

// New watches every directory under roots (recursively) and calls onChange
// with each debounced batch. Directories created later are added as they
// appear.
func New(roots []string, opts Options, onChange func([]Event)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	window := opts.Debounce
	if window <= 0 {
		window = DefaultDebounce
	}

	w := &Watcher{
		fsw:      fsw,
		debounce: newDebouncer(window, onChange),
		logger:   logger.With(slog.String("component", "watch")),
		doneCh:   make(chan struct{}),
	}

	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			fsw.Close()
			return nil, fmt.Errorf("failed to get absolute path: %w", err)
		}
		if err := w.addTree(abs); err != nil {
			fsw.Close()
			return nil, err
		}
	}
	return w, nil
}

// Run processes events until ctx is cancelled, then releases the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.doneCh)
	defer w.fsw.Close()
	defer w.debounce.stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("watcher stopped")
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

// Done is closed once Run has returned.
func (w *Watcher) Done() <-chan struct{} {
	return w.doneCh
}

func (w *Watcher) handle(ev fsnotify.Event) {
	var name string
	for op, n := range opNames {
		if ev.Has(op) {
			name = n
			break
		}
	}
	if name == "" {
		return
	}

	if name == "created" {
		// New subdirectories need their own watch.
		if err := w.addTree(ev.Name); err != nil {
			w.logger.Debug("failed to watch new path", "path", ev.Name, "error", err)
		}
	}

	w.logger.Debug("file event", "type", name, "path", ev.Name)
	w.debounce.add(Event{Path: ev.Name, Op: name})
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}
