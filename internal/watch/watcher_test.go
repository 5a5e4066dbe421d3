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

package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebouncer_CollapsesBurst(t *testing.T) {
	var mu sync.Mutex
	var batches [][]Event
	d := newDebouncer(40*time.Millisecond, func(events []Event) {
		mu.Lock()
		defer mu.Unlock()
		batches = append(batches, events)
	})
	defer d.stop()

	d.add(Event{Path: "/a.yaml", Op: "modified"})
	d.add(Event{Path: "/a.yaml", Op: "modified"})
	d.add(Event{Path: "/b.yaml", Op: "created"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(batches) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, batches[0], 2)
}

func TestDebouncer_StopDropsPending(t *testing.T) {
	called := make(chan struct{}, 1)
	d := newDebouncer(20*time.Millisecond, func([]Event) { called <- struct{}{} })
	d.add(Event{Path: "/a", Op: "modified"})
	d.stop()

	select {
	case <-called:
		t.Fatal("flush after stop")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestWatcher_DeliversChanges(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "nested")
	require.NoError(t, os.Mkdir(sub, 0o755))

	got := make(chan []Event, 4)
	w, err := New([]string{dir}, Options{Debounce: 30 * time.Millisecond}, func(events []Event) {
		got <- events
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Run(ctx) }()
	defer func() {
		cancel()
		<-w.Done()
	}()

	require.NoError(t, os.WriteFile(filepath.Join(sub, "tool.yaml"), []byte("name: x\n"), 0o644))

	select {
	case events := <-got:
		require.NotEmpty(t, events)
		assert.Equal(t, filepath.Join(sub, "tool.yaml"), events[0].Path)
	case <-time.After(2 * time.Second):
		t.Fatal("no change delivered")
	}
}

func TestNew_MissingRoot(t *testing.T) {
	_, err := New([]string{filepath.Join(t.TempDir(), "absent")}, Options{}, nil)
	require.Error(t, err)
}
