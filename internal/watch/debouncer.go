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
	"sync"
	"time"
)

// debouncer collects events until no new event arrives for the window, then
// delivers the batch. Editors often write a file several times per save;
// one reload per burst is enough.
type debouncer struct {
	mu      sync.Mutex
	window  time.Duration
	timer   *time.Timer
	pending map[string]Event
	onFlush func([]Event)
	stopped bool
}

func newDebouncer(window time.Duration, onFlush func([]Event)) *debouncer {
	return &debouncer{
		window:  window,
		pending: make(map[string]Event),
		onFlush: onFlush,
	}
}

// add records ev, keeping only the latest event per path, and restarts the
// quiet-period timer.
func (d *debouncer) add(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.pending[ev.Path] = ev
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.flush)
}

func (d *debouncer) flush() {
	d.mu.Lock()
	events := d.drainLocked()
	d.mu.Unlock()

	// Call onFlush outside of lock to prevent deadlocks
	if d.onFlush != nil && len(events) > 0 {
		d.onFlush(events)
	}
}

func (d *debouncer) drainLocked() []Event {
	if len(d.pending) == 0 {
		return nil
	}
	events := make([]Event, 0, len(d.pending))
	for _, ev := range d.pending {
		events = append(events, ev)
	}
	d.pending = make(map[string]Event)
	return events
}

// stop cancels the timer and drops anything pending.
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.pending = make(map[string]Event)
}
