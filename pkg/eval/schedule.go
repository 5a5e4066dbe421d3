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

package eval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler runs suites on cron schedules.
type Scheduler struct {
	harness *Harness
	cron    *cron.Cron
	logger  *slog.Logger
}

// NewScheduler creates a scheduler. Schedules use the standard five-field
// syntax plus descriptors such as @hourly.
func NewScheduler(h *Harness, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		harness: h,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:  logger,
	}
}

// Add registers a suite. onReport, if set, receives each run's report.
func (s *Scheduler) Add(ctx context.Context, schedule string, cases []Case, onReport func(*Report)) (cron.EntryID, error) {
	id, err := s.cron.AddFunc(schedule, func() {
		report := s.harness.RunSuite(ctx, cases)
		s.logger.Info("scheduled evaluation finished",
			slog.String("schedule", schedule),
			slog.Int("total", report.Total),
			slog.Int("passed", report.Passed),
			slog.Float64("average_score", report.AverageScore))
		if onReport != nil {
			onReport(report)
		}
	})
	if err != nil {
		return 0, fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	return id, nil
}

// Run starts the scheduler and blocks until ctx is done, then waits for
// running suites to finish.
func (s *Scheduler) Run(ctx context.Context) {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
}

// Entries returns the number of registered suites.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}
