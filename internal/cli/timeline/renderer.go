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

// Package timeline renders an execution's steps as an ASCII timeline.
package timeline

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/tombee/ragrunner/pkg/workflow"
)

const (
	// MinWidth is the narrowest supported timeline.
	MinWidth = 80
	// DefaultWidth is used when the terminal size is unknown.
	DefaultWidth = 100

	minBarWidth = 20
	maxBarWidth = 60
	nameWidth   = 20
)

// Status icons.
const (
	IconOK      = "✓"
	IconError   = "✗"
	IconSkipped = "-"
)

// Renderer renders execution records.
type Renderer struct {
	Width    int
	BarWidth int
}

// NewRenderer creates a renderer width columns wide. Widths below MinWidth
// are raised to it.
func NewRenderer(width int) *Renderer {
	width = max(width, MinWidth)
	// border, name, duration, tokens and icon take about 50 columns
	bar := min(max(width-50, minBarWidth), maxBarWidth)
	return &Renderer{Width: width, BarWidth: bar}
}

// WidthOf returns the terminal width of w, or DefaultWidth when w is not a
// terminal.
func WidthOf(w io.Writer) int {
	if f, ok := w.(*os.File); ok {
		if width, _, err := term.GetSize(int(f.Fd())); err == nil {
			return width
		}
	}
	return DefaultWidth
}

// Render draws one line per step, each bar placed by the step's start and
// sized by its duration relative to the whole execution.
func (r *Renderer) Render(record *workflow.ExecutionRecord) (string, error) {
	if len(record.Steps) == 0 {
		return "", fmt.Errorf("execution %s has no steps", record.ExecutionID)
	}

	start, total := bounds(record)

	var sb strings.Builder
	border := strings.Repeat("─", r.Width-2)
	sb.WriteString("┌" + border + "┐\n")
	title := fmt.Sprintf("%s (%s)", record.SpecID, record.Status)
	fmt.Fprintf(&sb, "│ %-*s Total: %8s │\n", r.Width-20, truncate(title, r.Width-20), formatDuration(record.Duration))
	sb.WriteString("├" + border + "┤\n")

	for _, step := range record.Steps {
		sb.WriteString(r.renderStep(step, start, total))
	}

	sb.WriteString("└" + border + "┘\n")
	fmt.Fprintf(&sb, "Tokens: %d (input %d, output %d)\n",
		record.TokenUsage.TotalTokens, record.TokenUsage.InputTokens, record.TokenUsage.OutputTokens)
	return sb.String(), nil
}

func (r *Renderer) renderStep(step workflow.StepResult, start time.Time, total time.Duration) string {
	startPos, barLength := 0, 0
	if total > 0 && !step.StartedAt.IsZero() {
		startPos = int(float64(step.StartedAt.Sub(start)) / float64(total) * float64(r.BarWidth))
		barLength = int(float64(step.Duration) / float64(total) * float64(r.BarWidth))
	}
	startPos = min(max(startPos, 0), r.BarWidth-1)
	if step.Status != workflow.StepSkipped {
		barLength = max(barLength, 1)
	}
	barLength = min(barLength, r.BarWidth-startPos)

	bar := make([]rune, r.BarWidth)
	for i := range bar {
		if i >= startPos && i < startPos+barLength {
			bar[i] = '█'
		} else {
			bar[i] = '░'
		}
	}

	icon := IconOK
	switch step.Status {
	case workflow.StepFailed:
		icon = IconError
	case workflow.StepSkipped:
		icon = IconSkipped
	}

	tokens := ""
	if step.Tokens > 0 {
		tokens = fmt.Sprintf("%dtok", step.Tokens)
	}

	return fmt.Sprintf("│ %-*s %s  %6s  %s  %8s │\n",
		nameWidth, truncate(step.Name, nameWidth),
		string(bar),
		formatDuration(step.Duration),
		icon,
		tokens,
	)
}

// bounds returns the earliest step start and the span to the latest end.
func bounds(record *workflow.ExecutionRecord) (time.Time, time.Duration) {
	var start, end time.Time
	for _, s := range record.Steps {
		if s.StartedAt.IsZero() {
			continue
		}
		if start.IsZero() || s.StartedAt.Before(start) {
			start = s.StartedAt
		}
		if e := s.StartedAt.Add(s.Duration); e.After(end) {
			end = e
		}
	}
	return start, end.Sub(start)
}

// truncate shortens s to maxLen with an ellipsis.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%dµs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return fmt.Sprintf("%.1fm", d.Minutes())
	}
}
