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
	"sort"
	"time"
)

// Report summarizes a suite run.
type Report struct {
	Total        int                      `json:"total"`
	Passed       int                      `json:"passed"`
	Failed       int                      `json:"failed"`
	Errored      int                      `json:"errored"`
	PassRate     float64                  `json:"pass_rate"`
	AverageScore float64                  `json:"average_score"`
	ByType       map[CaseType]*TypeReport `json:"by_type"`
	Results      []*Result                `json:"results"`
	Duration     time.Duration            `json:"duration"`
}

// TypeReport summarizes the cases of one type.
type TypeReport struct {
	Total        int     `json:"total"`
	Passed       int     `json:"passed"`
	AverageScore float64 `json:"average_score"`

	// HallucinationRate is the share of hallucination cases flagged.
	HallucinationRate float64 `json:"hallucination_rate,omitempty"`
}

// Summarize aggregates results.
func Summarize(results []*Result) *Report {
	r := &Report{Total: len(results), ByType: map[CaseType]*TypeReport{}, Results: results}
	if len(results) == 0 {
		return r
	}

	scoreSum := 0.0
	typeScores := map[CaseType]float64{}
	flagged := map[CaseType]int{}
	for _, res := range results {
		tr, ok := r.ByType[res.Type]
		if !ok {
			tr = &TypeReport{}
			r.ByType[res.Type] = tr
		}
		tr.Total++
		scoreSum += res.Score
		typeScores[res.Type] += res.Score
		if res.Passed {
			r.Passed++
			tr.Passed++
		}
		if res.Error != "" {
			r.Errored++
		}
		if h, _ := res.Metrics["hallucination"].(bool); h {
			flagged[res.Type]++
		}
	}
	r.Failed = r.Total - r.Passed
	r.PassRate = float64(r.Passed) / float64(r.Total)
	r.AverageScore = scoreSum / float64(r.Total)
	for t, tr := range r.ByType {
		tr.AverageScore = typeScores[t] / float64(tr.Total)
		if t == TypeHallucination {
			tr.HallucinationRate = float64(flagged[t]) / float64(tr.Total)
		}
	}
	return r
}

// Failures returns the cases that did not pass, by name.
func (r *Report) Failures() []string {
	var names []string
	for _, res := range r.Results {
		if !res.Passed {
			names = append(names, res.Case)
		}
	}
	sort.Strings(names)
	return names
}
