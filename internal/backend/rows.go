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

package backend

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tombee/ragrunner/pkg/eval"
	"github.com/tombee/ragrunner/pkg/llm"
	"github.com/tombee/ragrunner/pkg/workflow"
)

// ExecutionRow is the column form of an execution record shared by the SQL
// backends. JSON columns hold encoded values.
type ExecutionRow struct {
	ExecutionID     string
	SpecID          string
	SpecKind        string
	Status          string
	Input           []byte
	Output          []byte
	TokenUsage      []byte
	Steps           []byte
	Metadata        []byte
	Error           string
	ExecutionTimeMS int64
	CreatedAt       time.Time
	CompletedAt     time.Time
}

// NewExecutionRow encodes record.
func NewExecutionRow(record *workflow.ExecutionRecord) (*ExecutionRow, error) {
	row := &ExecutionRow{
		ExecutionID:     record.ExecutionID,
		SpecID:          record.SpecID,
		SpecKind:        string(record.SpecKind),
		Status:          string(record.Status),
		Error:           record.Error,
		ExecutionTimeMS: record.Duration.Milliseconds(),
		CreatedAt:       record.CreatedAt.UTC(),
		CompletedAt:     record.CompletedAt.UTC(),
	}
	var err error
	if row.Input, err = marshal("input", record.Input); err != nil {
		return nil, err
	}
	if row.Output, err = marshal("output", record.Output); err != nil {
		return nil, err
	}
	if row.TokenUsage, err = marshal("token_usage", record.TokenUsage); err != nil {
		return nil, err
	}
	if row.Steps, err = marshal("steps", record.Steps); err != nil {
		return nil, err
	}
	if row.Metadata, err = marshal("metadata", record.Metadata); err != nil {
		return nil, err
	}
	return row, nil
}

// Record decodes the row.
func (r *ExecutionRow) Record() (*workflow.ExecutionRecord, error) {
	record := &workflow.ExecutionRecord{
		ExecutionID: r.ExecutionID,
		SpecID:      r.SpecID,
		SpecKind:    workflow.SpecKind(r.SpecKind),
		Status:      workflow.Status(r.Status),
		Error:       r.Error,
		Duration:    time.Duration(r.ExecutionTimeMS) * time.Millisecond,
		CreatedAt:   r.CreatedAt,
		CompletedAt: r.CompletedAt,
	}
	var usage llm.TokenUsage
	if err := unmarshal("token_usage", r.TokenUsage, &usage); err != nil {
		return nil, err
	}
	record.TokenUsage = usage
	if err := unmarshal("input", r.Input, &record.Input); err != nil {
		return nil, err
	}
	if err := unmarshal("output", r.Output, &record.Output); err != nil {
		return nil, err
	}
	if err := unmarshal("steps", r.Steps, &record.Steps); err != nil {
		return nil, err
	}
	if err := unmarshal("metadata", r.Metadata, &record.Metadata); err != nil {
		return nil, err
	}
	return record, nil
}

// EvaluationRow is the column form of an evaluation result.
type EvaluationRow struct {
	ID          string
	TestName    string
	TestType    string
	Input       []byte
	Expected    []byte
	Actual      []byte
	Score       float64
	Passed      bool
	Metrics     []byte
	ExecutionID string
	Error       string
	DurationMS  int64
	CreatedAt   time.Time
}

// NewEvaluationRow encodes result.
func NewEvaluationRow(result *eval.Result) (*EvaluationRow, error) {
	row := &EvaluationRow{
		ID:          result.ID,
		TestName:    result.Case,
		TestType:    string(result.Type),
		Score:       result.Score,
		Passed:      result.Passed,
		ExecutionID: result.ExecutionID,
		Error:       result.Error,
		DurationMS:  result.Duration.Milliseconds(),
		CreatedAt:   result.CreatedAt.UTC(),
	}
	var err error
	if row.Input, err = marshal("input", result.Input); err != nil {
		return nil, err
	}
	if row.Expected, err = marshal("expected", result.Expected); err != nil {
		return nil, err
	}
	if row.Actual, err = marshal("actual", result.Actual); err != nil {
		return nil, err
	}
	if row.Metrics, err = marshal("metrics", result.Metrics); err != nil {
		return nil, err
	}
	return row, nil
}

// Result decodes the row.
func (r *EvaluationRow) Result() (*eval.Result, error) {
	result := &eval.Result{
		ID:          r.ID,
		Case:        r.TestName,
		Type:        eval.CaseType(r.TestType),
		Score:       r.Score,
		Passed:      r.Passed,
		ExecutionID: r.ExecutionID,
		Error:       r.Error,
		Duration:    time.Duration(r.DurationMS) * time.Millisecond,
		CreatedAt:   r.CreatedAt,
	}
	if err := unmarshal("input", r.Input, &result.Input); err != nil {
		return nil, err
	}
	if err := unmarshal("expected", r.Expected, &result.Expected); err != nil {
		return nil, err
	}
	if err := unmarshal("actual", r.Actual, &result.Actual); err != nil {
		return nil, err
	}
	if err := unmarshal("metrics", r.Metrics, &result.Metrics); err != nil {
		return nil, err
	}
	return result, nil
}

func marshal(column string, v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", column, err)
	}
	return data, nil
}

// unmarshal treats empty and null columns as absent.
func unmarshal(column string, data []byte, v interface{}) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", column, err)
	}
	return nil
}
