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

// Package sqlite provides a SQLite backend for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/ragrunner/internal/backend"
	"github.com/tombee/ragrunner/pkg/errors"
	"github.com/tombee/ragrunner/pkg/eval"
	"github.com/tombee/ragrunner/pkg/workflow"
)

var _ backend.Backend = (*Backend)(nil)

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Backend is a SQLite storage backend.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path. ":memory:" keeps everything in
	// process.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New opens the database and applies migrations.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{db: db}
	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return b, nil
}

func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			execution_id TEXT PRIMARY KEY,
			spec_id TEXT NOT NULL,
			spec_kind TEXT NOT NULL,
			status TEXT NOT NULL,
			input TEXT,
			output TEXT,
			token_usage TEXT,
			steps TEXT,
			metadata TEXT,
			error TEXT,
			execution_time_ms INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			completed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_spec_id ON executions(spec_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_created_at ON executions(created_at)`,
		`CREATE TABLE IF NOT EXISTS evaluations (
			id TEXT PRIMARY KEY,
			test_name TEXT NOT NULL,
			test_type TEXT NOT NULL,
			input TEXT,
			expected TEXT,
			actual TEXT,
			score REAL NOT NULL,
			passed INTEGER NOT NULL,
			metrics TEXT,
			execution_id TEXT,
			error TEXT,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_evaluations_test_name ON evaluations(test_name)`,
		`CREATE INDEX IF NOT EXISTS idx_evaluations_created_at ON evaluations(created_at)`,
	}
	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// SaveExecution inserts or replaces a record.
func (b *Backend) SaveExecution(ctx context.Context, record *workflow.ExecutionRecord) error {
	row, err := backend.NewExecutionRow(record)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO executions (execution_id, spec_id, spec_kind, status, input, output,
			token_usage, steps, metadata, error, execution_time_ms, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id) DO UPDATE SET
			spec_id = excluded.spec_id, spec_kind = excluded.spec_kind, status = excluded.status,
			input = excluded.input, output = excluded.output, token_usage = excluded.token_usage,
			steps = excluded.steps, metadata = excluded.metadata, error = excluded.error,
			execution_time_ms = excluded.execution_time_ms, completed_at = excluded.completed_at
	`
	_, err = b.db.ExecContext(ctx, query,
		row.ExecutionID, row.SpecID, row.SpecKind, row.Status,
		string(row.Input), string(row.Output), string(row.TokenUsage), string(row.Steps), string(row.Metadata),
		nullString(row.Error), row.ExecutionTimeMS,
		row.CreatedAt.Format(timeLayout), formatTime(row.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	return nil
}

const executionColumns = `execution_id, spec_id, spec_kind, status, input, output,
	token_usage, steps, metadata, error, execution_time_ms, created_at, completed_at`

// GetExecution retrieves a record by execution id.
func (b *Backend) GetExecution(ctx context.Context, id string) (*workflow.ExecutionRecord, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE execution_id = ?`
	record, err := scanExecution(b.db.QueryRowContext(ctx, query, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, &errors.NotFoundError{Resource: "execution", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return record, nil
}

// ListExecutions lists records newest first.
func (b *Backend) ListExecutions(ctx context.Context, filter backend.ExecutionFilter) ([]*workflow.ExecutionRecord, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE 1=1`
	args := []any{}

	if filter.SpecID != "" {
		query += " AND spec_id = ?"
		args = append(args, filter.SpecID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, filter.Since.UTC().Format(timeLayout))
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	} else if filter.Offset > 0 {
		query += " LIMIT -1"
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var records []*workflow.ExecutionRecord
	for rows.Next() {
		record, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// SaveEvaluation inserts a result.
func (b *Backend) SaveEvaluation(ctx context.Context, result *eval.Result) error {
	row, err := backend.NewEvaluationRow(result)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO evaluations (id, test_name, test_type, input, expected, actual, score,
			passed, metrics, execution_id, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = b.db.ExecContext(ctx, query,
		row.ID, row.TestName, row.TestType,
		string(row.Input), string(row.Expected), string(row.Actual),
		row.Score, boolToInt(row.Passed), string(row.Metrics),
		nullString(row.ExecutionID), nullString(row.Error), row.DurationMS,
		row.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to save evaluation: %w", err)
	}
	return nil
}

// ListEvaluations lists results newest first.
func (b *Backend) ListEvaluations(ctx context.Context, filter backend.EvaluationFilter) ([]*eval.Result, error) {
	query := `
		SELECT id, test_name, test_type, input, expected, actual, score, passed,
			metrics, execution_id, error, duration_ms, created_at
		FROM evaluations WHERE 1=1
	`
	args := []any{}

	if filter.Case != "" {
		query += " AND test_name = ?"
		args = append(args, filter.Case)
	}
	if filter.Type != "" {
		query += " AND test_type = ?"
		args = append(args, string(filter.Type))
	}
	if filter.Passed != nil {
		query += " AND passed = ?"
		args = append(args, boolToInt(*filter.Passed))
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list evaluations: %w", err)
	}
	defer rows.Close()

	var results []*eval.Result
	for rows.Next() {
		var row backend.EvaluationRow
		var input, expected, actual, metrics, executionID, errorStr sql.NullString
		var passed int
		var createdAt string
		if err := rows.Scan(
			&row.ID, &row.TestName, &row.TestType, &input, &expected, &actual,
			&row.Score, &passed, &metrics, &executionID, &errorStr, &row.DurationMS, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan evaluation: %w", err)
		}
		row.Input = []byte(input.String)
		row.Expected = []byte(expected.String)
		row.Actual = []byte(actual.String)
		row.Metrics = []byte(metrics.String)
		row.ExecutionID = executionID.String
		row.Error = errorStr.String
		row.Passed = passed != 0
		row.CreatedAt, _ = time.Parse(timeLayout, createdAt)

		result, err := row.Result()
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, rows.Err()
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(s scanner) (*workflow.ExecutionRecord, error) {
	var row backend.ExecutionRow
	var input, output, usage, steps, metadata, errorStr, completedAt sql.NullString
	var createdAt string
	if err := s.Scan(
		&row.ExecutionID, &row.SpecID, &row.SpecKind, &row.Status,
		&input, &output, &usage, &steps, &metadata, &errorStr,
		&row.ExecutionTimeMS, &createdAt, &completedAt,
	); err != nil {
		return nil, err
	}
	row.Input = []byte(input.String)
	row.Output = []byte(output.String)
	row.TokenUsage = []byte(usage.String)
	row.Steps = []byte(steps.String)
	row.Metadata = []byte(metadata.String)
	row.Error = errorStr.String
	row.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	if completedAt.Valid {
		row.CompletedAt, _ = time.Parse(timeLayout, completedAt.String)
	}
	return row.Record()
}

// formatTime returns nil for the zero time.
func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(timeLayout)
}

// nullString returns nil if string is empty, otherwise the string.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
