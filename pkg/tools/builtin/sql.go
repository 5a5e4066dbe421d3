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

// Package builtin provides the tools every deployment registers: a
// read-only SQL query tool and a rate-limited HTTP API tool.
package builtin

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tombee/ragrunner/pkg/errors"
	"github.com/tombee/ragrunner/pkg/tools"
)

// DefaultMaxRows caps the rows returned by sql_query.
const DefaultMaxRows = 100

var (
	dangerousSQL = regexp.MustCompile(`(?i)\b(DROP|DELETE|TRUNCATE|ALTER|CREATE|INSERT|UPDATE|GRANT|REVOKE|EXEC|EXECUTE|CALL|ATTACH|DETACH|PRAGMA|VACUUM|REPLACE)\b`)
	readOnlySQL  = regexp.MustCompile(`(?i)^\s*(SELECT|WITH)\b`)
)

// SQLTool runs read-only queries against a database/sql handle.
type SQLTool struct {
	db      *sql.DB
	maxRows int
}

// NewSQLTool creates the sql_query tool over db.
func NewSQLTool(db *sql.DB) *SQLTool {
	return &SQLTool{db: db, maxRows: DefaultMaxRows}
}

// WithMaxRows sets the row cap. Values below one keep the default.
func (t *SQLTool) WithMaxRows(n int) *SQLTool {
	if n > 0 {
		t.maxRows = n
	}
	return t
}

// Name returns the tool identifier.
func (t *SQLTool) Name() string { return "sql_query" }

// Description returns a human-readable description.
func (t *SQLTool) Description() string {
	return "Run a read-only SQL SELECT query and return the rows as objects"
}

// Schema returns the tool's input/output schema.
func (t *SQLTool) Schema() *tools.Schema {
	return &tools.Schema{
		Inputs: &tools.ParameterSchema{
			Type: "object",
			Properties: map[string]*tools.Property{
				"query": {
					Type:        "string",
					Description: "SQL SELECT query to execute",
				},
			},
			Required: []string{"query"},
		},
		Outputs: &tools.ParameterSchema{
			Type: "object",
			Properties: map[string]*tools.Property{
				"data":      {Type: "array", Description: "Rows keyed by column name"},
				"columns":   {Type: "array", Description: "Column names in result order"},
				"row_count": {Type: "integer", Description: "Number of rows returned"},
				"truncated": {Type: "boolean", Description: "Whether rows were dropped to honour the cap"},
			},
		},
	}
}

// CheckQuery rejects anything other than a single SELECT or WITH statement.
func CheckQuery(query string) error {
	q := strings.TrimSpace(query)
	if q == "" {
		return &errors.ValidationError{Field: "query", Message: "query is empty"}
	}
	if !readOnlySQL.MatchString(q) {
		return &errors.ValidationError{
			Field:      "query",
			Message:    "only SELECT queries are allowed",
			Suggestion: "rewrite the statement as a SELECT or WITH query",
		}
	}
	if m := dangerousSQL.FindString(q); m != "" {
		return &errors.ValidationError{
			Field:   "query",
			Message: fmt.Sprintf("query contains a disallowed operation: %s", strings.ToUpper(m)),
		}
	}
	if strings.Contains(strings.TrimSuffix(q, ";"), ";") {
		return &errors.ValidationError{Field: "query", Message: "multiple statements are not allowed"}
	}
	return nil
}

// Execute runs the query.
func (t *SQLTool) Execute(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
	query, _ := inputs["query"].(string)
	if err := CheckQuery(query); err != nil {
		return nil, err
	}

	rows, err := t.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sql execution failed: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}

	data := make([]interface{}, 0)
	truncated := false
	for rows.Next() {
		if len(data) >= t.maxRows {
			truncated = true
			break
		}
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = jsonValue(values[i])
		}
		data = append(data, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	cols := make([]interface{}, len(columns))
	for i, c := range columns {
		cols[i] = c
	}
	message := fmt.Sprintf("retrieved %d rows", len(data))
	if truncated {
		message += fmt.Sprintf(" (truncated to %d rows)", t.maxRows)
	}
	return map[string]interface{}{
		"data":      data,
		"columns":   cols,
		"row_count": len(data),
		"truncated": truncated,
		"message":   message,
	}, nil
}

func jsonValue(v interface{}) interface{} {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	default:
		return x
	}
}
