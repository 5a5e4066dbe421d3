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

package builtin

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/tombee/ragrunner/pkg/errors"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE orders (id INTEGER PRIMARY KEY, customer TEXT, total REAL)`)
	require.NoError(t, err)
	for i, c := range []string{"ada", "grace", "linus", "ken"} {
		_, err = db.Exec(`INSERT INTO orders (id, customer, total) VALUES (?, ?, ?)`, i+1, c, float64(i)*10.5)
		require.NoError(t, err)
	}
	return db
}

func TestCheckQuery(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		wantErr bool
	}{
		{"select", "SELECT * FROM orders", false},
		{"lowercase select", "  select id from orders;", false},
		{"cte", "WITH t AS (SELECT 1 AS x) SELECT x FROM t", false},
		{"empty", "   ", true},
		{"insert", "INSERT INTO orders VALUES (9, 'x', 1)", true},
		{"drop in select", "SELECT 1; DROP TABLE orders", true},
		{"update subquery", "SELECT * FROM (UPDATE orders SET total = 0)", true},
		{"pragma", "PRAGMA table_info(orders)", true},
		{"stacked selects", "SELECT 1; SELECT 2", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckQuery(tt.query)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var verr *errors.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, "query", verr.Field)
		})
	}
}

func TestSQLTool_Execute(t *testing.T) {
	tool := NewSQLTool(openTestDB(t))

	out, err := tool.Execute(context.Background(), map[string]interface{}{
		"query": "SELECT id, customer FROM orders ORDER BY id",
	})
	require.NoError(t, err)

	assert.Equal(t, 4, out["row_count"])
	assert.Equal(t, false, out["truncated"])
	assert.Equal(t, []interface{}{"id", "customer"}, out["columns"])

	rows := out["data"].([]interface{})
	first := rows[0].(map[string]interface{})
	assert.EqualValues(t, 1, first["id"])
	assert.Equal(t, "ada", first["customer"])
}

func TestSQLTool_TruncatesRows(t *testing.T) {
	tool := NewSQLTool(openTestDB(t)).WithMaxRows(2)

	out, err := tool.Execute(context.Background(), map[string]interface{}{
		"query": "SELECT customer FROM orders",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, out["row_count"])
	assert.Equal(t, true, out["truncated"])
	assert.Contains(t, out["message"], "truncated to 2 rows")
}

func TestSQLTool_RejectsWrites(t *testing.T) {
	db := openTestDB(t)
	tool := NewSQLTool(db)

	_, err := tool.Execute(context.Background(), map[string]interface{}{
		"query": "DELETE FROM orders",
	})
	require.Error(t, err)

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM orders").Scan(&n))
	assert.Equal(t, 4, n)
}

func TestSQLTool_QueryError(t *testing.T) {
	tool := NewSQLTool(openTestDB(t))
	_, err := tool.Execute(context.Background(), map[string]interface{}{
		"query": "SELECT nope FROM missing_table",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sql execution failed")
}
