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

package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/ragrunner/internal/backend"
	"github.com/tombee/ragrunner/internal/backend/backendtest"
)

// Set RAGRUNNER_TEST_POSTGRES_URL to a scratch database to run these tests.
// The executions and evaluations tables are truncated between cases.
func TestPostgresBackend(t *testing.T) {
	url := os.Getenv("RAGRUNNER_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("RAGRUNNER_TEST_POSTGRES_URL not set")
	}

	backendtest.Run(t, func(t *testing.T) backend.Backend {
		be, err := New(Config{ConnectionString: url, MaxOpenConns: 4})
		require.NoError(t, err)
		_, err = be.db.ExecContext(context.Background(), "TRUNCATE executions, evaluations")
		require.NoError(t, err)
		return be
	})
}
