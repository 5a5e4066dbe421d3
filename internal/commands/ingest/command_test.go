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

package ingest

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/ragrunner/internal/commands/commandtest"
)

func TestIngest(t *testing.T) {
	env := commandtest.New(t)
	path := env.Write(t, "upload/faq.yaml", "- id: refunds\n  text: Refunds take five days.\n- id: shipping\n  text: Shipping is free over fifty dollars.\n")

	out, err := env.Execute(t, NewCommand(), "ingest", path, "--json")
	require.NoError(t, err)

	var res Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Documents)
	assert.Equal(t, 2, res.Chunks)
	assert.Equal(t, []string{"kb"}, res.Stores)
}

func TestIngest_MissingPath(t *testing.T) {
	env := commandtest.New(t)
	_, err := env.Execute(t, NewCommand(), "ingest", env.Root+"/nothing")
	assert.Error(t, err)
}
