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

package run

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// loadInputFile loads inputs from a JSON file, or from stdin for "-".
func loadInputFile(stdin io.Reader, path string) (map[string]interface{}, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		if f, ok := stdin.(*os.File); ok {
			if stat, statErr := f.Stat(); statErr == nil && stat.Mode()&os.ModeCharDevice != 0 {
				return nil, fmt.Errorf("--input-file - requires input on stdin (pipe or redirect)")
			}
		}
		data, err = io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read from stdin: %w", err)
		}
	} else {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}
	}

	var inputs map[string]interface{}
	if err := json.Unmarshal(data, &inputs); err != nil {
		return nil, fmt.Errorf("failed to parse JSON input: %w", err)
	}
	return inputs, nil
}

// parseInputs merges file inputs with key=value arguments, which win.
func parseInputs(stdin io.Reader, inputArgs []string, inputFile string) (map[string]interface{}, error) {
	inputs := make(map[string]interface{})
	if inputFile != "" {
		loaded, err := loadInputFile(stdin, inputFile)
		if err != nil {
			return nil, err
		}
		for k, v := range loaded {
			inputs[k] = v
		}
	}

	for _, arg := range inputArgs {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input format %q (expected key=value)", arg)
		}
		inputs[key] = value
	}
	return inputs, nil
}
