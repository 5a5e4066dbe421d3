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

package shared

import (
	"errors"
	"fmt"
	"io"
	"os"

	pkgerrors "github.com/tombee/ragrunner/pkg/errors"
	"github.com/tombee/ragrunner/pkg/workflow"
)

// Process exit codes.
const (
	ExitSuccess         = 0
	ExitExecutionFailed = 1
	ExitInvalidSpec     = 2
	ExitConfigError     = 3
	ExitBudgetExceeded  = 4
	ExitEvalFailed      = 5
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewExecutionError creates an error for execution failures.
func NewExecutionError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitExecutionFailed, Message: msg, Cause: cause}
}

// NewInvalidSpecError creates an error for specs that fail to load.
func NewInvalidSpecError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitInvalidSpec, Message: msg, Cause: cause}
}

// NewConfigError creates an error for unusable configuration.
func NewConfigError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitConfigError, Message: msg, Cause: cause}
}

// NewEvalFailedError creates an error for suites with failing cases.
func NewEvalFailedError(msg string) *ExitError {
	return &ExitError{Code: ExitEvalFailed, Message: msg}
}

// ExitCodeForStatus maps a terminal execution status to an exit code.
func ExitCodeForStatus(status workflow.Status) int {
	switch status {
	case workflow.StatusCompleted:
		return ExitSuccess
	case workflow.StatusBudgetExceeded:
		return ExitBudgetExceeded
	default:
		return ExitExecutionFailed
	}
}

// HandleExitError prints err and exits with its code, or with
// ExitExecutionFailed when it carries none.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	os.Exit(reportError(os.Stderr, err))
}

func reportError(w io.Writer, err error) int {
	fmt.Fprintln(w, "Error:", err.Error())

	var cfgErr *pkgerrors.ConfigError
	if errors.As(err, &cfgErr) {
		fmt.Fprintf(w, "\nSuggestion: check %s in the config file or its RAGRUNNER_* environment override\n", cfgErr.Key)
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitExecutionFailed
}
