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
	"fmt"
	"io"
	"os"

	pkgerrors "github.com/invigileye/invigil/pkg/errors"
)

// Exit codes for invigil commands
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitInvalidArgs = 2
	ExitConflict    = 3
	ExitNotFound    = 4
	ExitUnavailable = 69 // Daemon unreachable (EX_UNAVAILABLE from sysexits.h)
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

// NewInvalidArgsError creates an error for bad command-line input
func NewInvalidArgsError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitInvalidArgs,
		Message: msg,
		Cause:   cause,
	}
}

// NewUnavailableError creates an error for an unreachable daemon
func NewUnavailableError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitUnavailable,
		Message: msg,
		Cause:   cause,
	}
}

// ExitCode returns the process exit code for err.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var exitErr *ExitError
	if pkgerrors.As(err, &exitErr) {
		return exitErr.Code
	}

	var apiErr *APIError
	if pkgerrors.As(err, &apiErr) {
		switch apiErr.Code {
		case string(pkgerrors.KindInvalidArgument), "InvalidRequest":
			return ExitInvalidArgs
		case string(pkgerrors.KindAlreadyRunning):
			return ExitConflict
		case "NotFound":
			return ExitNotFound
		}
		if apiErr.StatusCode == 404 {
			return ExitNotFound
		}
		return ExitFailure
	}

	switch pkgerrors.KindOf(err) {
	case pkgerrors.KindInvalidArgument:
		return ExitInvalidArgs
	case pkgerrors.KindAlreadyRunning:
		return ExitConflict
	}

	return ExitFailure
}

// errorCode returns the machine-readable code reported in JSON error output.
func errorCode(err error) string {
	var apiErr *APIError
	if pkgerrors.As(err, &apiErr) && apiErr.Code != "" {
		return apiErr.Code
	}
	if kind := pkgerrors.KindOf(err); kind != "" {
		return string(kind)
	}
	if ExitCode(err) == ExitUnavailable {
		return "Unavailable"
	}
	return "Error"
}

// ReportError writes err for the user. In JSON mode it is an error envelope
// on out, otherwise a styled line on errOut.
func ReportError(out, errOut io.Writer, command string, err error) {
	if GetJSON() {
		_ = EmitJSONErrorTo(out, command, []JSONError{{
			Code:    errorCode(err),
			Message: err.Error(),
		}})
		return
	}
	fmt.Fprintln(errOut, RenderError("Error: "+err.Error()))
	if ExitCode(err) == ExitUnavailable {
		fmt.Fprintf(errOut, "\nSuggestion: start the daemon with 'invigil serve' or set %s\n", ServerURLEnv)
	}
}

// HandleExitError reports err and exits with the matching code
func HandleExitError(err error) {
	if err == nil {
		return
	}
	ReportError(os.Stdout, os.Stderr, "invigil", err)
	os.Exit(ExitCode(err))
}
