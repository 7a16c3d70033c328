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

package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a detection session failure.
type Kind string

const (
	// KindInvalidArgument means a required identifier was missing or malformed.
	// Rejected before any side effect.
	KindInvalidArgument Kind = "InvalidArgument"

	// KindAlreadyRunning means a session is already registered for the exam.
	KindAlreadyRunning Kind = "AlreadyRunning"

	// KindLaunchFailure means the worker process could not be spawned.
	KindLaunchFailure Kind = "LaunchFailure"

	// KindRuntimeFailure means the worker reported a fatal condition or
	// exited non-zero on its own.
	KindRuntimeFailure Kind = "RuntimeFailure"

	// KindTeardownWarning means graceful stop timed out and a forced kill
	// was attempted. The session still ends.
	KindTeardownWarning Kind = "TeardownWarning"
)

// SessionError is the error type returned at the session lifecycle boundary.
type SessionError struct {
	// Kind is the failure category
	Kind Kind

	// ExamID is the exam the session belongs to
	ExamID string

	// Message is the human-readable description
	Message string

	// Cause is the underlying error, if any
	Cause error
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	msg := string(e.Kind)
	if e.ExamID != "" {
		msg = fmt.Sprintf("%s (exam %s)", msg, e.ExamID)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *SessionError) Unwrap() error {
	return e.Cause
}

// Is matches another *SessionError with the same Kind, so callers can write
// errors.Is(err, &SessionError{Kind: KindAlreadyRunning}).
func (e *SessionError) Is(target error) bool {
	t, ok := target.(*SessionError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewSessionError creates a SessionError of the given kind.
func NewSessionError(kind Kind, examID, message string, cause error) *SessionError {
	return &SessionError{
		Kind:    kind,
		ExamID:  examID,
		Message: message,
		Cause:   cause,
	}
}

// KindOf returns the Kind of the first SessionError in err's tree, or an
// empty Kind if there is none.
func KindOf(err error) Kind {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// HTTPStatus maps a Kind to the status code the API returns for it.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindAlreadyRunning:
		return http.StatusConflict
	case KindLaunchFailure, KindRuntimeFailure:
		return http.StatusInternalServerError
	case KindTeardownWarning:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "exam", "session")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "worker.script")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}
