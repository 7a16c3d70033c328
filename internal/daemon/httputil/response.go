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

// Package httputil provides the JSON response helpers shared by API handlers.
package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	pkgerrors "github.com/invigileye/invigil/pkg/errors"
)

// MaxRequestBodySize bounds JSON request bodies.
const MaxRequestBodySize = 1 << 20

// Error codes for failures that do not come from a session error kind.
const (
	CodeInvalidRequest = "InvalidRequest"
	CodeNotFound       = "NotFound"
	CodeRateLimited    = "RateLimited"
	CodeInternal       = "Internal"
)

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to write JSON response", slog.Any("error", err))
	}
}

// WriteError writes a {success:false, error, code} response.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorResponse{Success: false, Error: message, Code: code})
}

// WriteErr maps err onto a status code and error code. Session errors use
// their kind, NotFoundError maps to 404, anything else is a 500.
func WriteErr(w http.ResponseWriter, err error) {
	if kind := pkgerrors.KindOf(err); kind != "" {
		WriteError(w, pkgerrors.HTTPStatus(kind), string(kind), err.Error())
		return
	}
	var nf *pkgerrors.NotFoundError
	if errors.As(err, &nf) {
		WriteError(w, http.StatusNotFound, CodeNotFound, err.Error())
		return
	}
	WriteError(w, http.StatusInternalServerError, CodeInternal, err.Error())
}

// DecodeJSON reads a JSON request body into v. An empty body leaves v
// unchanged.
func DecodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}
	if len(body) > MaxRequestBodySize {
		return fmt.Errorf("request body exceeds %d bytes", MaxRequestBodySize)
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
