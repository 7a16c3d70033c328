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
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func useServer(t *testing.T, h http.Handler) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	SetServerURLForTest(srv.URL)
	t.Cleanup(func() { SetServerURLForTest("") })
}

func TestServerURL_Precedence(t *testing.T) {
	t.Setenv(ServerURLEnv, "")
	SetServerURLForTest("")
	assert.Equal(t, DefaultServerURL, ServerURL())

	t.Setenv(ServerURLEnv, "http://10.0.0.5:5001/")
	assert.Equal(t, "http://10.0.0.5:5001", ServerURL())

	SetServerURLForTest("http://127.0.0.1:9000")
	defer SetServerURLForTest("")
	assert.Equal(t, "http://127.0.0.1:9000", ServerURL())
}

func TestBuildAPIURL_Params(t *testing.T) {
	SetServerURLForTest("http://127.0.0.1:5001")
	defer SetServerURLForTest("")

	got := BuildAPIURL("/api/monitoring/history/E1", map[string]string{"limit": "5"})
	assert.Equal(t, "http://127.0.0.1:5001/api/monitoring/history/E1?limit=5", got)
}

func TestAPISend_Success(t *testing.T) {
	var gotBody map[string]any
	var gotCorrelation string
	useServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		gotCorrelation = r.Header.Get("X-Correlation-ID")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"pid":42}`))
	}))

	var out struct {
		Success bool `json:"success"`
		PID     int  `json:"pid"`
	}
	err := APISend(context.Background(), http.MethodPost, "/api/monitoring/start-detection",
		map[string]string{"examId": "E1"}, &out)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, 42, out.PID)
	assert.Equal(t, "E1", gotBody["examId"])
	assert.Len(t, gotCorrelation, 36)
}

func TestMakeAPIRequest_ParsesErrorBody(t *testing.T) {
	useServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"success":false,"error":"detection already running","code":"AlreadyRunning"}`))
	}))

	_, err := MakeAPIRequest(context.Background(), http.MethodPost, BuildAPIURL("/x", nil), map[string]string{})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "AlreadyRunning", apiErr.Code)
	assert.Equal(t, "detection already running", apiErr.Message)
	assert.Equal(t, ExitConflict, ExitCode(err))
}

func TestMakeAPIRequest_PlainErrorBody(t *testing.T) {
	useServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))

	_, err := MakeAPIRequest(context.Background(), http.MethodGet, BuildAPIURL("/x", nil), nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "boom", apiErr.Message)
	assert.Empty(t, apiErr.Code)
	assert.Equal(t, ExitFailure, ExitCode(err))
}

func TestMakeAPIRequest_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	SetServerURLForTest(url)
	defer SetServerURLForTest("")

	_, err := MakeAPIRequest(context.Background(), http.MethodGet, BuildAPIURL("/health", nil), nil)
	require.Error(t, err)
	assert.Equal(t, ExitUnavailable, ExitCode(err))
}
