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


package detect

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invigileye/invigil/internal/commands/shared"
	"github.com/invigileye/invigil/internal/daemon/api"
	"github.com/invigileye/invigil/internal/detection"
)

type fakeDaemon struct {
	mu       sync.Mutex
	startReq detection.StartRequest
	stopReq  api.StopRequest
	running  map[string]bool
}

func newFakeDaemon(t *testing.T) *fakeDaemon {
	t.Helper()
	f := &fakeDaemon{running: map[string]bool{}}
	mux := http.NewServeMux()
	lock := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			f.mu.Lock()
			defer f.mu.Unlock()
			h(w, r)
		}
	}
	mux.HandleFunc("POST /api/monitoring/start-detection", lock(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&f.startReq))
		if f.running[f.startReq.ExamID] {
			writeJSON(w, http.StatusConflict, map[string]any{"success": false, "error": "detection already running", "code": "AlreadyRunning"})
			return
		}
		f.running[f.startReq.ExamID] = true
		writeJSON(w, http.StatusOK, detection.StartResult{Success: true, ExamID: f.startReq.ExamID, SessionID: "s-1", PID: 4242})
	}))
	mux.HandleFunc("POST /api/monitoring/stop-detection", lock(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&f.stopReq))
		delete(f.running, f.stopReq.ExamID)
		writeJSON(w, http.StatusOK, detection.StopResult{
			Success: true, ExamID: f.stopReq.ExamID, Message: "Detection stopped",
			Forced: true, Warning: "worker did not exit in time", Cleaned: f.stopReq.Cleanup,
		})
	}))
	mux.HandleFunc("GET /api/monitoring/status/{examId}", lock(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("examId")
		st := detection.Status{ExamID: id, EvidenceCount: 2}
		if f.running[id] {
			started := time.Now().Add(-time.Minute)
			st.Running, st.State, st.PID, st.SessionID, st.StartedAt = true, detection.StateRunning, 4242, "s-1", &started
		}
		writeJSON(w, http.StatusOK, st)
	}))
	mux.HandleFunc("GET /api/monitoring/sessions", lock(func(w http.ResponseWriter, r *http.Request) {
		resp := api.SessionsResponse{Sessions: []string{}, Details: []detection.SessionInfo{}}
		for id := range f.running {
			resp.Sessions = append(resp.Sessions, id)
			resp.Details = append(resp.Details, detection.SessionInfo{ExamID: id, SessionID: "s-1", PID: 4242, State: detection.StateRunning, StartedAt: time.Now()})
		}
		resp.Count = len(resp.Sessions)
		writeJSON(w, http.StatusOK, resp)
	}))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	shared.SetServerURLForTest(srv.URL)
	t.Cleanup(func() { shared.SetServerURLForTest("") })
	return f
}

func (f *fakeDaemon) setRunning(examID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[examID] = true
}

func (f *fakeDaemon) lastStart() detection.StartRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startReq
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestStart_SendsRequest(t *testing.T) {
	f := newFakeDaemon(t)

	out, err := run(t, "start", "EXAM-1", "--camera", "1", "--student", "S-42")
	require.NoError(t, err)

	req := f.lastStart()
	assert.Equal(t, "EXAM-1", req.ExamID)
	assert.Equal(t, "S-42", req.StudentID)
	require.NotNil(t, req.CameraIndex)
	assert.Equal(t, 1, *req.CameraIndex)
	assert.Contains(t, out, "Detection started for EXAM-1")
	assert.Contains(t, out, "4242")
}

func TestStart_CameraOmittedWhenUnset(t *testing.T) {
	f := newFakeDaemon(t)

	_, err := run(t, "start", "EXAM-1")
	require.NoError(t, err)
	assert.Nil(t, f.lastStart().CameraIndex)
}

func TestStart_NegativeCamera(t *testing.T) {
	newFakeDaemon(t)

	_, err := run(t, "start", "EXAM-1", "--camera", "-1")
	assert.Equal(t, shared.ExitInvalidArgs, shared.ExitCode(err))
}

func TestStart_AlreadyRunning(t *testing.T) {
	newFakeDaemon(t)

	_, err := run(t, "start", "EXAM-1")
	require.NoError(t, err)
	_, err = run(t, "start", "EXAM-1")
	require.Error(t, err)
	assert.Equal(t, shared.ExitConflict, shared.ExitCode(err))
}

func TestStop_WithCleanup(t *testing.T) {
	f := newFakeDaemon(t)
	f.setRunning("EXAM-1")

	out, err := run(t, "stop", "EXAM-1", "--cleanup")
	require.NoError(t, err)

	f.mu.Lock()
	assert.Equal(t, api.StopRequest{ExamID: "EXAM-1", Cleanup: true}, f.stopReq)
	f.mu.Unlock()
	assert.Contains(t, out, "Detection stopped")
	assert.Contains(t, out, "worker did not exit in time")
	assert.Contains(t, out, "Evidence removed")
}

func TestStatus_RunningAndIdle(t *testing.T) {
	f := newFakeDaemon(t)
	f.setRunning("EXAM-1")

	out, err := run(t, "status", "EXAM-1")
	require.NoError(t, err)
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "4242")

	out, err = run(t, "status", "EXAM-2")
	require.NoError(t, err)
	assert.Contains(t, out, "not running")
	assert.NotContains(t, out, "4242")
}

func TestStatus_JSON(t *testing.T) {
	f := newFakeDaemon(t)
	f.setRunning("EXAM-1")
	shared.SetJSONForTest(true)
	defer shared.SetJSONForTest(false)

	out, err := run(t, "status", "EXAM-1")
	require.NoError(t, err)

	var st detection.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.True(t, st.Running)
	assert.Equal(t, 4242, st.PID)
	assert.Equal(t, 2, st.EvidenceCount)
}

func TestList(t *testing.T) {
	f := newFakeDaemon(t)

	out, err := run(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No detection sessions running")

	f.setRunning("EXAM-1")
	out, err = run(t, "ls")
	require.NoError(t, err)
	assert.Contains(t, out, "EXAM-1")
	assert.Contains(t, out, "running")
}

func TestArgsValidated(t *testing.T) {
	_, err := run(t, "start")
	assert.Error(t, err)
	_, err = run(t, "list", "extra")
	assert.Error(t, err)
}
