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

//go:build unix

package daemon

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invigileye/invigil/internal/config"
	"github.com/invigileye/invigil/internal/daemon/api"
	"github.com/invigileye/invigil/internal/detection"
	"github.com/invigileye/invigil/internal/lifecycle"
)

const workerScript = `trap 'exit 0' TERM
echo "monitoring exam $1"
while true; do sleep 0.1; done
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	script := filepath.Join(dir, "worker.sh")
	require.NoError(t, os.WriteFile(script, []byte(workerScript), 0o755))

	cfg := config.Default()
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Server.RateLimit = 0
	cfg.Database.Path = filepath.Join(dir, "data", "invigil.db")
	cfg.Evidence.Root = filepath.Join(dir, "snapshots")
	cfg.Worker.Interpreter = "/bin/sh"
	cfg.Worker.Script = script
	cfg.Reconciler.Enabled = false
	cfg.Detection.StopTimeout = 2 * time.Second
	cfg.Detection.KillWait = 2 * time.Second
	return cfg
}

func startDaemon(t *testing.T, cfg *config.Config) (*Daemon, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d, err := New(cfg, Options{Version: "test"}, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()

	select {
	case <-d.Ready():
	case err := <-errCh:
		t.Fatalf("daemon failed to start: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not become ready")
	}

	t.Cleanup(func() {
		cancel()
		d.Shutdown(context.Background())
	})
	return d, "http://" + d.Addr()
}

func postJSON(t *testing.T, url, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestDaemon_DetectionLifecycle(t *testing.T) {
	_, base := startDaemon(t, testConfig(t))

	resp, body := postJSON(t, base+"/api/monitoring/start-detection", `{"examId":"E1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var started detection.StartResult
	require.NoError(t, json.Unmarshal(body, &started))
	assert.True(t, started.Success)
	assert.Positive(t, started.PID)
	assert.NotEmpty(t, resp.Header.Get("X-Correlation-ID"))

	var status detection.Status
	require.Equal(t, http.StatusOK, getJSON(t, base+"/api/monitoring/status/E1", &status))
	assert.True(t, status.Running)
	assert.Equal(t, started.PID, status.PID)

	resp, _ = postJSON(t, base+"/api/monitoring/start-detection", `{"examId":"E1"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = postJSON(t, base+"/api/monitoring/stop-detection", `{"examId":"E1","cleanup":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var stopped detection.StopResult
	require.NoError(t, json.Unmarshal(body, &stopped))
	assert.Equal(t, "detection stopped", stopped.Message)
	assert.True(t, stopped.Cleaned)
	assert.False(t, stopped.Forced)
	assert.False(t, lifecycle.IsProcessRunning(started.PID))

	status = detection.Status{}
	require.Equal(t, http.StatusOK, getJSON(t, base+"/api/monitoring/status/E1", &status))
	assert.False(t, status.Running)

	require.Eventually(t, func() bool {
		var history api.HistoryResponse
		getJSON(t, base+"/api/monitoring/history/E1", &history)
		return len(history.Sessions) == 1 && history.Sessions[0].EndedAt != nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDaemon_HealthAndMetrics(t *testing.T) {
	_, base := startDaemon(t, testConfig(t))

	var health api.HealthResponse
	require.Equal(t, http.StatusOK, getJSON(t, base+"/health", &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "test", health.Version)
	assert.Empty(t, health.ActiveSessions)

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "invigil_event_subscribers")
}

func TestDaemon_ShutdownStopsSessions(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d, err := New(testConfig(t), Options{Version: "test"}, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)
	<-d.Ready()

	result, err := d.Manager().Start(ctx, detection.StartRequest{ExamID: "E7"})
	require.NoError(t, err)
	require.True(t, lifecycle.IsProcessRunning(result.PID))

	require.NoError(t, d.Shutdown(context.Background()))
	assert.False(t, lifecycle.IsProcessRunning(result.PID))
	assert.Empty(t, d.Manager().ActiveSessions())

	// Evidence is kept on shutdown.
	_, err = os.Stat(filepath.Join(d.cfg.Evidence.Root, "E7"))
	assert.NoError(t, err)

	assert.NoError(t, d.Shutdown(context.Background()))
	assert.Error(t, d.Start(ctx))
}

func TestDaemon_ShutdownWithoutStart(t *testing.T) {
	d, err := New(testConfig(t), Options{}, nil)
	require.NoError(t, err)
	assert.NoError(t, d.Shutdown(context.Background()))
}
