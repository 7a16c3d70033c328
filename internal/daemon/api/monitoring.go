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

package api

import (
	"log/slog"
	"net/http"

	"github.com/invigileye/invigil/internal/daemon/httputil"
	"github.com/invigileye/invigil/internal/detection"
	"github.com/invigileye/invigil/internal/evidence"
	"github.com/invigileye/invigil/internal/log"
)

// monitoringHandler serves the detection control and query routes.
type monitoringHandler struct {
	detection Detection
	logger    *slog.Logger
}

// StopRequest is the body of POST /api/monitoring/stop-detection.
type StopRequest struct {
	ExamID  string `json:"examId"`
	Cleanup bool   `json:"cleanup,omitempty"`
}

// SnapshotsResponse is the body of GET /api/monitoring/snapshots/{examId}.
type SnapshotsResponse struct {
	ExamID    string              `json:"examId"`
	Count     int                 `json:"count"`
	Snapshots []evidence.Snapshot `json:"snapshots"`
}

// SessionsResponse is the body of GET /api/monitoring/sessions.
type SessionsResponse struct {
	Sessions []string                `json:"sessions"`
	Count    int                     `json:"count"`
	Details  []detection.SessionInfo `json:"details"`
}

func (h *monitoringHandler) RegisterRoutes(mux *http.ServeMux, limiter *RateLimiter) {
	mux.HandleFunc("POST /api/monitoring/start-detection", limiter.Wrap(h.handleStart))
	mux.HandleFunc("POST /api/monitoring/stop-detection", limiter.Wrap(h.handleStop))
	mux.HandleFunc("GET /api/monitoring/status/{examId}", h.handleStatus)
	mux.HandleFunc("GET /api/monitoring/sessions", h.handleSessions)
	mux.HandleFunc("GET /api/monitoring/snapshots/{examId}", h.handleListSnapshots)
	mux.HandleFunc("DELETE /api/monitoring/snapshots/{examId}", limiter.Wrap(h.handleCleanSnapshots))
	mux.HandleFunc("GET /api/monitoring/snapshot/{examId}/{filename}", h.handleGetSnapshot)
}

func (h *monitoringHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req detection.StartRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, httputil.CodeInvalidRequest, err.Error())
		return
	}

	result, err := h.detection.Start(r.Context(), req)
	if err != nil {
		h.logger.Warn("start detection rejected", log.ExamIDKey, req.ExamID, log.Error(err))
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (h *monitoringHandler) handleStop(w http.ResponseWriter, r *http.Request) {
	var req StopRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, httputil.CodeInvalidRequest, err.Error())
		return
	}

	result, err := h.detection.Stop(r.Context(), req.ExamID, detection.StopOptions{Cleanup: req.Cleanup})
	if err != nil {
		h.logger.Warn("stop detection failed", log.ExamIDKey, req.ExamID, log.Error(err))
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (h *monitoringHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.detection.Status(r.Context(), r.PathValue("examId"))
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, status)
}

func (h *monitoringHandler) handleSessions(w http.ResponseWriter, r *http.Request) {
	ids := h.detection.ActiveSessions()
	httputil.WriteJSON(w, http.StatusOK, SessionsResponse{
		Sessions: ids,
		Count:    len(ids),
		Details:  h.detection.Sessions(),
	})
}

func (h *monitoringHandler) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	examID := r.PathValue("examId")
	snapshots, err := h.detection.ListSnapshots(r.Context(), examID)
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, SnapshotsResponse{
		ExamID:    examID,
		Count:     len(snapshots),
		Snapshots: snapshots,
	})
}

func (h *monitoringHandler) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	p, err := h.detection.SnapshotPath(r.Context(), r.PathValue("examId"), r.PathValue("filename"))
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	http.ServeFile(w, r, p)
}

func (h *monitoringHandler) handleCleanSnapshots(w http.ResponseWriter, r *http.Request) {
	examID := r.PathValue("examId")
	if err := h.detection.CleanEvidence(r.Context(), examID); err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"examId":  examID,
	})
}
