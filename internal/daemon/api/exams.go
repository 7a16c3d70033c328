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
	"net/http"
	"strconv"

	"github.com/invigileye/invigil/internal/backend"
	"github.com/invigileye/invigil/internal/daemon/httputil"
	"github.com/invigileye/invigil/internal/evidence"
)

const defaultHistoryLimit = 50

// examsHandler serves exam reconciliation and session history.
type examsHandler struct {
	reconciler Reconciler
	history    backend.SessionHistory
}

// HistoryResponse is the body of GET /api/monitoring/history/{examId}.
type HistoryResponse struct {
	ExamID   string                   `json:"examId"`
	Sessions []*backend.SessionRecord `json:"sessions"`
}

func (h *examsHandler) RegisterRoutes(mux *http.ServeMux, limiter *RateLimiter) {
	if h.reconciler != nil {
		mux.HandleFunc("POST /api/exams/reconcile", limiter.Wrap(h.handleReconcile))
	}
	if h.history != nil {
		mux.HandleFunc("GET /api/monitoring/history/{examId}", h.handleHistory)
	}
}

// handleReconcile runs one expiry pass and returns its result. A pass that
// failed at the store is a 500 carrying the partial result's error.
func (h *examsHandler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	result, err := h.reconciler.RunOnce(r.Context())
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (h *examsHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	examID := r.PathValue("examId")
	if err := evidence.ValidateExamID(examID); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, httputil.CodeInvalidRequest, err.Error())
		return
	}

	limit := defaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			httputil.WriteError(w, http.StatusBadRequest, httputil.CodeInvalidRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	records, err := h.history.ListSessions(r.Context(), examID, limit)
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	if records == nil {
		records = []*backend.SessionRecord{}
	}
	httputil.WriteJSON(w, http.StatusOK, HistoryResponse{ExamID: examID, Sessions: records})
}
