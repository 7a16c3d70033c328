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

// Package api provides the HTTP API for the daemon.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/invigileye/invigil/internal/backend"
	"github.com/invigileye/invigil/internal/daemon/httputil"
	"github.com/invigileye/invigil/internal/detection"
	"github.com/invigileye/invigil/internal/evidence"
	"github.com/invigileye/invigil/internal/log"
	"github.com/invigileye/invigil/internal/reconciler"
	"github.com/invigileye/invigil/internal/tracing"
)

// Detection is the session lifecycle the monitoring routes drive.
type Detection interface {
	Start(ctx context.Context, req detection.StartRequest) (*detection.StartResult, error)
	Stop(ctx context.Context, examID string, opts detection.StopOptions) (*detection.StopResult, error)
	Status(ctx context.Context, examID string) (*detection.Status, error)
	ListSnapshots(ctx context.Context, examID string) ([]evidence.Snapshot, error)
	SnapshotPath(ctx context.Context, examID, filename string) (string, error)
	CleanEvidence(ctx context.Context, examID string) error
	ActiveSessions() []string
	Sessions() []detection.SessionInfo
}

// EventSource provides subscriptions to session events.
type EventSource interface {
	Subscribe(buffer int) (<-chan detection.Event, func())
}

// Reconciler runs exam expiry passes on demand.
type Reconciler interface {
	RunOnce(ctx context.Context) (*reconciler.PassResult, error)
	LastPass() *reconciler.PassResult
}

// RouterConfig holds configuration for the API router.
type RouterConfig struct {
	Version   string
	Commit    string
	BuildDate string

	// RateLimit is the sustained requests/second allowed on control routes.
	// Zero disables limiting.
	RateLimit float64
	RateBurst int
}

// Dependencies are the services the router exposes. Nil services leave
// their routes unregistered.
type Dependencies struct {
	Detection  Detection
	Events     EventSource
	Reconciler Reconciler
	History    backend.SessionHistory
	Metrics    http.Handler
}

// Router wraps an http.ServeMux with correlation IDs and request logging.
type Router struct {
	mux       *http.ServeMux
	config    RouterConfig
	deps      Dependencies
	logger    *slog.Logger
	limiter   *RateLimiter
	startedAt time.Time

	// closing ends open event streams so server shutdown does not wait on them.
	closing   chan struct{}
	closeOnce sync.Once
}

// NewRouter creates a new HTTP router with all API endpoints.
func NewRouter(cfg RouterConfig, deps Dependencies, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:       http.NewServeMux(),
		config:    cfg,
		deps:      deps,
		logger:    log.WithComponent(logger, "api"),
		limiter:   NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		startedAt: time.Now(),
		closing:   make(chan struct{}),
	}

	r.mux.HandleFunc("GET /health", r.handleHealth)
	r.mux.HandleFunc("GET /version", r.handleVersion)

	if deps.Detection != nil {
		h := &monitoringHandler{detection: deps.Detection, logger: r.logger}
		h.RegisterRoutes(r.mux, r.limiter)
	}
	if deps.Events != nil {
		h := &eventsHandler{source: deps.Events, closing: r.closing, keepAlive: 15 * time.Second}
		h.RegisterRoutes(r.mux)
	}
	if deps.Reconciler != nil || deps.History != nil {
		h := &examsHandler{reconciler: deps.Reconciler, history: deps.History}
		h.RegisterRoutes(r.mux, r.limiter)
	}
	if deps.Metrics != nil {
		r.mux.Handle("GET /metrics", deps.Metrics)
	}

	r.mux.HandleFunc("/", r.handleNotFound)

	return r
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// Correlation runs first so the request log carries the ID.
	var handler http.Handler = r.mux
	handler = log.HTTPMiddleware(r.logger, handler)
	handler = tracing.CorrelationMiddleware(handler)
	handler.ServeHTTP(w, req)
}

// Mux returns the underlying ServeMux for registering additional routes.
func (r *Router) Mux() *http.ServeMux {
	return r.mux
}

// Close ends open event streams. Safe to call more than once.
func (r *Router) Close() {
	r.closeOnce.Do(func() { close(r.closing) })
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status         string                 `json:"status"`
	Version        string                 `json:"version"`
	Uptime         string                 `json:"uptime"`
	ActiveSessions []string               `json:"activeSessions"`
	LastReconcile  *reconciler.PassResult `json:"lastReconcile,omitempty"`
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	resp := HealthResponse{
		Status:         "ok",
		Version:        r.config.Version,
		Uptime:         time.Since(r.startedAt).Round(time.Second).String(),
		ActiveSessions: []string{},
	}
	if r.deps.Detection != nil {
		resp.ActiveSessions = r.deps.Detection.ActiveSessions()
	}
	if r.deps.Reconciler != nil {
		resp.LastReconcile = r.deps.Reconciler.LastPass()
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"version":    r.config.Version,
		"commit":     r.config.Commit,
		"build_date": r.config.BuildDate,
	})
}

func (r *Router) handleNotFound(w http.ResponseWriter, req *http.Request) {
	httputil.WriteError(w, http.StatusNotFound, httputil.CodeNotFound, "no route for "+req.Method+" "+req.URL.Path)
}
