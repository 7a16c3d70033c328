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

// Package daemon wires the detection manager, exam store, reconciler and
// HTTP API into the invigil background service.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/invigileye/invigil/internal/backend/sqlite"
	"github.com/invigileye/invigil/internal/config"
	"github.com/invigileye/invigil/internal/daemon/api"
	"github.com/invigileye/invigil/internal/detection"
	"github.com/invigileye/invigil/internal/evidence"
	internallog "github.com/invigileye/invigil/internal/log"
	"github.com/invigileye/invigil/internal/reconciler"
	"github.com/invigileye/invigil/internal/tracing"
)

// Options contains daemon options set at build time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon is the invigil background service.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	store      *sqlite.Backend
	janitor    *evidence.Janitor
	watcher    *evidence.Watcher
	hub        *detection.Hub
	manager    *detection.Manager
	reconciler *reconciler.Reconciler
	tracing    *tracing.Provider

	router *api.Router
	server *http.Server
	ln     net.Listener
	ready  chan struct{}

	mu      sync.Mutex
	started bool
	closed  bool
}

// New creates a daemon and opens its store. Nothing runs until Start.
func New(cfg *config.Config, opts Options, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = internallog.WithComponent(logger, "daemon")

	tp, err := tracing.New(context.Background(), tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    "invigil",
		ServiceVersion: opts.Version,
		Exporter:       cfg.Tracing.Exporter,
		Endpoint:       cfg.Tracing.Endpoint,
		SampleRatio:    cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	store, err := sqlite.New(sqlite.Config{Path: cfg.Database.Path, WAL: cfg.Database.WAL})
	if err != nil {
		return nil, fmt.Errorf("failed to open exam store: %w", err)
	}

	if err := os.MkdirAll(cfg.Evidence.Root, 0o755); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create evidence root: %w", err)
	}
	janitor := evidence.NewJanitor(cfg.Evidence.Root, cfg.Evidence.URLPrefix)

	hub := detection.NewHub()
	managerOpts := []detection.Option{
		detection.WithEventSink(hub),
		detection.WithHistory(store),
		detection.WithLogger(logger),
	}

	var watcher *evidence.Watcher
	if cfg.Evidence.Watch {
		watcher, err = evidence.NewWatcher(janitor, logger)
		if err != nil {
			// Snapshot events are a convenience; detection works without them.
			logger.Warn("evidence watcher unavailable", internallog.Error(err))
			watcher = nil
		} else {
			managerOpts = append(managerOpts, detection.WithWatcher(watcher))
		}
	}

	manager := detection.New(detection.Config{
		StopTimeout:   cfg.Detection.StopTimeout,
		KillWait:      cfg.Detection.KillWait,
		FatalPatterns: cfg.Detection.FatalPatterns,
		Worker: detection.WorkerConfig{
			Interpreter:  cfg.Worker.Interpreter,
			Script:       cfg.Worker.Script,
			Dir:          cfg.Worker.Dir,
			WindowTitle:  cfg.Worker.WindowTitle,
			Env:          cfg.Worker.Env,
			EvidenceRoot: cfg.Evidence.Root,
		},
	}, janitor, managerOpts...)

	location, err := cfg.Reconciler.Location()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("invalid reconciler timezone: %w", err)
	}
	rec := reconciler.New(reconciler.Config{
		Interval: cfg.Reconciler.Interval,
		Location: location,
	}, store, manager, logger)

	return &Daemon{
		cfg:        cfg,
		opts:       opts,
		logger:     logger,
		store:      store,
		janitor:    janitor,
		watcher:    watcher,
		hub:        hub,
		manager:    manager,
		reconciler: rec,
		tracing:    tp,
		ready:      make(chan struct{}),
	}, nil
}

// Manager returns the detection manager.
func (d *Daemon) Manager() *detection.Manager {
	return d.manager
}

// Ready is closed once the API listener is bound.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Addr returns the bound API address, or "" before Start has listened.
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ln == nil {
		return ""
	}
	return d.ln.Addr().String()
}

// Start binds the API and runs the background loops. It blocks until ctx
// is cancelled or the server fails.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started || d.closed {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true

	ln, err := net.Listen("tcp", d.cfg.Server.Listen)
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", d.cfg.Server.Listen, err)
	}
	d.ln = ln

	d.router = api.NewRouter(api.RouterConfig{
		Version:   d.opts.Version,
		Commit:    d.opts.Commit,
		BuildDate: d.opts.BuildDate,
		RateLimit: d.cfg.Server.RateLimit,
		RateBurst: d.cfg.Server.RateBurst,
	}, api.Dependencies{
		Detection:  d.manager,
		Events:     d.hub,
		Reconciler: d.reconciler,
		History:    d.store,
		Metrics:    newMetricsHandler(d.hub),
	}, d.logger)

	// No WriteTimeout: the event stream stays open.
	d.server = &http.Server{
		Handler:           d.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	d.mu.Unlock()

	if d.watcher != nil {
		d.watcher.Start(ctx)
	}
	if d.cfg.Reconciler.Enabled {
		d.reconciler.Start(ctx)
		d.logger.Info("reconciler started", slog.Duration("interval", d.cfg.Reconciler.Interval))
	}

	d.logger.Info("invigil starting",
		slog.String("version", d.opts.Version),
		slog.String("listen_addr", ln.Addr().String()),
		slog.String("evidence_root", d.cfg.Evidence.Root))
	close(d.ready)

	errCh := make(chan error, 1)
	go func() {
		if err := d.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops accepting requests, stops every running session without
// deleting evidence, and closes the store. A closed daemon cannot be restarted.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	active := d.manager.ActiveSessions()
	d.logger.Info("graceful shutdown initiated", slog.Int("active_sessions", len(active)))

	if d.router != nil {
		d.router.Close()
	}
	if d.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, d.cfg.Server.ShutdownTimeout)
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("HTTP server shutdown error", internallog.Error(err))
		}
		cancel()
	}

	// Both are no-ops when Start never ran.
	d.reconciler.Stop()

	stopCtx, cancel := context.WithTimeout(ctx, d.cfg.Server.ShutdownTimeout)
	if err := d.manager.StopAll(stopCtx); err != nil {
		d.logger.Error("failed to stop detection sessions", internallog.Error(err))
	}
	cancel()

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.logger.Warn("evidence watcher shutdown error", internallog.Error(err))
		}
	}

	traceCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := d.tracing.Shutdown(traceCtx); err != nil {
		d.logger.Error("OpenTelemetry provider shutdown error", internallog.Error(err))
	}
	cancel()

	if err := d.store.Close(); err != nil {
		d.logger.Error("failed to close exam store", internallog.Error(err))
	}

	d.logger.Info("daemon stopped")
	return nil
}
