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

// Package reconciler completes exams whose end time has passed and stops
// their detection sessions.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/invigileye/invigil/internal/backend"
	"github.com/invigileye/invigil/internal/detection"
	"github.com/invigileye/invigil/internal/log"
	pkgerrors "github.com/invigileye/invigil/pkg/errors"
)

// DefaultInterval is the time between passes.
const DefaultInterval = time.Minute

// Stopper stops detection for an exam.
type Stopper interface {
	Stop(ctx context.Context, examID string, opts detection.StopOptions) (*detection.StopResult, error)
}

// Config contains reconciler configuration.
type Config struct {
	// Interval is the time between passes. Zero means DefaultInterval.
	Interval time.Duration

	// Location is the time zone exam dates and times are written in. Nil means local time.
	Location *time.Location
}

// PassResult summarizes one reconciliation pass.
type PassResult struct {
	Time    time.Time         `json:"time"`
	Expired []string          `json:"expired"`
	Stopped []string          `json:"stopped"`
	Failed  map[string]string `json:"failed,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// Reconciler runs the expiry pass on a ticker.
type Reconciler struct {
	interval time.Duration
	location *time.Location
	store    backend.ExamStore
	stopper  Stopper
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	// passMu serializes passes from the ticker and on-demand callers.
	passMu sync.Mutex

	mu       sync.RWMutex
	lastPass *PassResult
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a reconciler.
func New(cfg Config, store backend.ExamStore, stopper Stopper, logger *slog.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Reconciler{
		interval: cfg.Interval,
		location: cfg.Location,
		store:    store,
		stopper:  stopper,
		logger:   log.WithComponent(logger, "reconciler"),
		tracer:   otel.Tracer("github.com/invigileye/invigil/internal/reconciler"),
		now:      time.Now,
	}
}

// Start runs one pass immediately and then one per interval until Stop or
// ctx cancellation.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	go r.run(ctx)
}

// Stop halts the loop and waits for the current pass to finish.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	doneCh := r.doneCh
	r.mu.Unlock()

	<-doneCh
}

// run is the main reconciler loop.
func (r *Reconciler) run(ctx context.Context) {
	defer close(r.doneCh)

	r.tick(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	if _, err := r.RunOnce(ctx); err != nil {
		r.logger.Error("reconcile pass failed", log.Error(err))
	}
}

// RunOnce marks every expired exam completed and stops its detection with
// evidence cleanup. A store failure aborts the pass; a failed stop is
// recorded and the pass continues with the other exams. Running it again
// right away finds nothing.
func (r *Reconciler) RunOnce(ctx context.Context) (*PassResult, error) {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	ctx, span := r.tracer.Start(ctx, "reconciler.pass")
	defer span.End()

	now := r.now().In(r.location)
	result := &PassResult{Time: now, Expired: []string{}, Stopped: []string{}}

	fail := func(err error) (*PassResult, error) {
		result.Error = err.Error()
		r.setLastPass(result)
		recordPass("error")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}

	ids, err := r.store.FindExpired(ctx, now)
	if err != nil {
		return fail(pkgerrors.Wrap(err, "find expired exams"))
	}
	span.SetAttributes(attribute.Int("exams.expired", len(ids)))

	if len(ids) == 0 {
		r.setLastPass(result)
		recordPass("ok")
		return result, nil
	}

	if err := r.store.MarkCompleted(ctx, ids); err != nil {
		return fail(pkgerrors.Wrap(err, "mark exams completed"))
	}
	result.Expired = ids
	examsExpired.Add(float64(len(ids)))
	r.logger.Info("exams expired", "count", len(ids), "exam_ids", ids)

	result.Failed = r.stopAll(ctx, ids)
	for _, id := range ids {
		if _, failed := result.Failed[id]; !failed {
			result.Stopped = append(result.Stopped, id)
		}
	}
	if len(result.Failed) == 0 {
		result.Failed = nil
		recordPass("ok")
	} else {
		recordPass("partial")
	}

	r.setLastPass(result)
	return result, nil
}

// stopAll stops each exam concurrently. One exam's failure does not affect the others.
func (r *Reconciler) stopAll(ctx context.Context, ids []string) map[string]string {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed = make(map[string]string)
	)

	for _, id := range ids {
		wg.Add(1)
		go func(examID string) {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					mu.Lock()
					failed[examID] = fmt.Sprintf("panic: %v", p)
					mu.Unlock()
					r.logger.Error("panic stopping detection for expired exam", log.ExamIDKey, examID, "panic", p)
				}
			}()

			res, err := r.stopper.Stop(ctx, examID, detection.StopOptions{Cleanup: true})
			if err != nil {
				mu.Lock()
				failed[examID] = err.Error()
				mu.Unlock()
				r.logger.Error("failed to stop detection for expired exam", log.ExamIDKey, examID, log.Error(err))
				return
			}
			if res != nil && res.Warning != "" {
				r.logger.Warn("detection stopped with warning", log.ExamIDKey, examID, "warning", res.Warning)
			}
		}(id)
	}
	wg.Wait()

	return failed
}

// LastPass returns the result of the most recent pass, or nil before the first.
func (r *Reconciler) LastPass() *PassResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.lastPass == nil {
		return nil
	}
	cp := *r.lastPass
	cp.Expired = append([]string(nil), r.lastPass.Expired...)
	cp.Stopped = append([]string(nil), r.lastPass.Stopped...)
	if r.lastPass.Failed != nil {
		cp.Failed = make(map[string]string, len(r.lastPass.Failed))
		for k, v := range r.lastPass.Failed {
			cp.Failed[k] = v
		}
	}
	return &cp
}

func (r *Reconciler) setLastPass(p *PassResult) {
	sort.Strings(p.Stopped)
	r.mu.Lock()
	r.lastPass = p
	r.mu.Unlock()
}
