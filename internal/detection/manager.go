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

package detection

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/invigileye/invigil/internal/backend"
	"github.com/invigileye/invigil/internal/evidence"
	"github.com/invigileye/invigil/internal/lifecycle"
	"github.com/invigileye/invigil/internal/log"
	pkgerrors "github.com/invigileye/invigil/pkg/errors"
)

const tracerName = "github.com/invigileye/invigil/internal/detection"

// Config contains manager configuration.
type Config struct {
	// StopTimeout is how long a graceful stop may take before the worker is killed.
	StopTimeout time.Duration

	// KillWait is how long to wait for exit after a forced stop.
	KillWait time.Duration

	// DrainTimeout bounds how long output is drained after exit.
	DrainTimeout time.Duration

	// FatalPatterns are output phrases that fail the session.
	FatalPatterns []string

	// Worker describes the worker command.
	Worker WorkerConfig
}

// StartRequest contains the parameters for starting detection.
type StartRequest struct {
	ExamID      string `json:"examId"`
	StudentID   string `json:"studentId,omitempty"`
	CameraIndex *int   `json:"cameraIndex,omitempty"`
}

// StartResult is returned once the worker has been spawned.
type StartResult struct {
	Success   bool   `json:"success"`
	ExamID    string `json:"examId"`
	SessionID string `json:"sessionId"`
	PID       int    `json:"pid"`
}

// StopOptions controls a stop.
type StopOptions struct {
	// Cleanup deletes the exam's evidence once the worker has exited.
	Cleanup bool
}

// StopResult describes how a stop ended.
type StopResult struct {
	Success   bool   `json:"success"`
	ExamID    string `json:"examId"`
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message"`
	Forced    bool   `json:"forced"`
	Cleaned   bool   `json:"cleaned"`
	Warning   string `json:"warning,omitempty"`
}

// Status describes the detection state of an exam.
type Status struct {
	ExamID        string     `json:"examId"`
	Running       bool       `json:"running"`
	SessionID     string     `json:"sessionId,omitempty"`
	PID           int        `json:"pid,omitempty"`
	State         State      `json:"state,omitempty"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
	EvidenceCount int        `json:"evidenceCount"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithLauncher replaces the process launcher.
func WithLauncher(l Launcher) Option {
	return func(m *Manager) { m.launcher = l }
}

// WithEventSink sets where session events are published.
func WithEventSink(sink EventSink) Option {
	return func(m *Manager) { m.events = sink }
}

// WithHistory records every session in a history store.
func WithHistory(h backend.SessionHistory) Option {
	return func(m *Manager) { m.history = h }
}

// WithWatcher reports snapshots of running sessions as events.
func WithWatcher(w *evidence.Watcher) Option {
	return func(m *Manager) { m.watcher = w }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = log.WithComponent(l, "detection") }
}

// WithTracer sets the tracer used for Start and Stop spans.
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) { m.tracer = t }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager starts, stops and reports on detection sessions.
type Manager struct {
	cfg      Config
	registry *Registry
	janitor  *evidence.Janitor
	launcher Launcher
	scanner  *FatalScanner
	events   EventSink
	history  backend.SessionHistory
	watcher  *evidence.Watcher
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// New creates a Manager. Zero durations take their defaults.
func New(cfg Config, janitor *evidence.Janitor, opts ...Option) *Manager {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	if cfg.KillWait <= 0 {
		cfg.KillWait = 5 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = time.Second
	}
	if cfg.FatalPatterns == nil {
		cfg.FatalPatterns = DefaultFatalPatterns
	}
	if cfg.Worker.EvidenceRoot == "" {
		cfg.Worker.EvidenceRoot = janitor.Root
	}

	m := &Manager{
		cfg:      cfg,
		registry: NewRegistry(),
		janitor:  janitor,
		launcher: NewSpawnerLauncher(),
		scanner:  NewFatalScanner(cfg.FatalPatterns),
		events:   discardSink{},
		logger:   log.WithComponent(slog.Default(), "detection"),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.watcher != nil {
		go m.forwardSnapshots(m.watcher.Events())
	}

	return m
}

// Start launches a worker for an exam. It returns as soon as the process is
// spawned, without waiting for the worker to become ready.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	req.ExamID = strings.TrimSpace(req.ExamID)

	ctx, span := m.tracer.Start(ctx, "detection.start",
		trace.WithAttributes(attribute.String("exam.id", req.ExamID)))
	defer span.End()

	if err := evidence.ValidateExamID(req.ExamID); err != nil {
		return nil, m.spanError(span, pkgerrors.NewSessionError(pkgerrors.KindInvalidArgument, req.ExamID, "examId is required", err))
	}

	s := newSession(req.ExamID, uuid.New().String(), m.now())
	s.StudentID = req.StudentID
	s.CameraIndex = req.CameraIndex
	if dir, err := m.janitor.Dir(req.ExamID); err == nil {
		s.EvidenceDir = dir
	}

	if !m.registry.TryRegister(s) {
		existing, _ := m.registry.Get(req.ExamID)
		msg := "detection already running"
		switch {
		case existing != nil && existing.Abandoned():
			msg = fmt.Sprintf("previous detection worker has not exited (pid %d)", existing.PID())
		case existing != nil && existing.PID() > 0:
			msg = fmt.Sprintf("detection already running (pid %d)", existing.PID())
		}
		return nil, m.spanError(span, pkgerrors.NewSessionError(pkgerrors.KindAlreadyRunning, req.ExamID, msg, nil))
	}
	activeSessions.Set(float64(m.registry.Len()))

	logger := log.WithSession(m.logger, s.ExamID, s.ID)

	cmd, err := m.cfg.Worker.Command(req)
	if err == nil {
		var proc Process
		proc, err = m.launcher.Launch(cmd)
		if err == nil {
			s.attach(proc)
		}
	}
	if err != nil {
		s.launchFailed(err.Error())
		m.release(s)
		recordFailure(string(pkgerrors.KindLaunchFailure))
		m.publish(s, Event{Type: EventError, Error: err.Error()})
		m.record(s, nil)
		logger.Error("failed to start detection worker", log.Error(err))
		return nil, m.spanError(span, pkgerrors.NewSessionError(pkgerrors.KindLaunchFailure, req.ExamID, "failed to start detection worker", err))
	}

	pid := s.PID()
	logger = logger.With(log.PIDKey, pid)
	span.SetAttributes(attribute.Int("process.pid", pid), attribute.String("session.id", s.ID))

	if _, err := m.janitor.EnsureDir(s.ExamID); err != nil {
		logger.Warn("failed to create evidence directory", log.Error(err))
	} else if err := lifecycle.NewMarkerFile(s.EvidenceDir).Write(pid); err != nil {
		logger.Warn("failed to write pid marker", log.Error(err))
	}
	if m.watcher != nil {
		if err := m.watcher.Add(s.ExamID); err != nil {
			logger.Warn("failed to watch evidence directory", log.Error(err))
		}
	}

	sessionsStarted.Inc()
	m.record(s, nil)
	m.publish(s, Event{Type: EventStarted, PID: pid})
	logger.Info("detection started", "camera", cameraAttr(req.CameraIndex))

	go m.observe(s, logger)

	return &StartResult{
		Success:   true,
		ExamID:    s.ExamID,
		SessionID: s.ID,
		PID:       pid,
	}, nil
}

// Stop ends the session of an exam. With no session it succeeds, and still
// deletes evidence when cleanup is requested. Concurrent calls share one
// teardown; each waits for the session to end or for its own ctx.
func (m *Manager) Stop(ctx context.Context, examID string, opts StopOptions) (*StopResult, error) {
	examID = strings.TrimSpace(examID)

	ctx, span := m.tracer.Start(ctx, "detection.stop",
		trace.WithAttributes(attribute.String("exam.id", examID), attribute.Bool("cleanup", opts.Cleanup)))
	defer span.End()

	if err := evidence.ValidateExamID(examID); err != nil {
		return nil, m.spanError(span, pkgerrors.NewSessionError(pkgerrors.KindInvalidArgument, examID, "examId is required", err))
	}

	result := &StopResult{Success: true, ExamID: examID}

	s, ok := m.registry.Get(examID)
	if !ok {
		result.Message = "nothing to stop"
		if opts.Cleanup {
			if err := m.janitor.Cleanup(examID); err != nil {
				return nil, m.spanError(span, err)
			}
			result.Cleaned = true
		}
		return result, nil
	}

	outcome, err := m.stopSession(ctx, s)
	if err != nil {
		return nil, m.spanError(span, err)
	}

	result.SessionID = s.ID
	result.Message = "detection stopped"
	result.Forced = outcome.forced
	result.Warning = outcome.warning
	span.SetAttributes(attribute.Bool("forced", outcome.forced))

	if opts.Cleanup {
		if outcome.abandoned {
			result.Warning = joinWarning(result.Warning, "evidence kept because the worker may still be writing")
			log.WithSession(m.logger, s.ExamID, s.ID).Warn("skipping evidence cleanup, worker did not exit")
		} else {
			if err := m.janitor.Cleanup(examID); err != nil {
				return nil, m.spanError(span, err)
			}
			result.Cleaned = true
		}
	}

	return result, nil
}

// Status reports the session of an exam, or running=false when there is none.
func (m *Manager) Status(ctx context.Context, examID string) (*Status, error) {
	examID = strings.TrimSpace(examID)
	if err := evidence.ValidateExamID(examID); err != nil {
		return nil, pkgerrors.NewSessionError(pkgerrors.KindInvalidArgument, examID, "examId is required", err)
	}

	st := &Status{
		ExamID:        examID,
		EvidenceCount: m.janitor.Count(examID),
	}

	s, ok := m.registry.Get(examID)
	if !ok {
		return st, nil
	}

	// A registered session counts as running until its entry is released,
	// including a failed session whose worker is still being stopped.
	info := s.Snapshot()
	st.Running = true
	st.SessionID = info.SessionID
	st.PID = info.PID
	st.State = info.State
	st.StartedAt = &info.StartedAt
	st.LastError = info.LastError
	return st, nil
}

// ListSnapshots returns an exam's evidence images, newest name first.
func (m *Manager) ListSnapshots(ctx context.Context, examID string) ([]evidence.Snapshot, error) {
	examID = strings.TrimSpace(examID)
	snapshots, err := m.janitor.List(examID)
	if errors.Is(err, evidence.ErrInvalidExamID) {
		return nil, pkgerrors.NewSessionError(pkgerrors.KindInvalidArgument, examID, "examId is required", err)
	}
	return snapshots, err
}

// SnapshotPath returns the file of one of an exam's snapshots.
func (m *Manager) SnapshotPath(ctx context.Context, examID, filename string) (string, error) {
	p, err := m.janitor.Path(strings.TrimSpace(examID), filename)
	switch {
	case err == nil:
		return p, nil
	case errors.Is(err, evidence.ErrInvalidExamID), errors.Is(err, evidence.ErrInvalidSnapshotName):
		return "", pkgerrors.NewSessionError(pkgerrors.KindInvalidArgument, examID, "invalid snapshot path", err)
	case errors.Is(err, evidence.ErrSnapshotNotFound):
		return "", &pkgerrors.NotFoundError{Resource: "snapshot", ID: examID + "/" + filename}
	default:
		return "", err
	}
}

// CleanEvidence deletes an exam's evidence. It refuses while a session is registered.
func (m *Manager) CleanEvidence(ctx context.Context, examID string) error {
	examID = strings.TrimSpace(examID)
	if err := evidence.ValidateExamID(examID); err != nil {
		return pkgerrors.NewSessionError(pkgerrors.KindInvalidArgument, examID, "examId is required", err)
	}
	if _, ok := m.registry.Get(examID); ok {
		return pkgerrors.NewSessionError(pkgerrors.KindAlreadyRunning, examID, "stop detection before deleting evidence", nil)
	}
	return m.janitor.Cleanup(examID)
}

// ActiveSessions returns the exam ids with a registered session, sorted.
func (m *Manager) ActiveSessions() []string {
	return m.registry.ListActiveIDs()
}

// Sessions returns a view of every registered session, sorted by exam id.
func (m *Manager) Sessions() []SessionInfo {
	ids := m.registry.ListActiveIDs()
	infos := make([]SessionInfo, 0, len(ids))
	for _, id := range ids {
		if s, ok := m.registry.Get(id); ok {
			infos = append(infos, s.Snapshot())
		}
	}
	return infos
}

// StopAll stops every session without deleting evidence.
func (m *Manager) StopAll(ctx context.Context) error {
	ids := m.registry.ListActiveIDs()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, id := range ids {
		wg.Add(1)
		go func(examID string) {
			defer wg.Done()
			if _, err := m.Stop(ctx, examID, StopOptions{}); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("stop %s: %w", examID, err))
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// stopSession drives the once-per-session teardown and waits for it to
// conclude. Except for an abandoned worker, the registry entry is released by then.
func (m *Manager) stopSession(ctx context.Context, s *Session) (stopOutcome, error) {
	s.teardownOnce.Do(func() {
		go m.teardown(s)
	})

	select {
	case <-s.settled:
		return s.outcome(), nil
	case <-ctx.Done():
		return stopOutcome{}, ctx.Err()
	}
}

// teardown escalates from a graceful stop to a forced one. It runs at most
// once per session, detached from any caller's context.
func (m *Manager) teardown(s *Session) {
	<-s.ready
	proc := s.process()
	if proc == nil {
		return
	}

	logger := log.WithSession(m.logger, s.ExamID, s.ID).With(log.PIDKey, proc.PID())

	select {
	case <-proc.Done():
		return
	default:
	}

	s.requestStop()
	logger.Info("stopping detection worker")
	if err := proc.RequestGracefulStop(); err != nil {
		logger.Warn("graceful stop request failed", log.Error(err))
	}

	timer := time.NewTimer(m.cfg.StopTimeout)
	select {
	case <-proc.Done():
		timer.Stop()
		recordStop("graceful")
		return
	case <-timer.C:
	}

	warning := fmt.Sprintf("worker did not stop within %s; forced kill issued", m.cfg.StopTimeout)
	if err := proc.ForceStop(); err != nil {
		warning = fmt.Sprintf("%s (%v)", warning, err)
	}
	s.markForced(warning)
	recordStop("forced")
	logger.Warn("graceful stop timed out, worker killed", "stop_timeout", m.cfg.StopTimeout)

	wait := time.NewTimer(m.cfg.KillWait)
	defer wait.Stop()
	select {
	case <-proc.Done():
		return
	case <-wait.C:
	}

	// The OS may already have removed the process while Wait has not returned yet.
	info, _ := lifecycle.GetProcessInfo(proc.PID())
	if !info.Running {
		select {
		case <-proc.Done():
			return
		case <-time.After(m.cfg.DrainTimeout):
		}
	}

	// The entry stays registered until the worker exits, so no second worker
	// can start for this exam meanwhile.
	reason := fmt.Sprintf("worker still running %s after forced kill", m.cfg.KillWait)
	s.abandon(reason)
	recordStop("abandoned")
	recordFailure(string(pkgerrors.KindTeardownWarning))
	logger.Error("abandoning detection worker", "reason", reason, "command", info.Command)
	m.publish(s, Event{Type: EventError, Error: reason})
	m.record(s, nil)
	s.settle()
}

// observe scans worker output and settles the session when the worker exits.
func (m *Manager) observe(s *Session, logger *slog.Logger) {
	proc := s.process()

	var wg sync.WaitGroup
	wg.Add(2)
	go m.scan(s, "stdout", proc.Stdout(), logger, &wg)
	go m.scan(s, "stderr", proc.Stderr(), logger, &wg)

	<-proc.Done()

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(m.cfg.DrainTimeout):
		logger.Debug("output not drained after exit, closing pipes")
	}
	proc.Release()

	code := proc.ExitCode()
	crashed := s.exited(code)
	m.release(s)

	if crashed {
		recordFailure(string(pkgerrors.KindRuntimeFailure))
		m.publish(s, Event{Type: EventError, Error: s.LastError()})
		logger.Error("detection worker exited unexpectedly", "exit_code", code)
	} else {
		logger.Info("detection worker exited", "exit_code", code, log.StateKey, s.State())
	}

	m.publish(s, Event{Type: EventStopped, Code: &code})
	m.record(s, &code)
}

// scan forwards each output line and fails the session on a fatal phrase.
// The pipe is drained to EOF even if scanning stops, so the worker never
// blocks on a full pipe.
func (m *Manager) scan(s *Session, stream string, r io.Reader, logger *slog.Logger, wg *sync.WaitGroup) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 2*maxOutputLine)
	scanner.Split(splitOutputLines)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		log.Trace(logger, "worker output", slog.String("stream", stream), slog.String("line", line))
		m.publish(s, Event{Type: EventOutput, Stream: stream, Data: line})

		if pattern, ok := m.scanner.Match(line); ok {
			m.onFatal(s, pattern, line, logger)
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		logger.Warn("worker output scan stopped, discarding the rest", slog.String("stream", stream), log.Error(err))
		_, _ = io.Copy(io.Discard, r)
	}
}

func (m *Manager) onFatal(s *Session, pattern, line string, logger *slog.Logger) {
	reason := strings.TrimSpace(line)
	if !s.fail(reason) {
		return
	}

	recordFailure(string(pkgerrors.KindRuntimeFailure))
	logger.Error("detection worker reported a fatal error", "pattern", pattern, "line", reason)
	m.publish(s, Event{Type: EventError, Error: reason})

	go func() {
		if _, err := m.stopSession(context.Background(), s); err != nil {
			logger.Warn("stop after fatal error failed", log.Error(err))
		}
	}()
}

// release gives up the registry entry exactly once.
func (m *Manager) release(s *Session) {
	s.releaseOnce.Do(func() {
		m.registry.RemoveIf(s.ExamID, s)
		if s.EvidenceDir != "" {
			if err := lifecycle.NewMarkerFile(s.EvidenceDir).Remove(); err != nil {
				m.logger.Debug("failed to remove pid marker", log.ExamIDKey, s.ExamID, log.Error(err))
			}
		}
		if m.watcher != nil {
			m.watcher.Remove(s.ExamID)
		}
		activeSessions.Set(float64(m.registry.Len()))
		close(s.released)
	})
	s.settle()
}

func (m *Manager) forwardSnapshots(events <-chan evidence.SnapshotEvent) {
	for ev := range events {
		snapshotsCaptured.Inc()
		e := Event{
			Type:     EventSnapshot,
			ExamID:   ev.ExamID,
			Time:     m.now(),
			Filename: ev.Snapshot.Filename,
			URL:      ev.Snapshot.URL,
		}
		if s, ok := m.registry.Get(ev.ExamID); ok {
			e.SessionID = s.ID
		}
		m.events.Publish(e)
	}
}

func (m *Manager) publish(s *Session, e Event) {
	e.ExamID = s.ExamID
	e.SessionID = s.ID
	e.Time = m.now()
	m.events.Publish(e)
}

// record writes the session's history row. Failures are logged only.
func (m *Manager) record(s *Session, code *int) {
	if m.history == nil {
		return
	}

	info := s.Snapshot()
	rec := &backend.SessionRecord{
		ID:        info.SessionID,
		ExamID:    info.ExamID,
		PID:       info.PID,
		State:     string(info.State),
		StartedAt: info.StartedAt,
		ExitCode:  code,
		LastError: info.LastError,
		Forced:    info.Forced,
	}
	if info.State.Terminal() {
		ended := m.now()
		rec.EndedAt = &ended
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.history.RecordSession(ctx, rec); err != nil {
		m.logger.Warn("failed to record session history", log.ExamIDKey, s.ExamID, log.Error(err))
	}
}

func (m *Manager) spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func exitReason(code int) string {
	if code < 0 {
		return "worker terminated by signal"
	}
	return fmt.Sprintf("worker exited with code %d", code)
}

func joinWarning(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}

func cameraAttr(idx *int) any {
	if idx == nil {
		return "default"
	}
	return *idx
}
