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
	"strings"
	"sync"
	"time"
)

// State is the lifecycle state of a session.
type State string

const (
	StateStarting         State = "starting"
	StateRunning          State = "running"
	StateStoppingGraceful State = "stopping_graceful"
	StateStoppingForced   State = "stopping_forced"
	StateStopped          State = "stopped"
	StateFailed           State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// Session is one supervised worker for one exam.
type Session struct {
	ExamID      string
	ID          string
	StudentID   string
	CameraIndex *int
	StartedAt   time.Time
	EvidenceDir string

	mu            sync.Mutex
	proc          Process
	state         State
	lastError     string
	stopRequested bool
	forced        bool
	abandoned     bool
	exitCode      *int
	warnings      []string

	ready        chan struct{} // closed once launch succeeded or failed
	readyOnce    sync.Once
	released     chan struct{} // closed once the registry entry is released
	releaseOnce  sync.Once
	settled      chan struct{} // closed once teardown has concluded
	settleOnce   sync.Once
	teardownOnce sync.Once
}

func newSession(examID, id string, now time.Time) *Session {
	return &Session{
		ExamID:    examID,
		ID:        id,
		StartedAt: now,
		state:     StateStarting,
		ready:     make(chan struct{}),
		released:  make(chan struct{}),
		settled:   make(chan struct{}),
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PID returns the worker's process id, or 0 before launch.
func (s *Session) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.PID()
}

// LastError returns the most recent failure reason.
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// Released is closed once the session no longer holds its registry entry.
func (s *Session) Released() <-chan struct{} {
	return s.released
}

// settle ends every wait on the teardown. An abandoned session settles
// before it is released.
func (s *Session) settle() {
	s.settleOnce.Do(func() { close(s.settled) })
}

// Abandoned reports whether teardown gave up on a worker that did not exit.
func (s *Session) Abandoned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abandoned
}

func (s *Session) attach(p Process) {
	s.mu.Lock()
	s.proc = p
	s.state = StateRunning
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *Session) launchFailed(reason string) {
	s.mu.Lock()
	s.state = StateFailed
	s.lastError = reason
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *Session) process() Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc
}

// requestStop records that a stop was asked for, so the coming exit is not
// reported as a crash.
func (s *Session) requestStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopRequested = true
	if !s.state.Terminal() {
		s.state = StateStoppingGraceful
	}
}

func (s *Session) markForced(warning string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forced = true
	if !s.state.Terminal() {
		s.state = StateStoppingForced
	}
	s.warnings = append(s.warnings, warning)
}

// fail records a fatal condition. Only the first call while non-terminal
// succeeds, and the failure survives the exit that follows.
func (s *Session) fail(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	s.state = StateFailed
	s.lastError = reason
	return true
}

func (s *Session) abandon(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abandoned = true
	s.warnings = append(s.warnings, reason)
	if s.state != StateFailed {
		s.state = StateFailed
		s.lastError = reason
	}
}

// exited records the exit code and settles the terminal state. It returns
// true when the exit is an unrequested crash.
func (s *Session) exited(code int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exitCode = &code
	if s.state == StateFailed {
		return false
	}
	if code != 0 && !s.stopRequested {
		s.state = StateFailed
		s.lastError = exitReason(code)
		return true
	}
	s.state = StateStopped
	return false
}

func (s *Session) outcome() stopOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return stopOutcome{
		forced:    s.forced,
		abandoned: s.abandoned,
		warning:   strings.Join(s.warnings, "; "),
	}
}

// Snapshot returns a consistent copy of the session's externally visible fields.
func (s *Session) Snapshot() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := SessionInfo{
		ExamID:    s.ExamID,
		SessionID: s.ID,
		StudentID: s.StudentID,
		State:     s.state,
		StartedAt: s.StartedAt,
		LastError: s.lastError,
		Forced:    s.forced,
	}
	if s.proc != nil {
		info.PID = s.proc.PID()
	}
	if s.exitCode != nil {
		code := *s.exitCode
		info.ExitCode = &code
	}
	return info
}

// SessionInfo is an immutable view of a session.
type SessionInfo struct {
	ExamID    string    `json:"examId"`
	SessionID string    `json:"sessionId"`
	StudentID string    `json:"studentId,omitempty"`
	PID       int       `json:"pid"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"startedAt"`
	LastError string    `json:"lastError,omitempty"`
	ExitCode  *int      `json:"exitCode,omitempty"`
	Forced    bool      `json:"forced"`
}

type stopOutcome struct {
	forced    bool
	abandoned bool
	warning   string
}
