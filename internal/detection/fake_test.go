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
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/invigileye/invigil/internal/backend"
	"github.com/invigileye/invigil/internal/evidence"
	"github.com/invigileye/invigil/internal/lifecycle"
)

// fakeProcess is an in-memory worker. Output is written through pipes and
// stop requests exit it unless told to ignore them.
type fakeProcess struct {
	pid  int
	outR *io.PipeReader
	outW *io.PipeWriter
	errR *io.PipeReader
	errW *io.PipeWriter

	done     chan struct{}
	exitOnce sync.Once
	code     int

	ignoreTerm    bool
	ignoreKill    bool
	gracefulDelay time.Duration

	graceful atomic.Int32
	forced   atomic.Int32
}

func newFakeProcess(pid int) *fakeProcess {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	return &fakeProcess{
		pid:  pid,
		outR: outR,
		outW: outW,
		errR: errR,
		errW: errW,
		done: make(chan struct{}),
	}
}

func (p *fakeProcess) PID() int              { return p.pid }
func (p *fakeProcess) Stdout() io.Reader     { return p.outR }
func (p *fakeProcess) Stderr() io.Reader     { return p.errR }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) ExitCode() int {
	<-p.done
	return p.code
}

func (p *fakeProcess) RequestGracefulStop() error {
	p.graceful.Add(1)
	if p.ignoreTerm {
		return nil
	}
	if p.gracefulDelay > 0 {
		go func() {
			time.Sleep(p.gracefulDelay)
			p.exit(-1)
		}()
		return nil
	}
	p.exit(-1)
	return nil
}

func (p *fakeProcess) ForceStop() error {
	p.forced.Add(1)
	if !p.ignoreKill {
		p.exit(-1)
	}
	return nil
}

func (p *fakeProcess) Release() {
	p.outR.Close()
	p.errR.Close()
}

func (p *fakeProcess) exit(code int) {
	p.exitOnce.Do(func() {
		p.code = code
		p.outW.Close()
		p.errW.Close()
		close(p.done)
	})
}

func (p *fakeProcess) stdout(line string) {
	p.outW.Write([]byte(line + "\n"))
}

func (p *fakeProcess) stderr(line string) {
	p.errW.Write([]byte(line + "\n"))
}

type fakeLauncher struct {
	mu        sync.Mutex
	cmds      []lifecycle.Command
	procs     []*fakeProcess
	err       error
	configure func(*fakeProcess)
}

func (l *fakeLauncher) Launch(cmd lifecycle.Command) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cmds = append(l.cmds, cmd)
	if l.err != nil {
		return nil, l.err
	}
	p := newFakeProcess(1000 + len(l.procs))
	if l.configure != nil {
		l.configure(p)
	}
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) last() *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[len(l.procs)-1]
}

func (l *fakeLauncher) setErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

type fakeHistory struct {
	mu      sync.Mutex
	records []backend.SessionRecord
}

func (h *fakeHistory) RecordSession(_ context.Context, rec *backend.SessionRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, *rec)
	return nil
}

func (h *fakeHistory) ListSessions(_ context.Context, examID string, _ int) ([]*backend.SessionRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*backend.SessionRecord
	for i := range h.records {
		if h.records[i].ExamID == examID {
			rec := h.records[i]
			out = append(out, &rec)
		}
	}
	return out, nil
}

func (h *fakeHistory) snapshot() []backend.SessionRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]backend.SessionRecord(nil), h.records...)
}

type testEnv struct {
	manager  *Manager
	launcher *fakeLauncher
	janitor  *evidence.Janitor
	history  *fakeHistory
	events   <-chan Event
}

func newTestEnv(t *testing.T, tweak func(*Config)) *testEnv {
	t.Helper()

	root := t.TempDir()
	script := filepath.Join(t.TempDir(), DefaultScriptName)
	require.NoError(t, os.WriteFile(script, []byte("# worker\n"), 0o644))

	cfg := Config{
		StopTimeout:  50 * time.Millisecond,
		KillWait:     100 * time.Millisecond,
		DrainTimeout: 200 * time.Millisecond,
		Worker: WorkerConfig{
			Interpreter: "python3",
			Script:      script,
		},
	}
	if tweak != nil {
		tweak(&cfg)
	}

	hub := NewHub()
	events, unsub := hub.Subscribe(1000)
	t.Cleanup(unsub)

	env := &testEnv{
		launcher: &fakeLauncher{},
		janitor:  evidence.NewJanitor(root, "/api/monitoring/snapshot"),
		history:  &fakeHistory{},
		events:   events,
	}
	env.manager = New(cfg, env.janitor,
		WithLauncher(env.launcher),
		WithEventSink(hub),
		WithHistory(env.history),
	)
	return env
}

// waitEvent returns the first event of type typ, skipping others.
func (e *testEnv) waitEvent(t *testing.T, typ EventType) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-e.events:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
		}
	}
}

func (e *testEnv) writeEvidence(t *testing.T, examID string, names ...string) string {
	t.Helper()
	dir := filepath.Join(e.janitor.Root, examID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("img"), 0o644))
	}
	return dir
}
