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

package lifecycle

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// Command describes a worker process to launch.
type Command struct {
	// Path is the executable. It is resolved against PATH when it has no separator.
	Path string

	// Args are the arguments after the executable name.
	Args []string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Env is the complete environment. Nil inherits the spawner's environment.
	Env []string

	// MatchArgs is a run of adjacent arguments that identifies this worker
	// for the last-resort kill by command line. Empty disables it.
	MatchArgs []string

	// WindowTitle is the window title prefix used for the last-resort kill on windows.
	WindowTitle string
}

// Spawner launches attached worker processes.
type Spawner struct {
	// Env is the environment used when a Command has none.
	Env []string

	// Terminator implements graceful and forced stops.
	Terminator Terminator
}

// NewSpawner creates a spawner with the current environment and the
// platform's default terminator.
func NewSpawner() *Spawner {
	return &Spawner{
		Env:        os.Environ(),
		Terminator: DefaultTerminator(),
	}
}

// WithTerminator replaces the termination strategy.
func (s *Spawner) WithTerminator(t Terminator) *Spawner {
	s.Terminator = t
	return s
}

// Spawn starts the command without a shell. The process gets its own process
// group so ForceStop can reach its children. A non-nil error means the
// process never started.
func (s *Spawner) Spawn(c Command) (*Handle, error) {
	if c.Path == "" {
		return nil, errors.New("command path is required")
	}

	path, err := exec.LookPath(c.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", c.Path, err)
	}

	cmd := exec.Command(path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	if cmd.Env == nil {
		cmd.Env = s.Env
	}
	configureProcAttr(cmd)

	// os.Pipe rather than cmd.StdoutPipe: Wait must not close the read ends
	// while observers are still draining them.
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	// The child holds its own copies of the write ends.
	outW.Close()
	errW.Close()

	term := s.Terminator
	if term == nil {
		term = DefaultTerminator()
	}

	h := &Handle{
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		stdout: outR,
		stderr: errR,
		done:   make(chan struct{}),
		term:   term,
		target: Target{
			PID:         cmd.Process.Pid,
			Process:     cmd.Process,
			MatchArgs:   c.MatchArgs,
			WindowTitle: c.WindowTitle,
		},
	}
	go h.wait()

	return h, nil
}

// Handle is one spawned worker process.
type Handle struct {
	cmd    *exec.Cmd
	pid    int
	stdout *os.File
	stderr *os.File
	term   Terminator
	target Target

	done     chan struct{}
	exitCode int
	waitErr  error

	releaseOnce sync.Once
}

func (h *Handle) wait() {
	err := h.cmd.Wait()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		h.exitCode = 0
	case errors.As(err, &exitErr):
		h.exitCode = exitErr.ExitCode()
	default:
		h.exitCode = -1
		h.waitErr = err
	}
	close(h.done)
}

// PID returns the process identifier.
func (h *Handle) PID() int { return h.pid }

// Stdout returns the read end of the worker's stdout.
func (h *Handle) Stdout() io.Reader { return h.stdout }

// Stderr returns the read end of the worker's stderr.
func (h *Handle) Stderr() io.Reader { return h.stderr }

// Done is closed when the process has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// ExitCode returns the exit status once Done is closed. A process terminated
// by a signal reports -1.
func (h *Handle) ExitCode() int {
	<-h.done
	return h.exitCode
}

// Err returns a wait failure other than a non-zero exit, once Done is closed.
func (h *Handle) Err() error {
	<-h.done
	return h.waitErr
}

// Exited reports whether the process has exited without blocking.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// RequestGracefulStop asks the process to terminate and returns immediately.
// It is a no-op once the process has exited.
func (h *Handle) RequestGracefulStop() error {
	if h.Exited() {
		return nil
	}
	return h.term.RequestStop(h.target)
}

// ForceStop terminates the process unconditionally, including its group or
// tree and any process matching the command's identifying arguments.
func (h *Handle) ForceStop() error {
	return h.term.ForceStop(h.target)
}

// Release closes the read ends of the output pipes. Readers blocked on them
// return. Safe to call more than once.
func (h *Handle) Release() {
	h.releaseOnce.Do(func() {
		h.stdout.Close()
		h.stderr.Close()
	})
}
