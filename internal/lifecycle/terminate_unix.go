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

package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// configureProcAttr puts the worker in its own process group (pgid == pid).
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func isProcessRunning(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds, so we need to send signal 0
	return proc.Signal(syscall.Signal(0)) == nil
}

// SendSignal sends a signal to the given process.
func SendSignal(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(pid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return ErrProcessNotRunning
		}
		return fmt.Errorf("failed to send signal %v to process %d: %w", sig, pid, err)
	}
	return nil
}

// signalTerminator is SIGTERM for graceful, SIGKILL to the group and then the
// PID for forced, followed by a SIGKILL sweep over matching command lines.
type signalTerminator struct{}

func newPlatformTerminator() Terminator {
	return signalTerminator{}
}

func (signalTerminator) RequestStop(t Target) error {
	err := SendSignal(t.PID, syscall.SIGTERM)
	if errors.Is(err, ErrProcessNotRunning) {
		return nil
	}
	return err
}

func (signalTerminator) ForceStop(t Target) error {
	var errs []error

	// The group kill reaches the leader too; the direct kill is only needed
	// when the group is gone or refused.
	if err := syscall.Kill(-t.PID, syscall.SIGKILL); err != nil {
		if !errors.Is(err, syscall.ESRCH) {
			errs = append(errs, fmt.Errorf("kill process group %d: %w", t.PID, err))
		}
		if err := SendSignal(t.PID, syscall.SIGKILL); err != nil && !errors.Is(err, ErrProcessNotRunning) {
			errs = append(errs, err)
		}
	}

	if len(t.MatchArgs) > 0 {
		pids, err := FindByArgs(t.MatchArgs)
		if err != nil {
			errs = append(errs, fmt.Errorf("find matching processes: %w", err))
		}
		for _, pid := range pids {
			if pid == t.PID {
				continue
			}
			if err := SendSignal(pid, syscall.SIGKILL); err != nil && !errors.Is(err, ErrProcessNotRunning) {
				errs = append(errs, err)
			}
		}
	}

	return errors.Join(errs...)
}
