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

//go:build windows

package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

func isProcessRunning(pid int) bool {
	out, err := exec.Command("tasklist", "/FI", fmt.Sprintf("PID eq %d", pid), "/NH", "/FO", "CSV").Output()
	if err != nil {
		return false
	}
	return strings.Contains(string(out), fmt.Sprintf("\"%d\"", pid))
}

func getProcessCommand(pid int) (string, error) {
	return "", ErrUnsupported
}

func findByArgs(required []string) ([]int, error) {
	return nil, ErrUnsupported
}

// treeTerminator uses taskkill. Graceful asks the tree to close; forced kills
// the tracked process, its tree, and any window whose title starts with the
// configured prefix.
type treeTerminator struct{}

func newPlatformTerminator() Terminator {
	return treeTerminator{}
}

func (treeTerminator) RequestStop(t Target) error {
	return taskkill("/PID", strconv.Itoa(t.PID), "/T")
}

func (treeTerminator) ForceStop(t Target) error {
	var errs []error

	if t.Process != nil {
		if err := t.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = append(errs, fmt.Errorf("kill process %d: %w", t.PID, err))
		}
	}
	if err := taskkill("/PID", strconv.Itoa(t.PID), "/T", "/F"); err != nil {
		errs = append(errs, err)
	}
	if t.WindowTitle != "" {
		if err := taskkill("/F", "/FI", fmt.Sprintf("WINDOWTITLE eq %s*", t.WindowTitle)); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// taskkill exit code 128 means no matching process, which is the goal.
func taskkill(args ...string) error {
	out, err := exec.Command("taskkill", args...).CombinedOutput()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 128 {
		return nil
	}
	return fmt.Errorf("taskkill %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
}
