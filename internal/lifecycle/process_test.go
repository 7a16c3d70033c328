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
	"testing"
	"time"
)

func TestIsProcessRunning(t *testing.T) {
	t.Run("returns true for current process", func(t *testing.T) {
		if !IsProcessRunning(os.Getpid()) {
			t.Error("IsProcessRunning(os.Getpid()) = false, want true")
		}
	})

	t.Run("returns false for non-existent PID", func(t *testing.T) {
		if IsProcessRunning(999999) {
			t.Error("IsProcessRunning(999999) = true, want false")
		}
	})

	t.Run("returns false for non-positive PID", func(t *testing.T) {
		if IsProcessRunning(0) || IsProcessRunning(-1) {
			t.Error("IsProcessRunning should reject non-positive PIDs")
		}
	})
}

func TestSendSignal(t *testing.T) {
	t.Run("sends signal to running process", func(t *testing.T) {
		cmd := exec.Command("sleep", "60")
		if err := cmd.Start(); err != nil {
			t.Fatalf("Failed to start sleep process: %v", err)
		}
		defer cmd.Process.Kill()

		if err := SendSignal(cmd.Process.Pid, syscall.Signal(0)); err != nil {
			t.Errorf("SendSignal() error = %v", err)
		}
	})

	t.Run("reports missing process", func(t *testing.T) {
		err := SendSignal(999999, syscall.SIGTERM)
		if !errors.Is(err, ErrProcessNotRunning) {
			t.Errorf("SendSignal() error = %v, want ErrProcessNotRunning", err)
		}
	})
}

func TestGetProcessInfo(t *testing.T) {
	t.Run("returns info for running process", func(t *testing.T) {
		cmd := exec.Command("sleep", "60")
		if err := cmd.Start(); err != nil {
			t.Fatalf("Failed to start process: %v", err)
		}
		defer cmd.Process.Kill()

		info, err := GetProcessInfo(cmd.Process.Pid)
		if err != nil {
			t.Fatalf("GetProcessInfo() error = %v", err)
		}
		if !info.Running {
			t.Error("info.Running = false, want true")
		}
		if info.Command == "" {
			t.Error("info.Command is empty")
		}
	})

	t.Run("returns not running for non-existent process", func(t *testing.T) {
		info, err := GetProcessInfo(999999)
		if err != nil {
			t.Fatalf("GetProcessInfo() error = %v", err)
		}
		if info.Running {
			t.Error("info.Running = true, want false")
		}
	})
}

func TestFindByArgs(t *testing.T) {
	marker := fmt.Sprintf("invigil-find-%d", os.Getpid())
	// The trailing command keeps sh from exec'ing sleep and dropping the marker.
	cmd := exec.Command("sh", "-c", "sleep 30; true", marker)
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start process: %v", err)
	}
	defer func() {
		cmd.Process.Kill()
		cmd.Wait()
	}()

	var found bool
	deadline := time.Now().Add(2 * time.Second)
	for !found && time.Now().Before(deadline) {
		pids, err := FindByArgs([]string{marker})
		if err != nil {
			t.Fatalf("FindByArgs() error = %v", err)
		}
		for _, pid := range pids {
			if pid == cmd.Process.Pid {
				found = true
			}
			if pid == os.Getpid() {
				t.Error("FindByArgs returned the calling process")
			}
		}
		if !found {
			time.Sleep(20 * time.Millisecond)
		}
	}
	if !found {
		t.Errorf("FindByArgs(%q) did not find pid %d", marker, cmd.Process.Pid)
	}

	pids, err := FindByArgs(nil)
	if err != nil || pids != nil {
		t.Errorf("FindByArgs(nil) = %v, %v; want nil, nil", pids, err)
	}
}
