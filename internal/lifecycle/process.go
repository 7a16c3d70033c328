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
	"slices"
)

var (
	// ErrProcessNotRunning is returned when the process does not exist.
	ErrProcessNotRunning = errors.New("process not running")

	// ErrUnsupported is returned for operations the platform cannot perform.
	ErrUnsupported = errors.New("not supported on this platform")
)

// ProcessInfo contains information about a running process.
type ProcessInfo struct {
	PID     int
	Running bool
	Command string
}

// IsProcessRunning checks if a process with the given PID exists.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	return isProcessRunning(pid)
}

// GetProcessInfo returns information about the process with the given PID.
func GetProcessInfo(pid int) (*ProcessInfo, error) {
	info := &ProcessInfo{
		PID:     pid,
		Running: IsProcessRunning(pid),
	}

	if info.Running {
		cmd, err := getProcessCommand(pid)
		if err != nil {
			// Process exists but we can't read command - that's ok
			info.Command = "<unknown>"
		} else {
			info.Command = cmd
		}
	}

	return info, nil
}

// FindByArgs returns the PIDs of processes whose argument list contains
// required as a contiguous, ordered run. The calling process is never returned.
func FindByArgs(required []string) ([]int, error) {
	if len(required) == 0 {
		return nil, nil
	}
	return findByArgs(required)
}

// matchArgs reports whether required appears in args as adjacent tokens in
// the same order. Positional arguments of one worker must not match another
// worker whose later arguments happen to hold the same values.
func matchArgs(args, required []string) bool {
	if len(required) == 0 || len(args) < len(required) {
		return false
	}
	for i := 0; i+len(required) <= len(args); i++ {
		if slices.Equal(args[i:i+len(required)], required) {
			return true
		}
	}
	return false
}
