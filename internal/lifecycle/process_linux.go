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

//go:build linux

package lifecycle

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// readCmdline returns the NUL-separated argument list from /proc/[pid]/cmdline.
func readCmdline(pid int) ([]string, error) {
	cmdline, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return nil, fmt.Errorf("failed to read cmdline: %w", err)
	}
	return strings.Split(strings.TrimRight(string(cmdline), "\x00"), "\x00"), nil
}

// getProcessCommand returns the command line of the process.
func getProcessCommand(pid int) (string, error) {
	args, err := readCmdline(pid)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(strings.Join(args, " ")), nil
}

// findByArgs scans /proc for processes whose argv contains every required token.
func findByArgs(required []string) ([]int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("failed to list /proc: %w", err)
	}

	self := os.Getpid()
	var pids []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid == self {
			continue
		}
		args, err := readCmdline(pid)
		if err != nil {
			// Exited between listing and reading, or not ours to read.
			continue
		}
		if matchArgs(args, required) {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}
