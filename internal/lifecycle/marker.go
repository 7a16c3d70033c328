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
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// MarkerFileName is the PID marker written into a session's evidence directory.
const MarkerFileName = "detection.pid"

// ErrInvalidPID is returned when the marker file contains invalid data.
var ErrInvalidPID = errors.New("invalid PID in file")

// MarkerFile records a worker PID for external diagnostics. Nothing in
// invigil reads it back to make decisions.
type MarkerFile struct {
	path string
}

// NewMarkerFile returns the marker inside dir.
func NewMarkerFile(dir string) *MarkerFile {
	return &MarkerFile{path: filepath.Join(dir, MarkerFileName)}
}

// Path returns the marker location.
func (m *MarkerFile) Path() string {
	return m.path
}

// Write stores pid, replacing any previous marker atomically.
func (m *MarkerFile) Write(pid int) error {
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create marker directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".detection-*.pid.tmp")
	if err != nil {
		return fmt.Errorf("failed to create marker file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(strconv.Itoa(pid) + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write PID: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close marker file: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		return fmt.Errorf("failed to install marker file: %w", err)
	}
	return nil
}

// Read returns the recorded PID.
// Returns ErrInvalidPID if the file contains non-numeric data.
func (m *MarkerFile) Read() (int, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, err
		}
		return 0, fmt.Errorf("failed to read marker file: %w", err)
	}

	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidPID, pidStr)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("%w: PID must be positive, got %d", ErrInvalidPID, pid)
	}
	return pid, nil
}

// Remove deletes the marker. A missing marker is not an error.
func (m *MarkerFile) Remove() error {
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove marker file: %w", err)
	}
	return nil
}
