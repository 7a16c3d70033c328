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

package evidence

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var (
	// ErrInvalidExamID is returned for identifiers that are not a single safe path segment.
	ErrInvalidExamID = errors.New("exam id must be a single path segment")

	// ErrInvalidSnapshotName is returned for snapshot names that would leave the exam directory.
	ErrInvalidSnapshotName = errors.New("snapshot name must be a single path segment")

	// ErrSnapshotNotFound is returned when no snapshot image has the requested name.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// Snapshot is one evidence image.
type Snapshot struct {
	Filename string    `json:"filename"`
	URL      string    `json:"url"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"modTime"`
}

// Janitor owns the evidence root.
type Janitor struct {
	// Root is the directory holding one subdirectory per exam.
	Root string

	// URLPrefix is prepended to snapshot URLs as <prefix>/<examId>/<filename>.
	URLPrefix string

	matcher *Matcher
}

// NewJanitor creates a janitor for root.
func NewJanitor(root, urlPrefix string) *Janitor {
	return &Janitor{
		Root:      root,
		URLPrefix: strings.TrimRight(urlPrefix, "/"),
		matcher:   DefaultMatcher(),
	}
}

// ValidateExamID checks that examID can be used as a directory name under the root.
func ValidateExamID(examID string) error {
	switch {
	case strings.TrimSpace(examID) == "":
		return fmt.Errorf("%w: empty", ErrInvalidExamID)
	case examID == "." || examID == "..":
		return fmt.Errorf("%w: %q", ErrInvalidExamID, examID)
	case strings.ContainsAny(examID, `/\:`+"\x00"):
		return fmt.Errorf("%w: %q", ErrInvalidExamID, examID)
	}
	return nil
}

// Dir returns the evidence directory of an exam.
func (j *Janitor) Dir(examID string) (string, error) {
	if err := ValidateExamID(examID); err != nil {
		return "", err
	}
	return filepath.Join(j.Root, examID), nil
}

// EnsureDir creates the evidence directory of an exam if it is missing.
func (j *Janitor) EnsureDir(examID string) (string, error) {
	dir, err := j.Dir(examID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create evidence directory: %w", err)
	}
	return dir, nil
}

// Cleanup removes the evidence directory of an exam recursively. A missing
// directory is not an error. Callers must make sure no worker is writing to it.
func (j *Janitor) Cleanup(examID string) error {
	dir, err := j.Dir(examID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove evidence directory %s: %w", dir, err)
	}
	return nil
}

// List returns the snapshots of an exam sorted by filename, newest name
// first. A missing directory yields an empty list.
func (j *Janitor) List(examID string) ([]Snapshot, error) {
	dir, err := j.Dir(examID)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Snapshot{}, nil
		}
		return nil, fmt.Errorf("failed to read evidence directory: %w", err)
	}

	snapshots := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !j.matcher.Match(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed while listing.
			continue
		}
		snapshots = append(snapshots, j.snapshot(examID, info))
	}

	sort.Slice(snapshots, func(a, b int) bool {
		return snapshots[a].Filename > snapshots[b].Filename
	})
	return snapshots, nil
}

// Path returns the file of one snapshot. The name must be a plain file name
// inside the exam directory that matches the snapshot patterns.
func (j *Janitor) Path(examID, filename string) (string, error) {
	dir, err := j.Dir(examID)
	if err != nil {
		return "", err
	}
	if filename == "" || filename == "." || filename == ".." ||
		strings.ContainsAny(filename, `/\:`+"\x00") || filepath.Base(filename) != filename {
		return "", fmt.Errorf("%w: %q", ErrInvalidSnapshotName, filename)
	}
	if !j.matcher.Match(filename) {
		return "", fmt.Errorf("%w: %s", ErrSnapshotNotFound, filename)
	}

	p := filepath.Join(dir, filename)
	if rel, err := filepath.Rel(dir, p); err != nil || rel != filename {
		return "", fmt.Errorf("%w: %q", ErrInvalidSnapshotName, filename)
	}

	info, err := os.Stat(p)
	if err != nil || !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s", ErrSnapshotNotFound, filename)
	}
	return p, nil
}

// Count returns the number of snapshots of an exam. Unreadable directories count as zero.
func (j *Janitor) Count(examID string) int {
	snapshots, err := j.List(examID)
	if err != nil {
		return 0
	}
	return len(snapshots)
}

// URL builds the public URL of a snapshot.
func (j *Janitor) URL(examID, filename string) string {
	return j.URLPrefix + "/" + path.Join(url.PathEscape(examID), url.PathEscape(filename))
}

func (j *Janitor) snapshot(examID string, info fs.FileInfo) Snapshot {
	return Snapshot{
		Filename: info.Name(),
		URL:      j.URL(examID, info.Name()),
		Size:     info.Size(),
		ModTime:  info.ModTime(),
	}
}
