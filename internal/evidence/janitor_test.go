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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("img"), 0o644))
}

func TestValidateExamID(t *testing.T) {
	valid := []string{"42", "E3", "exam-2025-06-01", "a.b"}
	for _, id := range valid {
		assert.NoError(t, ValidateExamID(id), id)
	}

	invalid := []string{"", "   ", ".", "..", "../etc", "a/b", `a\b`, "c:x", "a\x00b"}
	for _, id := range invalid {
		err := ValidateExamID(id)
		assert.True(t, errors.Is(err, ErrInvalidExamID), "%q: %v", id, err)
	}
}

func TestJanitor_Cleanup(t *testing.T) {
	root := t.TempDir()
	j := NewJanitor(root, "/api/monitoring/snapshot")

	t.Run("removes directory recursively", func(t *testing.T) {
		dir := filepath.Join(root, "42")
		writeFile(t, dir, "HIGH_s1_20250601_101500.jpg")
		writeFile(t, filepath.Join(dir, "nested"), "x.png")

		require.NoError(t, j.Cleanup("42"))
		_, err := os.Stat(dir)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("absent directory is success", func(t *testing.T) {
		assert.NoError(t, j.Cleanup("never-existed"))
		assert.NoError(t, j.Cleanup("never-existed"))
	})

	t.Run("other exams are untouched", func(t *testing.T) {
		writeFile(t, filepath.Join(root, "E1"), "a.jpg")
		writeFile(t, filepath.Join(root, "E2"), "b.jpg")

		require.NoError(t, j.Cleanup("E1"))
		assert.FileExists(t, filepath.Join(root, "E2", "b.jpg"))
	})

	t.Run("rejects escaping identifiers", func(t *testing.T) {
		assert.ErrorIs(t, j.Cleanup(".."), ErrInvalidExamID)
		assert.DirExists(t, root)
	})
}

func TestJanitor_List(t *testing.T) {
	root := t.TempDir()
	j := NewJanitor(root, "/api/monitoring/snapshot/")
	dir := filepath.Join(root, "42")

	writeFile(t, dir, "LOW_s1_20250601_101500.jpg")
	writeFile(t, dir, "HIGH_s1_20250601_101700.PNG")
	writeFile(t, dir, "MEDIUM_s2_20250601_101600.png")
	writeFile(t, dir, ".a1b2c3.tmp")
	writeFile(t, dir, ".hidden.jpg")
	writeFile(t, dir, "detection.pid")
	writeFile(t, dir, "notes.txt")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.jpg"), 0o755))

	snapshots, err := j.List("42")
	require.NoError(t, err)

	var names []string
	for _, s := range snapshots {
		names = append(names, s.Filename)
	}
	assert.Equal(t, []string{
		"MEDIUM_s2_20250601_101600.png",
		"LOW_s1_20250601_101500.jpg",
		"HIGH_s1_20250601_101700.PNG",
	}, names)

	assert.Equal(t, "/api/monitoring/snapshot/42/LOW_s1_20250601_101500.jpg", snapshots[1].URL)
	assert.Equal(t, int64(3), snapshots[1].Size)
	assert.False(t, snapshots[1].ModTime.IsZero())
	assert.Equal(t, 3, j.Count("42"))
}

func TestJanitor_ListMissingDirectory(t *testing.T) {
	j := NewJanitor(t.TempDir(), "/s")

	snapshots, err := j.List("missing")
	require.NoError(t, err)
	assert.NotNil(t, snapshots)
	assert.Empty(t, snapshots)
	assert.Equal(t, 0, j.Count("missing"))
}

func TestJanitor_Path(t *testing.T) {
	root := t.TempDir()
	j := NewJanitor(root, "/api/monitoring/snapshot")
	dir := filepath.Join(root, "42")
	writeFile(t, dir, "HIGH_s1_20250601_101500.jpg")
	writeFile(t, dir, "notes.txt")
	writeFile(t, root, "outside.jpg")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub.jpg"), 0o755))

	p, err := j.Path("42", "HIGH_s1_20250601_101500.jpg")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "HIGH_s1_20250601_101500.jpg"), p)

	for _, name := range []string{"", ".", "..", "../outside.jpg", `..\outside.jpg`, "a/b.jpg"} {
		_, err := j.Path("42", name)
		assert.True(t, errors.Is(err, ErrInvalidSnapshotName), "%q: %v", name, err)
	}

	for _, name := range []string{"missing.jpg", "notes.txt", "sub.jpg"} {
		_, err := j.Path("42", name)
		assert.True(t, errors.Is(err, ErrSnapshotNotFound), "%q: %v", name, err)
	}

	_, err = j.Path("..", "outside.jpg")
	assert.True(t, errors.Is(err, ErrInvalidExamID))
}

func TestJanitor_URLEscapes(t *testing.T) {
	j := NewJanitor("/unused", "/s")
	assert.Equal(t, "/s/exam%201/a%20b.jpg", j.URL("exam 1", "a b.jpg"))
}

func TestJanitor_EnsureDir(t *testing.T) {
	root := t.TempDir()
	j := NewJanitor(root, "/s")

	dir, err := j.EnsureDir("E9")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "E9"), dir)
	assert.DirExists(t, dir)

	_, err = j.EnsureDir("a/b")
	assert.ErrorIs(t, err, ErrInvalidExamID)
}

func TestMatcher(t *testing.T) {
	m := DefaultMatcher()
	tests := map[string]bool{
		"a.jpg":           true,
		"A.JPG":           true,
		"b.png":           true,
		"c.jpeg":          false,
		"d.gif":           false,
		".e.jpg":          false,
		".f3a9.tmp":       false,
		"/x/y/HIGH_1.jpg": true,
		"detection.pid":   false,
	}
	for name, want := range tests {
		assert.Equal(t, want, m.Match(name), name)
	}

	_, err := NewMatcher([]string{"[unclosed"}, nil)
	assert.Error(t, err)
}
