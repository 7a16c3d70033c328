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
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWatcher(t *testing.T) (*Watcher, *Janitor) {
	t.Helper()
	j := NewJanitor(t.TempDir(), "/s")
	w, err := NewWatcher(j, nil)
	require.NoError(t, err)
	w.Start(context.Background())
	t.Cleanup(func() { w.Stop() })
	return w, j
}

func TestWatcher_ReportsRenamedSnapshot(t *testing.T) {
	w, j := newTestWatcher(t)
	require.NoError(t, w.Add("42"))
	assert.True(t, w.Watched("42"))

	dir, _ := j.Dir("42")
	tmp := filepath.Join(dir, ".9f1c.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("jpeg"), 0o644))
	require.NoError(t, os.Rename(tmp, filepath.Join(dir, "HIGH_s1_20250601_101500.jpg")))

	select {
	case ev := <-w.Events():
		assert.Equal(t, "42", ev.ExamID)
		assert.Equal(t, "HIGH_s1_20250601_101500.jpg", ev.Snapshot.Filename)
		assert.Equal(t, "/s/42/HIGH_s1_20250601_101500.jpg", ev.Snapshot.URL)
	case <-time.After(5 * time.Second):
		t.Fatal("no snapshot event")
	}
}

func TestWatcher_IgnoresNonSnapshots(t *testing.T) {
	w, j := newTestWatcher(t)
	require.NoError(t, w.Add("42"))

	dir, _ := j.Dir("42")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "detection.pid"), []byte("1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.png"), []byte("png"), 0o644))

	select {
	case ev := <-w.Events():
		assert.Equal(t, "b.png", ev.Snapshot.Filename)
	case <-time.After(5 * time.Second):
		t.Fatal("no snapshot event")
	}
}

func TestWatcher_RemoveIsIdempotent(t *testing.T) {
	w, j := newTestWatcher(t)
	require.NoError(t, w.Add("E1"))
	require.NoError(t, w.Add("E1"))

	require.NoError(t, j.Cleanup("E1"))
	w.Remove("E1")
	w.Remove("E1")
	w.Remove("never-added")
	assert.False(t, w.Watched("E1"))

	assert.Error(t, w.Add("../x"))
}

func TestWatcher_StopClosesEvents(t *testing.T) {
	j := NewJanitor(t.TempDir(), "/s")
	w, err := NewWatcher(j, nil)
	require.NoError(t, err)
	w.Start(context.Background())

	require.NoError(t, w.Stop())
	select {
	case _, ok := <-w.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("events channel not closed")
	}
}

func TestWatcher_StopWithoutStart(t *testing.T) {
	j := NewJanitor(t.TempDir(), "/s")
	w, err := NewWatcher(j, nil)
	require.NoError(t, err)

	require.NoError(t, w.Stop())
	_, ok := <-w.Events()
	assert.False(t, ok)
	assert.NoError(t, w.Stop())
}
