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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/invigileye/invigil/internal/log"
)

// SnapshotEvent reports a snapshot that appeared in a watched directory.
type SnapshotEvent struct {
	ExamID   string
	Snapshot Snapshot
}

// Watcher reports new snapshots in the evidence directories of active exams.
// One fsnotify watcher serves every exam.
type Watcher struct {
	janitor *Janitor
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu   sync.Mutex
	dirs map[string]string // directory -> exam id

	eventChan chan SnapshotEvent
	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewWatcher creates a watcher for the janitor's root.
func NewWatcher(janitor *Janitor, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		janitor:   janitor,
		watcher:   fsw,
		logger:    log.WithComponent(logger, "evidence"),
		dirs:      make(map[string]string),
		eventChan: make(chan SnapshotEvent, 100),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Start begins delivering events. It returns immediately; later calls are no-ops.
func (w *Watcher) Start(ctx context.Context) {
	w.startOnce.Do(func() { go w.eventLoop(ctx) })
}

// Stop ends the event loop and releases the fsnotify watcher. Events is
// closed once the loop has exited.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	// A watcher that never started still has to close Events.
	w.startOnce.Do(func() { go w.eventLoop(context.Background()) })
	<-w.doneCh
	return w.watcher.Close()
}

// Events returns the channel of new snapshots.
func (w *Watcher) Events() <-chan SnapshotEvent {
	return w.eventChan
}

// Add starts watching an exam's directory, creating it if needed.
func (w *Watcher) Add(examID string) error {
	dir, err := w.janitor.EnsureDir(examID)
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.dirs[abs]; ok {
		return nil
	}
	if err := w.watcher.Add(abs); err != nil {
		return fmt.Errorf("failed to watch %s: %w", abs, err)
	}
	w.dirs[abs] = examID
	w.logger.Debug("watching evidence directory", log.ExamIDKey, examID, "path", abs)
	return nil
}

// Remove stops watching an exam's directory. It is a no-op when the exam is
// not watched, including when its directory was already deleted.
func (w *Watcher) Remove(examID string) {
	dir, err := w.janitor.Dir(examID)
	if err != nil {
		return
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.dirs[abs]; !ok {
		return
	}
	delete(w.dirs, abs)
	if err := w.watcher.Remove(abs); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
		w.logger.Debug("failed to remove watch", log.ExamIDKey, examID, log.Error(err))
	}
}

// Watched reports whether an exam's directory is being watched.
func (w *Watcher) Watched(examID string) bool {
	dir, err := w.janitor.Dir(examID)
	if err != nil {
		return false
	}
	abs, _ := filepath.Abs(dir)

	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.dirs[abs]
	return ok
}

func (w *Watcher) eventLoop(ctx context.Context) {
	defer close(w.doneCh)
	defer close(w.eventChan)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				w.logger.Warn("evidence watcher event channel closed")
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				w.logger.Warn("evidence watcher error channel closed")
				return
			}
			w.logger.Error("evidence watcher error", log.Error(err))
		}
	}
}

// handleEvent forwards creations of snapshot files. Workers write a hidden
// temp file and rename it, which arrives as a Create of the final name.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) {
		return
	}

	w.mu.Lock()
	examID, ok := w.dirs[filepath.Dir(event.Name)]
	w.mu.Unlock()
	if !ok || !w.janitor.matcher.Match(event.Name) {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil || info.IsDir() {
		// Removed between the event and the stat.
		return
	}

	ev := SnapshotEvent{ExamID: examID, Snapshot: w.janitor.snapshot(examID, info)}
	select {
	case w.eventChan <- ev:
		log.Trace(w.logger, "snapshot captured", slog.String(log.ExamIDKey, examID), slog.String("filename", info.Name()))
	default:
		w.logger.Warn("event channel full, dropping snapshot event", log.ExamIDKey, examID, "filename", info.Name())
	}
}
