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

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invigileye/invigil/internal/backend"
	pkgerrors "github.com/invigileye/invigil/pkg/errors"
)

// createTestBackend creates a SQLite backend for testing in a temporary directory.
func createTestBackend(t *testing.T) *Backend {
	t.Helper()

	be, err := New(Config{
		Path: filepath.Join(t.TempDir(), "test.db"),
		WAL:  true,
	})
	if err != nil {
		t.Fatalf("failed to create backend: %v", err)
	}
	t.Cleanup(func() { be.Close() })
	return be
}

func mustCreate(t *testing.T, be *Backend, exam *backend.Exam) {
	t.Helper()
	require.NoError(t, be.CreateExam(context.Background(), exam))
}

func at(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.ParseInLocation(backend.ExpiryLayout, value, time.UTC)
	require.NoError(t, err)
	return ts
}

func TestSQLiteBackend_CreateAndGetExam(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	exam := &backend.Exam{
		ID:       "E1",
		Title:    "Data Structures",
		Venue:    "Hall B",
		ExamDate: "2025-06-01",
		ExamTime: "09:00",
		EndTime:  "10:00",
	}
	mustCreate(t, be, exam)
	assert.Equal(t, backend.StatusScheduled, exam.Status)

	got, err := be.GetExam(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, "Data Structures", got.Title)
	assert.Equal(t, "Hall B", got.Venue)
	assert.Equal(t, "2025-06-01", got.ExamDate)
	assert.Equal(t, "10:00", got.EndTime)
	assert.Equal(t, backend.StatusScheduled, got.Status)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = be.GetExam(ctx, "missing")
	var nf *pkgerrors.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestSQLiteBackend_CreateExamGeneratesID(t *testing.T) {
	be := createTestBackend(t)

	exam := &backend.Exam{Title: "Networks", ExamDate: "2025-06-02"}
	mustCreate(t, be, exam)
	assert.NotEmpty(t, exam.ID)

	err := be.CreateExam(context.Background(), &backend.Exam{ExamDate: "June 2"})
	assert.Error(t, err)
}

func TestSQLiteBackend_FindExpired(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	mustCreate(t, be, &backend.Exam{ID: "ended", ExamDate: "2025-06-01", EndTime: "10:00"})
	mustCreate(t, be, &backend.Exam{ID: "ends-later", ExamDate: "2025-06-01", EndTime: "10:01"})
	mustCreate(t, be, &backend.Exam{ID: "no-end", ExamDate: "2025-06-01"})
	mustCreate(t, be, &backend.Exam{ID: "yesterday", ExamDate: "2025-05-31", EndTime: "23:59"})
	mustCreate(t, be, &backend.Exam{ID: "tomorrow", ExamDate: "2025-06-02", EndTime: "08:00"})
	mustCreate(t, be, &backend.Exam{ID: "done", ExamDate: "2025-05-01", EndTime: "10:00", Status: backend.StatusCompleted})
	mustCreate(t, be, &backend.Exam{ID: "ongoing", ExamDate: "2025-06-01", EndTime: "09:30", Status: backend.StatusOngoing})

	// An empty end time reads the same as a missing one.
	_, err := be.db.ExecContext(ctx,
		`INSERT INTO exams (id, exam_date, end_time, status, created_at, updated_at) VALUES ('blank-end', '2025-06-01', '', 'scheduled', 'x', 'x')`)
	require.NoError(t, err)

	ids, err := be.FindExpired(ctx, at(t, "2025-06-01 10:00"))
	require.NoError(t, err)
	assert.Equal(t, []string{"blank-end", "ended", "no-end", "ongoing", "yesterday"}, ids)

	ids, err = be.FindExpired(ctx, at(t, "2025-05-31 23:58"))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSQLiteBackend_FindExpiredUsesLocation(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	mustCreate(t, be, &backend.Exam{ID: "E1", ExamDate: "2025-06-01", EndTime: "12:00"})

	// 10:30 UTC is 12:30 in a UTC+2 zone.
	zone := time.FixedZone("exam-local", 2*60*60)
	now := at(t, "2025-06-01 10:30").In(zone)

	ids, err := be.FindExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"E1"}, ids)

	ids, err = be.FindExpired(ctx, now.UTC())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSQLiteBackend_MarkCompleted(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	mustCreate(t, be, &backend.Exam{ID: "E1", ExamDate: "2025-06-01", EndTime: "10:00"})
	mustCreate(t, be, &backend.Exam{ID: "E2", ExamDate: "2025-06-01", EndTime: "10:00"})
	mustCreate(t, be, &backend.Exam{ID: "E3", ExamDate: "2025-06-01", EndTime: "10:00"})

	now := at(t, "2025-06-01 11:00")
	require.NoError(t, be.MarkCompleted(ctx, []string{"E1", "E3", "unknown"}))

	ids, err := be.FindExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"E2"}, ids)

	e1, err := be.GetExam(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, backend.StatusCompleted, e1.Status)

	// Re-running over completed exams changes nothing.
	require.NoError(t, be.MarkCompleted(ctx, []string{"E1"}))
	require.NoError(t, be.MarkCompleted(ctx, nil))

	completed, err := be.ListExams(ctx, backend.ExamFilter{Status: backend.StatusCompleted})
	require.NoError(t, err)
	assert.Len(t, completed, 2)
}

func TestSQLiteBackend_ListExams(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	mustCreate(t, be, &backend.Exam{ID: "b", ExamDate: "2025-06-02", ExamTime: "09:00"})
	mustCreate(t, be, &backend.Exam{ID: "a", ExamDate: "2025-06-01", ExamTime: "14:00"})
	mustCreate(t, be, &backend.Exam{ID: "c", ExamDate: "2025-06-01", ExamTime: "09:00"})

	all, err := be.ListExams(ctx, backend.ExamFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID)
	assert.Equal(t, "a", all[1].ID)
	assert.Equal(t, "b", all[2].ID)

	page, err := be.ListExams(ctx, backend.ExamFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "a", page[0].ID)
}

func TestSQLiteBackend_SessionHistory(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	first := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	rec := &backend.SessionRecord{
		ID:        "s1",
		ExamID:    "E1",
		PID:       4242,
		State:     "running",
		StartedAt: first,
	}
	require.NoError(t, be.RecordSession(ctx, rec))

	ended := first.Add(time.Hour)
	code := -1
	rec.State = "stopped"
	rec.EndedAt = &ended
	rec.ExitCode = &code
	rec.Forced = true
	require.NoError(t, be.RecordSession(ctx, rec))

	second := &backend.SessionRecord{
		ID:        "s2",
		ExamID:    "E1",
		PID:       4343,
		State:     "failed",
		StartedAt: first.Add(2 * time.Hour),
		LastError: "could not open camera index 0",
	}
	require.NoError(t, be.RecordSession(ctx, second))
	require.NoError(t, be.RecordSession(ctx, &backend.SessionRecord{ID: "other", ExamID: "E2", State: "running", StartedAt: first}))

	records, err := be.ListSessions(ctx, "E1", 0)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "s2", records[0].ID)
	assert.Equal(t, "could not open camera index 0", records[0].LastError)
	assert.Nil(t, records[0].ExitCode)

	assert.Equal(t, "s1", records[1].ID)
	assert.Equal(t, "stopped", records[1].State)
	assert.True(t, records[1].Forced)
	require.NotNil(t, records[1].ExitCode)
	assert.Equal(t, -1, *records[1].ExitCode)
	require.NotNil(t, records[1].EndedAt)
	assert.True(t, ended.Equal(*records[1].EndedAt))
	assert.True(t, first.Equal(records[1].StartedAt))

	limited, err := be.ListSessions(ctx, "E1", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLiteBackend_InMemory(t *testing.T) {
	be, err := New(Config{Path: ":memory:"})
	require.NoError(t, err)
	defer be.Close()

	mustCreate(t, be, &backend.Exam{ID: "E1", ExamDate: "2025-06-01"})
	_, err = be.GetExam(context.Background(), "E1")
	assert.NoError(t, err)
}
