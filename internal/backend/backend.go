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

// Package backend defines the storage interfaces used by the daemon.
//
// # Interface Hierarchy
//
//   - ExamStore (required by the reconciler): FindExpired, MarkCompleted
//   - ExamCatalog (optional): CreateExam, GetExam, ListExams
//   - SessionHistory (optional): RecordSession, ListSessions
//   - io.Closer (optional): Close
//
// The Backend interface composes all of these. Components accept the
// narrowest interface they need.
package backend

import (
	"context"
	"io"
	"time"
)

// ExpiryLayout is the layout an exam's end is compared in: exam_date and
// end_time joined by a space. Lexicographic order equals chronological order.
const ExpiryLayout = "2006-01-02 15:04"

// Exam statuses. The move to StatusCompleted is one-way.
const (
	StatusScheduled = "scheduled"
	StatusOngoing   = "ongoing"
	StatusCompleted = "completed"
)

// ExamStore is the exam interface the expiry reconciler needs.
type ExamStore interface {
	// FindExpired returns the ids of exams that are not completed and whose
	// end, read as "exam_date end_time" with a missing end time taken as
	// 00:00, is at or before now. now is compared in its own location.
	FindExpired(ctx context.Context, now time.Time) ([]string, error)

	// MarkCompleted sets status=completed for every id in one batch.
	// Unknown and already completed ids are ignored.
	MarkCompleted(ctx context.Context, ids []string) error
}

// ExamCatalog is an optional interface for managing exams.
type ExamCatalog interface {
	// CreateExam stores a new exam. An empty ID is filled in.
	CreateExam(ctx context.Context, exam *Exam) error

	// GetExam retrieves an exam by ID.
	GetExam(ctx context.Context, id string) (*Exam, error)

	// ListExams lists exams with optional filtering.
	ListExams(ctx context.Context, filter ExamFilter) ([]*Exam, error)
}

// SessionHistory is an optional interface for detection session records.
type SessionHistory interface {
	// RecordSession inserts or replaces the record with the same ID.
	RecordSession(ctx context.Context, rec *SessionRecord) error

	// ListSessions returns an exam's records, most recent first.
	ListSessions(ctx context.Context, examID string, limit int) ([]*SessionRecord, error)
}

// Backend is the full storage interface.
type Backend interface {
	ExamStore
	ExamCatalog
	SessionHistory
	io.Closer
}

// Exam is a scheduled examination.
type Exam struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Venue     string    `json:"venue,omitempty"`
	ExamDate  string    `json:"examDate"`           // YYYY-MM-DD
	ExamTime  string    `json:"examTime,omitempty"` // HH:MM
	EndTime   string    `json:"endTime,omitempty"`  // HH:MM
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ExamFilter contains filtering options for listing exams.
type ExamFilter struct {
	Status string
	Limit  int
	Offset int
}

// SessionRecord is the stored history of one detection session.
type SessionRecord struct {
	ID        string     `json:"id"`
	ExamID    string     `json:"examId"`
	PID       int        `json:"pid"`
	State     string     `json:"state"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	ExitCode  *int       `json:"exitCode,omitempty"`
	LastError string     `json:"lastError,omitempty"`
	Forced    bool       `json:"forced"`
}
