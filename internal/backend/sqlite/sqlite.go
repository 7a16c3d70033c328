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

// Package sqlite provides the SQLite backend used by the daemon.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/invigileye/invigil/internal/backend"
	pkgerrors "github.com/invigileye/invigil/pkg/errors"
)

// Compile-time interface assertions.
var (
	_ backend.ExamStore      = (*Backend)(nil)
	_ backend.ExamCatalog    = (*Backend)(nil)
	_ backend.SessionHistory = (*Backend)(nil)
	_ backend.Backend        = (*Backend)(nil)
)

// sessionTimeLayout is fixed width so started_at sorts chronologically as text.
const sessionTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Backend is a SQLite storage backend.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path. ":memory:" opens a private in-memory database.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New opens the database, applies pragmas and runs migrations.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{db: db}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := b.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return b, nil
}

// NewWithDB wraps an already open database. No pragmas or migrations are run.
func NewWithDB(db *sql.DB) *Backend {
	return &Backend{db: db}
}

// configurePragmas sets SQLite configuration options.
func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA busy_timeout=5000",  // 5 second timeout for lock contention
		"PRAGMA synchronous=NORMAL", // Balance between performance and durability
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Migrate creates the schema if it does not exist.
func (b *Backend) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS exams (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			venue TEXT,
			exam_date TEXT NOT NULL,
			exam_time TEXT,
			end_time TEXT,
			status TEXT NOT NULL DEFAULT 'scheduled',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_exams_status ON exams(status)`,
		`CREATE INDEX IF NOT EXISTS idx_exams_exam_date ON exams(exam_date)`,
		`CREATE TABLE IF NOT EXISTS detection_sessions (
			id TEXT PRIMARY KEY,
			exam_id TEXT NOT NULL,
			pid INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			exit_code INTEGER,
			last_error TEXT,
			forced INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_detection_sessions_exam_id ON detection_sessions(exam_id)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// FindExpired returns the ids of exams past their end that are not completed.
func (b *Backend) FindExpired(ctx context.Context, now time.Time) ([]string, error) {
	query := `
		SELECT id FROM exams
		WHERE status != 'completed'
			AND exam_date || ' ' || IFNULL(NULLIF(end_time, ''), '00:00') <= ?
		ORDER BY id
	`

	rows, err := b.db.QueryContext(ctx, query, now.Format(backend.ExpiryLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to query expired exams: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan exam id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate expired exams: %w", err)
	}

	return ids, nil
}

// MarkCompleted marks the exams completed in a single statement.
func (b *Backend) MarkCompleted(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	query := `UPDATE exams SET status = 'completed', updated_at = ? WHERE status != 'completed' AND id IN (` + placeholders + `)`

	args := make([]any, 0, len(ids)+1)
	args = append(args, time.Now().UTC().Format(time.RFC3339))
	for _, id := range ids {
		args = append(args, id)
	}

	if _, err := b.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark exams completed: %w", err)
	}
	return nil
}

// CreateExam creates a new exam.
func (b *Backend) CreateExam(ctx context.Context, exam *backend.Exam) error {
	if exam.ID == "" {
		exam.ID = uuid.New().String()
	}
	if exam.Status == "" {
		exam.Status = backend.StatusScheduled
	}
	if _, err := time.Parse(time.DateOnly, exam.ExamDate); err != nil {
		return pkgerrors.Wrapf(err, "invalid exam date %q", exam.ExamDate)
	}

	query := `
		INSERT INTO exams (id, title, venue, exam_date, exam_time, end_time, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now().UTC().Truncate(time.Second)
	_, err := b.db.ExecContext(ctx, query,
		exam.ID, exam.Title, nullString(exam.Venue), exam.ExamDate,
		nullString(exam.ExamTime), nullString(exam.EndTime), exam.Status,
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create exam: %w", err)
	}

	exam.CreatedAt = now
	exam.UpdatedAt = now
	return nil
}

// GetExam retrieves an exam by ID.
func (b *Backend) GetExam(ctx context.Context, id string) (*backend.Exam, error) {
	query := `
		SELECT id, title, venue, exam_date, exam_time, end_time, status, created_at, updated_at
		FROM exams WHERE id = ?
	`

	exam, err := scanExam(b.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &pkgerrors.NotFoundError{Resource: "exam", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get exam: %w", err)
	}
	return exam, nil
}

// ListExams lists exams ordered by date and start time.
func (b *Backend) ListExams(ctx context.Context, filter backend.ExamFilter) ([]*backend.Exam, error) {
	query := `
		SELECT id, title, venue, exam_date, exam_time, end_time, status, created_at, updated_at
		FROM exams
	`
	var args []any

	if filter.Status != "" {
		query += " WHERE status = ?"
		args = append(args, filter.Status)
	}

	query += " ORDER BY exam_date, exam_time, id"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list exams: %w", err)
	}
	defer rows.Close()

	var exams []*backend.Exam
	for rows.Next() {
		exam, err := scanExam(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan exam: %w", err)
		}
		exams = append(exams, exam)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate exams: %w", err)
	}

	return exams, nil
}

// RecordSession upserts a detection session record.
func (b *Backend) RecordSession(ctx context.Context, rec *backend.SessionRecord) error {
	query := `
		INSERT INTO detection_sessions (id, exam_id, pid, state, started_at, ended_at, exit_code, last_error, forced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			pid = excluded.pid,
			state = excluded.state,
			ended_at = excluded.ended_at,
			exit_code = excluded.exit_code,
			last_error = excluded.last_error,
			forced = excluded.forced
	`

	var exitCode any
	if rec.ExitCode != nil {
		exitCode = *rec.ExitCode
	}

	_, err := b.db.ExecContext(ctx, query,
		rec.ID, rec.ExamID, rec.PID, rec.State,
		rec.StartedAt.UTC().Format(sessionTimeLayout), formatTime(rec.EndedAt),
		exitCode, nullString(rec.LastError), boolToInt(rec.Forced),
	)
	if err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}
	return nil
}

// ListSessions returns the history of an exam, most recent first. A
// non-positive limit returns every record.
func (b *Backend) ListSessions(ctx context.Context, examID string, limit int) ([]*backend.SessionRecord, error) {
	query := `
		SELECT id, exam_id, pid, state, started_at, ended_at, exit_code, last_error, forced
		FROM detection_sessions
		WHERE exam_id = ?
		ORDER BY started_at DESC
	`
	args := []any{examID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var records []*backend.SessionRecord
	for rows.Next() {
		var rec backend.SessionRecord
		var startedAt string
		var endedAt, lastError sql.NullString
		var exitCode sql.NullInt64
		var forced int

		if err := rows.Scan(&rec.ID, &rec.ExamID, &rec.PID, &rec.State,
			&startedAt, &endedAt, &exitCode, &lastError, &forced); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}

		rec.StartedAt, _ = time.Parse(sessionTimeLayout, startedAt)
		if endedAt.Valid {
			if t, err := time.Parse(sessionTimeLayout, endedAt.String); err == nil {
				rec.EndedAt = &t
			}
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			rec.ExitCode = &code
		}
		rec.LastError = lastError.String
		rec.Forced = forced != 0

		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}

	return records, nil
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExam(row rowScanner) (*backend.Exam, error) {
	var exam backend.Exam
	var venue, examTime, endTime sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(&exam.ID, &exam.Title, &venue, &exam.ExamDate, &examTime, &endTime,
		&exam.Status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	exam.Venue = venue.String
	exam.ExamTime = examTime.String
	exam.EndTime = endTime.String
	exam.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	exam.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &exam, nil
}

// formatTime returns nil for a nil time, otherwise the session layout.
func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(sessionTimeLayout)
}

// nullString returns nil if string is empty, otherwise the string.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
