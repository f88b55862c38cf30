// Package status provides the durable status store for documents and
// tasks, backed by SQLite.
//
// The store is the single source of truth for lifecycle state: the
// document state machine (pending -> processing -> completed/failed)
// and task execution records. Transitions are expressed as conditional
// UPDATEs so concurrent workers observe exactly one winner.
package status

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when a document or task record does not exist.
	ErrNotFound = errors.New("record not found")
)

// DocumentStatus is the lifecycle state of a document.
type DocumentStatus string

const (
	DocumentPending    DocumentStatus = "pending"
	DocumentProcessing DocumentStatus = "processing"
	DocumentCompleted  DocumentStatus = "completed"
	DocumentFailed     DocumentStatus = "failed"
)

// Terminal reports whether the status is terminal.
func (s DocumentStatus) Terminal() bool {
	return s == DocumentCompleted || s == DocumentFailed
}

// TaskStatus is the lifecycle state of a queued task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskExpired   TaskStatus = "expired"
)

// DocumentRecord is the persisted status of one document.
type DocumentRecord struct {
	DocumentID   string            `json:"document_id"`
	Status       DocumentStatus    `json:"status"`
	Collection   string            `json:"collection"`
	CourseID     int64             `json:"course_id"`
	DocumentType string            `json:"document_type"`
	Metadata     map[string]string `json:"metadata"`
	Error        string            `json:"error,omitempty"`
	ChunkCount   int               `json:"chunk_count"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// TaskRecord is the persisted status of one queued task.
type TaskRecord struct {
	TaskID       string     `json:"task_id"`
	Kind         string     `json:"kind"`
	Queue        string     `json:"queue"`
	Payload      []byte     `json:"payload"`
	Status       TaskStatus `json:"status"`
	AttemptCount int        `json:"attempt_count"`
	Error        string     `json:"error,omitempty"`
	EnqueuedAt   time.Time  `json:"enqueued_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	document_id   TEXT PRIMARY KEY,
	status        TEXT NOT NULL,
	collection    TEXT NOT NULL,
	course_id     INTEGER NOT NULL DEFAULT 0,
	document_type TEXT NOT NULL,
	metadata      TEXT NOT NULL DEFAULT '{}',
	error         TEXT NOT NULL DEFAULT '',
	chunk_count   INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_status_updated ON documents(status, updated_at);

CREATE TABLE IF NOT EXISTS tasks (
	task_id       TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	queue         TEXT NOT NULL,
	payload       BLOB,
	status        TEXT NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	error         TEXT NOT NULL DEFAULT '',
	enqueued_at   TEXT NOT NULL,
	started_at    TEXT,
	updated_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status_started ON tasks(status, started_at);
`

// Store is a SQLite-backed status store.
type Store struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

// Open opens (or creates) a status store at the given data directory.
// If dataDir is empty, defaults to ~/.config/coursed/data.
func Open(dataDir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".config", "coursed", "data")
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "status.db")

	// WAL mode for concurrent readers alongside worker writes.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	logger.Info("status store opened", zap.String("path", dbPath))

	return &Store{db: db, path: dbPath, logger: logger}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// PutDocument inserts a new document record.
func (s *Store) PutDocument(ctx context.Context, rec *DocumentRecord) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (document_id, status, collection, course_id, document_type, metadata, error, chunk_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.DocumentID, string(rec.Status), rec.Collection, rec.CourseID, rec.DocumentType,
		string(meta), rec.Error, rec.ChunkCount, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("inserting document %s: %w", rec.DocumentID, err)
	}
	return nil
}

// GetDocument retrieves a document record by id.
func (s *Store) GetDocument(ctx context.Context, documentID string) (*DocumentRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT document_id, status, collection, course_id, document_type, metadata, error, chunk_count, created_at, updated_at
		FROM documents WHERE document_id = ?
	`, documentID)
	return scanDocument(row)
}

// TransitionDocument atomically moves a document from one status to
// another. Returns true if the row changed, false if the document was
// not in the expected status (or does not exist). This conditional
// update is what makes the indexing trigger idempotent under
// concurrent invocations: exactly one caller wins the
// pending -> processing transition.
func (s *Store) TransitionDocument(ctx context.Context, documentID string, from, to DocumentStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = ?, updated_at = ?
		WHERE document_id = ? AND status = ?
	`, string(to), formatTime(time.Now().UTC()), documentID, string(from))
	if err != nil {
		return false, fmt.Errorf("transitioning document %s: %w", documentID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// SetDocumentResult records the terminal outcome of an indexing attempt.
func (s *Store) SetDocumentResult(ctx context.Context, documentID string, status DocumentStatus, errMsg string, chunkCount int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = ?, error = ?, chunk_count = ?, updated_at = ?
		WHERE document_id = ?
	`, string(status), errMsg, chunkCount, formatTime(time.Now().UTC()), documentID)
	if err != nil {
		return fmt.Errorf("updating document %s: %w", documentID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: document %s", ErrNotFound, documentID)
	}
	return nil
}

// DeleteDocument removes a document record.
func (s *Store) DeleteDocument(ctx context.Context, documentID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE document_id = ?`, documentID)
	if err != nil {
		return fmt.Errorf("deleting document %s: %w", documentID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: document %s", ErrNotFound, documentID)
	}
	return nil
}

// ListTerminalDocumentsBefore returns documents in a terminal status
// whose last update is older than the cutoff. Used by retention cleanup.
func (s *Store) ListTerminalDocumentsBefore(ctx context.Context, cutoff time.Time) ([]DocumentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, status, collection, course_id, document_type, metadata, error, chunk_count, created_at, updated_at
		FROM documents
		WHERE status IN (?, ?) AND updated_at < ?
	`, string(DocumentCompleted), string(DocumentFailed), formatTime(cutoff.UTC()))
	if err != nil {
		return nil, fmt.Errorf("querying terminal documents: %w", err)
	}
	defer rows.Close()

	var records []DocumentRecord
	for rows.Next() {
		rec, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating documents: %w", err)
	}
	return records, nil
}

// ListProcessingDocumentsBefore returns documents still in processing
// whose last update is older than the cutoff. A crashed worker leaves
// its claimed document here: redeliveries no-op on the failed claim, so
// without this sweep the document never reaches a terminal state.
func (s *Store) ListProcessingDocumentsBefore(ctx context.Context, cutoff time.Time) ([]DocumentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, status, collection, course_id, document_type, metadata, error, chunk_count, created_at, updated_at
		FROM documents
		WHERE status = ? AND updated_at < ?
	`, string(DocumentProcessing), formatTime(cutoff.UTC()))
	if err != nil {
		return nil, fmt.Errorf("querying processing documents: %w", err)
	}
	defer rows.Close()

	var records []DocumentRecord
	for rows.Next() {
		rec, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating documents: %w", err)
	}
	return records, nil
}

// CreateTask inserts a new task record in queued state.
func (s *Store) CreateTask(ctx context.Context, rec *TaskRecord) error {
	now := time.Now().UTC()
	if rec.EnqueuedAt.IsZero() {
		rec.EnqueuedAt = now
	}
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = TaskQueued
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, kind, queue, payload, status, attempt_count, error, enqueued_at, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)
	`, rec.TaskID, rec.Kind, rec.Queue, rec.Payload, string(rec.Status), rec.AttemptCount,
		rec.Error, formatTime(rec.EnqueuedAt), formatTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("inserting task %s: %w", rec.TaskID, err)
	}
	return nil
}

// GetTask retrieves a task record by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (*TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, kind, queue, payload, status, attempt_count, error, enqueued_at, started_at, updated_at
		FROM tasks WHERE task_id = ?
	`, taskID)
	return scanTask(row)
}

// MarkTaskRunning records the start of a delivery attempt, incrementing
// the attempt counter and stamping started_at.
func (s *Store) MarkTaskRunning(ctx context.Context, taskID string) error {
	now := formatTime(time.Now().UTC())
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, attempt_count = attempt_count + 1, started_at = ?, updated_at = ?
		WHERE task_id = ?
	`, string(TaskRunning), now, now, taskID)
	if err != nil {
		return fmt.Errorf("marking task %s running: %w", taskID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	return nil
}

// MarkTaskDone records a terminal (or requeued) task outcome.
func (s *Store) MarkTaskDone(ctx context.Context, taskID string, status TaskStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, error = ?, updated_at = ?
		WHERE task_id = ?
	`, string(status), errMsg, formatTime(time.Now().UTC()), taskID)
	if err != nil {
		return fmt.Errorf("marking task %s %s: %w", taskID, status, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	return nil
}

// ListRunningTasksBefore returns tasks still marked running whose last
// attempt started before the cutoff. These are stuck: their worker
// crashed or was killed without recording an outcome.
func (s *Store) ListRunningTasksBefore(ctx context.Context, cutoff time.Time) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, kind, queue, payload, status, attempt_count, error, enqueued_at, started_at, updated_at
		FROM tasks
		WHERE status = ? AND started_at IS NOT NULL AND started_at < ?
	`, string(TaskRunning), formatTime(cutoff.UTC()))
	if err != nil {
		return nil, fmt.Errorf("querying running tasks: %w", err)
	}
	defer rows.Close()

	var records []TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tasks: %w", err)
	}
	return records, nil
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan helpers.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row scanner) (*DocumentRecord, error) {
	var rec DocumentRecord
	var statusStr, metaStr, createdStr, updatedStr string

	err := row.Scan(&rec.DocumentID, &statusStr, &rec.Collection, &rec.CourseID, &rec.DocumentType,
		&metaStr, &rec.Error, &rec.ChunkCount, &createdStr, &updatedStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning document: %w", err)
	}

	rec.Status = DocumentStatus(statusStr)
	if err := json.Unmarshal([]byte(metaStr), &rec.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshaling metadata: %w", err)
	}
	if rec.CreatedAt, err = parseTime(createdStr); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = parseTime(updatedStr); err != nil {
		return nil, err
	}
	return &rec, nil
}

func scanTask(row scanner) (*TaskRecord, error) {
	var rec TaskRecord
	var statusStr, enqueuedStr, updatedStr string
	var startedStr sql.NullString

	err := row.Scan(&rec.TaskID, &rec.Kind, &rec.Queue, &rec.Payload, &statusStr,
		&rec.AttemptCount, &rec.Error, &enqueuedStr, &startedStr, &updatedStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning task: %w", err)
	}

	rec.Status = TaskStatus(statusStr)
	if rec.EnqueuedAt, err = parseTime(enqueuedStr); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = parseTime(updatedStr); err != nil {
		return nil, err
	}
	if startedStr.Valid {
		t, err := parseTime(startedStr.String)
		if err != nil {
			return nil, err
		}
		rec.StartedAt = &t
	}
	return &rec, nil
}

// timeLayout is fixed width so lexicographic comparison in SQL matches
// chronological order. RFC3339Nano trims trailing fractional zeros,
// which breaks string ordering at sub-second boundaries.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing time %q: %w", s, err)
	}
	return t, nil
}
