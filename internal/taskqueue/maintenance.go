package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/studylabs/coursed/internal/indexer"
	"github.com/studylabs/coursed/internal/status"
)

// Maintenance job names.
const (
	// JobCleanupDocuments removes terminal documents older than the
	// retention period.
	JobCleanupDocuments = "cleanup_documents"

	// JobCheckStuckTasks expires tasks stuck in running longer than
	// the hard time limit and fails documents stranded in processing.
	JobCheckStuckTasks = "check_stuck_tasks"
)

// MaintenancePayload is the body of a maintenance task.
type MaintenancePayload struct {
	Job string `json:"job"`
}

// Maintenance executes scheduled maintenance jobs.
type Maintenance struct {
	indexer   *indexer.Service
	status    *status.Store
	retention time.Duration
	hardLimit time.Duration
	logger    *zap.Logger
}

// NewMaintenance creates the maintenance job executor. retention is
// how long terminal documents are kept; hardLimit is the task hard
// time limit used to judge stuck tasks.
func NewMaintenance(indexerService *indexer.Service, statusStore *status.Store, retention, hardLimit time.Duration, logger *zap.Logger) *Maintenance {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retention == 0 {
		retention = 30 * 24 * time.Hour
	}
	return &Maintenance{
		indexer:   indexerService,
		status:    statusStore,
		retention: retention,
		hardLimit: hardLimit,
		logger:    logger,
	}
}

// Handler dispatches a maintenance task to its job.
func (m *Maintenance) Handler(ctx context.Context, task *Task) error {
	var payload MaintenancePayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshaling maintenance payload: %w", err)
	}

	switch payload.Job {
	case JobCleanupDocuments:
		return m.cleanupDocuments(ctx)
	case JobCheckStuckTasks:
		return m.checkStuckTasks(ctx)
	default:
		return fmt.Errorf("unknown maintenance job %q", payload.Job)
	}
}

// cleanupDocuments removes terminal documents whose last update is
// older than the retention period. Per-document failures are logged
// and do not abort the sweep.
func (m *Maintenance) cleanupDocuments(ctx context.Context) error {
	cutoff := time.Now().Add(-m.retention)

	docs, err := m.status.ListTerminalDocumentsBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("listing expired documents: %w", err)
	}

	removed := 0
	for _, doc := range docs {
		if err := m.indexer.Delete(ctx, doc.DocumentID); err != nil {
			if errors.Is(err, indexer.ErrNotFound) {
				continue
			}
			m.logger.Warn("failed to remove expired document",
				zap.String("document_id", doc.DocumentID),
				zap.Error(err),
			)
			continue
		}
		removed++
	}

	m.logger.Info("document cleanup finished",
		zap.Int("expired", len(docs)),
		zap.Int("removed", removed),
	)
	return nil
}

// checkStuckTasks expires tasks still marked running past the hard
// time limit. Their worker crashed or was killed without recording an
// outcome; surfacing them beats retrying silently forever. It then
// fails documents stranded in processing past the same limit: a
// crashed worker's claim makes every redelivery a no-op, so the
// document would otherwise never reach a terminal state.
func (m *Maintenance) checkStuckTasks(ctx context.Context) error {
	cutoff := time.Now().Add(-m.hardLimit)

	tasks, err := m.status.ListRunningTasksBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("listing stuck tasks: %w", err)
	}

	for _, task := range tasks {
		msg := fmt.Sprintf("stuck in running for more than %s", m.hardLimit)
		if err := m.status.MarkTaskDone(ctx, task.TaskID, status.TaskExpired, msg); err != nil {
			m.logger.Warn("failed to mark stuck task",
				zap.String("task_id", task.TaskID),
				zap.Error(err),
			)
			continue
		}
		m.logger.Warn("stuck task expired",
			zap.String("task_id", task.TaskID),
			zap.String("queue", task.Queue),
			zap.Int("attempts", task.AttemptCount),
		)
	}

	stranded, err := m.status.ListProcessingDocumentsBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("listing stranded documents: %w", err)
	}

	failed := 0
	for _, doc := range stranded {
		changed, err := m.status.TransitionDocument(ctx, doc.DocumentID, status.DocumentProcessing, status.DocumentFailed)
		if err != nil {
			m.logger.Warn("failed to fail stranded document",
				zap.String("document_id", doc.DocumentID),
				zap.Error(err),
			)
			continue
		}
		if !changed {
			// A live worker finished it between the list and the CAS.
			continue
		}
		_ = m.status.SetDocumentResult(ctx, doc.DocumentID, status.DocumentFailed, "indexing timed out", 0)
		failed++
		m.logger.Warn("stranded document failed",
			zap.String("document_id", doc.DocumentID),
		)
	}

	m.logger.Info("stuck task check finished",
		zap.Int("stuck_tasks", len(tasks)),
		zap.Int("stranded_documents", failed),
	)
	return nil
}
