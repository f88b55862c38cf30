package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ScheduleEntry fires one named maintenance job on a cron spec.
type ScheduleEntry struct {
	Name  string
	Spec  string
	Queue string
}

// DefaultSchedule is the built-in maintenance schedule.
func DefaultSchedule() []ScheduleEntry {
	return []ScheduleEntry{
		{Name: JobCleanupDocuments, Spec: "@daily", Queue: QueueMaintenance},
		{Name: JobCheckStuckTasks, Spec: "@every 15m", Queue: QueueMaintenance},
	}
}

// Scheduler enqueues maintenance jobs on a cron schedule. The jobs
// themselves run on queue workers, not in the scheduler goroutine, so
// they get the same retry, timeout, and late-ack treatment as any
// other task.
type Scheduler struct {
	cron   *cron.Cron
	queue  *Queue
	logger *zap.Logger
}

// NewScheduler creates a scheduler for the given entries.
func NewScheduler(queue *Queue, entries []ScheduleEntry, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := cron.New()
	for _, entry := range entries {
		entry := entry
		_, err := c.AddFunc(entry.Spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			payload, err := json.Marshal(MaintenancePayload{Job: entry.Name})
			if err != nil {
				logger.Error("failed to marshal job payload",
					zap.String("job", entry.Name), zap.Error(err))
				return
			}
			taskID, err := queue.Enqueue(ctx, entry.Queue, payload)
			if err != nil {
				logger.Error("failed to enqueue scheduled job",
					zap.String("job", entry.Name), zap.Error(err))
				return
			}
			logger.Info("scheduled job enqueued",
				zap.String("job", entry.Name),
				zap.String("task_id", taskID),
			)
		})
		if err != nil {
			return nil, fmt.Errorf("registering schedule %s (%s): %w", entry.Name, entry.Spec, err)
		}
	}

	return &Scheduler{cron: c, queue: queue, logger: logger}, nil
}

// Start begins firing schedule entries.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started")
}

// Stop stops the scheduler and waits for in-flight enqueues.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}
