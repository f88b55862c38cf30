// Package taskqueue provides durable background task orchestration on
// NATS JetStream: a work-queue stream, pull-based workers with late
// acknowledgement and bounded retry, and a cron scheduler for
// maintenance jobs.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/studylabs/coursed/internal/status"
)

const (
	// StreamName is the JetStream stream holding all task subjects.
	StreamName = "TASKS"

	// QueueIndexing carries document indexing jobs.
	QueueIndexing = "indexing"

	// QueueMaintenance carries scheduled maintenance jobs.
	QueueMaintenance = "maintenance"

	subjectPrefix = "tasks."
	taskIDHeader  = "Coursed-Task-Id"
)

// ErrQueueUnavailable indicates the broker could not be reached.
var ErrQueueUnavailable = errors.New("task queue unavailable")

// Config holds configuration for the task queue.
type Config struct {
	// URL is the NATS server URL. Default: "nats://localhost:4222"
	URL string

	// HardTimeLimit forcibly terminates a task. It is also the ack
	// deadline, so a worker crash makes the task visible again.
	// Default: 10m
	HardTimeLimit time.Duration

	// SoftTimeLimit warns the task before the hard limit fires, giving
	// it a chance to persist partial progress. Must be shorter than
	// HardTimeLimit. Default: 8m
	SoftTimeLimit time.Duration

	// MaxAttempts bounds delivery attempts per task; after the last
	// failed attempt the task is failed permanently. Default: 3
	MaxAttempts int

	// RetryBackoff is the redelivery delay after a failed attempt,
	// doubled per attempt. Default: 30s
	RetryBackoff time.Duration

	// Workers is the number of concurrent workers per queue. Default: 2
	Workers int

	// MaxTasksPerWorker recycles a worker after it has processed this
	// many tasks. 0 disables recycling. Default: 100
	MaxTasksPerWorker int

	// FetchTimeout bounds each pull request while idle. Default: 5s
	FetchTimeout time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.HardTimeLimit == 0 {
		c.HardTimeLimit = 10 * time.Minute
	}
	if c.SoftTimeLimit == 0 {
		c.SoftTimeLimit = 8 * time.Minute
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 30 * time.Second
	}
	if c.Workers == 0 {
		c.Workers = 2
	}
	if c.MaxTasksPerWorker == 0 {
		c.MaxTasksPerWorker = 100
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = 5 * time.Second
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.SoftTimeLimit >= c.HardTimeLimit {
		return fmt.Errorf("soft time limit %s must be shorter than hard time limit %s", c.SoftTimeLimit, c.HardTimeLimit)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1")
	}
	return nil
}

// Queue is the JetStream-backed task queue.
type Queue struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	status *status.Store
	config Config
	logger *zap.Logger
}

// NewQueue connects to NATS and ensures the work-queue stream exists.
func NewQueue(config Config, statusStore *status.Store, logger *zap.Logger) (*Queue, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if statusStore == nil {
		return nil, fmt.Errorf("status store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	nc, err := nats.Connect(config.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to %s: %v", ErrQueueUnavailable, config.URL, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: jetstream context: %v", ErrQueueUnavailable, err)
	}

	// Work-queue retention: each message is removed once acknowledged
	// by its consumer, so a task runs to completion exactly once.
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{subjectPrefix + ">"},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		nc.Close()
		return nil, fmt.Errorf("%w: creating stream: %v", ErrQueueUnavailable, err)
	}

	logger.Info("task queue connected", zap.String("url", config.URL))

	return &Queue{
		nc:     nc,
		js:     js,
		status: statusStore,
		config: config,
		logger: logger,
	}, nil
}

// Enqueue publishes a task to a queue and records it as queued.
// Returns the new task id.
func (q *Queue) Enqueue(ctx context.Context, queue string, payload []byte) (string, error) {
	taskID := uuid.New().String()

	rec := &status.TaskRecord{
		TaskID:  taskID,
		Kind:    queue,
		Queue:   queue,
		Payload: payload,
		Status:  status.TaskQueued,
	}
	if err := q.status.CreateTask(ctx, rec); err != nil {
		return "", fmt.Errorf("recording task: %w", err)
	}

	msg := nats.NewMsg(subjectPrefix + queue)
	msg.Data = payload
	msg.Header.Set(taskIDHeader, taskID)

	if _, err := q.js.PublishMsg(msg, nats.MsgId(taskID), nats.Context(ctx)); err != nil {
		return "", fmt.Errorf("%w: publishing task: %v", ErrQueueUnavailable, err)
	}

	tasksEnqueued.WithLabelValues(queue).Inc()

	q.logger.Debug("task enqueued",
		zap.String("task_id", taskID),
		zap.String("queue", queue),
	)

	return taskID, nil
}

// Close drains the connection.
func (q *Queue) Close() error {
	if err := q.nc.Drain(); err != nil {
		q.nc.Close()
		return err
	}
	return nil
}
