package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/studylabs/coursed/internal/status"
)

// ErrWorkerRecycled signals that a worker hit its per-worker task
// budget and should be replaced by a fresh one.
var ErrWorkerRecycled = errors.New("worker recycled")

// Task is one delivered unit of work.
type Task struct {
	ID      string
	Queue   string
	Payload []byte
	Attempt int
}

// Handler executes one task. The context carries the hard time limit;
// a handler that outlives it is abandoned and its task redelivered.
type Handler func(ctx context.Context, task *Task) error

// Worker pulls tasks from one queue and executes them with late
// acknowledgement: a task is only acked after its handler returns
// successfully, so a crash mid-task makes it visible to another worker
// instead of losing it.
type Worker struct {
	queue   *Queue
	name    string
	handler Handler
	logger  *zap.Logger
}

// NewWorker creates a worker for one queue.
func NewWorker(queue *Queue, queueName string, handler Handler) *Worker {
	return &Worker{
		queue:   queue,
		name:    queueName,
		handler: handler,
		logger:  queue.logger.With(zap.String("queue", queueName)),
	}
}

// Run pulls and executes tasks until the context is cancelled or the
// per-worker task budget is exhausted (ErrWorkerRecycled).
func (w *Worker) Run(ctx context.Context) error {
	cfg := w.queue.config

	sub, err := w.queue.js.PullSubscribe(
		subjectPrefix+w.name,
		"workers-"+w.name,
		nats.AckExplicit(),
		nats.AckWait(cfg.HardTimeLimit),
		nats.MaxDeliver(cfg.MaxAttempts),
	)
	if err != nil {
		return fmt.Errorf("%w: subscribing to %s: %v", ErrQueueUnavailable, w.name, err)
	}
	defer sub.Unsubscribe()

	processed := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgs, err := sub.Fetch(1, nats.MaxWait(cfg.FetchTimeout))
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, nats.ErrConnectionClosed) {
			return ctx.Err()
		}
		if err != nil {
			w.logger.Warn("fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range msgs {
			w.process(ctx, msg)
			processed++
		}

		if cfg.MaxTasksPerWorker > 0 && processed >= cfg.MaxTasksPerWorker {
			w.logger.Info("task budget exhausted, recycling",
				zap.Int("processed", processed))
			return ErrWorkerRecycled
		}
	}
}

func (w *Worker) process(ctx context.Context, msg *nats.Msg) {
	cfg := w.queue.config

	task := &Task{
		ID:      msg.Header.Get(taskIDHeader),
		Queue:   w.name,
		Payload: msg.Data,
		Attempt: 1,
	}
	if meta, err := msg.Metadata(); err == nil {
		task.Attempt = int(meta.NumDelivered)
	}

	logger := w.logger.With(
		zap.String("task_id", task.ID),
		zap.Int("attempt", task.Attempt),
	)

	if task.ID != "" {
		if err := w.queue.status.MarkTaskRunning(ctx, task.ID); err != nil {
			logger.Warn("failed to mark task running", zap.Error(err))
		}
	}

	start := time.Now()

	hardCtx, cancel := context.WithTimeout(ctx, cfg.HardTimeLimit)
	defer cancel()

	// The soft limit warns first and extends the ack deadline so a task
	// that is slow but alive can persist partial progress before the
	// hard limit terminates it.
	soft := time.AfterFunc(cfg.SoftTimeLimit, func() {
		logger.Warn("soft time limit exceeded",
			zap.Duration("soft_limit", cfg.SoftTimeLimit),
			zap.Duration("hard_limit", cfg.HardTimeLimit),
		)
		if err := msg.InProgress(); err != nil {
			logger.Warn("failed to extend ack deadline", zap.Error(err))
		}
	})
	defer soft.Stop()

	err := w.handler(hardCtx, task)

	taskDuration.WithLabelValues(w.name).Observe(time.Since(start).Seconds())

	if err == nil {
		// Late acknowledgement: only after the work fully completed.
		if ackErr := msg.Ack(); ackErr != nil {
			logger.Warn("ack failed, task will be redelivered", zap.Error(ackErr))
		}
		w.markDone(ctx, task.ID, status.TaskSucceeded, "")
		tasksProcessed.WithLabelValues(w.name, "succeeded").Inc()
		logger.Info("task succeeded", zap.Duration("duration", time.Since(start)))
		return
	}

	if errors.Is(hardCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("hard time limit %s exceeded: %w", cfg.HardTimeLimit, err)
	}

	if task.Attempt >= cfg.MaxAttempts {
		// Attempt budget exhausted: fail permanently, no resubmission.
		if termErr := msg.Term(); termErr != nil {
			logger.Warn("term failed", zap.Error(termErr))
		}
		w.markDone(ctx, task.ID, status.TaskFailed, err.Error())
		tasksProcessed.WithLabelValues(w.name, "failed").Inc()
		logger.Error("task failed permanently", zap.Error(err))
		return
	}

	delay := cfg.RetryBackoff * (1 << (task.Attempt - 1))
	if nakErr := msg.NakWithDelay(delay); nakErr != nil {
		logger.Warn("nak failed", zap.Error(nakErr))
	}
	w.markDone(ctx, task.ID, status.TaskQueued, err.Error())
	tasksProcessed.WithLabelValues(w.name, "retried").Inc()
	logger.Warn("task failed, will retry",
		zap.Duration("retry_in", delay),
		zap.Error(err),
	)
}

func (w *Worker) markDone(ctx context.Context, taskID string, st status.TaskStatus, errMsg string) {
	if taskID == "" {
		return
	}
	if err := w.queue.status.MarkTaskDone(ctx, taskID, st, errMsg); err != nil {
		w.logger.Warn("failed to record task outcome",
			zap.String("task_id", taskID),
			zap.Error(err),
		)
	}
}

// RunPool runs n workers for a queue, replacing each recycled worker
// with a fresh one until the context is cancelled.
func RunPool(ctx context.Context, queue *Queue, queueName string, handler Handler, n int) {
	if n <= 0 {
		n = queue.config.Workers
	}

	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func(id int) {
			defer func() { done <- struct{}{} }()
			for {
				worker := NewWorker(queue, queueName, handler)
				err := worker.Run(ctx)
				if errors.Is(err, ErrWorkerRecycled) {
					continue
				}
				return
			}
		}(i)
	}
	for i := 0; i < n; i++ {
		<-done
	}
}
