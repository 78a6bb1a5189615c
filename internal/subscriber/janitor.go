package subscriber

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/exgate/hftgate/internal/config"
	"github.com/exgate/hftgate/internal/store"
	"github.com/exgate/hftgate/pkg/metrics"
	"github.com/exgate/hftgate/pkg/models"
)

// deleteTask identifies one record to remove from the read store.
type deleteTask struct {
	partitionKey string
	rowKey       string
}

// Janitor removes terminal-state records from the read store. It runs as a
// supervised worker with its own queue so cleanup never blocks message
// acknowledgment, and a failed delete is retried and ultimately alerted
// rather than lost: a terminal order left behind looks open forever to every
// stream consumer.
type Janitor[T models.Entity] struct {
	table store.Table[T]
	cfg   config.JanitorConfig

	queue  chan deleteTask
	logger *zap.Logger

	startOnce sync.Once
	done      chan struct{}
}

// NewJanitor creates a janitor for one table.
func NewJanitor[T models.Entity](table store.Table[T], cfg config.JanitorConfig, logger *zap.Logger) *Janitor[T] {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	return &Janitor[T]{
		table:  table,
		cfg:    cfg,
		queue:  make(chan deleteTask, cfg.QueueSize),
		logger: logger.With(zap.String("table", table.Name())),
		done:   make(chan struct{}),
	}
}

// Start launches the worker. Idempotent.
func (j *Janitor[T]) Start(ctx context.Context) {
	j.startOnce.Do(func() {
		go j.run(ctx)
	})
}

// Enqueue schedules a record for deletion. Never blocks: if the queue is
// full the record is dropped and the drop is surfaced as a failure, since
// silently skipping cleanup is a correctness defect.
func (j *Janitor[T]) Enqueue(partitionKey, rowKey string) {
	select {
	case j.queue <- deleteTask{partitionKey: partitionKey, rowKey: rowKey}:
	default:
		metrics.JanitorFailures.WithLabelValues(j.table.Name()).Inc()
		j.logger.Error("Janitor queue full, terminal record not cleaned up",
			zap.String("partition_key", partitionKey),
			zap.String("row_key", rowKey))
	}
}

func (j *Janitor[T]) run(ctx context.Context) {
	defer close(j.done)

	for {
		select {
		case task := <-j.queue:
			j.process(ctx, task)
		case <-ctx.Done():
			// Drain what is already queued before exiting.
			for {
				select {
				case task := <-j.queue:
					j.process(context.Background(), task)
				default:
					return
				}
			}
		}
	}
}

// process deletes one record with bounded retries. Delete is idempotent, so
// a retry racing a redelivered upsert of the same key is harmless.
func (j *Janitor[T]) process(ctx context.Context, task deleteTask) {
	var err error
	for attempt := 1; attempt <= j.cfg.MaxAttempts; attempt++ {
		err = j.table.Delete(ctx, task.partitionKey, task.rowKey)
		if err == nil {
			metrics.JanitorDeletes.WithLabelValues(j.table.Name()).Inc()
			return
		}
		if attempt < j.cfg.MaxAttempts {
			select {
			case <-time.After(time.Duration(attempt) * j.cfg.RetryBackoff):
			case <-ctx.Done():
			}
		}
	}

	metrics.JanitorFailures.WithLabelValues(j.table.Name()).Inc()
	j.logger.Error("Terminal record deletion failed after retries",
		zap.String("partition_key", task.partitionKey),
		zap.String("row_key", task.rowKey),
		zap.Int("attempts", j.cfg.MaxAttempts),
		zap.Error(err))
}

// Drain waits for the worker to finish after its context is cancelled, up to
// the grace period.
func (j *Janitor[T]) Drain(grace time.Duration) {
	select {
	case <-j.done:
	case <-time.After(grace):
		j.logger.Warn("Janitor drain timed out",
			zap.Int("queued", len(j.queue)))
	}
}
