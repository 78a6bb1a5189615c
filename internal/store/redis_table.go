package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/exgate/hftgate/pkg/metrics"
	"github.com/exgate/hftgate/pkg/models"
)

// EntityPtr constrains a table's item type to a pointer to an entity struct,
// so records can be decoded without a factory.
type EntityPtr[T any] interface {
	*T
	models.Entity
}

// Options configures one table.
type Options struct {
	Mode          SyncMode
	KeyPrefix     string
	BatchSize     int
	FlushInterval time.Duration
}

func (o *Options) withDefaults() {
	if o.KeyPrefix == "" {
		o.KeyPrefix = "hft"
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 100 * time.Millisecond
	}
}

// RedisTable stores one entity type as Redis hashes: one hash per partition,
// row key as hash field, JSON entity as value.
type RedisTable[T any, PT EntityPtr[T]] struct {
	name   string
	opts   Options
	client redis.UniversalClient
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]map[string]PT // partition -> row -> latest staged write
	staged  int
	closed  bool
	done    chan struct{}
}

// NewRedisTable creates a table. Batched tables start a background flusher
// that drains staged writes every flush interval.
func NewRedisTable[T any, PT EntityPtr[T]](client redis.UniversalClient, name string, opts Options, logger *zap.Logger) *RedisTable[T, PT] {
	opts.withDefaults()

	t := &RedisTable[T, PT]{
		name:    name,
		opts:    opts,
		client:  client,
		logger:  logger,
		pending: make(map[string]map[string]PT),
		done:    make(chan struct{}),
	}

	if opts.Mode == SyncBatched {
		go t.flushLoop()
	}

	return t
}

func (t *RedisTable[T, PT]) Name() string { return t.name }

func (t *RedisTable[T, PT]) key(partitionKey string) string {
	return fmt.Sprintf("%s:%s:%s", t.opts.KeyPrefix, t.name, partitionKey)
}

// BulkUpsert writes items through immediately or stages them, depending on
// the table's sync mode. Staging is last-write-wins per (partition, row) in
// arrival order.
func (t *RedisTable[T, PT]) BulkUpsert(ctx context.Context, items []PT) error {
	if len(items) == 0 {
		return nil
	}

	if t.opts.Mode == SyncImmediate {
		return t.writeThrough(ctx, items)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}

	for _, item := range items {
		rows, ok := t.pending[item.PartitionKey()]
		if !ok {
			rows = make(map[string]PT)
			t.pending[item.PartitionKey()] = rows
		}
		if _, exists := rows[item.RowKey()]; !exists {
			t.staged++
		}
		rows[item.RowKey()] = item
	}

	if t.staged >= t.opts.BatchSize {
		return t.flushLocked(ctx)
	}
	return nil
}

// writeThrough pipelines HSETs grouped by partition. Per-item failures are
// joined and surfaced; written items stay written.
func (t *RedisTable[T, PT]) writeThrough(ctx context.Context, items []PT) error {
	start := time.Now()

	pipe := t.client.Pipeline()
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("table %s: failed to encode %s/%s: %w", t.name, item.PartitionKey(), item.RowKey(), err)
		}
		pipe.HSet(ctx, t.key(item.PartitionKey()), item.RowKey(), data)
	}

	cmds, err := pipe.Exec(ctx)
	if err != nil {
		var itemErrs []error
		for i, cmd := range cmds {
			if cmdErr := cmd.Err(); cmdErr != nil {
				itemErrs = append(itemErrs, fmt.Errorf("%s/%s: %w", items[i].PartitionKey(), items[i].RowKey(), cmdErr))
			}
		}
		if len(itemErrs) > 0 {
			err = errors.Join(itemErrs...)
		}
		return fmt.Errorf("table %s: bulk upsert failed: %w", t.name, err)
	}

	metrics.EntitiesUpserted.WithLabelValues(t.name).Add(float64(len(items)))
	metrics.StoreLatency.WithLabelValues(t.name).Observe(time.Since(start).Seconds())
	return nil
}

// Delete removes one record. Pending staged writes for the partition are
// flushed first so the delete cannot be overtaken by an older staged upsert.
func (t *RedisTable[T, PT]) Delete(ctx context.Context, partitionKey, rowKey string) error {
	if t.opts.Mode == SyncBatched {
		t.mu.Lock()
		if rows, ok := t.pending[partitionKey]; ok {
			items := make([]PT, 0, len(rows))
			for _, item := range rows {
				items = append(items, item)
			}
			delete(t.pending, partitionKey)
			t.staged -= len(items)
			t.mu.Unlock()

			if err := t.writeThrough(ctx, items); err != nil {
				return err
			}
		} else {
			t.mu.Unlock()
		}
	}

	if err := t.client.HDel(ctx, t.key(partitionKey), rowKey).Err(); err != nil {
		return fmt.Errorf("table %s: delete %s/%s failed: %w", t.name, partitionKey, rowKey, err)
	}
	return nil
}

// Read returns every record in a partition.
func (t *RedisTable[T, PT]) Read(ctx context.Context, partitionKey string) ([]PT, error) {
	fields, err := t.client.HGetAll(ctx, t.key(partitionKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("table %s: read partition %s failed: %w", t.name, partitionKey, err)
	}

	items := make([]PT, 0, len(fields))
	for rowKey, raw := range fields {
		item := PT(new(T))
		if err := json.Unmarshal([]byte(raw), item); err != nil {
			return nil, fmt.Errorf("table %s: corrupt record %s/%s: %w", t.name, partitionKey, rowKey, err)
		}
		items = append(items, item)
	}
	return items, nil
}

// ReadRow returns one record or ErrNotFound.
func (t *RedisTable[T, PT]) ReadRow(ctx context.Context, partitionKey, rowKey string) (PT, error) {
	raw, err := t.client.HGet(ctx, t.key(partitionKey), rowKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("table %s: read %s/%s failed: %w", t.name, partitionKey, rowKey, err)
	}

	item := PT(new(T))
	if err := json.Unmarshal([]byte(raw), item); err != nil {
		return nil, fmt.Errorf("table %s: corrupt record %s/%s: %w", t.name, partitionKey, rowKey, err)
	}
	return item, nil
}

// Flush forces staged writes through. No-op for immediate tables.
func (t *RedisTable[T, PT]) Flush(ctx context.Context) error {
	if t.opts.Mode != SyncBatched {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushLocked(ctx)
}

// flushLocked drains the staged buffer. On failure the batch is restaged for
// the next flush; upserts are idempotent so rewriting is safe.
func (t *RedisTable[T, PT]) flushLocked(ctx context.Context) error {
	if t.staged == 0 {
		return nil
	}

	items := make([]PT, 0, t.staged)
	for _, rows := range t.pending {
		for _, item := range rows {
			items = append(items, item)
		}
	}
	drained := t.pending
	t.pending = make(map[string]map[string]PT)
	t.staged = 0

	if err := t.writeThrough(ctx, items); err != nil {
		for pk, rows := range drained {
			if _, ok := t.pending[pk]; !ok {
				t.pending[pk] = make(map[string]PT)
			}
			for rk, item := range rows {
				// A newer write staged meanwhile wins over the failed batch.
				if _, exists := t.pending[pk][rk]; !exists {
					t.pending[pk][rk] = item
					t.staged++
				}
			}
		}
		return err
	}
	return nil
}

func (t *RedisTable[T, PT]) flushLoop() {
	ticker := time.NewTicker(t.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.mu.Lock()
			if err := t.flushLocked(context.Background()); err != nil {
				t.logger.Error("Periodic table flush failed",
					zap.String("table", t.name),
					zap.Error(err))
			}
			t.mu.Unlock()
		case <-t.done:
			return
		}
	}
}

// Close drains staged writes and stops the flusher. Writes after Close fail
// with ErrClosed.
func (t *RedisTable[T, PT]) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.opts.Mode == SyncBatched {
		close(t.done)
		return t.flushLocked(context.Background())
	}
	return nil
}
