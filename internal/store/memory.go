package store

import (
	"context"
	"sync"

	"github.com/exgate/hftgate/pkg/models"
)

// MemTable is an in-memory Table used for local development and tests.
type MemTable[T models.Entity] struct {
	name string

	mu   sync.RWMutex
	rows map[string]map[string]T

	// Injected failures exercise redelivery and janitor retry paths.
	failMu    sync.Mutex
	writeErr  error
	deleteErr error
	deleteLog []string
}

// NewMemTable creates an empty in-memory table.
func NewMemTable[T models.Entity](name string) *MemTable[T] {
	return &MemTable[T]{
		name: name,
		rows: make(map[string]map[string]T),
	}
}

func (t *MemTable[T]) Name() string { return t.name }

func (t *MemTable[T]) BulkUpsert(ctx context.Context, items []T) error {
	t.failMu.Lock()
	err := t.writeErr
	t.failMu.Unlock()
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, item := range items {
		rows, ok := t.rows[item.PartitionKey()]
		if !ok {
			rows = make(map[string]T)
			t.rows[item.PartitionKey()] = rows
		}
		rows[item.RowKey()] = item
	}
	return nil
}

func (t *MemTable[T]) Delete(ctx context.Context, partitionKey, rowKey string) error {
	t.failMu.Lock()
	err := t.deleteErr
	t.deleteLog = append(t.deleteLog, partitionKey+"/"+rowKey)
	t.failMu.Unlock()
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if rows, ok := t.rows[partitionKey]; ok {
		delete(rows, rowKey)
	}
	return nil
}

func (t *MemTable[T]) Read(ctx context.Context, partitionKey string) ([]T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rows := t.rows[partitionKey]
	items := make([]T, 0, len(rows))
	for _, item := range rows {
		items = append(items, item)
	}
	return items, nil
}

func (t *MemTable[T]) ReadRow(ctx context.Context, partitionKey, rowKey string) (T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var zero T
	rows, ok := t.rows[partitionKey]
	if !ok {
		return zero, ErrNotFound
	}
	item, ok := rows[rowKey]
	if !ok {
		return zero, ErrNotFound
	}
	return item, nil
}

func (t *MemTable[T]) Flush(ctx context.Context) error { return nil }

func (t *MemTable[T]) Close() error { return nil }

// Len reports the total number of records across all partitions.
func (t *MemTable[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, rows := range t.rows {
		n += len(rows)
	}
	return n
}

// SetWriteErr injects a failure for subsequent BulkUpsert calls.
func (t *MemTable[T]) SetWriteErr(err error) {
	t.failMu.Lock()
	t.writeErr = err
	t.failMu.Unlock()
}

// SetDeleteErr injects a failure for subsequent Delete calls.
func (t *MemTable[T]) SetDeleteErr(err error) {
	t.failMu.Lock()
	t.deleteErr = err
	t.failMu.Unlock()
}

// DeleteLog returns every delete attempted, in order.
func (t *MemTable[T]) DeleteLog() []string {
	t.failMu.Lock()
	defer t.failMu.Unlock()
	out := make([]string, len(t.deleteLog))
	copy(out, t.deleteLog)
	return out
}
