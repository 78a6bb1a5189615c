// Package store implements the partitioned write-through read store backed
// by Redis. One logical table per entity type; records are addressed by
// (partition key, row key) and written in bulk.
package store

import (
	"context"
	"errors"

	"github.com/exgate/hftgate/pkg/models"
)

// ErrNotFound is returned by point reads for a missing record.
var ErrNotFound = errors.New("store: record not found")

// ErrClosed is returned for writes issued after Close.
var ErrClosed = errors.New("store: table closed")

// SyncMode controls how quickly writes become visible to readers.
type SyncMode int

const (
	// SyncImmediate writes through on every call. Used for tables where a
	// stale read is user-visible, e.g. balances.
	SyncImmediate SyncMode = iota
	// SyncBatched coalesces upserts and flushes them on a short interval or
	// when the buffer fills, whichever comes first.
	SyncBatched
)

// Table is a partitioned key-value table with bulk mutation. Upserts and
// deletes are idempotent: replaying a batch yields the same final state, and
// deleting a missing record is a no-op.
type Table[T models.Entity] interface {
	Name() string

	// BulkUpsert inserts or replaces each entity by (partition key, row key).
	// Partial failure is surfaced as a joined error; successfully written
	// items stay written.
	BulkUpsert(ctx context.Context, items []T) error

	// Delete removes one record. A missing record is not an error.
	Delete(ctx context.Context, partitionKey, rowKey string) error

	// Read returns all records in a partition.
	Read(ctx context.Context, partitionKey string) ([]T, error)

	// ReadRow returns one record or ErrNotFound.
	ReadRow(ctx context.Context, partitionKey, rowKey string) (T, error)

	// Flush forces pending batched writes through to the store.
	Flush(ctx context.Context) error

	// Close flushes pending writes and stops background work.
	Close() error
}
