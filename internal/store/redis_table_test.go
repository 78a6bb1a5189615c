package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exgate/hftgate/pkg/models"
)

// Batched staging is exercised directly; flushing needs a live Redis and is
// covered by the shared Table contract against MemTable.

func batchedTable(t *testing.T) *RedisTable[models.Balance, *models.Balance] {
	t.Helper()
	// Thresholds high enough that nothing flushes during the test.
	return NewRedisTable[models.Balance](nil, "balances", Options{
		Mode:          SyncBatched,
		BatchSize:     1000,
		FlushInterval: time.Hour,
	}, nil)
}

func (t *RedisTable[T, PT]) stagedSnapshot() (int, map[string]map[string]PT) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]map[string]PT, len(t.pending))
	for pk, rows := range t.pending {
		out[pk] = make(map[string]PT, len(rows))
		for rk, item := range rows {
			out[pk][rk] = item
		}
	}
	return t.staged, out
}

func TestRedisTable_BatchedStagingCoalescesByKey(t *testing.T) {
	tbl := batchedTable(t)
	ctx := context.Background()

	require.NoError(t, tbl.BulkUpsert(ctx, []*models.Balance{
		balance("w1", "BTC", 5),
		balance("w1", "ETH", 10),
	}))
	require.NoError(t, tbl.BulkUpsert(ctx, []*models.Balance{
		balance("w1", "BTC", 7), // replaces the staged write, not a new row
	}))

	staged, pending := tbl.stagedSnapshot()
	assert.Equal(t, 2, staged)
	require.Contains(t, pending, "w1")
	assert.True(t, pending["w1"]["BTC"].Amount.Equal(decimal.NewFromInt(7)))
}

func TestRedisTable_LastStagedWriteWinsWithinBatch(t *testing.T) {
	tbl := batchedTable(t)

	require.NoError(t, tbl.BulkUpsert(context.Background(), []*models.Balance{
		balance("w1", "BTC", 1),
		balance("w1", "BTC", 2),
		balance("w1", "BTC", 3),
	}))

	staged, pending := tbl.stagedSnapshot()
	assert.Equal(t, 1, staged)
	assert.True(t, pending["w1"]["BTC"].Amount.Equal(decimal.NewFromInt(3)))
}

func TestRedisTable_WriteAfterCloseFails(t *testing.T) {
	tbl := batchedTable(t)

	require.NoError(t, tbl.Close())

	err := tbl.BulkUpsert(context.Background(), []*models.Balance{balance("w1", "BTC", 5)})
	assert.ErrorIs(t, err, ErrClosed)

	// Close is idempotent.
	assert.NoError(t, tbl.Close())
}
