package subscriber

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/exgate/hftgate/internal/config"
	"github.com/exgate/hftgate/internal/fanout"
	"github.com/exgate/hftgate/internal/store"
	"github.com/exgate/hftgate/pkg/models"
)

// fakeReader feeds a fixed sequence of messages, then blocks until the
// context is cancelled.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []kafka.Message
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) committedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

// fakeDLQ records quarantined messages.
type fakeDLQ struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (q *fakeDLQ) Quarantine(ctx context.Context, msg kafka.Message, attempts int, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, msg)
	return nil
}

func (q *fakeDLQ) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

func orderEvent(id, wallet, status string) models.OrderEvent {
	return models.OrderEvent{
		OrderID:     id,
		WalletID:    wallet,
		AssetPairID: "BTCUSD",
		Side:        "buy",
		Status:      status,
		Volume:      decimal.NewFromInt(1),
		Price:       decimal.NewFromInt(50000),
		Timestamp:   time.Now().UTC(),
	}
}

func batchMessage(t *testing.T, category models.EventCategory, key string, events any) kafka.Message {
	t.Helper()
	raw, err := json.Marshal(events)
	require.NoError(t, err)
	payload, err := json.Marshal(models.EventBatch{
		Category:   category,
		RoutingKey: key,
		Events:     raw,
	})
	require.NoError(t, err)
	return kafka.Message{Topic: "me." + string(category), Key: []byte(key), Value: payload}
}

func janitorConfig() config.JanitorConfig {
	return config.JanitorConfig{QueueSize: 64, MaxAttempts: 3, RetryBackoff: time.Millisecond}
}

func newOrderSubscriber(t *testing.T, tbl store.Table[*models.Order], reader BusReader, dlq DeadLetterer, reg *fanout.Registry[*models.Order], jan *Janitor[*models.Order]) *Subscriber[models.OrderEvent, *models.Order] {
	t.Helper()
	cfg := Config[models.OrderEvent, *models.Order]{
		Category:     models.CategoryOrders,
		Reader:       reader,
		Table:        tbl,
		Registry:     reg,
		DLQ:          dlq,
		MapEvent:     MapOrder,
		MaxAttempts:  2,
		RetryBackoff: 10 * time.Millisecond,
	}
	// Terminal cleanup is only wired when the test supplies a janitor.
	if jan != nil {
		cfg.Janitor = jan
		cfg.Terminal = IsTerminalOrder
	}
	sub, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	return sub
}

func TestProcessMessage_UpsertsBatchAndRemovesTerminal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tbl := store.NewMemTable[*models.Order]("orders")
	jan := NewJanitor[*models.Order](tbl, janitorConfig(), zap.NewNop())
	jan.Start(ctx)

	sub := newOrderSubscriber(t, tbl, &fakeReader{}, &fakeDLQ{}, nil, jan)

	msg := batchMessage(t, models.CategoryOrders, "w1", []models.OrderEvent{
		orderEvent("A", "w1", "matched"),
		orderEvent("B", "w1", "placed"),
		orderEvent("C", "w1", "partiallyFilled"),
	})
	require.NoError(t, sub.ProcessMessage(ctx, msg))

	// The two live orders stay, the matched one is cleaned up.
	require.Eventually(t, func() bool {
		_, err := tbl.ReadRow(ctx, "w1", "A")
		return errors.Is(err, store.ErrNotFound)
	}, time.Second, 5*time.Millisecond)

	_, err := tbl.ReadRow(ctx, "w1", "B")
	assert.NoError(t, err)
	_, err = tbl.ReadRow(ctx, "w1", "C")
	assert.NoError(t, err)
	assert.Equal(t, 2, tbl.Len())
}

func TestProcessMessage_RedeliveryLeavesStateUnchanged(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tbl := store.NewMemTable[*models.Order]("orders")
	jan := NewJanitor[*models.Order](tbl, janitorConfig(), zap.NewNop())
	jan.Start(ctx)

	sub := newOrderSubscriber(t, tbl, &fakeReader{}, &fakeDLQ{}, nil, jan)

	msg := batchMessage(t, models.CategoryOrders, "w1", []models.OrderEvent{
		orderEvent("A", "w1", "matched"),
		orderEvent("B", "w1", "placed"),
	})

	require.NoError(t, sub.ProcessMessage(ctx, msg))
	require.Eventually(t, func() bool { return tbl.Len() == 1 }, time.Second, 5*time.Millisecond)

	// Redelivery of the identical batch: same final state, and the repeated
	// delete of A is a harmless no-op.
	require.NoError(t, sub.ProcessMessage(ctx, msg))
	require.Eventually(t, func() bool { return tbl.Len() == 1 }, time.Second, 5*time.Millisecond)

	_, err := tbl.ReadRow(ctx, "w1", "A")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = tbl.ReadRow(ctx, "w1", "B")
	assert.NoError(t, err)
}

func TestProcessMessage_MalformedMessageIsQuarantined(t *testing.T) {
	tbl := store.NewMemTable[*models.Order]("orders")
	dlq := &fakeDLQ{}
	sub := newOrderSubscriber(t, tbl, &fakeReader{}, dlq, nil, nil)

	msg := kafka.Message{Topic: "me.orders", Value: []byte("{not json")}

	// Poison messages are acknowledged, not retried.
	require.NoError(t, sub.ProcessMessage(context.Background(), msg))
	assert.Equal(t, 1, dlq.count())
	assert.Equal(t, 0, tbl.Len())
}

func TestProcessMessage_WrongCategoryIsQuarantined(t *testing.T) {
	tbl := store.NewMemTable[*models.Order]("orders")
	dlq := &fakeDLQ{}
	sub := newOrderSubscriber(t, tbl, &fakeReader{}, dlq, nil, nil)

	msg := batchMessage(t, models.CategoryBalances, "w1", []models.BalanceEvent{})
	require.NoError(t, sub.ProcessMessage(context.Background(), msg))
	assert.Equal(t, 1, dlq.count())
}

func TestProcessMessage_StoreFailureRetriesThenQuarantines(t *testing.T) {
	tbl := store.NewMemTable[*models.Order]("orders")
	tbl.SetWriteErr(errors.New("store unreachable"))
	dlq := &fakeDLQ{}
	sub := newOrderSubscriber(t, tbl, &fakeReader{}, dlq, nil, nil)

	msg := batchMessage(t, models.CategoryOrders, "w1", []models.OrderEvent{
		orderEvent("A", "w1", "placed"),
	})
	require.NoError(t, sub.ProcessMessage(context.Background(), msg))
	assert.Equal(t, 1, dlq.count())
	assert.Equal(t, 0, tbl.Len())
}

func TestProcessMessage_BroadcastsAfterUpsert(t *testing.T) {
	tbl := store.NewMemTable[*models.Order]("orders")
	reg := fanout.NewRegistry[*models.Order]("orders", zap.NewNop())

	var mu sync.Mutex
	var got []*models.Order
	reg.Register(streamFunc[*models.Order](func(o *models.Order) error {
		mu.Lock()
		got = append(got, o)
		mu.Unlock()
		return nil
	}), nil, context.Background())

	sub := newOrderSubscriber(t, tbl, &fakeReader{}, &fakeDLQ{}, reg, nil)

	msg := batchMessage(t, models.CategoryOrders, "w1", []models.OrderEvent{
		orderEvent("A", "w1", "placed"),
		orderEvent("B", "w1", "placed"),
	})
	require.NoError(t, sub.ProcessMessage(context.Background(), msg))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, 2)
}

// streamFunc adapts a function to a fanout stream.
type streamFunc[T any] func(T) error

func (f streamFunc[T]) Send(item T) error { return f(item) }

func TestSubscriber_RoutingKeyFilterSkipsOtherKeys(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tbl := store.NewMemTable[*models.Order]("orders")
	reader := &fakeReader{queue: []kafka.Message{
		batchMessage(t, models.CategoryOrders, "order", []models.OrderEvent{orderEvent("A", "w1", "placed")}),
		batchMessage(t, models.CategoryOrders, "trade", []models.OrderEvent{orderEvent("B", "w1", "placed")}),
	}}

	sub, err := New(Config[models.OrderEvent, *models.Order]{
		Category:   models.CategoryOrders,
		RoutingKey: "order",
		Reader:     reader,
		Table:      tbl,
		MapEvent:   MapOrder,
	}, zap.NewNop())
	require.NoError(t, err)

	sub.Start(ctx)

	// Both messages get committed, but only the matching routing key is
	// processed.
	require.Eventually(t, func() bool { return reader.committedCount() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	<-sub.Done()

	_, err = tbl.ReadRow(context.Background(), "w1", "A")
	assert.NoError(t, err)
	_, err = tbl.ReadRow(context.Background(), "w1", "B")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// flakyDLQ fails a fixed number of publishes before accepting.
type flakyDLQ struct {
	mu       sync.Mutex
	failures int
	msgs     []kafka.Message
}

func (q *flakyDLQ) Quarantine(ctx context.Context, msg kafka.Message, attempts int, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failures > 0 {
		q.failures--
		return errors.New("dead-letter topic unavailable")
	}
	q.msgs = append(q.msgs, msg)
	return nil
}

func (q *flakyDLQ) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

func TestSubscriber_FailedMessageIsNotFetchedPast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tbl := store.NewMemTable[*models.Order]("orders")
	dlq := &flakyDLQ{failures: 2}
	poison := kafka.Message{Topic: "me.orders", Offset: 10, Value: []byte("{not json")}
	good := batchMessage(t, models.CategoryOrders, "w1", []models.OrderEvent{orderEvent("B", "w1", "placed")})
	good.Offset = 11
	reader := &fakeReader{queue: []kafka.Message{poison, good}}

	sub, err := New(Config[models.OrderEvent, *models.Order]{
		Category:     models.CategoryOrders,
		Reader:       reader,
		Table:        tbl,
		DLQ:          dlq,
		MapEvent:     MapOrder,
		MaxAttempts:  2,
		RetryBackoff: time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)

	sub.Start(ctx)

	// The poison message stays in place until its quarantine succeeds; only
	// then does the loop move on to the next offset.
	require.Eventually(t, func() bool { return reader.committedCount() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	<-sub.Done()

	assert.Equal(t, 1, dlq.count())

	reader.mu.Lock()
	offsets := []int64{reader.committed[0].Offset, reader.committed[1].Offset}
	reader.mu.Unlock()
	assert.Equal(t, []int64{10, 11}, offsets)

	_, err = tbl.ReadRow(context.Background(), "w1", "B")
	assert.NoError(t, err)
}

func TestNew_RejectsIncompleteWiring(t *testing.T) {
	_, err := New(Config[models.OrderEvent, *models.Order]{
		Category: models.CategoryOrders,
		Reader:   &fakeReader{},
		Table:    store.NewMemTable[*models.Order]("orders"),
		MapEvent: MapOrder,
		Terminal: IsTerminalOrder, // terminal cleanup without a janitor
	}, zap.NewNop())
	assert.Error(t, err)

	_, err = New(Config[models.OrderEvent, *models.Order]{
		Category: models.CategoryOrders,
		Table:    store.NewMemTable[*models.Order]("orders"),
		MapEvent: MapOrder,
	}, zap.NewNop())
	assert.Error(t, err)
}
