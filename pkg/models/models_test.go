package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderStatus_IsTerminal(t *testing.T) {
	terminal := []OrderStatus{OrderStatusMatched, OrderStatusCancelled, OrderStatusRejected}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), string(s))
	}

	live := []OrderStatus{OrderStatusPlaced, OrderStatusPartiallyFilled, OrderStatus("unknown")}
	for _, s := range live {
		assert.False(t, s.IsTerminal(), string(s))
	}
}

func TestDecodeBatch(t *testing.T) {
	payload := []byte(`{"category":"orders","routing_key":"order","sequence":7,"events":[{"order_id":"A"}]}`)

	batch, err := DecodeBatch(payload)
	require.NoError(t, err)
	assert.Equal(t, CategoryOrders, batch.Category)
	assert.Equal(t, "order", batch.RoutingKey)
	assert.Equal(t, uint64(7), batch.Sequence)

	events, err := DecodeEvents[OrderEvent](batch)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "A", events[0].OrderID)
}

func TestDecodeBatch_Malformed(t *testing.T) {
	_, err := DecodeBatch([]byte("{truncated"))
	assert.Error(t, err)

	// Valid JSON without a category is still poison.
	_, err = DecodeBatch([]byte(`{"events":[]}`))
	assert.Error(t, err)
}

func TestDecodeEvents_PayloadShapeMismatch(t *testing.T) {
	batch := &EventBatch{Category: CategoryOrders, Events: json.RawMessage(`{"not":"an array"}`)}
	_, err := DecodeEvents[OrderEvent](batch)
	assert.Error(t, err)
}

func TestEntityKeys(t *testing.T) {
	order := &Order{ID: "o1", WalletID: "w1", AssetPairID: "BTCUSD"}
	assert.Equal(t, "w1", order.PartitionKey())
	assert.Equal(t, "o1", order.RowKey())
	assert.Equal(t, "w1", order.StreamKey())

	bal := &Balance{WalletID: "w1", AssetID: "BTC"}
	assert.Equal(t, "w1", bal.PartitionKey())
	assert.Equal(t, "BTC", bal.RowKey())

	book := &Orderbook{AssetPairID: "BTCUSD", Side: "buy"}
	assert.Equal(t, "BTCUSD", book.PartitionKey())
	assert.Equal(t, "buy", book.RowKey())
	assert.Equal(t, "BTCUSD", book.StreamKey())

	// Tickers and prices are one row per pair.
	assert.Equal(t, "ticker", (&Ticker{AssetPairID: "BTCUSD"}).RowKey())
	assert.Equal(t, "price", (&Price{AssetPairID: "BTCUSD"}).RowKey())
}
