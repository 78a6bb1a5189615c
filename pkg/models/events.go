package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EventCategory identifies one trading-engine event stream. Each category has
// its own topic, subscriber and store table.
type EventCategory string

const (
	CategoryOrders      EventCategory = "orders"
	CategoryLimitOrders EventCategory = "limit-orders"
	CategoryBalances    EventCategory = "balances"
	CategoryOrderbooks  EventCategory = "orderbooks"
	CategoryTickers     EventCategory = "tickers"
	CategoryPrices      EventCategory = "prices"
)

// EventBatch is the wire envelope delivered per bus message: an ordered
// sequence of events of one category, tagged with the routing key the
// producer published under.
type EventBatch struct {
	Category   EventCategory   `json:"category"`
	RoutingKey string          `json:"routing_key"`
	Sequence   uint64          `json:"sequence"`
	Timestamp  time.Time       `json:"timestamp"`
	Events     json.RawMessage `json:"events"`
}

// DecodeBatch parses the envelope from a raw bus payload. A failure here is a
// poison message, not a transient error.
func DecodeBatch(data []byte) (*EventBatch, error) {
	var batch EventBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("malformed event batch: %w", err)
	}
	if batch.Category == "" {
		return nil, fmt.Errorf("malformed event batch: missing category")
	}
	return &batch, nil
}

// DecodeEvents unmarshals the envelope payload into category events.
func DecodeEvents[E any](batch *EventBatch) ([]E, error) {
	var events []E
	if err := json.Unmarshal(batch.Events, &events); err != nil {
		return nil, fmt.Errorf("malformed %s events: %w", batch.Category, err)
	}
	return events, nil
}

// OrderEvent is one order execution update as emitted by the engine.
type OrderEvent struct {
	OrderID      string          `json:"order_id"`
	WalletID     string          `json:"wallet_id"`
	AssetPairID  string          `json:"asset_pair_id"`
	Side         string          `json:"side"`
	Status       string          `json:"status"`
	Volume       decimal.Decimal `json:"volume"`
	FilledVolume decimal.Decimal `json:"filled_volume"`
	Price        decimal.Decimal `json:"price"`
	CreatedAt    time.Time       `json:"created_at"`
	Timestamp    time.Time       `json:"timestamp"`
}

// BalanceEvent is one wallet balance snapshot.
type BalanceEvent struct {
	WalletID  string          `json:"wallet_id"`
	AssetID   string          `json:"asset_id"`
	Amount    decimal.Decimal `json:"amount"`
	Reserved  decimal.Decimal `json:"reserved"`
	Timestamp time.Time       `json:"timestamp"`
}

// OrderbookEvent is a full snapshot of one book side.
type OrderbookEvent struct {
	AssetPairID string       `json:"asset_pair_id"`
	Side        string       `json:"side"`
	Levels      []PriceLevel `json:"levels"`
	Timestamp   time.Time    `json:"timestamp"`
}

// TickerEvent is one market-data tick carrying both summary and last price.
type TickerEvent struct {
	AssetPairID string          `json:"asset_pair_id"`
	LastPrice   decimal.Decimal `json:"last_price"`
	Volume      decimal.Decimal `json:"volume"`
	Timestamp   time.Time       `json:"timestamp"`
}
