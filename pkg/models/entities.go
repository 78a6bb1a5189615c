package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Entity is a read-optimized record mirrored from a trading-engine event.
// PartitionKey groups records for bulk operations, RowKey identifies one
// record within the partition. Both are stable for the record's lifetime.
type Entity interface {
	PartitionKey() string
	RowKey() string
}

// Keyed is anything that can be matched against a stream key filter.
type Keyed interface {
	StreamKey() string
}

// Record is an entity that can also be pushed to key-filtered streams.
type Record interface {
	Entity
	Keyed
}

// OrderStatus is the lifecycle state of an order as reported by the engine.
type OrderStatus string

const (
	OrderStatusPlaced          OrderStatus = "placed"
	OrderStatusPartiallyFilled OrderStatus = "partiallyFilled"
	OrderStatusMatched         OrderStatus = "matched"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// IsTerminal reports whether the order is no longer active and should be
// removed from the live read store.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusMatched, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// Order mirrors a market or limit order execution update.
type Order struct {
	ID           string          `json:"id"`
	WalletID     string          `json:"wallet_id"`
	AssetPairID  string          `json:"asset_pair_id"`
	Side         string          `json:"side"`
	Status       OrderStatus     `json:"status"`
	Volume       decimal.Decimal `json:"volume"`
	FilledVolume decimal.Decimal `json:"filled_volume"`
	Price        decimal.Decimal `json:"price"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (o *Order) PartitionKey() string { return o.WalletID }
func (o *Order) RowKey() string       { return o.ID }
func (o *Order) StreamKey() string    { return o.WalletID }

// LimitOrder mirrors the live state of a resting limit order.
type LimitOrder struct {
	ID              string          `json:"id"`
	WalletID        string          `json:"wallet_id"`
	AssetPairID     string          `json:"asset_pair_id"`
	Side            string          `json:"side"`
	Status          OrderStatus     `json:"status"`
	Price           decimal.Decimal `json:"price"`
	Volume          decimal.Decimal `json:"volume"`
	RemainingVolume decimal.Decimal `json:"remaining_volume"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (o *LimitOrder) PartitionKey() string { return o.WalletID }
func (o *LimitOrder) RowKey() string       { return o.ID }
func (o *LimitOrder) StreamKey() string    { return o.WalletID }

// Balance is the latest wallet balance snapshot for one asset. Balances are
// never deleted, only replaced.
type Balance struct {
	WalletID  string          `json:"wallet_id"`
	AssetID   string          `json:"asset_id"`
	Amount    decimal.Decimal `json:"amount"`
	Reserved  decimal.Decimal `json:"reserved"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (b *Balance) PartitionKey() string { return b.WalletID }
func (b *Balance) RowKey() string       { return b.AssetID }
func (b *Balance) StreamKey() string    { return b.WalletID }

// PriceLevel is one aggregated level of an order book side.
type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
}

// Orderbook is a full snapshot of one side of a book. Each update replaces
// the previous snapshot, levels are never patched incrementally.
type Orderbook struct {
	AssetPairID string       `json:"asset_pair_id"`
	Side        string       `json:"side"` // "buy" or "sell"
	Levels      []PriceLevel `json:"levels"`
	Timestamp   time.Time    `json:"timestamp"`
}

func (ob *Orderbook) PartitionKey() string { return ob.AssetPairID }
func (ob *Orderbook) RowKey() string       { return ob.Side }
func (ob *Orderbook) StreamKey() string    { return ob.AssetPairID }

// Ticker is the rolling market summary for one asset pair.
type Ticker struct {
	AssetPairID string          `json:"asset_pair_id"`
	LastPrice   decimal.Decimal `json:"last_price"`
	Volume      decimal.Decimal `json:"volume"`
	Timestamp   time.Time       `json:"timestamp"`
}

func (t *Ticker) PartitionKey() string { return t.AssetPairID }
func (t *Ticker) RowKey() string       { return "ticker" }
func (t *Ticker) StreamKey() string    { return t.AssetPairID }

// Price is the last trade price for one asset pair.
type Price struct {
	AssetPairID string          `json:"asset_pair_id"`
	Price       decimal.Decimal `json:"price"`
	Timestamp   time.Time       `json:"timestamp"`
}

func (p *Price) PartitionKey() string { return p.AssetPairID }
func (p *Price) RowKey() string       { return "price" }
func (p *Price) StreamKey() string    { return p.AssetPairID }

// AssetPair is reference data describing a tradable pair.
type AssetPair struct {
	ID                string          `json:"id" gorm:"primaryKey;column:id"`
	BaseAssetID       string          `json:"base_asset_id" gorm:"column:base_asset_id"`
	QuoteAssetID      string          `json:"quote_asset_id" gorm:"column:quote_asset_id"`
	Name              string          `json:"name" gorm:"column:name"`
	Accuracy          int             `json:"accuracy" gorm:"column:accuracy"`
	InvertedAccuracy  int             `json:"inverted_accuracy" gorm:"column:inverted_accuracy"`
	MinVolume         decimal.Decimal `json:"min_volume" gorm:"column:min_volume;type:numeric"`
	MinInvertedVolume decimal.Decimal `json:"min_inverted_volume" gorm:"column:min_inverted_volume;type:numeric"`
}

func (AssetPair) TableName() string { return "asset_pairs" }

func (ap *AssetPair) PartitionKey() string { return "assetpair" }
func (ap *AssetPair) RowKey() string       { return ap.ID }
func (ap *AssetPair) StreamKey() string    { return ap.ID }
