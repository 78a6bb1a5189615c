package subscriber

import (
	"github.com/exgate/hftgate/pkg/models"
)

// Pure event-to-entity transforms, one per category. No side effects, no
// I/O; the subscriber applies them before the bulk upsert.

// MapOrder converts an execution update into an order record.
func MapOrder(ev models.OrderEvent) *models.Order {
	return &models.Order{
		ID:           ev.OrderID,
		WalletID:     ev.WalletID,
		AssetPairID:  ev.AssetPairID,
		Side:         ev.Side,
		Status:       models.OrderStatus(ev.Status),
		Volume:       ev.Volume,
		FilledVolume: ev.FilledVolume,
		Price:        ev.Price,
		CreatedAt:    ev.CreatedAt,
		UpdatedAt:    ev.Timestamp,
	}
}

// MapLimitOrder converts an execution update into a limit order record. The
// remaining volume is derived here so readers never have to.
func MapLimitOrder(ev models.OrderEvent) *models.LimitOrder {
	return &models.LimitOrder{
		ID:              ev.OrderID,
		WalletID:        ev.WalletID,
		AssetPairID:     ev.AssetPairID,
		Side:            ev.Side,
		Status:          models.OrderStatus(ev.Status),
		Price:           ev.Price,
		Volume:          ev.Volume,
		RemainingVolume: ev.Volume.Sub(ev.FilledVolume),
		UpdatedAt:       ev.Timestamp,
	}
}

// MapBalance converts a balance snapshot event.
func MapBalance(ev models.BalanceEvent) *models.Balance {
	return &models.Balance{
		WalletID:  ev.WalletID,
		AssetID:   ev.AssetID,
		Amount:    ev.Amount,
		Reserved:  ev.Reserved,
		UpdatedAt: ev.Timestamp,
	}
}

// MapOrderbook converts a full book-side snapshot.
func MapOrderbook(ev models.OrderbookEvent) *models.Orderbook {
	return &models.Orderbook{
		AssetPairID: ev.AssetPairID,
		Side:        ev.Side,
		Levels:      ev.Levels,
		Timestamp:   ev.Timestamp,
	}
}

// MapTicker converts a market-data tick into a ticker record.
func MapTicker(ev models.TickerEvent) *models.Ticker {
	return &models.Ticker{
		AssetPairID: ev.AssetPairID,
		LastPrice:   ev.LastPrice,
		Volume:      ev.Volume,
		Timestamp:   ev.Timestamp,
	}
}

// MapPrice converts a market-data tick into a last-price record.
func MapPrice(ev models.TickerEvent) *models.Price {
	return &models.Price{
		AssetPairID: ev.AssetPairID,
		Price:       ev.LastPrice,
		Timestamp:   ev.Timestamp,
	}
}

// IsTerminalOrder reports orders to remove after upsert.
func IsTerminalOrder(o *models.Order) bool { return o.Status.IsTerminal() }

// IsTerminalLimitOrder reports limit orders to remove after upsert.
func IsTerminalLimitOrder(o *models.LimitOrder) bool { return o.Status.IsTerminal() }
