// Package app wires the gateway and drives its lifecycle: construct
// everything explicitly, start fan-out registries before subscribers, and
// unwind in reverse on shutdown.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/exgate/hftgate/internal/config"
	"github.com/exgate/hftgate/internal/fanout"
	"github.com/exgate/hftgate/internal/refdata"
	"github.com/exgate/hftgate/internal/server"
	"github.com/exgate/hftgate/internal/store"
	"github.com/exgate/hftgate/internal/subscriber"
	"github.com/exgate/hftgate/pkg/models"
)

// startable is anything driven by the app's lifetime context.
type startable interface {
	Start(ctx context.Context)
}

// closer flushes and releases a table.
type closer interface {
	Close() error
}

// App owns every long-lived component of the gateway process.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	rdb     redis.UniversalClient
	tables  server.Tables
	closers []closer

	registries server.Registries
	janitors   []startable
	drainers   []interface{ Drain(time.Duration) }
	subs       []startable
	subsDone   []<-chan struct{}

	refData *refdata.Service
	dlq     *subscriber.DeadLetterQueue
	srv     *server.Server

	// streamCtx parents every client stream; cancelling it is the shutdown
	// signal to all connected consumers.
	streamCtx    context.Context
	streamCancel context.CancelFunc
	// workCtx drives subscribers and janitors.
	workCtx    context.Context
	workCancel context.CancelFunc
}

// New builds the full object graph. Any construction failure is fatal: the
// process must not come up with a missing subscriber.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}
	a.streamCtx, a.streamCancel = context.WithCancel(context.Background())
	a.workCtx, a.workCancel = context.WithCancel(context.Background())

	rdb, err := store.NewRedisClient(cfg.Redis, logger)
	if err != nil {
		return nil, err
	}
	a.rdb = rdb

	a.buildTables()
	a.buildRegistries()

	if cfg.Database.DSN != "" {
		db, err := refdata.NewDB(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("reference data: %w", err)
		}
		a.refData, err = refdata.NewService(db, cfg.Database.RefreshInterval, logger)
		if err != nil {
			return nil, fmt.Errorf("reference data: %w", err)
		}
	} else {
		logger.Warn("No database DSN configured, asset pair reference data disabled")
	}

	a.dlq = subscriber.NewDeadLetterQueue(cfg.Kafka, logger)

	if err := a.buildSubscribers(); err != nil {
		return nil, err
	}

	a.srv = server.New(cfg.Server, a.tables, a.registries, a.refData, a.streamCtx, logger)
	return a, nil
}

func (a *App) buildTables() {
	prefix := a.cfg.Redis.KeyPrefix
	batched := store.Options{
		Mode:          store.SyncBatched,
		KeyPrefix:     prefix,
		BatchSize:     a.cfg.Store.BatchSize,
		FlushInterval: a.cfg.Store.FlushInterval,
	}
	immediate := store.Options{Mode: store.SyncImmediate, KeyPrefix: prefix}

	orders := store.NewRedisTable[models.Order](a.rdb, "orders", batched, a.logger)
	limitOrders := store.NewRedisTable[models.LimitOrder](a.rdb, "limit-orders", batched, a.logger)
	// Balances write through immediately: a stale balance is user-visible.
	balances := store.NewRedisTable[models.Balance](a.rdb, "balances", immediate, a.logger)
	orderbooks := store.NewRedisTable[models.Orderbook](a.rdb, "orderbooks", batched, a.logger)
	tickers := store.NewRedisTable[models.Ticker](a.rdb, "tickers", batched, a.logger)
	prices := store.NewRedisTable[models.Price](a.rdb, "prices", batched, a.logger)

	a.tables = server.Tables{
		Orders:      orders,
		LimitOrders: limitOrders,
		Balances:    balances,
		Orderbooks:  orderbooks,
		Tickers:     tickers,
		Prices:      prices,
	}
	a.closers = []closer{orders, limitOrders, balances, orderbooks, tickers, prices}
}

func (a *App) buildRegistries() {
	a.registries = server.Registries{
		Orders:      fanout.NewRegistry[*models.Order]("orders", a.logger),
		LimitOrders: fanout.NewRegistry[*models.LimitOrder]("limit-orders", a.logger),
		Balances:    fanout.NewRegistry[*models.Balance]("balances", a.logger),
		Orderbooks:  fanout.NewRegistry[*models.Orderbook]("orderbooks", a.logger),
		Tickers:     fanout.NewRegistry[*models.Ticker]("tickers", a.logger),
		Prices:      fanout.NewRegistry[*models.Price]("prices", a.logger),
	}
}

// tagUnknownPairs wraps a market-data mapper to flag ticks for asset pairs
// missing from reference data. The tick is still stored and broadcast; the log
// line is the signal that refdata and the engine have drifted apart.
func tagUnknownPairs[E any, T models.Record](mapEvent func(E) T, pairID func(E) string, known func(string) bool, logger *zap.Logger) func(E) T {
	if known == nil {
		return mapEvent
	}
	return func(ev E) T {
		if id := pairID(ev); !known(id) {
			logger.Warn("Market data for unknown asset pair", zap.String("asset_pair_id", id))
		}
		return mapEvent(ev)
	}
}

func tickerPairID(ev models.TickerEvent) string { return ev.AssetPairID }

func (a *App) buildSubscribers() error {
	kcfg := a.cfg.Kafka

	var knownPair func(string) bool
	if a.refData != nil {
		knownPair = a.refData.Known
	}

	orderJanitor := subscriber.NewJanitor(a.tables.Orders, a.cfg.Janitor, a.logger)
	limitJanitor := subscriber.NewJanitor(a.tables.LimitOrders, a.cfg.Janitor, a.logger)
	a.janitors = []startable{orderJanitor, limitJanitor}
	a.drainers = []interface{ Drain(time.Duration) }{orderJanitor, limitJanitor}

	orders, err := subscriber.New(subscriber.Config[models.OrderEvent, *models.Order]{
		Category:     models.CategoryOrders,
		Reader:       subscriber.NewBusReader(kcfg, "me.orders", models.CategoryOrders, a.logger),
		Table:        a.tables.Orders,
		Registry:     a.registries.Orders,
		Janitor:      orderJanitor,
		DLQ:          a.dlq,
		MapEvent:     subscriber.MapOrder,
		Terminal:     subscriber.IsTerminalOrder,
		MaxAttempts:  kcfg.MaxAttempts,
		RetryBackoff: kcfg.RetryBackoff,
	}, a.logger)
	if err != nil {
		return err
	}

	limitOrders, err := subscriber.New(subscriber.Config[models.OrderEvent, *models.LimitOrder]{
		Category:     models.CategoryLimitOrders,
		Reader:       subscriber.NewBusReader(kcfg, "me.limit-orders", models.CategoryLimitOrders, a.logger),
		Table:        a.tables.LimitOrders,
		Registry:     a.registries.LimitOrders,
		Janitor:      limitJanitor,
		DLQ:          a.dlq,
		MapEvent:     subscriber.MapLimitOrder,
		Terminal:     subscriber.IsTerminalLimitOrder,
		MaxAttempts:  kcfg.MaxAttempts,
		RetryBackoff: kcfg.RetryBackoff,
	}, a.logger)
	if err != nil {
		return err
	}

	balances, err := subscriber.New(subscriber.Config[models.BalanceEvent, *models.Balance]{
		Category:     models.CategoryBalances,
		Reader:       subscriber.NewBusReader(kcfg, "me.balances", models.CategoryBalances, a.logger),
		Table:        a.tables.Balances,
		Registry:     a.registries.Balances,
		DLQ:          a.dlq,
		MapEvent:     subscriber.MapBalance,
		MaxAttempts:  kcfg.MaxAttempts,
		RetryBackoff: kcfg.RetryBackoff,
	}, a.logger)
	if err != nil {
		return err
	}

	orderbooks, err := subscriber.New(subscriber.Config[models.OrderbookEvent, *models.Orderbook]{
		Category:     models.CategoryOrderbooks,
		Reader:       subscriber.NewBusReader(kcfg, "me.orderbooks", models.CategoryOrderbooks, a.logger),
		Table:        a.tables.Orderbooks,
		Registry:     a.registries.Orderbooks,
		DLQ:          a.dlq,
		MapEvent:     subscriber.MapOrderbook,
		MaxAttempts:  kcfg.MaxAttempts,
		RetryBackoff: kcfg.RetryBackoff,
	}, a.logger)
	if err != nil {
		return err
	}

	tickers, err := subscriber.New(subscriber.Config[models.TickerEvent, *models.Ticker]{
		Category:     models.CategoryTickers,
		Reader:       subscriber.NewBusReader(kcfg, "me.tickers", models.CategoryTickers, a.logger),
		Table:        a.tables.Tickers,
		Registry:     a.registries.Tickers,
		DLQ:          a.dlq,
		MapEvent:     tagUnknownPairs(subscriber.MapTicker, tickerPairID, knownPair, a.logger),
		MaxAttempts:  kcfg.MaxAttempts,
		RetryBackoff: kcfg.RetryBackoff,
	}, a.logger)
	if err != nil {
		return err
	}

	prices, err := subscriber.New(subscriber.Config[models.TickerEvent, *models.Price]{
		Category:     models.CategoryPrices,
		Reader:       subscriber.NewBusReader(kcfg, "me.prices", models.CategoryPrices, a.logger),
		Table:        a.tables.Prices,
		Registry:     a.registries.Prices,
		DLQ:          a.dlq,
		MapEvent:     tagUnknownPairs(subscriber.MapPrice, tickerPairID, knownPair, a.logger),
		MaxAttempts:  kcfg.MaxAttempts,
		RetryBackoff: kcfg.RetryBackoff,
	}, a.logger)
	if err != nil {
		return err
	}

	a.subs = []startable{orders, limitOrders, balances, orderbooks, tickers, prices}
	a.subsDone = []<-chan struct{}{
		orders.Done(), limitOrders.Done(), balances.Done(),
		orderbooks.Done(), tickers.Done(), prices.Done(),
	}
	return nil
}

// Run starts everything and blocks until ctx is cancelled, then drives the
// orderly shutdown: stop consuming, drain cleanup, flush tables, close
// streams, stop serving.
func (a *App) Run(ctx context.Context) error {
	if a.refData != nil {
		a.refData.Start(a.workCtx)
	}
	for _, j := range a.janitors {
		j.Start(a.workCtx)
	}
	// Registries are live before the first subscriber can produce an update.
	for _, s := range a.subs {
		s.Start(a.workCtx)
	}
	a.srv.SetReady(true)

	errCh := make(chan error, 1)
	go func() { errCh <- a.srv.Start() }()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			// A dead listener still gets the same orderly unwind; subscribers
			// must stop and batched tables must flush before the process exits.
			a.logger.Error("API server failed", zap.Error(err))
			runErr = fmt.Errorf("api server failed: %w", err)
		}
	}

	a.shutdown()
	return runErr
}

func (a *App) shutdown() {
	grace := a.cfg.Server.ShutdownTimeout
	a.srv.SetReady(false)

	// Stop accepting new messages; let in-flight batches finish or abort.
	a.workCancel()
	deadline := time.After(grace)
	for _, done := range a.subsDone {
		select {
		case <-done:
		case <-deadline:
			a.logger.Warn("Subscriber did not stop within grace period")
		}
	}

	for _, j := range a.drainers {
		j.Drain(grace)
	}

	for _, t := range a.closers {
		if err := t.Close(); err != nil {
			a.logger.Error("Failed to close table", zap.Error(err))
		}
	}

	// Cancel every client stream, then clear the registries.
	a.streamCancel()
	a.registries.Orders.CloseAll()
	a.registries.LimitOrders.CloseAll()
	a.registries.Balances.CloseAll()
	a.registries.Orderbooks.CloseAll()
	a.registries.Tickers.CloseAll()
	a.registries.Prices.CloseAll()

	if a.refData != nil {
		a.refData.Stop()
	}
	if err := a.dlq.Close(); err != nil {
		a.logger.Error("Failed to close dead-letter writer", zap.Error(err))
	}
	if err := a.srv.Shutdown(); err != nil {
		a.logger.Error("API server shutdown failed", zap.Error(err))
	}
	if err := a.rdb.Close(); err != nil {
		a.logger.Error("Failed to close redis client", zap.Error(err))
	}

	a.logger.Info("Gateway exited properly")
}
