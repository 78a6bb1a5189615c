// Package server is the serving boundary: REST reads over the read store,
// websocket endpoints feeding the fan-out registries, liveness and metrics.
// Authentication and request validation happen upstream; handlers trust
// their inputs.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/exgate/hftgate/internal/config"
	"github.com/exgate/hftgate/internal/fanout"
	"github.com/exgate/hftgate/internal/refdata"
	"github.com/exgate/hftgate/internal/store"
	"github.com/exgate/hftgate/pkg/models"
)

// Tables groups the read-store tables the server reads from.
type Tables struct {
	Orders      store.Table[*models.Order]
	LimitOrders store.Table[*models.LimitOrder]
	Balances    store.Table[*models.Balance]
	Orderbooks  store.Table[*models.Orderbook]
	Tickers     store.Table[*models.Ticker]
	Prices      store.Table[*models.Price]
}

// Registries groups the fan-out registries the websocket endpoints feed.
type Registries struct {
	Orders      *fanout.Registry[*models.Order]
	LimitOrders *fanout.Registry[*models.LimitOrder]
	Balances    *fanout.Registry[*models.Balance]
	Orderbooks  *fanout.Registry[*models.Orderbook]
	Tickers     *fanout.Registry[*models.Ticker]
	Prices      *fanout.Registry[*models.Price]
}

// Server serves the gateway's HTTP and websocket API.
type Server struct {
	cfg      config.ServerConfig
	logger   *zap.Logger
	tables   Tables
	streams  Registries
	refData  *refdata.Service
	upgrader websocket.Upgrader

	// baseCtx parents every stream's cancellation so shutdown reaches all
	// connected clients.
	baseCtx context.Context

	ready  atomic.Bool
	engine *gin.Engine
	srv    *http.Server
}

// New builds the server. Liveness reports unhealthy until the lifecycle
// manager marks startup complete.
func New(cfg config.ServerConfig, tables Tables, streams Registries, refData *refdata.Service, baseCtx context.Context, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		tables:  tables,
		streams: streams,
		refData: refData,
		baseCtx: baseCtx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     wsCheckOrigin,
		},
	}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.routes()

	s.srv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// SetReady flips the liveness state once all subscribers have started.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

func (s *Server) routes() {
	s.engine.GET("/is-alive", s.isAlive)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.engine.Group("/api")
	{
		api.GET("/orders/:walletId", readPartition(s, s.tables.Orders, "walletId"))
		api.GET("/limit-orders/:walletId", readPartition(s, s.tables.LimitOrders, "walletId"))
		api.GET("/balances/:walletId", readPartition(s, s.tables.Balances, "walletId"))
		api.GET("/orderbooks/:assetPairId", readPartition(s, s.tables.Orderbooks, "assetPairId"))
		api.GET("/tickers/:assetPairId", readRow(s, s.tables.Tickers, "assetPairId", "ticker"))
		api.GET("/prices/:assetPairId", readRow(s, s.tables.Prices, "assetPairId", "price"))

		api.GET("/asset-pairs", s.listAssetPairs)
		api.GET("/asset-pairs/:id", s.getAssetPair)
	}

	ws := s.engine.Group("/ws")
	{
		ws.GET("/orders", func(c *gin.Context) {
			serveStream(s, c, s.streams.Orders, keyFilter(c, "walletIds"))
		})
		ws.GET("/limit-orders", func(c *gin.Context) {
			serveStream(s, c, s.streams.LimitOrders, keyFilter(c, "walletIds"))
		})
		ws.GET("/balances", func(c *gin.Context) {
			serveStream(s, c, s.streams.Balances, keyFilter(c, "walletIds"))
		})
		ws.GET("/orderbooks", func(c *gin.Context) {
			serveStream(s, c, s.streams.Orderbooks, keyFilter(c, "assetPairIds"))
		})
		ws.GET("/tickers", func(c *gin.Context) {
			serveStream(s, c, s.streams.Tickers, keyFilter(c, "assetPairIds"))
		})
		ws.GET("/prices", func(c *gin.Context) {
			serveStream(s, c, s.streams.Prices, keyFilter(c, "assetPairIds"))
		})
	}
}

func (s *Server) isAlive(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"name": "hftgate", "alive": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": "hftgate", "alive": true})
}

func (s *Server) listAssetPairs(c *gin.Context) {
	if s.refData == nil {
		c.JSON(http.StatusOK, []any{})
		return
	}
	c.JSON(http.StatusOK, s.refData.AssetPairs())
}

func (s *Server) getAssetPair(c *gin.Context) {
	var pair *models.AssetPair
	if s.refData != nil {
		pair = s.refData.AssetPair(c.Param("id"))
	}
	if pair == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "asset pair not found"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

// readPartition serves all records of one partition.
func readPartition[T models.Entity](s *Server, table store.Table[T], param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		items, err := table.Read(c.Request.Context(), c.Param(param))
		if err != nil {
			s.logger.Error("Store read failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "store read failed"})
			return
		}
		c.JSON(http.StatusOK, items)
	}
}

// readRow serves one record of a single-row partition.
func readRow[T models.Entity](s *Server, table store.Table[T], param, rowKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		item, err := table.ReadRow(c.Request.Context(), c.Param(param), rowKey)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			s.logger.Error("Store read failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "store read failed"})
			return
		}
		c.JSON(http.StatusOK, item)
	}
}

// keyFilter parses the optional comma-separated key filter. Absent or empty
// means "receive everything".
func keyFilter(c *gin.Context, param string) []string {
	raw := c.Query(param)
	if raw == "" {
		return nil
	}
	var keys []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			keys = append(keys, p)
		}
	}
	return keys
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	s.logger.Info("Starting API server", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests
// within the configured grace period.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
