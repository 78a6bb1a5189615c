// Package refdata serves asset-pair reference data from the relational
// database behind an in-memory cache refreshed on an interval.
package refdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/exgate/hftgate/internal/config"
	"github.com/exgate/hftgate/pkg/models"
)

// NewDB opens the reference-data database connection pool.
func NewDB(cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)

	return db, nil
}

// Service caches asset pairs and refreshes them periodically. A refresh
// failure keeps the last good snapshot; serving stale reference data beats
// serving none.
type Service struct {
	db       *gorm.DB
	interval time.Duration
	logger   *zap.Logger

	mu    sync.RWMutex
	pairs map[string]*models.AssetPair

	stopOnce sync.Once
	done     chan struct{}
}

// NewService creates the service and performs the initial load. An empty
// table is fine; an unreachable database at startup is not.
func NewService(db *gorm.DB, interval time.Duration, logger *zap.Logger) (*Service, error) {
	s := &Service{
		db:       db,
		interval: interval,
		logger:   logger,
		pairs:    make(map[string]*models.AssetPair),
		done:     make(chan struct{}),
	}
	if err := s.refresh(context.Background()); err != nil {
		return nil, fmt.Errorf("initial asset pair load failed: %w", err)
	}
	return s, nil
}

// Start launches the periodic refresh.
func (s *Service) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.refresh(ctx); err != nil {
					s.logger.Error("Asset pair refresh failed, serving cached data", zap.Error(err))
				}
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
	}()
}

// Stop halts the refresh loop.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *Service) refresh(ctx context.Context) error {
	var pairs []models.AssetPair
	if err := s.db.WithContext(ctx).Find(&pairs).Error; err != nil {
		return fmt.Errorf("failed to load asset pairs: %w", err)
	}

	next := make(map[string]*models.AssetPair, len(pairs))
	for i := range pairs {
		next[pairs[i].ID] = &pairs[i]
	}

	s.mu.Lock()
	s.pairs = next
	s.mu.Unlock()

	s.logger.Debug("Asset pairs refreshed", zap.Int("count", len(next)))
	return nil
}

// AssetPair returns one pair by id, or nil when unknown.
func (s *Service) AssetPair(id string) *models.AssetPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pairs[id]
}

// AssetPairs returns the current snapshot.
func (s *Service) AssetPairs() []*models.AssetPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.AssetPair, 0, len(s.pairs))
	for _, p := range s.pairs {
		out = append(out, p)
	}
	return out
}

// Known reports whether the pair exists in reference data. Market-data
// subscribers use it to tag unknown pairs in logs.
func (s *Service) Known(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.pairs[id]
	return ok
}
