// Package subscriber drains trading-engine event streams from the message
// bus and keeps the read store and the live fan-out registries consistent
// with them. One subscriber per event category, each a single sequential
// worker so per-category delivery order is preserved.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/exgate/hftgate/internal/config"
	"github.com/exgate/hftgate/internal/fanout"
	"github.com/exgate/hftgate/internal/store"
	"github.com/exgate/hftgate/pkg/metrics"
	"github.com/exgate/hftgate/pkg/models"
)

// BusReader is the slice of kafka.Reader the subscriber depends on. Explicit
// commit keeps redelivery under our control: an uncommitted message comes
// back after the group rebalances or the process restarts.
type BusReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DeadLetterer quarantines messages that can never succeed.
type DeadLetterer interface {
	Quarantine(ctx context.Context, msg kafka.Message, attempts int, cause error) error
}

// NewBusReader builds a kafka reader for one category topic with a durable
// consumer group.
func NewBusReader(cfg config.KafkaConfig, topic string, category models.EventCategory, logger *zap.Logger) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       topic,
		GroupID:     fmt.Sprintf("%s-%s", cfg.GroupPrefix, category),
		MaxBytes:    cfg.MaxBytes,
		StartOffset: kafka.LastOffset,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...))
		}),
	})
}

// Subscriber consumes one event category: decode the batch, map each event
// to an entity, bulk-upsert, broadcast to live streams, then hand terminal
// records to the janitor. E is the wire event shape, T the entity it maps to.
type Subscriber[E any, T models.Record] struct {
	category   models.EventCategory
	routingKey string

	reader   BusReader
	table    store.Table[T]
	registry *fanout.Registry[T]
	janitor  *Janitor[T]
	dlq      DeadLetterer

	// mapEvent is a pure transform from wire event to entity.
	mapEvent func(E) T
	// terminal reports records to remove after a successful upsert. Nil for
	// categories without a terminal state (balances, market data).
	terminal func(T) bool

	maxAttempts  int
	retryBackoff time.Duration

	logger *zap.Logger
	done   chan struct{}
}

// Config wires one subscriber.
type Config[E any, T models.Record] struct {
	Category   models.EventCategory
	RoutingKey string // empty accepts every message on the topic

	Reader   BusReader
	Table    store.Table[T]
	Registry *fanout.Registry[T] // optional
	Janitor  *Janitor[T]         // optional, required when Terminal is set
	DLQ      DeadLetterer

	MapEvent func(E) T
	Terminal func(T) bool

	MaxAttempts  int
	RetryBackoff time.Duration
}

// New validates the wiring and builds a subscriber. A wiring error here is
// fatal at startup: the process must not report healthy without it.
func New[E any, T models.Record](cfg Config[E, T], logger *zap.Logger) (*Subscriber[E, T], error) {
	if cfg.Category == "" {
		return nil, errors.New("subscriber: category is required")
	}
	if cfg.Reader == nil {
		return nil, fmt.Errorf("subscriber %s: reader is required", cfg.Category)
	}
	if cfg.Table == nil {
		return nil, fmt.Errorf("subscriber %s: table is required", cfg.Category)
	}
	if cfg.MapEvent == nil {
		return nil, fmt.Errorf("subscriber %s: event mapper is required", cfg.Category)
	}
	if cfg.Terminal != nil && cfg.Janitor == nil {
		return nil, fmt.Errorf("subscriber %s: terminal cleanup requires a janitor", cfg.Category)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 10 * time.Second
	}

	return &Subscriber[E, T]{
		category:     cfg.Category,
		routingKey:   cfg.RoutingKey,
		reader:       cfg.Reader,
		table:        cfg.Table,
		registry:     cfg.Registry,
		janitor:      cfg.Janitor,
		dlq:          cfg.DLQ,
		mapEvent:     cfg.MapEvent,
		terminal:     cfg.Terminal,
		maxAttempts:  cfg.MaxAttempts,
		retryBackoff: cfg.RetryBackoff,
		logger:       logger.With(zap.String("category", string(cfg.Category))),
		done:         make(chan struct{}),
	}, nil
}

// Start begins asynchronous delivery. The loop runs until ctx is cancelled;
// transport-level reconnects are the reader's job, the loop just keeps
// fetching.
func (s *Subscriber[E, T]) Start(ctx context.Context) {
	go s.run(ctx)
}

// Done is closed once the consume loop has exited.
func (s *Subscriber[E, T]) Done() <-chan struct{} { return s.done }

func (s *Subscriber[E, T]) run(ctx context.Context) {
	defer close(s.done)
	defer s.reader.Close()

	s.logger.Info("Subscriber started")

	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("Subscriber stopped")
				return
			}
			s.logger.Error("Failed to fetch message", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		metrics.MessagesConsumed.WithLabelValues(string(s.category)).Inc()

		if s.routingKey != "" && string(msg.Key) != s.routingKey {
			s.commit(ctx, msg)
			continue
		}

		// Stay on this message until it is processed or quarantined. Fetching
		// past an uncommitted failure and committing a later offset would
		// advance the group watermark over it and lose it for good.
		for {
			err := s.ProcessMessage(ctx, msg)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("Message processing failed, retrying",
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.retryBackoff):
			}
		}

		s.commit(ctx, msg)
	}
}

// ProcessMessage handles one delivered message. Decode failures are poison:
// the message is quarantined and acknowledged, never redelivered. Store
// failures are retried with backoff; once attempts are exhausted the message
// is quarantined so one broken record cannot wedge the stream.
func (s *Subscriber[E, T]) ProcessMessage(ctx context.Context, msg kafka.Message) error {
	entities, err := s.decode(msg.Value)
	if err != nil {
		metrics.MessagesFailed.WithLabelValues(string(s.category), "decode").Inc()
		s.logger.Error("Rejecting malformed message",
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return s.quarantine(ctx, msg, 1, err)
	}
	if len(entities) == 0 {
		return nil
	}

	var upsertErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		upsertErr = s.table.BulkUpsert(ctx, entities)
		if upsertErr == nil {
			break
		}
		metrics.MessagesFailed.WithLabelValues(string(s.category), "store").Inc()
		if attempt < s.maxAttempts {
			backoff := time.Duration(attempt) * time.Second
			if backoff > s.retryBackoff {
				backoff = s.retryBackoff
			}
			s.logger.Warn("Bulk upsert failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(upsertErr))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	if upsertErr != nil {
		s.logger.Error("Bulk upsert failed after retries",
			zap.Int("attempts", s.maxAttempts),
			zap.Error(upsertErr))
		return s.quarantine(ctx, msg, s.maxAttempts, upsertErr)
	}

	for _, entity := range entities {
		if s.registry != nil {
			s.registry.Broadcast(entity)
		}
		if s.terminal != nil && s.terminal(entity) {
			s.janitor.Enqueue(entity.PartitionKey(), entity.RowKey())
		}
	}
	return nil
}

func (s *Subscriber[E, T]) decode(payload []byte) ([]T, error) {
	batch, err := models.DecodeBatch(payload)
	if err != nil {
		return nil, err
	}
	if batch.Category != s.category {
		return nil, fmt.Errorf("unexpected category %q on %s subscription", batch.Category, s.category)
	}
	events, err := models.DecodeEvents[E](batch)
	if err != nil {
		return nil, err
	}

	entities := make([]T, len(events))
	for i, ev := range events {
		entities[i] = s.mapEvent(ev)
	}
	return entities, nil
}

// quarantine moves a permanently-failing message to the dead-letter topic.
// Returning nil acknowledges the original; if the DLQ publish itself fails
// the error propagates and the message stays uncommitted.
func (s *Subscriber[E, T]) quarantine(ctx context.Context, msg kafka.Message, attempts int, cause error) error {
	if s.dlq == nil {
		return nil
	}
	if err := s.dlq.Quarantine(ctx, msg, attempts, cause); err != nil {
		return fmt.Errorf("failed to quarantine message: %w", err)
	}
	metrics.MessagesQuarantined.WithLabelValues(string(s.category)).Inc()
	return nil
}

func (s *Subscriber[E, T]) commit(ctx context.Context, msg kafka.Message) {
	if err := s.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
		s.logger.Error("Failed to commit message",
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
	}
}
