// Package fanout multiplexes one internal stream of entity updates to many
// independently-connected output streams, each with an optional key filter.
package fanout

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/exgate/hftgate/pkg/metrics"
	"github.com/exgate/hftgate/pkg/models"
)

// Stream is one connected consumer. Send must fail fast once the consumer is
// gone; a slow or dead stream is dropped, never waited on.
type Stream[T any] interface {
	Send(item T) error
}

// subscription is one registered stream: the handle, its key filter (empty
// means receive everything) and the client-owned cancellation context.
type subscription[T models.Keyed] struct {
	stream Stream[T]
	keys   map[string]struct{}
	ctx    context.Context
}

func (s *subscription[T]) matches(key string) bool {
	if len(s.keys) == 0 {
		return true
	}
	_, ok := s.keys[key]
	return ok
}

// Registry holds the currently active output streams for one entity type.
// Registration and broadcast run concurrently; membership is guarded by a
// RWMutex and the lock is never held across a Send.
type Registry[T models.Keyed] struct {
	name   string
	logger *zap.Logger

	mu      sync.RWMutex
	streams map[uint64]*subscription[T]
	nextID  atomic.Uint64
}

// NewRegistry creates an empty registry. The name labels logs and metrics.
func NewRegistry[T models.Keyed](name string, logger *zap.Logger) *Registry[T] {
	return &Registry[T]{
		name:    name,
		logger:  logger,
		streams: make(map[uint64]*subscription[T]),
	}
}

// Register adds an active stream and returns its subscription id. Ids are
// never reused. ctx is the client connection's cancellation signal; once it
// fires the stream is dropped before any further delivery. A nil ctx means
// the stream is only removed on send failure or explicit Unregister.
func (r *Registry[T]) Register(stream Stream[T], keys []string, ctx context.Context) uint64 {
	if ctx == nil {
		ctx = context.Background()
	}

	sub := &subscription[T]{stream: stream, ctx: ctx}
	if len(keys) > 0 {
		sub.keys = make(map[string]struct{}, len(keys))
		for _, k := range keys {
			sub.keys[k] = struct{}{}
		}
	}

	id := r.nextID.Add(1)

	r.mu.Lock()
	r.streams[id] = sub
	r.mu.Unlock()

	metrics.ActiveStreams.WithLabelValues(r.name).Inc()
	r.logger.Debug("Stream registered",
		zap.String("registry", r.name),
		zap.Uint64("id", id),
		zap.Int("keys", len(keys)))
	return id
}

// Unregister removes a stream. Safe to call for an id that was already
// removed.
func (r *Registry[T]) Unregister(id uint64) {
	r.mu.Lock()
	_, ok := r.streams[id]
	delete(r.streams, id)
	r.mu.Unlock()

	if ok {
		metrics.ActiveStreams.WithLabelValues(r.name).Dec()
		r.logger.Debug("Stream unregistered",
			zap.String("registry", r.name),
			zap.Uint64("id", id))
	}
}

// Broadcast delivers the update to every registered stream whose filter
// matches its key. A stream whose cancellation has fired or whose Send fails
// is unregistered; one failing consumer never blocks or fails the others.
func (r *Registry[T]) Broadcast(item T) {
	key := item.StreamKey()

	r.mu.RLock()
	type target struct {
		id  uint64
		sub *subscription[T]
	}
	targets := make([]target, 0, len(r.streams))
	for id, sub := range r.streams {
		targets = append(targets, target{id, sub})
	}
	r.mu.RUnlock()

	for _, tg := range targets {
		if tg.sub.ctx.Err() != nil {
			r.drop(tg.id, "cancelled", nil)
			continue
		}
		if !tg.sub.matches(key) {
			continue
		}
		if err := tg.sub.stream.Send(item); err != nil {
			r.drop(tg.id, "send failed", err)
			continue
		}
		metrics.BroadcastDeliveries.WithLabelValues(r.name).Inc()
	}
}

func (r *Registry[T]) drop(id uint64, reason string, err error) {
	r.mu.Lock()
	_, ok := r.streams[id]
	delete(r.streams, id)
	r.mu.Unlock()

	if !ok {
		return
	}
	metrics.ActiveStreams.WithLabelValues(r.name).Dec()
	metrics.BroadcastDrops.WithLabelValues(r.name).Inc()
	r.logger.Debug("Stream dropped",
		zap.String("registry", r.name),
		zap.Uint64("id", id),
		zap.String("reason", reason),
		zap.Error(err))
}

// Len reports the number of currently registered streams.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}

// CloseAll removes every stream, closing handles that support it. Used at
// shutdown after the subscribers have stopped producing updates.
func (r *Registry[T]) CloseAll() {
	r.mu.Lock()
	streams := r.streams
	r.streams = make(map[uint64]*subscription[T])
	r.mu.Unlock()

	for _, sub := range streams {
		if closer, ok := sub.stream.(io.Closer); ok {
			_ = closer.Close()
		}
		metrics.ActiveStreams.WithLabelValues(r.name).Dec()
	}
}
