package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/exgate/hftgate/internal/fanout"
	"github.com/exgate/hftgate/pkg/models"
)

// errSlowConsumer is returned by Send when the client's buffer is full. The
// registry treats it like any delivery failure and drops the stream.
var errSlowConsumer = errors.New("ws: slow consumer, send buffer full")

// wsStream adapts a websocket connection to a fan-out stream. Updates go
// through a buffered channel drained by a single write pump so Broadcast
// never blocks on client I/O.
type wsStream[T any] struct {
	conn         *websocket.Conn
	send         chan T
	writeTimeout time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSStream[T any](conn *websocket.Conn, buffer int, writeTimeout time.Duration) *wsStream[T] {
	return &wsStream[T]{
		conn:         conn,
		send:         make(chan T, buffer),
		writeTimeout: writeTimeout,
		closed:       make(chan struct{}),
	}
}

// Send enqueues one update without blocking.
func (w *wsStream[T]) Send(item T) error {
	select {
	case <-w.closed:
		return errors.New("ws: stream closed")
	default:
	}

	select {
	case w.send <- item:
		return nil
	default:
		return errSlowConsumer
	}
}

// Close shuts the stream down. Safe to call more than once.
func (w *wsStream[T]) Close() error {
	w.closeOnce.Do(func() { close(w.closed) })
	return w.conn.Close()
}

// writePump drains the send buffer onto the wire. Exits on write error or
// Close.
func (w *wsStream[T]) writePump() {
	for {
		select {
		case item := <-w.send:
			_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
			if err := w.conn.WriteJSON(item); err != nil {
				_ = w.Close()
				return
			}
		case <-w.closed:
			return
		}
	}
}

// readPump discards client frames and cancels the stream context when the
// peer goes away, so the registry prunes it on the next broadcast.
func (w *wsStream[T]) readPump(cancel context.CancelFunc) {
	defer cancel()
	defer w.Close()
	for {
		if _, _, err := w.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// serveStream upgrades the request and keeps the stream registered until the
// client disconnects or the server shuts down.
func serveStream[T models.Keyed](s *Server, c *gin.Context, registry *fanout.Registry[T], keys []string) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	stream := newWSStream[T](conn, s.cfg.WSSendBuffer, s.cfg.WSWriteTimeout)

	ctx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()

	id := registry.Register(stream, keys, ctx)
	defer registry.Unregister(id)

	go stream.readPump(cancel)
	go func() {
		<-ctx.Done()
		_ = stream.Close()
	}()

	// Block the handler for the lifetime of the connection.
	stream.writePump()
}

func wsCheckOrigin(r *http.Request) bool { return true }
