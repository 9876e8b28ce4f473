package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dirwatch/dirwatch/internal/event"
	"github.com/dirwatch/dirwatch/internal/metrics"
)

// ConnectedMessage is the first text frame sent to every client.
const ConnectedMessage = "Connected"

// DefaultInterval is the per-client poll period.
const DefaultInterval = 10 * time.Millisecond

// maxMessageSize bounds frames read from clients. Clients only send control
// frames, so anything large is a misbehaving peer.
const maxMessageSize = 64 * 1024

// Cache is the subset of the cache actor the push loop uses.
type Cache interface {
	IsEmpty(ctx context.Context) (bool, error)
	Pop(ctx context.Context) (event.Change, bool, error)
	PushBack(ctx context.Context, change event.Change) error
}

// Handler is an http.Handler that upgrades connections to WebSocket and runs
// one poll loop per client.
type Handler struct {
	cache    Cache
	logger   *slog.Logger
	interval time.Duration

	// writeTimeout is how long the handler waits for a write to complete
	// before closing the connection.
	writeTimeout time.Duration

	upgrader websocket.Upgrader
	clients  registry
}

// NewHandler creates a Handler draining cache.
//
// interval <= 0 defaults to DefaultInterval. writeTimeout <= 0 defaults to
// 10 seconds.
func NewHandler(cache Cache, logger *slog.Logger, interval, writeTimeout time.Duration) *Handler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Handler{
		cache:        cache,
		logger:       logger,
		interval:     interval,
		writeTimeout: writeTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Origin is not checked; auth.jwt_secret restricts access.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ClientCount returns the number of connected clients.
func (h *Handler) ClientCount() int {
	return h.clients.len()
}

// Close stops every client loop, sending each a going-away close frame, and
// rejects further upgrades.
func (h *Handler) Close() {
	h.clients.close()
}

// ServeHTTP handles the HTTP to WebSocket upgrade and drives the connection
// lifecycle.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		h.logger.Debug("websocket: upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	c := &client{id: uuid.NewString(), conn: conn, stop: make(chan struct{})}
	if !h.clients.register(c) {
		h.writeClose(c, websocket.CloseGoingAway, "shutting down")
		return
	}
	defer h.clients.unregister(c.id)

	h.logger.Info("websocket: client connected",
		slog.String("client_id", c.id),
		slog.String("remote_addr", conn.RemoteAddr().String()),
	)

	if err := h.write(c, []byte(ConnectedMessage)); err != nil {
		h.logger.Warn("websocket: write failed",
			slog.String("client_id", c.id), slog.Any("error", err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		h.readLoop(c)
	}()

	h.pushLoop(ctx, c)
	cancel()

	select {
	case <-c.stop:
		h.writeClose(c, websocket.CloseGoingAway, "shutting down")
	default:
	}
	// Unblock the reader if the loop ended first.
	_ = conn.Close()
	<-readerDone

	h.logger.Info("websocket: client disconnected", slog.String("client_id", c.id))
}

// pushLoop polls the cache every interval and forwards at most one entry per
// tick. It returns when ctx is cancelled, the client is stopped, or a write
// fails.
func (h *Handler) pushLoop(ctx context.Context, c *client) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
		}

		empty, err := h.cache.IsEmpty(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				h.logger.Warn("websocket: cache unavailable",
					slog.String("client_id", c.id), slog.Any("error", err))
			}
			return
		}
		if empty {
			continue
		}

		// Another client may have taken the entry since IsEmpty.
		change, ok, err := h.cache.Pop(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				h.logger.Warn("websocket: cache unavailable",
					slog.String("client_id", c.id), slog.Any("error", err))
			}
			return
		}
		if !ok {
			continue
		}
		// The client closed while the pop was in flight; nothing was written.
		if ctx.Err() != nil {
			h.pushBack(c, change)
			return
		}

		msg, err := change.PushMessage()
		if err != nil {
			h.logger.Error("websocket: dropping entry",
				slog.String("path", change.Path), slog.Any("error", err))
			continue
		}
		if err := h.write(c, msg); err != nil {
			h.logger.Warn("websocket: write failed, entry dropped",
				slog.String("client_id", c.id),
				slog.String("path", change.Path),
				slog.Any("error", err),
			)
			return
		}
		metrics.PushDeliveries.Inc()
	}
}

// pushBack returns change to the cache after its client went away.
func (h *Handler) pushBack(c *client, change event.Change) {
	ctx, cancel := context.WithTimeout(context.Background(), h.writeTimeout)
	defer cancel()
	if err := h.cache.PushBack(ctx, change); err != nil {
		h.logger.Warn("websocket: entry dropped, client closed during pop",
			slog.String("client_id", c.id),
			slog.String("path", change.Path),
			slog.Any("error", err),
		)
		return
	}
	h.logger.Debug("websocket: entry returned to cache",
		slog.String("client_id", c.id), slog.String("path", change.Path))
}

// readLoop reads and discards client frames until the connection closes.
// gorilla answers close and ping frames from inside ReadMessage.
func (h *Handler) readLoop(c *client) {
	c.conn.SetReadLimit(maxMessageSize)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.logger.Debug("websocket: read failed",
					slog.String("client_id", c.id), slog.Any("error", err))
			}
			return
		}
	}
}

func (h *Handler) write(c *client, msg []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

func (h *Handler) writeClose(c *client, code int, text string) {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(h.writeTimeout))
}
