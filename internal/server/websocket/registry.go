// Package websocket provides the push surface: a WebSocket endpoint that
// drains the event cache one entry at a time.
//
// Delivery semantics
//
//   - Every connected client runs its own poll loop against the shared
//     cache. A popped entry goes to exactly one client; clients compete for
//     entries, they do not each receive a copy.
//   - An entry whose write fails after it was popped is dropped and logged.
//     Delivery is at most once across the set of connected clients.
//   - A close frame from the client ends that client's loop only. An entry
//     popped for a client that closed before it was written goes back to the
//     cache unless a newer event for its path has arrived.
package websocket

import (
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/dirwatch/dirwatch/internal/metrics"
)

// client is one connected push consumer.
type client struct {
	id        string
	conn      *websocket.Conn
	stop      chan struct{}
	closeOnce sync.Once
}

// shutdown asks the client's loop to exit.
func (c *client) shutdown() {
	c.closeOnce.Do(func() { close(c.stop) })
}

// registry tracks connected clients so they can be counted and shut down
// together. It is safe for concurrent use.
type registry struct {
	clients sync.Map // map[string]*client
	count   atomic.Int64
	closed  atomic.Bool
	mu      sync.Mutex
}

// register stores c. It reports false, and stores nothing, once the registry
// has been closed.
func (r *registry) register(c *client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return false
	}
	r.clients.Store(c.id, c)
	r.count.Add(1)
	metrics.PushClients.Inc()
	return true
}

// unregister removes the client with id. Unknown ids are a no-op.
func (r *registry) unregister(id string) {
	if _, loaded := r.clients.LoadAndDelete(id); loaded {
		r.count.Add(-1)
		metrics.PushClients.Dec()
	}
}

func (r *registry) len() int {
	return int(r.count.Load())
}

// close stops every registered client and rejects new ones.
func (r *registry) close() {
	r.mu.Lock()
	r.closed.Store(true)
	r.mu.Unlock()

	r.clients.Range(func(_, v any) bool {
		v.(*client).shutdown()
		return true
	})
}
