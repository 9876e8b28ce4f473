// Package cache holds the latest change per path behind a single owning
// goroutine.
//
// Every operation is a request sent to that goroutine, which handles one
// request to completion before taking the next. Nothing else touches the
// underlying map, so reads never observe a half-applied write and no lock
// guards the data. Requests that expect an answer carry their own reply
// channel, so concurrent callers can never receive each other's replies.
//
// Entries are kept in upsert order. Pop removes the least recently upserted
// path and Snapshot lists paths from least to most recently upserted.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/dirwatch/dirwatch/internal/event"
	"github.com/dirwatch/dirwatch/internal/metrics"
)

// ErrStopped is returned by operations issued after Run has returned.
var ErrStopped = errors.New("cache: actor stopped")

type opKind int

const (
	opUpsert opKind = iota
	opPushBack
	opSnapshot
	opPop
	opIsEmpty
	opLen
)

type request struct {
	// ctx is the caller's context. A pop whose caller has already gone is
	// answered without removing anything.
	ctx    context.Context
	op     opKind
	change event.Change
	reply  chan response
}

type response struct {
	changes []event.Change
	change  event.Change
	ok      bool
	n       int
}

// Cache is a handle to the actor. It is safe to share between goroutines.
type Cache struct {
	logger *slog.Logger
	reqs   chan request
	done   chan struct{}
	once   sync.Once

	// entries is owned by the Run goroutine.
	entries *simplelru.LRU[string, event.ChangeEvent]
}

// Option configures a Cache.
type Option func(*config)

type config struct {
	maxEntries int
	queueSize  int
}

// WithMaxEntries bounds the cache. When full, the least recently upserted
// path is evicted. n <= 0 means unbounded, which is the default.
func WithMaxEntries(n int) Option {
	return func(c *config) { c.maxEntries = n }
}

// WithQueueSize sets the inbound request queue capacity. Defaults to 256.
func WithQueueSize(n int) Option {
	return func(c *config) { c.queueSize = n }
}

// New creates a Cache. Call Run to start serving requests.
func New(logger *slog.Logger, opts ...Option) (*Cache, error) {
	cfg := config{queueSize: 256}
	for _, opt := range opts {
		opt(&cfg)
	}

	size := cfg.maxEntries
	if size <= 0 {
		size = math.MaxInt
	}
	// Add reports evictions directly. An eviction callback would also fire
	// for RemoveOldest, which is a pop here.
	entries, err := simplelru.NewLRU[string, event.ChangeEvent](size, nil)
	if err != nil {
		return nil, fmt.Errorf("cache: new: %w", err)
	}

	if cfg.queueSize < 0 {
		cfg.queueSize = 0
	}

	return &Cache{
		logger:  logger,
		reqs:    make(chan request, cfg.queueSize),
		done:    make(chan struct{}),
		entries: entries,
	}, nil
}

// Run serves requests until ctx is cancelled. It must be called exactly
// once; further calls return immediately.
func (c *Cache) Run(ctx context.Context) {
	first := false
	c.once.Do(func() { first = true })
	if !first {
		return
	}
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-c.reqs:
			c.handle(req)
		}
	}
}

// Done is closed once Run has returned.
func (c *Cache) Done() <-chan struct{} {
	return c.done
}

func (c *Cache) handle(req request) {
	switch req.op {
	case opUpsert:
		if c.entries.Add(req.change.Path, req.change.Event) {
			metrics.CacheEvictions.Inc()
			c.logger.Debug("cache: size limit reached, evicted oldest entry")
		}
		metrics.CacheUpserts.Inc()
		metrics.CacheEntries.Set(float64(c.entries.Len()))
		return

	case opPushBack:
		// A newer event for the path wins over the returned one.
		if c.entries.Contains(req.change.Path) {
			return
		}
		if c.entries.Add(req.change.Path, req.change.Event) {
			metrics.CacheEvictions.Inc()
		}
		metrics.CacheEntries.Set(float64(c.entries.Len()))
		return

	case opSnapshot:
		keys := c.entries.Keys()
		out := make([]event.Change, 0, len(keys))
		for _, k := range keys {
			ev, _ := c.entries.Peek(k)
			out = append(out, event.Change{Path: k, Event: ev})
		}
		req.reply <- response{changes: out}

	case opPop:
		if req.ctx != nil && req.ctx.Err() != nil {
			req.reply <- response{}
			return
		}
		path, ev, ok := c.entries.RemoveOldest()
		if ok {
			metrics.CachePops.Inc()
			metrics.CacheEntries.Set(float64(c.entries.Len()))
		}
		req.reply <- response{change: event.Change{Path: path, Event: ev}, ok: ok}

	case opIsEmpty, opLen:
		req.reply <- response{n: c.entries.Len()}
	}
}

func (c *Cache) send(ctx context.Context, req request) error {
	select {
	case <-c.done:
		return ErrStopped
	default:
	}
	select {
	case c.reqs <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

func (c *Cache) call(ctx context.Context, op opKind) (response, error) {
	req := request{ctx: ctx, op: op, reply: make(chan response, 1)}
	if err := c.send(ctx, req); err != nil {
		return response{}, err
	}
	if op == opPop {
		return c.await(req)
	}
	select {
	case resp := <-req.reply:
		return resp, nil
	case <-ctx.Done():
		return response{}, ctx.Err()
	case <-c.done:
		// Run may have answered just before exiting.
		select {
		case resp := <-req.reply:
			return resp, nil
		default:
			return response{}, ErrStopped
		}
	}
}

// await waits for the actor's answer to a queued request regardless of the
// caller's context. The actor checks that context itself, so an entry is
// only removed when its answer reaches a caller.
func (c *Cache) await(req request) (response, error) {
	select {
	case resp := <-req.reply:
		return resp, nil
	case <-c.done:
		select {
		case resp := <-req.reply:
			return resp, nil
		default:
			return response{}, ErrStopped
		}
	}
}

// Upsert records change as the latest event for its path, replacing any
// earlier one. It does not wait for the actor to apply it.
func (c *Cache) Upsert(ctx context.Context, change event.Change) error {
	return c.send(ctx, request{op: opUpsert, change: change})
}

// PushBack returns a popped change that could not be handed on. It is
// re-inserted as the most recent entry unless an event for the same path has
// been upserted since, in which case the returned change is discarded.
func (c *Cache) PushBack(ctx context.Context, change event.Change) error {
	return c.send(ctx, request{op: opPushBack, change: change})
}

// Snapshot returns a copy of every entry, least recently upserted first.
func (c *Cache) Snapshot(ctx context.Context) ([]event.Change, error) {
	resp, err := c.call(ctx, opSnapshot)
	if err != nil {
		return nil, err
	}
	return resp.changes, nil
}

// Pop removes and returns the least recently upserted entry. ok is false
// when the cache is empty.
//
// A Pop whose ctx is done before the actor reaches it removes nothing and
// returns ctx's error. Once an entry has been removed it is always returned,
// with a nil error, even if ctx was cancelled in the meantime.
func (c *Cache) Pop(ctx context.Context) (change event.Change, ok bool, err error) {
	resp, err := c.call(ctx, opPop)
	if err != nil {
		return event.Change{}, false, err
	}
	if !resp.ok && ctx.Err() != nil {
		return event.Change{}, false, ctx.Err()
	}
	return resp.change, resp.ok, nil
}

// IsEmpty reports whether the cache holds no entries when the request is
// processed.
func (c *Cache) IsEmpty(ctx context.Context) (bool, error) {
	resp, err := c.call(ctx, opIsEmpty)
	if err != nil {
		return false, err
	}
	return resp.n == 0, nil
}

// Len returns the number of cached paths.
func (c *Cache) Len(ctx context.Context) (int, error) {
	resp, err := c.call(ctx, opLen)
	if err != nil {
		return 0, err
	}
	return resp.n, nil
}
