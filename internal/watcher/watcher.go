// Package watcher turns change notifications under a directory tree into
// metadata-enriched change events.
//
// A Watcher owns one armed change source and runs a two-state loop. In Idle
// it waits on the source with a bounded timeout, checking for cancellation
// between waits. When the source signals, the loop enters Draining: it reads
// one bufferful of records, probes each entry, publishes the resulting
// events, rearms the source and returns to Idle.
//
// Any failure to arm, wait, read or rearm is fatal. The loop exits, the
// Events channel is closed and Err reports the cause.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dirwatch/dirwatch/internal/event"
	"github.com/dirwatch/dirwatch/internal/metrics"
)

const (
	// DefaultPollTimeout bounds each wait on the native facility.
	DefaultPollTimeout = 100 * time.Millisecond
	// DefaultBufferSize is the size of the notification buffer handed to
	// the OS on each drain.
	DefaultBufferSize = 8192
	// DefaultPollInterval is the scan period of the poll backend.
	DefaultPollInterval = 500 * time.Millisecond
)

// State is the position of the watch loop.
type State int32

const (
	StateIdle State = iota
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDraining:
		return "draining"
	default:
		return "stopped"
	}
}

// Options tunes a Watcher. Zero values take the package defaults.
type Options struct {
	Backend      Backend
	PollTimeout  time.Duration
	BufferSize   int
	PollInterval time.Duration
	// EventBuffer is the capacity of the Events channel.
	EventBuffer int
}

func (o *Options) applyDefaults() {
	if o.Backend == "" {
		o.Backend = BackendNative
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = DefaultPollTimeout
	}
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 64
	}
}

// Watcher watches one root directory recursively.
type Watcher struct {
	root   string
	opts   Options
	logger *slog.Logger

	probe func(string) (*event.FileMetadata, error)
	open  func() (source, error)

	events chan event.Change
	done   chan struct{}
	state  atomic.Int32

	mu  sync.Mutex
	err error

	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Watcher for root. Nothing is armed until Start.
func New(root string, logger *slog.Logger, opts Options) *Watcher {
	opts.applyDefaults()
	w := &Watcher{
		root:   root,
		opts:   opts,
		logger: logger,
		probe:  Probe,
		events: make(chan event.Change, opts.EventBuffer),
		done:   make(chan struct{}),
	}
	w.open = func() (source, error) { return openSource(root, w.opts, logger) }
	return w
}

// Start arms the change source and launches the watch loop. An error here
// means the root could not be watched at all; nothing is running and Stop is
// not required.
func (w *Watcher) Start(ctx context.Context) error {
	src, err := w.open()
	if err != nil {
		return fmt.Errorf("watcher: arm %q: %w", w.root, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.logger.Info("watcher: watching directory",
		slog.String("path", w.root),
		slog.String("backend", string(w.opts.Backend)),
	)

	w.wg.Add(1)
	go w.run(ctx, src)
	return nil
}

// Stop cancels the loop and waits for it to exit. Safe to call more than
// once, and after the loop has already failed.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		w.wg.Wait()
	})
}

// Events returns the channel of published changes. It is closed when the
// loop exits for any reason.
func (w *Watcher) Events() <-chan event.Change {
	return w.events
}

// Done is closed after the loop has exited and Events has been closed.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// Err returns the fatal error that ended the loop, or nil if it ended by
// cancellation or is still running.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// State reports the current loop state.
func (w *Watcher) State() State {
	return State(w.state.Load())
}

func (w *Watcher) run(ctx context.Context, src source) {
	defer w.wg.Done()

	err := w.loop(ctx, src)
	if cerr := src.close(); cerr != nil {
		w.logger.Warn("watcher: close source", slog.Any("error", cerr))
	}
	if err != nil {
		w.logger.Error("watcher: stopped on fatal error",
			slog.String("path", w.root),
			slog.Any("error", err),
		)
		w.mu.Lock()
		w.err = err
		w.mu.Unlock()
	}

	w.state.Store(int32(StateStopped))
	close(w.events)
	close(w.done)
}

func (w *Watcher) loop(ctx context.Context, src source) error {
	for {
		w.state.Store(int32(StateIdle))
		if ctx.Err() != nil {
			return nil
		}

		changed, err := src.wait(w.opts.PollTimeout)
		if err != nil {
			return fmt.Errorf("watcher: wait: %w", err)
		}
		if !changed {
			continue
		}

		w.state.Store(int32(StateDraining))
		// A read error may come with records decoded before it; they are
		// published before the error ends the loop.
		records, readErr := src.read()
		metrics.RecordsDecoded.Add(float64(len(records)))

		for _, rec := range records {
			if !w.publish(ctx, w.resolve(rec)) {
				return nil
			}
		}
		if readErr != nil {
			return fmt.Errorf("watcher: read changes: %w", readErr)
		}

		if err := src.rearm(); err != nil {
			return fmt.Errorf("watcher: rearm: %w", err)
		}
	}
}

// resolve joins rec onto the root and attaches probe results. A failed probe
// still yields an event, with nil metadata.
func (w *Watcher) resolve(rec Record) event.Change {
	path := joinRoot(w.root, rec.Name)

	md, err := w.probe(path)
	if err != nil {
		metrics.ProbeFailures.Inc()
		w.logger.Debug("watcher: no metadata",
			slog.String("path", path),
			slog.Any("error", err),
		)
	}

	return event.Change{
		Path:  path,
		Event: event.ChangeEvent{Action: rec.Action, Metadata: md},
	}
}

func (w *Watcher) publish(ctx context.Context, c event.Change) bool {
	select {
	case w.events <- c:
		w.logger.Debug("watcher: published change",
			slog.String("action", c.Event.Action.String()),
			slog.String("path", c.Path),
		)
		return true
	case <-ctx.Done():
		return false
	}
}

// joinRoot appends name to root with a single separator. Unlike
// filepath.Join it does not clean the result, so the name is kept exactly as
// the OS reported it.
func joinRoot(root, name string) string {
	if name == "" {
		return root
	}
	if strings.HasSuffix(root, string(os.PathSeparator)) {
		return root + name
	}
	return root + string(os.PathSeparator) + name
}
