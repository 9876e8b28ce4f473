// Package agent contains the dirwatch orchestrator. It wires the directory
// watcher, the event cache, the persistence sinks, the change journal and
// the HTTP surfaces together and manages their lifecycle through a shared
// context.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/dirwatch/dirwatch/internal/cache"
	"github.com/dirwatch/dirwatch/internal/config"
	"github.com/dirwatch/dirwatch/internal/event"
	"github.com/dirwatch/dirwatch/internal/journal"
	"github.com/dirwatch/dirwatch/internal/persist"
	"github.com/dirwatch/dirwatch/internal/server/rest"
	"github.com/dirwatch/dirwatch/internal/server/websocket"
	"github.com/dirwatch/dirwatch/internal/watcher"
)

// ShutdownTimeout bounds the HTTP drain and the final persistence pass.
const ShutdownTimeout = 30 * time.Second

// Watcher is the directory watcher contract. *watcher.Watcher implements it.
type Watcher interface {
	// Start arms the watch. An error means nothing is running.
	Start(ctx context.Context) error
	// Stop cancels the loop and waits for it to exit.
	Stop()
	// Events is closed when the loop exits.
	Events() <-chan event.Change
	// Err returns the fatal error that ended the loop, if any.
	Err() error
}

// Journal records every change before it reaches the cache.
type Journal interface {
	Record(c event.Change) (journal.Entry, error)
	Close() error
}

// Agent is the central orchestrator of dirwatch.
type Agent struct {
	cfg    *config.Config
	logger *slog.Logger

	watcher  Watcher
	sinks    []persist.Sink
	journal  Journal
	fs       afero.Fs
	listener net.Listener

	cache     *cache.Cache
	push      *websocket.Handler
	handler   http.Handler
	persister *persist.Persister

	startTime time.Time

	mu          sync.RWMutex
	lastEventAt time.Time
	watcherErr  error
	running     bool
}

// Option is a functional option for Agent construction.
type Option func(*Agent)

// WithWatcher replaces the watcher built from the configuration.
func WithWatcher(w Watcher) Option {
	return func(a *Agent) { a.watcher = w }
}

// WithSinks replaces the persistence sinks built from the configuration.
// The first sink that implements persist.Loader is used for restore.
func WithSinks(sinks ...persist.Sink) Option {
	return func(a *Agent) { a.sinks = sinks }
}

// WithJournal replaces the journal opened from the configuration.
func WithJournal(j Journal) Option {
	return func(a *Agent) { a.journal = j }
}

// WithFs sets the filesystem used for the state file. Defaults to the OS
// filesystem.
func WithFs(fs afero.Fs) Option {
	return func(a *Agent) { a.fs = fs }
}

// WithListener serves HTTP on l instead of listening on cfg.BindAddr.
func WithListener(l net.Listener) Option {
	return func(a *Agent) { a.listener = l }
}

// New creates an Agent from a validated configuration. Components not
// supplied through options are built from cfg when Run starts.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Agent, error) {
	a := &Agent{
		cfg:    cfg,
		logger: logger,
		fs:     afero.NewOsFs(),
	}
	for _, opt := range opts {
		opt(a)
	}

	c, err := cache.New(logger, cache.WithMaxEntries(cfg.Cache.MaxEntries))
	if err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}
	a.cache = c

	srvOpts := []rest.ServerOption{rest.WithHealth(http.HandlerFunc(a.HealthzHandler))}
	routerCfg := rest.RouterConfig{JWTSecret: cfg.Auth.JWTSecret}
	if cfg.Log.Enabled {
		routerCfg.Logger = logger
	}
	if cfg.Mode == config.ModePush {
		a.push = websocket.NewHandler(c, logger, cfg.Push.Interval, 0)
		routerCfg.Push = a.push
	}
	a.handler = rest.NewRouter(rest.NewServer(c, logger, srvOpts...), routerCfg)

	return a, nil
}

// Handler returns the HTTP handler serving every route.
func (a *Agent) Handler() http.Handler {
	return a.handler
}

// Run starts every component and blocks until ctx is cancelled or a
// component fails. On return the final persistence pass has run and all
// resources are released.
//
// A watcher failure after start makes Run return the watcher's error once the
// final persistence pass is done. With watch.exit_on_failure off, health is
// marked degraded instead and the cache keeps being served.
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return errors.New("agent: already running")
	}
	a.running = true
	a.startTime = time.Now()
	a.mu.Unlock()

	if err := a.openComponents(ctx); err != nil {
		a.closeComponents()
		return err
	}

	// The cache outlives the other components so the final pass can read it.
	cacheCtx, stopCache := context.WithCancel(context.Background())
	go a.cache.Run(cacheCtx)
	defer func() {
		stopCache()
		<-a.cache.Done()
		a.closeComponents()
		a.logger.Info("dirwatch stopped")
	}()

	a.restore(cacheCtx)

	g, gctx := errgroup.WithContext(ctx)

	if err := a.watcher.Start(gctx); err != nil {
		return fmt.Errorf("agent: %w", err)
	}

	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.BindAddr)
		if err != nil {
			a.watcher.Stop()
			return fmt.Errorf("agent: listen on %s: %w", a.cfg.BindAddr, err)
		}
	}

	a.logger.Info("dirwatch started",
		slog.String("watch_path", a.cfg.WatchPath),
		slog.String("bind_addr", ln.Addr().String()),
		slog.String("mode", string(a.cfg.Mode)),
		slog.Bool("autosave", a.cfg.Autosave.Enabled),
	)

	g.Go(func() error { return a.forward(gctx, cacheCtx) })
	g.Go(func() error {
		a.persister.Run(gctx)
		return nil
	})
	g.Go(func() error { return a.serve(gctx, ln) })

	err := g.Wait()
	a.watcher.Stop()

	saveCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	_ = a.persister.SaveNow(saveCtx)

	return err
}

// openComponents builds whatever was not injected: watcher, sinks, journal
// and the persister over the sinks.
func (a *Agent) openComponents(ctx context.Context) error {
	if a.watcher == nil {
		a.watcher = watcher.New(a.cfg.WatchPath, a.logger, watcher.Options{
			Backend:      watcher.Backend(a.cfg.Watch.Backend),
			PollTimeout:  a.cfg.Watch.PollTimeout,
			BufferSize:   a.cfg.Watch.BufferSize,
			PollInterval: a.cfg.Watch.PollInterval,
		})
	}

	if a.sinks == nil {
		sinks, err := OpenSinks(ctx, a.cfg, a.fs)
		if err != nil {
			return err
		}
		a.sinks = sinks
	}

	if a.journal == nil && a.cfg.Journal.Path != "" {
		j, err := journal.Open(a.cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("agent: %w", err)
		}
		a.journal = j
	}

	var interval time.Duration
	if a.cfg.Autosave.Enabled {
		interval = a.cfg.AutosaveInterval()
	}
	a.persister = persist.New(a.cache, a.logger, interval, a.sinks...)
	return nil
}

func (a *Agent) closeComponents() {
	if a.persister != nil {
		if err := a.persister.Close(); err != nil {
			a.logger.Warn("error closing persistence sinks", slog.Any("error", err))
		}
	} else {
		for _, s := range a.sinks {
			_ = s.Close()
		}
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Warn("error closing journal", slog.Any("error", err))
		}
	}
}

// OpenSinks opens the state file sink and every mirror named in cfg. On
// error, sinks already opened are closed.
func OpenSinks(ctx context.Context, cfg *config.Config, fs afero.Fs) ([]persist.Sink, error) {
	sinks := []persist.Sink{persist.NewFileSink(fs, cfg.Persist.StatePath)}

	fail := func(err error) ([]persist.Sink, error) {
		for _, s := range sinks {
			_ = s.Close()
		}
		return nil, fmt.Errorf("agent: %w", err)
	}

	if cfg.Persist.SQLitePath != "" {
		s, err := persist.NewSQLiteSink(cfg.Persist.SQLitePath)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}
	if cfg.Persist.BoltPath != "" {
		s, err := persist.NewBoltSink(cfg.Persist.BoltPath)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}
	if cfg.Persist.PostgresDSN != "" {
		s, err := persist.NewPostgresSink(ctx, cfg.Persist.PostgresDSN)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

// restore reloads the last saved snapshot into the cache. Failures are
// logged; the service starts with whatever was loaded.
func (a *Agent) restore(ctx context.Context) {
	if !a.cfg.Persist.Restore {
		return
	}
	for _, s := range a.sinks {
		loader, ok := s.(persist.Loader)
		if !ok {
			continue
		}
		changes, err := loader.Load(ctx)
		if err != nil {
			a.logger.Warn("restore: cannot load saved state",
				slog.String("sink", s.Name()), slog.Any("error", err))
			return
		}
		for _, c := range changes {
			if err := a.cache.Upsert(ctx, c); err != nil {
				a.logger.Warn("restore: upsert failed", slog.Any("error", err))
				return
			}
		}
		a.logger.Info("restore: loaded saved state",
			slog.String("sink", s.Name()), slog.Int("entries", len(changes)))
		return
	}
}

// forward moves changes from the watcher into the cache until the watcher
// stops. Upserts use cacheCtx so changes drained during shutdown still land
// before the final persistence pass.
func (a *Agent) forward(ctx, cacheCtx context.Context) error {
	for c := range a.watcher.Events() {
		a.mu.Lock()
		a.lastEventAt = time.Now()
		a.mu.Unlock()

		if a.journal != nil {
			if _, err := a.journal.Record(c); err != nil {
				a.logger.Warn("failed to journal change", slog.String("path", c.Path), slog.Any("error", err))
			}
		}
		if err := a.cache.Upsert(cacheCtx, c); err != nil {
			a.logger.Warn("failed to cache change", slog.String("path", c.Path), slog.Any("error", err))
			continue
		}
		a.logger.Info(fmt.Sprintf("%s: %s", c.Event.Action, c.Path))
	}

	err := a.watcher.Err()
	if err == nil {
		return nil
	}

	a.mu.Lock()
	a.watcherErr = err
	a.mu.Unlock()

	if a.cfg.Watch.ExitOnFailure {
		return fmt.Errorf("agent: watcher failed: %w", err)
	}
	a.logger.Error("watcher failed; serving last known cache", slog.Any("error", err))
	<-ctx.Done()
	return nil
}

// serve runs the HTTP server until ctx is cancelled, then drains it.
func (a *Agent) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      a.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("agent: http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	// Hijacked WebSocket connections are not drained by Shutdown.
	if a.push != nil {
		a.push.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http server shutdown", slog.Any("error", err))
	}
	return nil
}

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status       string  `json:"status"`
	UptimeS      float64 `json:"uptime_s"`
	CacheEntries int     `json:"cache_entries"`
	LastEventAt  string  `json:"last_event_at,omitempty"`
	WatcherError string  `json:"watcher_error,omitempty"`
}

// Health returns a snapshot of the current health state. Status is
// "degraded" once the watcher has failed.
func (a *Agent) Health(ctx context.Context) HealthStatus {
	a.mu.RLock()
	h := HealthStatus{
		Status:  "ok",
		UptimeS: time.Since(a.startTime).Seconds(),
	}
	if !a.lastEventAt.IsZero() {
		h.LastEventAt = a.lastEventAt.UTC().Format(time.RFC3339)
	}
	if a.watcherErr != nil {
		h.Status = "degraded"
		h.WatcherError = a.watcherErr.Error()
	}
	a.mu.RUnlock()

	if n, err := a.cache.Len(ctx); err == nil {
		h.CacheEntries = n
	}
	return h
}

// HealthzHandler responds with the health status as JSON: HTTP 200 when ok,
// 503 when degraded.
func (a *Agent) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()

	h := a.Health(ctx)
	code := http.StatusOK
	if h.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		a.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}
