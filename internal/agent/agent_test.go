package agent_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/dirwatch/dirwatch/internal/agent"
	"github.com/dirwatch/dirwatch/internal/config"
	"github.com/dirwatch/dirwatch/internal/event"
	"github.com/dirwatch/dirwatch/internal/journal"
	"github.com/dirwatch/dirwatch/internal/persist"
)

// --------------------------------------------------------------------------
// Test doubles
// --------------------------------------------------------------------------

// fakeWatcher is an in-memory Watcher. Its loop ends when the start context
// is cancelled or fail is called.
type fakeWatcher struct {
	startErr error
	events   chan event.Change

	mu       sync.Mutex
	err      error
	once     sync.Once
	stopped  chan struct{}
	stopCall int
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{
		events:  make(chan event.Change, 8),
		stopped: make(chan struct{}),
	}
}

func (f *fakeWatcher) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	go func() {
		select {
		case <-ctx.Done():
			f.end(nil)
		case <-f.stopped:
		}
	}()
	return nil
}

func (f *fakeWatcher) end(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		close(f.events)
		close(f.stopped)
	})
}

func (f *fakeWatcher) Stop() {
	f.mu.Lock()
	f.stopCall++
	f.mu.Unlock()
	f.end(nil)
}

func (f *fakeWatcher) fail(err error) { f.end(err) }

func (f *fakeWatcher) Events() <-chan event.Change { return f.events }

func (f *fakeWatcher) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// recordingJournal keeps every recorded change.
type recordingJournal struct {
	mu      sync.Mutex
	changes []event.Change
	closed  bool
}

func (j *recordingJournal) Record(c event.Change) (journal.Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.changes = append(j.changes, c)
	return journal.Entry{Seq: int64(len(j.changes)), Path: c.Path, Event: c.Event}, nil
}

func (j *recordingJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closed = true
	return nil
}

func (j *recordingJournal) len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.changes)
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

const statePath = "/state.json"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.WatchPath = t.TempDir()
	cfg.Persist.StatePath = statePath
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return cfg
}

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// running is an agent started on a loopback listener.
type running struct {
	base   string
	cancel context.CancelFunc
	errCh  chan error
}

func (r *running) stop(t *testing.T) error {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop in time")
		return nil
	}
}

func start(t *testing.T, cfg *config.Config, opts ...agent.Option) (*agent.Agent, *running) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	a, err := agent.New(cfg, noopLogger(), append(opts, agent.WithListener(ln))...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{base: "http://" + ln.Addr().String(), cancel: cancel, errCh: make(chan error, 1)}
	go func() { r.errCh <- a.Run(ctx) }()
	t.Cleanup(cancel)

	waitFor(t, func() bool {
		resp, err := http.Get(r.base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	})
	return a, r
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func getCache(t *testing.T, base string) []event.Change {
	t.Helper()
	resp, err := http.Get(base + "/get_cache")
	if err != nil {
		t.Fatalf("GET /get_cache: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("GET /get_cache: status %d", resp.StatusCode)
	}
	var out []event.Change
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func getHealth(t *testing.T, base string) (int, agent.HealthStatus) {
	t.Helper()
	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	var h agent.HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	return resp.StatusCode, h
}

func change(path string, action event.ChangeAction) event.Change {
	return event.Change{Path: path, Event: event.ChangeEvent{Action: action}}
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestAgent_StartReturnsErrorWhenWatcherFails(t *testing.T) {
	w := newFakeWatcher()
	w.startErr = errors.New("watch start failed")

	a, err := agent.New(testConfig(t), noopLogger(),
		agent.WithWatcher(w), agent.WithFs(afero.NewMemMapFs()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Run(context.Background()); err == nil {
		t.Fatal("expected Run to fail when the watcher cannot start")
	}
}

// TestAgent_EventFlowToCacheAndState verifies that watcher changes reach the
// pull endpoint and the journal, and that shutdown writes the state file.
func TestAgent_EventFlowToCacheAndState(t *testing.T) {
	fs := afero.NewMemMapFs()
	w := newFakeWatcher()
	j := &recordingJournal{}

	_, r := start(t, testConfig(t),
		agent.WithWatcher(w), agent.WithFs(fs), agent.WithJournal(j))

	w.events <- change("/tmp/a.txt", event.Created)
	w.events <- change("/tmp/b.txt", event.Modified)
	w.events <- change("/tmp/a.txt", event.Deleted)

	waitFor(t, func() bool { return j.len() == 3 })

	var got []event.Change
	waitFor(t, func() bool {
		got = getCache(t, r.base)
		return len(got) == 2
	})
	// A re-upserted path moves behind the others.
	if got[0].Path != "/tmp/b.txt" {
		t.Errorf("first entry = %+v, want /tmp/b.txt", got[0])
	}
	if got[1].Path != "/tmp/a.txt" || got[1].Event.Action != event.Deleted {
		t.Errorf("second entry = %+v, want /tmp/a.txt Deleted", got[1])
	}

	if err := r.stop(t); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if !j.closed {
		t.Error("journal not closed on shutdown")
	}

	saved, err := persist.NewFileSink(fs, statePath).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(saved) != 2 {
		t.Fatalf("saved %d entries, want 2", len(saved))
	}
}

func TestAgent_RestoresSavedState(t *testing.T) {
	fs := afero.NewMemMapFs()
	seed := []event.Change{change("/tmp/old.txt", event.Modified)}
	if err := persist.NewFileSink(fs, statePath).Save(context.Background(), seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, r := start(t, testConfig(t), agent.WithWatcher(newFakeWatcher()), agent.WithFs(fs))
	defer r.stop(t)

	got := getCache(t, r.base)
	if len(got) != 1 || got[0].Path != "/tmp/old.txt" {
		t.Errorf("restored cache = %+v", got)
	}
}

func TestAgent_RestoreDisabled(t *testing.T) {
	fs := afero.NewMemMapFs()
	seed := []event.Change{change("/tmp/old.txt", event.Modified)}
	if err := persist.NewFileSink(fs, statePath).Save(context.Background(), seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	cfg := testConfig(t)
	cfg.Persist.Restore = false
	_, r := start(t, cfg, agent.WithWatcher(newFakeWatcher()), agent.WithFs(fs))
	defer r.stop(t)

	if got := getCache(t, r.base); len(got) != 0 {
		t.Errorf("cache = %+v, want empty", got)
	}
}

func TestAgent_HealthzOK(t *testing.T) {
	w := newFakeWatcher()
	_, r := start(t, testConfig(t), agent.WithWatcher(w), agent.WithFs(afero.NewMemMapFs()))
	defer r.stop(t)

	code, h := getHealth(t, r.base)
	if code != http.StatusOK {
		t.Errorf("expected 200, got %d", code)
	}
	if h.Status != "ok" {
		t.Errorf("status = %q, want ok", h.Status)
	}
	if h.LastEventAt != "" {
		t.Errorf("last_event_at = %q before any event", h.LastEventAt)
	}

	w.events <- change("/tmp/x", event.Created)
	waitFor(t, func() bool {
		_, h := getHealth(t, r.base)
		return h.CacheEntries == 1 && h.LastEventAt != ""
	})
}

// TestAgent_WatcherFailureDegrades verifies that a runtime watcher failure
// keeps the service up with degraded health.
func TestAgent_WatcherFailureDegrades(t *testing.T) {
	cfg := testConfig(t)
	cfg.Watch.ExitOnFailure = false
	w := newFakeWatcher()
	_, r := start(t, cfg, agent.WithWatcher(w), agent.WithFs(afero.NewMemMapFs()))

	w.events <- change("/tmp/x", event.Created)
	w.fail(errors.New("overflow"))

	var h agent.HealthStatus
	var code int
	waitFor(t, func() bool {
		code, h = getHealth(t, r.base)
		return h.Status == "degraded"
	})
	if code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", code)
	}
	if !strings.Contains(h.WatcherError, "overflow") {
		t.Errorf("watcher_error = %q", h.WatcherError)
	}
	if got := getCache(t, r.base); len(got) != 1 {
		t.Errorf("cache = %+v, want the entry seen before the failure", got)
	}

	if err := r.stop(t); err != nil {
		t.Errorf("Run returned %v", err)
	}
}

func TestAgent_WatcherFailureExits(t *testing.T) {
	fs := afero.NewMemMapFs()
	w := newFakeWatcher()
	_, r := start(t, testConfig(t), agent.WithWatcher(w), agent.WithFs(fs))

	w.events <- change("/tmp/x", event.Created)
	w.fail(errors.New("overflow"))

	select {
	case err := <-r.errCh:
		if err == nil || !strings.Contains(err.Error(), "overflow") {
			t.Errorf("Run returned %v, want watcher error", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after watcher failure")
	}

	saved, err := persist.NewFileSink(fs, statePath).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(saved) != 1 || saved[0].Path != "/tmp/x" {
		t.Errorf("saved = %+v, want the entry seen before the failure", saved)
	}
}

func TestAgent_PushModeMountsWebSocket(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mode = config.ModePush
	_, r := start(t, cfg, agent.WithWatcher(newFakeWatcher()), agent.WithFs(afero.NewMemMapFs()))
	defer r.stop(t)

	resp, err := http.Get(r.base + "/ws")
	if err != nil {
		t.Fatalf("GET /ws: %v", err)
	}
	resp.Body.Close()
	// A plain GET reaches the upgrader, which rejects it.
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 from the upgrader, got %d", resp.StatusCode)
	}
}

func TestAgent_CannotRunTwice(t *testing.T) {
	a, r := start(t, testConfig(t), agent.WithWatcher(newFakeWatcher()), agent.WithFs(afero.NewMemMapFs()))
	defer r.stop(t)

	if err := a.Run(context.Background()); err == nil {
		t.Fatal("expected second Run to fail")
	}
}

func TestOpenSinks(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	cfg.Persist.SQLitePath = dir + "/state.db"
	cfg.Persist.BoltPath = dir + "/state.bolt"

	sinks, err := agent.OpenSinks(context.Background(), cfg, afero.NewMemMapFs())
	if err != nil {
		t.Fatalf("OpenSinks: %v", err)
	}
	defer func() {
		for _, s := range sinks {
			_ = s.Close()
		}
	}()

	var names []string
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	if got := strings.Join(names, ","); got != "file,sqlite,bolt" {
		t.Errorf("sinks = %s, want file,sqlite,bolt", got)
	}
}
