//go:build linux

package watcher_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dirwatch/dirwatch/internal/event"
	"github.com/dirwatch/dirwatch/internal/watcher"
)

// inoLogger returns a logger that discards all messages below error+10,
// keeping test output clean.
func inoLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 10}))
}

func startNativeWatcher(t *testing.T, root string) *watcher.Watcher {
	t.Helper()
	w := watcher.New(root, inoLogger(), watcher.Options{
		Backend:     watcher.BackendNative,
		PollTimeout: 10 * time.Millisecond,
	})
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(w.Stop)
	return w
}

// waitFor reads changes until one matches path and action, or the timeout
// expires.
func waitFor(t *testing.T, ch <-chan event.Change, path string, action event.ChangeAction) event.Change {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				t.Fatalf("events closed while waiting for %s %s", action, path)
			}
			if c.Path == path && c.Event.Action == action {
				return c
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s %s", action, path)
		}
	}
}

func TestInotifyCreateModifyDelete(t *testing.T) {
	root := t.TempDir()
	w := startNativeWatcher(t, root)

	path := filepath.Join(root, "a.txt")
	if err := os.WriteFile(path, []byte("one"), 0o644); err != nil {
		t.Fatal(err)
	}
	created := waitFor(t, w.Events(), path, event.Created)
	if created.Event.Metadata == nil {
		t.Error("expected metadata on create")
	}

	waitFor(t, w.Events(), path, event.Modified)

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	deleted := waitFor(t, w.Events(), path, event.Deleted)
	if deleted.Event.Metadata != nil {
		t.Errorf("expected nil metadata after delete, got %+v", deleted.Event.Metadata)
	}
}

func TestInotifyRename(t *testing.T) {
	root := t.TempDir()
	oldPath := filepath.Join(root, "old.txt")
	if err := os.WriteFile(oldPath, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	w := startNativeWatcher(t, root)

	newPath := filepath.Join(root, "new.txt")
	if err := os.Rename(oldPath, newPath); err != nil {
		t.Fatal(err)
	}
	waitFor(t, w.Events(), oldPath, event.RenamedFrom)
	waitFor(t, w.Events(), newPath, event.RenamedTo)
}

func TestInotifyRecursiveNewDirectory(t *testing.T) {
	root := t.TempDir()
	w := startNativeWatcher(t, root)

	sub := filepath.Join(root, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	mk := waitFor(t, w.Events(), sub, event.Created)
	if mk.Event.Metadata == nil || !mk.Event.Metadata.IsDir {
		t.Errorf("expected directory metadata, got %+v", mk.Event.Metadata)
	}

	// Give the new watch a moment; the create above triggered it.
	time.Sleep(20 * time.Millisecond)

	nested := filepath.Join(sub, "deep.txt")
	if err := os.WriteFile(nested, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, w.Events(), nested, event.Created)
}

func TestInotifyExistingSubdirectoryWatched(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "pre", "existing")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	w := startNativeWatcher(t, root)

	path := filepath.Join(sub, "f")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, w.Events(), path, event.Created)
}

func TestInotifyRootRemovedIsFatal(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "watched")
	if err := os.Mkdir(root, 0o755); err != nil {
		t.Fatal(err)
	}
	w := startNativeWatcher(t, root)

	if err := os.Remove(root); err != nil {
		t.Fatal(err)
	}

	select {
	case <-w.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("watcher kept running after the root was removed")
	}
	if w.Err() == nil {
		t.Error("expected a fatal error after the root was removed")
	}
}

// TestInotifyRemoveAllReportsChildren verifies that deleting the whole tree
// still delivers a Deleted change for every child before the watcher stops.
func TestInotifyRemoveAllReportsChildren(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "watched")
	if err := os.Mkdir(root, 0o755); err != nil {
		t.Fatal(err)
	}
	names := []string{"a.txt", "b.txt", "c.txt"}
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(root, n), []byte(n), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	w := startNativeWatcher(t, root)

	if err := os.RemoveAll(root); err != nil {
		t.Fatal(err)
	}

	deleted := make(map[string]bool)
	timeout := time.After(3 * time.Second)
	for done := false; !done; {
		select {
		case c, ok := <-w.Events():
			if !ok {
				done = true
				break
			}
			if c.Event.Action == event.Deleted {
				deleted[c.Path] = true
			}
		case <-timeout:
			t.Fatal("watcher kept running after the tree was removed")
		}
	}

	for _, n := range names {
		if p := filepath.Join(root, n); !deleted[p] {
			t.Errorf("no Deleted change for %s", p)
		}
	}
	if w.Err() == nil {
		t.Error("expected a fatal error after the root was removed")
	}
}

func TestInotifyMissingRoot(t *testing.T) {
	w := watcher.New(filepath.Join(t.TempDir(), "missing"), inoLogger(), watcher.Options{})
	if err := w.Start(context.Background()); err == nil {
		w.Stop()
		t.Fatal("expected Start to fail for a missing root")
	}
}
