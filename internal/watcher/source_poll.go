package watcher

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	poller "github.com/radovskyb/watcher"

	"github.com/dirwatch/dirwatch/internal/event"
)

// pollSource scans the tree on an interval. It works on any filesystem,
// including network mounts where no notification facility exists.
type pollSource struct {
	root    string
	logger  *slog.Logger
	w       *poller.Watcher
	startc  chan error
	pending []Record
}

func newPollSource(root string, opts Options, logger *slog.Logger) (source, error) {
	w := poller.New()
	if err := w.AddRecursive(root); err != nil {
		return nil, fmt.Errorf("poll add %q: %w", root, err)
	}

	s := &pollSource{
		root:   root,
		logger: logger,
		w:      w,
		startc: make(chan error, 1),
	}

	go func() {
		s.startc <- w.Start(opts.PollInterval)
	}()

	// Start only returns early on error. Otherwise wait for the first scan
	// so Close is not a no-op.
	started := make(chan struct{})
	go func() {
		w.Wait()
		close(started)
	}()
	select {
	case <-started:
	case err := <-s.startc:
		return nil, fmt.Errorf("poll start: %w", err)
	}
	return s, nil
}

func (s *pollSource) wait(timeout time.Duration) (bool, error) {
	if len(s.pending) > 0 {
		return true, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-s.w.Event:
		s.accept(ev)
	case err := <-s.w.Error:
		if err == poller.ErrWatchedFileDeleted {
			return false, fmt.Errorf("%w: %s", err, s.root)
		}
		s.logger.Warn("watcher: poll error", slog.Any("error", err))
		return false, nil
	case <-s.w.Closed:
		return false, errSourceClosed
	case <-timer.C:
		return false, nil
	}

	for {
		select {
		case ev := <-s.w.Event:
			s.accept(ev)
		default:
			return len(s.pending) > 0, nil
		}
	}
}

func (s *pollSource) accept(ev poller.Event) {
	switch ev.Op {
	case poller.Rename, poller.Move:
		s.add(ev.OldPath, event.RenamedFrom)
		s.add(ev.Path, event.RenamedTo)
	case poller.Create:
		s.add(ev.Path, event.Created)
	case poller.Remove:
		s.add(ev.Path, event.Deleted)
	case poller.Write, poller.Chmod:
		s.add(ev.Path, event.Modified)
	default:
		s.add(ev.Path, event.Unknown)
	}
}

func (s *pollSource) add(path string, action event.ChangeAction) {
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == "." {
		return
	}
	s.pending = append(s.pending, Record{Name: rel, Action: action})
}

func (s *pollSource) read() ([]Record, error) {
	out := s.pending
	s.pending = nil
	return out, nil
}

func (s *pollSource) rearm() error { return nil }

func (s *pollSource) close() error {
	s.w.Close()
	return nil
}
