package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dirwatch/dirwatch/internal/event"
)

var errSourceClosed = errors.New("change source closed")

// fsnotifySource adapts fsnotify's channel API to the wait/read cycle. Each
// wait collects whatever events are already queued; read hands them over.
type fsnotifySource struct {
	root    string
	logger  *slog.Logger
	w       *fsnotify.Watcher
	pending []Record
}

func newFSNotifySource(root string, _ Options, logger *slog.Logger) (source, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	if err := w.Add(root); err != nil {
		w.Close()
		return nil, fmt.Errorf("fsnotify add %q: %w", root, err)
	}
	s := &fsnotifySource{root: root, logger: logger, w: w}
	s.addTree(root)
	return s, nil
}

func (s *fsnotifySource) addTree(base string) {
	_ = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() || path == s.root {
			return nil
		}
		if err := s.w.Add(path); err != nil {
			s.logger.Warn("watcher: fsnotify add failed", slog.String("path", path), slog.Any("error", err))
			return fs.SkipDir
		}
		return nil
	})
}

func (s *fsnotifySource) wait(timeout time.Duration) (bool, error) {
	if len(s.pending) > 0 {
		return true, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev, ok := <-s.w.Events:
		if !ok {
			return false, errSourceClosed
		}
		s.accept(ev)
	case err, ok := <-s.w.Errors:
		if !ok {
			return false, errSourceClosed
		}
		s.logger.Warn("watcher: fsnotify error", slog.Any("error", err))
		return false, nil
	case <-timer.C:
		return false, nil
	}

	// Take anything else already queued without blocking.
	for {
		select {
		case ev, ok := <-s.w.Events:
			if !ok {
				return len(s.pending) > 0, nil
			}
			s.accept(ev)
		default:
			return len(s.pending) > 0, nil
		}
	}
}

func (s *fsnotifySource) accept(ev fsnotify.Event) {
	rel, err := filepath.Rel(s.root, ev.Name)
	if err != nil || rel == "." {
		return
	}

	var action event.ChangeAction
	switch {
	case ev.Has(fsnotify.Create):
		action = event.Created
		s.addTree(ev.Name)
	case ev.Has(fsnotify.Remove):
		action = event.Deleted
	case ev.Has(fsnotify.Rename):
		action = event.RenamedFrom
	case ev.Has(fsnotify.Write), ev.Has(fsnotify.Chmod):
		action = event.Modified
	default:
		action = event.Unknown
	}
	s.pending = append(s.pending, Record{Name: rel, Action: action})
}

func (s *fsnotifySource) read() ([]Record, error) {
	out := s.pending
	s.pending = nil
	return out, nil
}

func (s *fsnotifySource) rearm() error { return nil }

func (s *fsnotifySource) close() error {
	return s.w.Close()
}
