package watcher

import (
	"fmt"
	"log/slog"
	"runtime"
	"time"
)

// Backend names the change source a Watcher arms on the watched root.
type Backend string

const (
	// BackendNative uses the platform notification facility directly:
	// inotify on Linux, change notifications plus ReadDirectoryChangesW on
	// Windows.
	BackendNative Backend = "native"
	// BackendFSNotify uses github.com/fsnotify/fsnotify.
	BackendFSNotify Backend = "fsnotify"
	// BackendPoll scans the tree periodically with github.com/radovskyb/watcher.
	BackendPoll Backend = "poll"
)

// source is one armed watch on a root directory. A Watcher drives it from a
// single goroutine, so implementations need no locking of their own.
type source interface {
	// wait blocks for at most timeout and reports whether changes are ready
	// to read. A non-nil error is fatal to the watcher.
	wait(timeout time.Duration) (bool, error)
	// read drains one bufferful of changes as records relative to the root.
	// Records decoded before a fatal error are returned along with it.
	read() ([]Record, error)
	// rearm hands the buffer back to the OS after a drain.
	rearm() error
	close() error
}

// waitMillis converts a native wait timeout to whole milliseconds, never
// less than one. A zero wait would turn the Idle loop into a busy spin.
func waitMillis(timeout time.Duration) int64 {
	ms := timeout.Milliseconds()
	if ms < 1 {
		return 1
	}
	return ms
}

type sourceFactory func(root string, opts Options, logger *slog.Logger) (source, error)

// nativeFactory is set by the platform file that provides a native source.
var nativeFactory sourceFactory

func openSource(root string, opts Options, logger *slog.Logger) (source, error) {
	switch opts.Backend {
	case BackendNative, "":
		if nativeFactory == nil {
			return nil, fmt.Errorf("watcher: no native backend on %s; use %q or %q",
				runtime.GOOS, BackendFSNotify, BackendPoll)
		}
		return nativeFactory(root, opts, logger)
	case BackendFSNotify:
		return newFSNotifySource(root, opts, logger)
	case BackendPoll:
		return newPollSource(root, opts, logger)
	default:
		return nil, fmt.Errorf("watcher: unknown backend %q", opts.Backend)
	}
}
