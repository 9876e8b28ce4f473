package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
	"time"

	"github.com/dirwatch/dirwatch/internal/event"
)

// ErrNotFound is returned by Probe when the entry no longer exists. This is
// the common case for deletes and for the old side of a rename.
var ErrNotFound = errors.New("watcher: entry not found")

// ProbeError wraps any other OS failure from a metadata probe.
type ProbeError struct {
	Path string
	// Code is the platform error number, or 0 when the failure did not carry
	// one.
	Code uintptr
	Err  error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("watcher: probe %q: %v (code %d)", e.Path, e.Err, e.Code)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// Probe performs a single non-following stat of path and returns its
// normalised metadata. Callers treat any error as "no metadata available".
func Probe(path string) (*event.FileMetadata, error) {
	md, err := probe(path)
	if err != nil {
		return nil, classifyProbeError(path, err)
	}
	return md, nil
}

func classifyProbeError(path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	pe := &ProbeError{Path: path, Err: err}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		pe.Code = uintptr(errno)
	}
	return pe
}

// entryKind applies the directory-over-reparse priority: a directory that is
// also a reparse point is reported as a directory.
func entryKind(isDir, isReparse bool) event.EntryKind {
	switch {
	case isDir:
		return event.KindDirectory
	case isReparse:
		return event.KindSymlink
	default:
		return event.KindFile
	}
}

// formatTimestamp renders t as RFC3339 with the local zone offset. A zero
// time renders as the empty string.
func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format(time.RFC3339)
}

func formatPermissions(bits uint32) string {
	return fmt.Sprintf("%o", bits)
}
