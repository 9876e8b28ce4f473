//go:build !linux && !windows

package watcher

import (
	"os"

	"github.com/dirwatch/dirwatch/internal/event"
)

// probe falls back to os.Lstat where neither statx nor the Win32 attribute
// block is available. Access and creation times are not exposed portably, so
// all three timestamps carry the modification time.
func probe(path string) (*event.FileMetadata, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}

	mode := fi.Mode()
	kind := entryKind(mode.IsDir(), mode&os.ModeSymlink != 0)

	var size uint64
	if kind == event.KindFile && fi.Size() > 0 {
		size = uint64(fi.Size())
	}

	ts := formatTimestamp(fi.ModTime())
	return event.NewFileMetadata(kind, size, formatPermissions(uint32(mode.Perm())), ts, ts, ts), nil
}
