package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/dirwatch/dirwatch/internal/event"
)

// FileSink writes the snapshot as a JSON array of [path, event] pairs. Each
// pass writes a temporary file next to the target and renames it over the
// previous one, so a crash mid-write leaves the old state intact.
type FileSink struct {
	fs   afero.Fs
	path string
}

// NewFileSink returns a sink writing to path on fsys. A nil fsys means the
// operating system filesystem.
func NewFileSink(fsys afero.Fs, path string) *FileSink {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &FileSink{fs: fsys, path: path}
}

func (s *FileSink) Name() string { return "file" }

// Path returns the target file path.
func (s *FileSink) Path() string { return s.path }

// Save implements Sink.
func (s *FileSink) Save(_ context.Context, changes []event.Change) error {
	data, err := json.Marshal(event.ToStatePairs(changes))
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := afero.TempFile(s.fs, dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp file in %q: %w", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("write %q: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("close %q: %w", tmpName, err)
	}
	if err := s.fs.Rename(tmpName, s.path); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("rename %q to %q: %w", tmpName, s.path, err)
	}
	return nil
}

// Load implements Loader. A missing file yields an empty snapshot.
func (s *FileSink) Load(_ context.Context) ([]event.Change, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", s.path, err)
	}

	var pairs []event.StatePair
	if err := json.Unmarshal(data, &pairs); err != nil {
		return nil, fmt.Errorf("parse %q: %w", s.path, err)
	}
	return event.FromStatePairs(pairs), nil
}

func (s *FileSink) Close() error { return nil }
