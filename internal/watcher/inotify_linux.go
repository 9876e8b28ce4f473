//go:build linux

package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// minInotifyBuffer fits at least one event with a NAME_MAX name.
const minInotifyBuffer = inotifyHeaderSize + unix.NAME_MAX + 1

const inotifyMask uint32 = unix.IN_CREATE | unix.IN_DELETE | unix.IN_MODIFY | unix.IN_ATTRIB |
	unix.IN_CLOSE_WRITE | unix.IN_MOVED_FROM | unix.IN_MOVED_TO | unix.IN_DELETE_SELF | unix.IN_MOVE_SELF

var errRootLost = errors.New("watched root was removed or moved")

func init() {
	nativeFactory = newInotifySource
}

// inotifySource watches a tree with one inotify descriptor. inotify is not
// recursive, so every directory under the root carries its own watch, and
// directories created later are added as their IN_CREATE arrives.
type inotifySource struct {
	root   string
	logger *slog.Logger
	fd     int
	buf    []byte

	rootWd int32
	// dirs maps a watch descriptor to its directory relative to root.
	dirs map[int32]string
}

func newInotifySource(root string, opts Options, logger *slog.Logger) (source, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("inotify_init1: %w", err)
	}

	size := opts.BufferSize
	if size < minInotifyBuffer {
		size = minInotifyBuffer
	}

	s := &inotifySource{
		root:   root,
		logger: logger,
		fd:     fd,
		buf:    make([]byte, size),
		dirs:   make(map[int32]string),
	}

	wd, err := unix.InotifyAddWatch(fd, root, inotifyMask|unix.IN_ONLYDIR)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("inotify_add_watch %q: %w", root, err)
	}
	s.rootWd = int32(wd)
	s.dirs[s.rootWd] = ""
	s.addTree("")

	return s, nil
}

// addTree adds watches for every directory below rel. Failures on
// subdirectories are logged and skipped; the rest of the tree stays watched.
func (s *inotifySource) addTree(rel string) {
	base := filepath.Join(s.root, rel)
	_ = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.logger.Debug("watcher: skip unreadable path", slog.String("path", path), slog.Any("error", err))
			return nil
		}
		if !d.IsDir() || path == s.root {
			return nil
		}
		wd, err := unix.InotifyAddWatch(s.fd, path, inotifyMask|unix.IN_ONLYDIR)
		if err != nil {
			s.logger.Warn("watcher: inotify_add_watch failed", slog.String("path", path), slog.Any("error", err))
			return fs.SkipDir
		}
		sub, err := filepath.Rel(s.root, path)
		if err != nil {
			return nil
		}
		s.dirs[int32(wd)] = sub
		return nil
	})
}

func (s *inotifySource) wait(timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(waitMillis(timeout)))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return false, fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	if fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		return false, fmt.Errorf("poll: inotify descriptor reported revents %#x", fds[0].Revents)
	}
	return fds[0].Revents&unix.POLLIN != 0, nil
}

func (s *inotifySource) read() ([]Record, error) {
	n, err := unix.Read(s.fd, s.buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("read inotify: %w", err)
	}
	if n <= 0 {
		return nil, nil
	}

	var out []Record
	for _, ev := range decodeInotify(s.buf[:n]) {
		if ev.mask&inQOverflow != 0 {
			s.logger.Warn("watcher: inotify queue overflowed; some changes were dropped")
			continue
		}
		if ev.wd == s.rootWd && ev.mask&(inDeleteSelf|inMoveSelf|inIgnored) != 0 {
			return out, errRootLost
		}
		if ev.mask&inIgnored != 0 {
			delete(s.dirs, ev.wd)
			continue
		}
		dir, ok := s.dirs[ev.wd]
		if !ok || ev.name == "" {
			continue
		}

		rel := ev.name
		if dir != "" {
			rel = dir + string(filepath.Separator) + ev.name
		}
		if ev.mask&inIsDir != 0 && ev.mask&(inCreate|inMovedTo) != 0 {
			s.addTree(rel)
		}
		out = append(out, Record{Name: rel, Action: actionFromInotify(ev.mask)})
	}
	return out, nil
}

// rearm is a no-op: an inotify descriptor stays armed between reads.
func (s *inotifySource) rearm() error { return nil }

func (s *inotifySource) close() error {
	return unix.Close(s.fd)
}
