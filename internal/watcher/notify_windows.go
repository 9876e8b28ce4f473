//go:build windows

package watcher

import (
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/windows"
)

const notifyFilter uint32 = windows.FILE_NOTIFY_CHANGE_FILE_NAME |
	windows.FILE_NOTIFY_CHANGE_DIR_NAME |
	windows.FILE_NOTIFY_CHANGE_ATTRIBUTES |
	windows.FILE_NOTIFY_CHANGE_SIZE |
	windows.FILE_NOTIFY_CHANGE_LAST_WRITE |
	windows.FILE_NOTIFY_CHANGE_SECURITY

func init() {
	nativeFactory = newNotifySource
}

// notifySource pairs a change-notification handle, which is waited on, with a
// directory handle that ReadDirectoryChangesW fills the buffer from.
type notifySource struct {
	logger *slog.Logger
	change windows.Handle
	dir    windows.Handle
	buf    []byte
}

func newNotifySource(root string, opts Options, logger *slog.Logger) (source, error) {
	change, err := windows.FindFirstChangeNotification(root, true, notifyFilter)
	if err != nil {
		return nil, fmt.Errorf("FindFirstChangeNotification %q: %w", root, err)
	}

	p, err := windows.UTF16PtrFromString(root)
	if err != nil {
		windows.FindCloseChangeNotification(change)
		return nil, fmt.Errorf("encode %q: %w", root, err)
	}
	dir, err := windows.CreateFile(p,
		windows.FILE_LIST_DIRECTORY,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_FLAG_BACKUP_SEMANTICS,
		0,
	)
	if err != nil {
		windows.FindCloseChangeNotification(change)
		return nil, fmt.Errorf("open directory %q: %w", root, err)
	}

	return &notifySource{
		logger: logger,
		change: change,
		dir:    dir,
		buf:    make([]byte, opts.BufferSize),
	}, nil
}

func (s *notifySource) wait(timeout time.Duration) (bool, error) {
	ev, err := windows.WaitForSingleObject(s.change, uint32(waitMillis(timeout)))
	switch ev {
	case windows.WAIT_OBJECT_0:
		return true, nil
	case uint32(windows.WAIT_TIMEOUT):
		return false, nil
	default:
		return false, fmt.Errorf("unexpected wait result %#x: %v", ev, err)
	}
}

func (s *notifySource) read() ([]Record, error) {
	var n uint32
	err := windows.ReadDirectoryChanges(s.dir, &s.buf[0], uint32(len(s.buf)), true, notifyFilter, &n, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("ReadDirectoryChangesW: %w", err)
	}
	if n == 0 {
		s.logger.Warn("watcher: change buffer overflowed; some changes were dropped")
		return nil, nil
	}
	return DecodeNotify(s.buf, n), nil
}

func (s *notifySource) rearm() error {
	if err := windows.FindNextChangeNotification(s.change); err != nil {
		return fmt.Errorf("FindNextChangeNotification: %w", err)
	}
	return nil
}

func (s *notifySource) close() error {
	err := windows.FindCloseChangeNotification(s.change)
	if cerr := windows.CloseHandle(s.dir); err == nil {
		err = cerr
	}
	return err
}
