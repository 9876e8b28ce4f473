//go:build windows

package watcher

import (
	"time"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/dirwatch/dirwatch/internal/event"
)

// probe reads the standard attribute block for path. GetFileAttributesEx does
// not traverse reparse points, so a symlink is reported as itself.
func probe(path string) (*event.FileMetadata, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, err
	}

	var data windows.Win32FileAttributeData
	if err := windows.GetFileAttributesEx(p, windows.GetFileExInfoStandard, (*byte)(unsafe.Pointer(&data))); err != nil {
		return nil, err
	}

	attrs := data.FileAttributes
	kind := entryKind(
		attrs&windows.FILE_ATTRIBUTE_DIRECTORY != 0,
		attrs&windows.FILE_ATTRIBUTE_REPARSE_POINT != 0,
	)

	var size uint64
	if kind == event.KindFile {
		size = uint64(data.FileSizeHigh)<<32 | uint64(data.FileSizeLow)
	}

	return event.NewFileMetadata(
		kind,
		size,
		formatPermissions(attrs),
		formatTimestamp(filetimeToTime(data.LastWriteTime)),
		formatTimestamp(filetimeToTime(data.LastAccessTime)),
		formatTimestamp(filetimeToTime(data.CreationTime)),
	), nil
}

// filetimeToTime converts a 100ns-since-1601 FILETIME to a Unix-based time.
func filetimeToTime(ft windows.Filetime) time.Time {
	if ft.HighDateTime == 0 && ft.LowDateTime == 0 {
		return time.Time{}
	}
	return time.Unix(0, ft.Nanoseconds())
}
