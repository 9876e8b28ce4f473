//go:build linux

package watcher

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/dirwatch/dirwatch/internal/event"
)

// probe stats path with statx(2) without following a trailing symlink. Birth
// time is used for Created when the filesystem reports it; otherwise the
// status-change time stands in.
func probe(path string) (*event.FileMetadata, error) {
	var st unix.Statx_t
	err := unix.Statx(unix.AT_FDCWD, path, unix.AT_SYMLINK_NOFOLLOW,
		unix.STATX_BASIC_STATS|unix.STATX_BTIME, &st)
	if err != nil {
		return nil, err
	}

	format := uint32(st.Mode) & unix.S_IFMT
	kind := entryKind(format == unix.S_IFDIR, format == unix.S_IFLNK)

	created := st.Ctime
	if st.Mask&unix.STATX_BTIME != 0 {
		created = st.Btime
	}

	return event.NewFileMetadata(
		kind,
		st.Size,
		formatPermissions(uint32(st.Mode)&0o7777),
		formatTimestamp(statxTime(st.Mtime)),
		formatTimestamp(statxTime(st.Atime)),
		formatTimestamp(statxTime(created)),
	), nil
}

func statxTime(ts unix.StatxTimestamp) time.Time {
	return time.Unix(ts.Sec, int64(ts.Nsec))
}
