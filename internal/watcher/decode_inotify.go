package watcher

import (
	"encoding/binary"
	"strings"

	"github.com/dirwatch/dirwatch/internal/event"
)

// Linux inotify event flag constants (kernel ABI, <sys/inotify.h>).
const (
	inModify     uint32 = 0x2
	inAttrib     uint32 = 0x4
	inCloseWrite uint32 = 0x8
	inMovedFrom  uint32 = 0x40
	inMovedTo    uint32 = 0x80
	inCreate     uint32 = 0x100
	inDelete     uint32 = 0x200
	inDeleteSelf uint32 = 0x400
	inMoveSelf   uint32 = 0x800
	inQOverflow  uint32 = 0x4000
	inIgnored    uint32 = 0x8000
	inIsDir      uint32 = 0x40000000
)

// inotifyHeaderSize is sizeof(struct inotify_event) without the name:
//
//	int32_t  wd;     // 0
//	uint32_t mask;   // 4
//	uint32_t cookie; // 8
//	uint32_t len;    // 12, name length incl. NUL padding
//	char     name[]; // 16
const inotifyHeaderSize = 16

type inotifyRecord struct {
	wd     int32
	mask   uint32
	cookie uint32
	name   string
}

// decodeInotify walks a buffer filled by read(2) on an inotify descriptor.
// A truncated header or name ends the walk; nothing past len(buf) is read.
func decodeInotify(buf []byte) []inotifyRecord {
	var out []inotifyRecord
	for off := 0; off+inotifyHeaderSize <= len(buf); {
		rec := inotifyRecord{
			wd:     int32(binary.NativeEndian.Uint32(buf[off:])),
			mask:   binary.NativeEndian.Uint32(buf[off+4:]),
			cookie: binary.NativeEndian.Uint32(buf[off+8:]),
		}
		nameLen := binary.NativeEndian.Uint32(buf[off+12:])
		off += inotifyHeaderSize

		if uint64(nameLen) > uint64(len(buf)-off) {
			break
		}
		if nameLen > 0 {
			rec.name = strings.TrimRight(string(buf[off:off+int(nameLen)]), "\x00")
			off += int(nameLen)
		}
		out = append(out, rec)
	}
	return out
}

func actionFromInotify(mask uint32) event.ChangeAction {
	switch {
	case mask&inCreate != 0:
		return event.Created
	case mask&(inDelete|inDeleteSelf) != 0:
		return event.Deleted
	case mask&inMovedFrom != 0:
		return event.RenamedFrom
	case mask&inMovedTo != 0:
		return event.RenamedTo
	case mask&(inModify|inAttrib|inCloseWrite) != 0:
		return event.Modified
	default:
		return event.Unknown
	}
}
