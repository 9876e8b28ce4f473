package watcher

import (
	"encoding/binary"
	"unicode/utf16"

	"golang.org/x/text/encoding/unicode"

	"github.com/dirwatch/dirwatch/internal/event"
)

// FILE_NOTIFY_INFORMATION action codes (winnt.h).
const (
	fileActionAdded          uint32 = 1
	fileActionRemoved        uint32 = 2
	fileActionModified       uint32 = 3
	fileActionRenamedOldName uint32 = 4
	fileActionRenamedNewName uint32 = 5
)

// notifyHeaderSize is the fixed part of a FILE_NOTIFY_INFORMATION record:
//
//	DWORD NextEntryOffset; // 0
//	DWORD Action;          // 4
//	DWORD FileNameLength;  // 8, in bytes
//	WCHAR FileName[];      // 12
const notifyHeaderSize = 12

// Record is one decoded notification: a name relative to the watched root and
// the kind of change reported for it.
type Record struct {
	Name   string
	Action event.ChangeAction
}

var wideDecoder = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// DecodeNotify parses the first filled bytes of buf as a chain of
// FILE_NOTIFY_INFORMATION records and returns them in buffer order.
//
// Every offset and length is checked against filled before it is used. A
// record whose name would run past the filled region ends the walk, as does a
// next-entry offset of zero or one that points outside the buffer. Names are
// decoded from UTF-16LE with invalid units replaced by U+FFFD.
func DecodeNotify(buf []byte, filled uint32) []Record {
	n := len(buf)
	if uint64(filled) < uint64(n) {
		n = int(filled)
	}
	data := buf[:n]

	var out []Record
	off := 0
	for off+notifyHeaderSize <= len(data) {
		next := binary.LittleEndian.Uint32(data[off:])
		code := binary.LittleEndian.Uint32(data[off+4:])
		nameLen := binary.LittleEndian.Uint32(data[off+8:])

		start := off + notifyHeaderSize
		if uint64(nameLen) > uint64(len(data)-start) {
			break
		}

		out = append(out, Record{
			Name:   decodeWide(data[start : start+int(nameLen)]),
			Action: actionFromNotify(code),
		})

		if next == 0 || uint64(next) >= uint64(len(data)-off) {
			break
		}
		off += int(next)
	}
	return out
}

func actionFromNotify(code uint32) event.ChangeAction {
	switch code {
	case fileActionAdded:
		return event.Created
	case fileActionRemoved:
		return event.Deleted
	case fileActionModified:
		return event.Modified
	case fileActionRenamedOldName:
		return event.RenamedFrom
	case fileActionRenamedNewName:
		return event.RenamedTo
	default:
		return event.Unknown
	}
}

// decodeWide converts UTF-16LE bytes to a Go string, substituting U+FFFD for
// lone surrogates and a trailing odd byte.
func decodeWide(b []byte) string {
	s, err := wideDecoder.NewDecoder().Bytes(b)
	if err == nil {
		return string(s)
	}
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	out := string(utf16.Decode(units))
	if len(b)%2 != 0 {
		out += "�"
	}
	return out
}
