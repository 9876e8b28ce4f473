// Package journal keeps an append-only, SHA-256 hash-chained record of every
// change the watcher publishes.
//
// The cache only remembers the latest event per path; the journal keeps
// them all. Each line is one JSON object:
//
//	{"seq":N,"ts":...,"path":...,"event":{...},"prev_hash":...,"hash":...}
//
// where hash is SHA-256 over the JSON of every other field and prev_hash is
// the previous line's hash, or GenesisHash for the first line. Editing,
// removing or reordering a line breaks the chain and is reported by Verify.
package journal

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/dirwatch/dirwatch/internal/event"
)

// GenesisHash is the prev_hash of the first entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// maxLine bounds a single journal line.
const maxLine = 4 * 1024 * 1024

// Entry is one journal line.
type Entry struct {
	Seq      int64             `json:"seq"`
	Time     time.Time         `json:"ts"`
	Path     string            `json:"path"`
	Event    event.ChangeEvent `json:"event"`
	PrevHash string            `json:"prev_hash"`
	Hash     string            `json:"hash"`
}

// hashed is Entry without its own hash.
type hashed struct {
	Seq      int64             `json:"seq"`
	Time     time.Time         `json:"ts"`
	Path     string            `json:"path"`
	Event    event.ChangeEvent `json:"event"`
	PrevHash string            `json:"prev_hash"`
}

func (e Entry) computeHash() (string, error) {
	raw, err := json.Marshal(hashed{
		Seq:      e.Seq,
		Time:     e.Time,
		Path:     e.Path,
		Event:    e.Event,
		PrevHash: e.PrevHash,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Change returns the change the entry records.
func (e Entry) Change() event.Change {
	return event.Change{Path: e.Path, Event: e.Event}
}

// Journal appends entries to a file. It is safe for concurrent use.
type Journal struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
	seq      int64
	now      func() time.Time
}

// Open opens or creates the journal at path. An existing journal is verified
// and extended; a broken chain is an error.
func Open(path string) (*Journal, error) {
	prevHash, seq := GenesisHash, int64(0)

	f, err := os.Open(path)
	switch {
	case err == nil:
		err = walk(f, func(e Entry) error {
			prevHash, seq = e.Hash, e.Seq
			return nil
		})
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("journal: resume %q: %w", path, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("journal: open for reading %q: %w", path, err)
	}

	f, err = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("journal: open for appending %q: %w", path, err)
	}
	return &Journal{
		file:     f,
		prevHash: prevHash,
		seq:      seq,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Record appends c and returns the written entry.
func (j *Journal) Record(c event.Change) (Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	e := Entry{
		Seq:      j.seq + 1,
		Time:     j.now(),
		Path:     c.Path,
		Event:    c.Event,
		PrevHash: j.prevHash,
	}
	h, err := e.computeHash()
	if err != nil {
		return Entry{}, fmt.Errorf("journal: hash entry: %w", err)
	}
	e.Hash = h

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("journal: marshal entry: %w", err)
	}
	line = append(line, '\n')
	if _, err := j.file.Write(line); err != nil {
		return Entry{}, fmt.Errorf("journal: write entry: %w", err)
	}

	j.seq = e.Seq
	j.prevHash = e.Hash
	return e, nil
}

// Close syncs and closes the file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.file.Sync(); err != nil {
		_ = j.file.Close()
		return fmt.Errorf("journal: sync: %w", err)
	}
	return j.file.Close()
}

// Verify reads the journal at path and checks the whole chain. It returns
// the entries in order, or the first error found.
func Verify(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("journal: verify open %q: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	if err := walk(f, func(e Entry) error {
		entries = append(entries, e)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("journal: verify %q: %w", path, err)
	}
	return entries, nil
}

// walk decodes and checks each line of r in order, calling fn for every
// valid entry.
func walk(r io.Reader, fn func(Entry) error) error {
	prevHash, prevSeq := GenesisHash, int64(0)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("malformed entry after seq %d: %w", prevSeq, err)
		}
		if e.Seq != prevSeq+1 {
			return fmt.Errorf("sequence gap: expected %d, got %d", prevSeq+1, e.Seq)
		}
		if e.PrevHash != prevHash {
			return fmt.Errorf("chain break at seq %d: expected prev_hash %q, got %q", e.Seq, prevHash, e.PrevHash)
		}
		computed, err := e.computeHash()
		if err != nil {
			return fmt.Errorf("hash seq %d: %w", e.Seq, err)
		}
		if computed != e.Hash {
			return fmt.Errorf("hash mismatch at seq %d: stored %q, computed %q", e.Seq, e.Hash, computed)
		}
		if err := fn(e); err != nil {
			return err
		}
		prevHash, prevSeq = e.Hash, e.Seq
	}
	return scanner.Err()
}
