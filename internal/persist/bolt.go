package persist

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/dirwatch/dirwatch/internal/event"
)

var stateBucket = []byte("state")

// BoltSink mirrors the snapshot into a bbolt bucket. Keys are big-endian
// sequence numbers so a cursor walk returns entries in snapshot order;
// values are [path, event] pairs.
type BoltSink struct {
	db *bolt.DB
}

// NewBoltSink opens (or creates) the bbolt file at path.
func NewBoltSink(path string) (*BoltSink, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %q: %w", path, err)
	}
	return &BoltSink{db: db}, nil
}

func (s *BoltSink) Name() string { return "bolt" }

// Save implements Sink.
func (s *BoltSink) Save(_ context.Context, changes []event.Change) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(stateBucket); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		b, err := tx.CreateBucket(stateBucket)
		if err != nil {
			return err
		}
		for i, c := range changes {
			v, err := json.Marshal(event.StatePair(c))
			if err != nil {
				return fmt.Errorf("marshal %q: %w", c.Path, err)
			}
			var k [8]byte
			binary.BigEndian.PutUint64(k[:], uint64(i))
			if err := b.Put(k[:], v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("bolt: save: %w", err)
	}
	return nil
}

// Load implements Loader.
func (s *BoltSink) Load(_ context.Context) ([]event.Change, error) {
	var out []event.Change
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(stateBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var p event.StatePair
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, event.Change(p))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("bolt: load: %w", err)
	}
	return out, nil
}

// Close closes the bbolt file.
func (s *BoltSink) Close() error {
	return s.db.Close()
}
