package pending

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	metadataBucket = "metadata"
	versionKey     = "version"

	// StorageVersion is bumped on incompatible layout changes.
	StorageVersion = 0
)

// BoltBackend stores each (queue, uid) list as a nested bucket keyed by a
// big-endian sequence number, so cursor order is insertion order.
type BoltBackend struct {
	db   *bolt.DB
	opts Options
}

func OpenBolt(path string, opts Options) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		for _, q := range []string{QueueRequests, QueueMessages} {
			if _, err := tx.CreateBucketIfNotExists([]byte(q)); err != nil {
				return err
			}
		}
		if b := meta.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != StorageVersion {
				return fmt.Errorf("pending storage: incompatible version: %d", uint(b[0]))
			}
			return nil
		}
		return meta.Put([]byte(versionKey), []byte{StorageVersion})
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &BoltBackend{db: db, opts: opts}, nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func (s *BoltBackend) Push(_ context.Context, queue, uid string, records ...string) error {
	if len(records) == 0 {
		return nil
	}
	if uid == "" {
		return errors.New("pending: empty uid")
	}
	var dropped int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		qb, err := tx.CreateBucketIfNotExists([]byte(queue))
		if err != nil {
			return err
		}
		ub, err := qb.CreateBucketIfNotExists([]byte(uid))
		if err != nil {
			return err
		}
		for _, r := range records {
			seq, err := ub.NextSequence()
			if err != nil {
				return err
			}
			if err := ub.Put(itob(seq), []byte(r)); err != nil {
				return err
			}
		}
		n, err := s.trim(ub)
		if err != nil {
			return err
		}
		dropped = n
		return nil
	})
	if err != nil {
		return err
	}
	s.opts.trimmed(queue, uid, dropped)
	return nil
}

func (s *BoltBackend) trim(ub *bolt.Bucket) (int64, error) {
	if s.opts.MaxKeep <= 0 {
		return 0, nil
	}
	var keys [][]byte
	c := ub.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	excess := int64(len(keys)) - s.opts.MaxKeep
	for i := int64(0); i < excess; i++ {
		if err := ub.Delete(keys[i]); err != nil {
			return 0, err
		}
	}
	return max(excess, 0), nil
}

// Drain reads the list and deletes its bucket in one read-write transaction.
func (s *BoltBackend) Drain(_ context.Context, queue, uid string) ([]string, error) {
	var out []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		qb := tx.Bucket([]byte(queue))
		if qb == nil {
			return nil
		}
		ub := qb.Bucket([]byte(uid))
		if ub == nil {
			return nil
		}
		if err := ub.ForEach(func(_, v []byte) error {
			out = append(out, string(v))
			return nil
		}); err != nil {
			return err
		}
		return qb.DeleteBucket([]byte(uid))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltBackend) Count(_ context.Context, queue, uid string) (int64, error) {
	var n int64
	err := s.db.View(func(tx *bolt.Tx) error {
		qb := tx.Bucket([]byte(queue))
		if qb == nil {
			return nil
		}
		ub := qb.Bucket([]byte(uid))
		if ub == nil {
			return nil
		}
		c := ub.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (s *BoltBackend) Close() error { return s.db.Close() }
