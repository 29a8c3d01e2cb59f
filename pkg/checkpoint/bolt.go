package checkpoint

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bucket and key names for BoltDB.
var (
	bucketCheckpoint = []byte("checkpoint")
	keyState         = []byte("state")
)

// BoltConfig holds BoltStore configuration options.
type BoltConfig struct {
	// Path is the database file path.
	Path string

	// Version is the indexer version stamped on the checkpoint.
	Version string

	// NoSync disables fsync after each write (faster but less durable).
	NoSync bool
}

// BoltStore is a Store backed by a single BoltDB file.
type BoltStore struct {
	db      *bolt.DB
	version string
	closed  atomic.Bool
}

// OpenBolt creates or opens a checkpoint database at config.Path.
func OpenBolt(config BoltConfig) (*BoltStore, error) {
	// Ensure directory exists.
	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := bolt.Open(config.Path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
		NoSync:  config.NoSync,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCheckpoint)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	return &BoltStore{db: db, version: config.Version}, nil
}

// update runs fn on the stored checkpoint inside one write transaction.
// fn returns the new checkpoint and whether to persist it.
func (s *BoltStore) update(fn func(c Checkpoint) (Checkpoint, bool)) (Checkpoint, error) {
	if s.closed.Load() {
		return Checkpoint{}, ErrClosed
	}

	var out Checkpoint
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCheckpoint)

		current, found, err := decode(b.Get(keyState))
		if err != nil {
			return err
		}
		if !found {
			current = Checkpoint{Version: s.version, UpdatedAt: time.Now().UTC()}
		}

		next, changed := fn(current)
		out = next
		if !changed && found {
			return nil
		}
		data, err := encode(next)
		if err != nil {
			return err
		}
		return b.Put(keyState, data)
	})
	return out, err
}

// Load implements Store.
func (s *BoltStore) Load(ctx context.Context) (Checkpoint, error) {
	return s.update(func(c Checkpoint) (Checkpoint, bool) {
		return c, false
	})
}

// Advance implements Store.
func (s *BoltStore) Advance(ctx context.Context, slot uint64, signature string) (Checkpoint, error) {
	return s.update(func(c Checkpoint) (Checkpoint, bool) {
		return Advanced(c, slot, signature, time.Now().UTC())
	})
}

// SetRunning implements Store.
func (s *BoltStore) SetRunning(ctx context.Context, running bool) error {
	_, err := s.update(func(c Checkpoint) (Checkpoint, bool) {
		now := time.Now().UTC()
		c.IsRunning = running
		if running {
			c.StartedAt = &now
			c.Version = s.version
		}
		c.UpdatedAt = now
		return c, true
	})
	return err
}

// Reset implements Store.
func (s *BoltStore) Reset(ctx context.Context, slot uint64) error {
	_, err := s.update(func(c Checkpoint) (Checkpoint, bool) {
		c.LastProcessedSlot = slot
		c.LastProcessedSignature = ""
		c.UpdatedAt = time.Now().UTC()
		return c, true
	})
	return err
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func encode(c Checkpoint) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c); err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	return buf.Bytes(), nil
}

func decode(data []byte) (Checkpoint, bool, error) {
	var c Checkpoint
	if data == nil {
		return c, false, nil
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&c); err != nil {
		return c, false, fmt.Errorf("decode checkpoint: %w", err)
	}
	return c, true, nil
}

// Verify interface compliance.
var _ Store = (*BoltStore)(nil)
