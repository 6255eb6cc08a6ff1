package persistence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltBackend keeps one bucket per task in a bolt database file.
type BoltBackend struct {
	db *bolt.DB
}

// NewBoltBackend opens (or creates) the bolt file at path. A file locked by
// another process makes it fail with bolt.ErrTimeout after one second.
func NewBoltBackend(path string) (*BoltBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	return &BoltBackend{db: db}, nil
}

func (b *BoltBackend) Get(ctx context.Context, taskID, key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(taskID))
		if bucket == nil {
			return ErrNotFound
		}
		v := bucket.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// v is only valid inside the transaction
		value = append([]byte(nil), v...)
		return nil
	})
	return value, err
}

func (b *BoltBackend) Set(ctx context.Context, taskID, key string, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(taskID))
		if err != nil {
			return fmt.Errorf("failed to create bucket for %q: %w", taskID, err)
		}
		return bucket.Put([]byte(key), value)
	})
}

func (b *BoltBackend) Replace(ctx context.Context, taskID string, record map[string][]byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(taskID)); err != nil && err != bolt.ErrBucketNotFound {
			return fmt.Errorf("failed to drop record of %q: %w", taskID, err)
		}
		bucket, err := tx.CreateBucket([]byte(taskID))
		if err != nil {
			return fmt.Errorf("failed to create bucket for %q: %w", taskID, err)
		}
		for key, value := range record {
			if err := bucket.Put([]byte(key), value); err != nil {
				return fmt.Errorf("failed to write %q of %q: %w", key, taskID, err)
			}
		}
		return nil
	})
}

func (b *BoltBackend) Remove(ctx context.Context, taskID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket([]byte(taskID))
		if err == bolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
}

func (b *BoltBackend) TaskIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			ids = append(ids, string(name))
			return nil
		})
	})
	return ids, err
}

// Close releases the file lock.
func (b *BoltBackend) Close() error {
	return b.db.Close()
}
