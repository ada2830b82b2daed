package cache

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const tokenBucket = "tokens"

// BoltBackend stores partitions in a single BoltDB bucket keyed by type tag.
type BoltBackend struct {
	db *bbolt.DB
}

// OpenBolt opens (or creates) a BoltDB file at path.
func OpenBolt(path string) (*BoltBackend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("cache path is required")
	}

	cleanPath := filepath.Clean(path)
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", markUnavailable(err))
	}

	b := &BoltBackend{db: db}
	if err := b.ensureBucket(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *BoltBackend) ensureBucket() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(tokenBucket)); err != nil {
			return fmt.Errorf("create token bucket: %w", err)
		}
		return nil
	})
}

// Load reads one partition.
func (b *BoltBackend) Load(ctx context.Context, partition string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if b == nil || b.db == nil {
		return nil, false, ErrClosed
	}

	var out []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(tokenBucket))
		if bucket == nil {
			return fmt.Errorf("token bucket is missing")
		}
		payload := bucket.Get([]byte(partition))
		if payload == nil {
			return nil
		}
		// Bolt memory is only valid inside the transaction.
		out = make([]byte, len(payload))
		copy(out, payload)
		return nil
	})
	if err != nil {
		return nil, false, b.classify(err)
	}
	return out, out != nil, nil
}

// Store replaces one partition.
func (b *BoltBackend) Store(ctx context.Context, partition string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b == nil || b.db == nil {
		return ErrClosed
	}

	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(tokenBucket))
		if bucket == nil {
			return fmt.Errorf("token bucket is missing")
		}
		return bucket.Put([]byte(partition), data)
	})
	return b.classify(err)
}

// Clear drops and recreates the token bucket.
func (b *BoltBackend) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b == nil || b.db == nil {
		return ErrClosed
	}

	err := b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(tokenBucket)); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket([]byte(tokenBucket))
		return err
	})
	return b.classify(err)
}

// Close closes the underlying database.
func (b *BoltBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *BoltBackend) classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bbolt.ErrDatabaseNotOpen):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	case errors.Is(err, bbolt.ErrDatabaseReadOnly), errors.Is(err, bbolt.ErrTxNotWritable):
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	default:
		return markUnavailable(err)
	}
}
