package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

const featuresBucket = "features" // Bucket name for cached feature entries

// boltEntry wraps a cached value with its absolute expiry so TTLs
// survive process restarts.
type boltEntry struct {
	Value     json.RawMessage `json:"value"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// BoltBackend is an embedded cache backend using BoltDB. It serves
// deployments without a Redis instance; entries past their TTL are
// treated as misses and lazily removed.
type BoltBackend struct {
	db *bbolt.DB
}

// NewBoltBackend opens (or creates) the cache database under dataPath.
func NewBoltBackend(dataPath string) (*BoltBackend, error) {
	dbPath := filepath.Join(dataPath, "feature-cache.db")

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(featuresBucket)); err != nil {
			return fmt.Errorf("create features bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltBackend{db: db}, nil
}

// Get returns the value stored under key, or ErrMiss if absent or
// expired. Expired entries are deleted in a follow-up write.
func (b *BoltBackend) Get(_ context.Context, key string) ([]byte, error) {
	var value []byte
	expired := false

	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(featuresBucket)).Get([]byte(key))
		if data == nil {
			return ErrMiss
		}

		var entry boltEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return fmt.Errorf("unmarshal cache entry: %w", err)
		}
		if time.Now().After(entry.ExpiresAt) {
			expired = true
			return ErrMiss
		}

		value = append([]byte(nil), entry.Value...)
		return nil
	})

	if expired {
		// Last-writer-wins is fine here; a concurrent refresh simply
		// re-creates the key.
		_ = b.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket([]byte(featuresBucket)).Delete([]byte(key))
		})
	}

	return value, err
}

// Set stores value under key with the given TTL.
func (b *BoltBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := boltEntry{Value: value, ExpiresAt: time.Now().Add(ttl)}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(featuresBucket)).Put([]byte(key), data)
	})
}

// Clear removes every entry whose key starts with prefix. Used by
// tests and by operators forcing a re-extraction.
func (b *BoltBackend) Clear(prefix string) (int, error) {
	removed := 0
	err := b.db.Update(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(featuresBucket)).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && hasPrefix(k, p); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// Close closes the database.
func (b *BoltBackend) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}
