// Package settings persists the small set of user preferences that
// outlive any single review session: export credentials and the
// renameable field labels. Everything is keyed by fixed string names
// and survives until explicitly overwritten.
package settings

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const bucketName = "settings"

// Keys under which settings are stored
const (
	KeyNotionToken      = "notion_token"
	KeyNotionDatabaseID = "notion_database_id"
)

// Store defines the interface for settings persistence. A missing key
// reads as the empty string.
type Store interface {
	Get(key string) (string, error)
	Put(key, value string) error
	Close() error
}

// BoltStore implements the Store interface using BoltDB
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore creates a new BoltStore instance
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Get reads a setting; missing keys read as empty
func (b *BoltStore) Get(key string) (string, error) {
	var value string
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		if data := bucket.Get([]byte(key)); data != nil {
			value = string(data)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("reading setting %s: %w", key, err)
	}
	return value, nil
}

// Put overwrites a setting
func (b *BoltStore) Put(key, value string) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		return bucket.Put([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("writing setting %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying database
func (b *BoltStore) Close() error {
	return b.db.Close()
}
