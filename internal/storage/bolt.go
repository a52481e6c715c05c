package storage

import (
	"bytes"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var bucketSessions = []byte("sessions")

// BoltMedium implements Medium on a single-file bbolt database. One bucket
// holds every keyspace; key prefixes keep the main record, rotating backup
// slots, and the tracker's backup log apart.
type BoltMedium struct {
	db *bolt.DB
}

// NewBoltMedium opens (or creates) the database file at path.
func NewBoltMedium(path string) (*BoltMedium, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSessions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &BoltMedium{db: db}, nil
}

// NewBoltMediumReadOnly opens the database without taking the write lock,
// for inspection tools running beside a live process.
func NewBoltMediumReadOnly(path string) (*BoltMedium, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return &BoltMedium{db: db}, nil
}

func (b *BoltMedium) Get(key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(key))
		if data == nil {
			return ErrKeyNotFound
		}
		value = make([]byte, len(data))
		copy(value, data)
		return nil
	})
	return value, err
}

func (b *BoltMedium) Put(key string, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Put([]byte(key), value)
	})
}

func (b *BoltMedium) Delete(key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(key))
	})
}

func (b *BoltMedium) Keys(prefix string) ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSessions).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys, err
}

func (b *BoltMedium) Close() error {
	return b.db.Close()
}
