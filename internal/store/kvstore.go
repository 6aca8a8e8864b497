package store

import (
	"context"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// docsBucket is the single bbolt bucket all room states are stored
// under, keyed by docName.
var docsBucket = []byte("docs")

// KVStore persists room state in a single embedded bbolt database,
// one key per room.
type KVStore struct {
	db *bolt.DB
}

// NewKVStore opens (or creates) a bbolt database at path.
func NewKVStore(path string) (*KVStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open %q: %w", path, err)
	}
	return &KVStore{db: db}, nil
}

// Init ensures the docs bucket exists.
func (k *KVStore) Init(ctx context.Context) error {
	err := k.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(docsBucket)
		return err
	})
	if err != nil {
		return fmt.Errorf("kvstore: init bucket: %w", err)
	}
	return nil
}

// Load returns the saved state for docName, if any.
func (k *KVStore) Load(ctx context.Context, docName string) ([]byte, bool, error) {
	var out []byte
	err := k.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(docsBucket)
		if b == nil {
			return nil
		}
		v := b.Get([]byte(docName))
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("kvstore: load %q: %w", docName, err)
	}
	return out, out != nil, nil
}

// Save replaces the persisted state for docName.
func (k *KVStore) Save(ctx context.Context, docName string, state []byte) error {
	err := k.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(docsBucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(docName), state)
	})
	if err != nil {
		return fmt.Errorf("kvstore: save %q: %w", docName, err)
	}
	return nil
}

// Close releases the underlying database file.
func (k *KVStore) Close() error {
	return k.db.Close()
}
