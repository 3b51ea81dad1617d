// Package settings is a small persisted key-value store holding the local
// configuration of a peer, most notably its identity.
package settings

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// DefaultIdentityKey is the key under which peers keep their identity.
const DefaultIdentityKey = "ClientId"

var bucketSettings = []byte("settings")

// Store is safe for concurrent use.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the database at path, creating parent directories
// when needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSettings)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Get returns fs.ErrNotExist when key is not set.
func (s *Store) Get(key string) (r []byte, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSettings).Get([]byte(key))
		if v == nil {
			return fs.ErrNotExist
		}
		r = make([]byte, len(v))
		copy(r, v)
		return nil
	})
	return
}

func (s *Store) Set(key string, val []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Put([]byte(key), val)
	})
}

func (s *Store) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Delete([]byte(key))
	})
}

// EnsureIdentity returns the identity stored under key, generating and
// persisting a random one the first time.
func (s *Store) EnsureIdentity(key string) (string, error) {
	var id string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		if v := b.Get([]byte(key)); len(v) > 0 {
			id = string(v)
			return nil
		}
		id = uuid.New().String()
		return b.Put([]byte(key), []byte(id))
	})
	return id, err
}

func (s *Store) Close() error {
	if s.db == nil {
		return errors.New("settings: store already closed")
	}
	err := s.db.Close()
	s.db = nil
	return err
}
