package filtercache

import (
	"encoding/json"
	"fmt"
	"log"

	bolt "go.etcd.io/bbolt"
)

const bboltBucket = "filter_metadata"

// bboltMetaStore is a MetaStore backed by an embedded bbolt database.
// Entries survive process restarts. The database file is created at the
// given path if it does not exist.
type bboltMetaStore struct {
	db *bolt.DB
}

// newBboltMetaStore opens (or creates) the bbolt database at path and
// ensures the bucket exists.
func newBboltMetaStore(path string) (MetaStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bbolt filter metadata store %q: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bboltBucket))
		return err
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("create bbolt bucket: %w", err)
	}

	log.Printf("[FILTERCACHE] metadata store opened at %s", path)
	return &bboltMetaStore{db: db}, nil
}

func (s *bboltMetaStore) Get(fileName string) (Meta, bool) {
	var m Meta
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bboltBucket))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(fileName))
		if v == nil {
			return nil
		}
		if jerr := json.Unmarshal(v, &m); jerr != nil {
			return jerr
		}
		found = true
		return nil
	})
	if err != nil {
		log.Printf("[FILTERCACHE] bbolt Get error: %v", err)
		return Meta{}, false
	}
	return m, found
}

func (s *bboltMetaStore) Set(fileName string, m Meta) {
	v, err := json.Marshal(m)
	if err != nil {
		log.Printf("[FILTERCACHE] marshal metadata error: %v", err)
		return
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bboltBucket))
		if b == nil {
			return fmt.Errorf("bucket %q not found", bboltBucket)
		}
		return b.Put([]byte(fileName), v)
	}); err != nil {
		log.Printf("[FILTERCACHE] bbolt Set error: %v", err)
	}
}

func (s *bboltMetaStore) Delete(fileName string) {
	if err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bboltBucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(fileName))
	}); err != nil {
		log.Printf("[FILTERCACHE] bbolt Delete error: %v", err)
	}
}

func (s *bboltMetaStore) Close() error {
	return s.db.Close()
}
