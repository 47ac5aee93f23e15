// Package filtercache implements the persistent filter cache (spec
// component N): on-disk content-addressed filter-list bodies
// (<dir>/<sha256hex(url)>.txt`, per spec.md §6) plus a small bbolt-backed
// metadata store recording, per list URL, when it was last fetched and its
// ETag — so a sweep can send conditional requests and skip rewriting an
// unchanged body.
//
// The metadata index is bounded by an S3-FIFO eviction layer so the
// in-memory hot set does not grow unboundedly as lists are added and
// removed across config edits. Unlike the teacher's Ollama value cache,
// eviction here only ever drops metadata: the on-disk body for a still
// referenced list is never deleted, since it must survive a process
// restart even cold (spec.md §6's persistent state layout). A list's body
// file is only removed when the cache is explicitly told the list was
// removed, via Forget.
package filtercache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// Meta is the metadata bbolt tracks for one cached filter list.
type Meta struct {
	URL         string `json:"url"`
	LastFetched int64  `json:"last_fetched"`
	ETag        string `json:"etag"`
}

// MetaStore is the bbolt-backed metadata interface, analogous to the
// teacher's PersistentCache but keyed by content-addressed file name and
// valued by Meta rather than a bare string token.
type MetaStore interface {
	Get(fileName string) (Meta, bool)
	Set(fileName string, m Meta)
	Delete(fileName string)
	Close() error
}

// Cache is the persistent filter cache: on-disk bodies plus a bounded
// metadata index.
type Cache struct {
	dir   string
	index MetaStore
}

// New opens (or creates) the cache rooted at dir, with a metadata database
// at dir/filtercache.db and an in-memory S3-FIFO layer in front of it
// bounded to capacity entries.
func New(dir string, capacity int) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("filtercache: create dir %q: %w", dir, err)
	}
	backing, err := newBboltMetaStore(filepath.Join(dir, "filtercache.db"))
	if err != nil {
		return nil, err
	}
	return &Cache{
		dir:   dir,
		index: newS3FIFOMetaStore(backing, capacity),
	}, nil
}

// FileName returns the content-addressed file name for a filter list URL:
// sha256(url) hex-encoded plus ".txt", per spec.md §6.
func FileName(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:]) + ".txt"
}

// Lookup returns the cached metadata for url, if any entry is known.
func (c *Cache) Lookup(url string) (Meta, bool) {
	return c.index.Get(FileName(url))
}

// Body returns the on-disk body for url, if its file is present. A cache
// miss here is distinct from a metadata miss: a body can exist on disk for
// a list whose metadata entry was evicted from the hot set.
func (c *Cache) Body(url string) ([]byte, bool) {
	path := filepath.Join(c.dir, FileName(url))
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return b, true
}

// Store writes body to its content-addressed path and records fetch
// metadata (etag, fetch time) for url. fetchedAt is a unix timestamp,
// passed in rather than read from time.Now() so callers control the clock.
func (c *Cache) Store(url string, body []byte, etag string, fetchedAt int64) error {
	name := FileName(url)
	path := filepath.Join(c.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o600); err != nil {
		return fmt.Errorf("filtercache: write body for %q: %w", url, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("filtercache: rename body for %q: %w", url, err)
	}
	c.index.Set(name, Meta{URL: url, LastFetched: fetchedAt, ETag: etag})
	return nil
}

// Forget removes both the metadata entry and the on-disk body for url. Used
// when a filter list is explicitly removed from configuration, not by the
// S3-FIFO eviction path.
func (c *Cache) Forget(url string) {
	name := FileName(url)
	c.index.Delete(name)
	if err := os.Remove(filepath.Join(c.dir, name)); err != nil && !os.IsNotExist(err) {
		log.Printf("[FILTERCACHE] remove body for %s: %v", url, err)
	}
}

// Close releases the underlying metadata database.
func (c *Cache) Close() error {
	return c.index.Close()
}
