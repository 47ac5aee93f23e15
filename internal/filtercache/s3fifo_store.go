// s3fifo_store.go adapts the teacher's S3-FIFO eviction layer
// (internal/anonymizer/s3fifo_cache.go) from a PII-token cache to the
// filter-metadata cache: keys are content-addressed file names, values are
// Meta structs, and eviction only ever drops the metadata entry — the
// on-disk filter body it describes is left untouched (see package doc).
//
// The algorithm itself — two FIFO queues (S, probationary; M, protected)
// plus a bounded ghost set — is unchanged from the teacher; see
// internal/anonymizer/s3fifo_cache.go for the full algorithm writeup.
package filtercache

import (
	"container/list"
	"log"
	"sync"
)

type s3fifoEntry struct {
	value Meta
	freq  uint8
	elem  *list.Element
	inM   bool
}

// s3fifoMetaStore wraps a MetaStore with an S3-FIFO in-memory eviction
// layer bounding the hot metadata set to capacity entries.
type s3fifoMetaStore struct {
	mu sync.Mutex

	capacity int
	sTarget  int
	ghostCap int

	entries map[string]*s3fifoEntry
	sQueue  *list.List
	mQueue  *list.List

	ghostBuf   []string
	ghostSet   map[string]struct{}
	ghostHead  int
	ghostCount int

	backing MetaStore
}

// newS3FIFOMetaStore returns a MetaStore that applies S3-FIFO eviction in
// front of backing. capacity is the maximum number of metadata entries kept
// hot in memory; values < 2 are clamped to 2.
func newS3FIFOMetaStore(backing MetaStore, capacity int) MetaStore {
	if capacity < 2 {
		capacity = 2
	}
	sTarget := capacity / 10
	if sTarget < 1 {
		sTarget = 1
	}
	ghostCap := 2 * sTarget
	if ghostCap < 4 {
		ghostCap = 4
	}
	log.Printf("[FILTERCACHE] S3-FIFO metadata cache capacity=%d sTarget=%d ghostCap=%d", capacity, sTarget, ghostCap)
	return &s3fifoMetaStore{
		capacity: capacity,
		sTarget:  sTarget,
		ghostCap: ghostCap,
		entries:  make(map[string]*s3fifoEntry, capacity),
		sQueue:   list.New(),
		mQueue:   list.New(),
		ghostBuf: make([]string, ghostCap),
		ghostSet: make(map[string]struct{}, ghostCap),
		backing:  backing,
	}
}

func (c *s3fifoMetaStore) Get(fileName string) (Meta, bool) {
	c.mu.Lock()
	if e, ok := c.entries[fileName]; ok {
		if e.freq < 3 {
			e.freq++
		}
		v := e.value
		c.mu.Unlock()
		return v, true
	}
	c.mu.Unlock()

	m, ok := c.backing.Get(fileName)
	if !ok {
		return Meta{}, false
	}
	c.insertLocked(fileName, m)
	return m, true
}

func (c *s3fifoMetaStore) Set(fileName string, m Meta) {
	c.insertLocked(fileName, m)
	c.backing.Set(fileName, m)
}

func (c *s3fifoMetaStore) Delete(fileName string) {
	c.mu.Lock()
	c.removeFromMemory(fileName)
	c.mu.Unlock()
	c.backing.Delete(fileName)
}

func (c *s3fifoMetaStore) Close() error {
	return c.backing.Close()
}

func (c *s3fifoMetaStore) insertLocked(key string, value Meta) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		return
	}

	inM := c.ghostContains(key)
	var elem *list.Element
	if inM {
		elem = c.mQueue.PushBack(key)
	} else {
		elem = c.sQueue.PushBack(key)
	}
	c.entries[key] = &s3fifoEntry{value: value, freq: 0, elem: elem, inM: inM}

	for c.sQueue.Len()+c.mQueue.Len() > c.capacity {
		c.evictOne()
	}
}

// evictOne drops one metadata entry, following the S3-FIFO policy. Unlike
// the teacher's version, no backing delete is issued: the metadata entry
// simply falls out of the hot set and, on next access, is re-read from
// bbolt (or, if bbolt also evicted it, recomputed from a fresh fetch — the
// body file itself is untouched either way).
func (c *s3fifoMetaStore) evictOne() {
	if c.sQueue.Len() > 0 {
		c.evictFromS()
		return
	}
	c.evictFromM()
}

func (c *s3fifoMetaStore) evictFromS() {
	front := c.sQueue.Front()
	if front == nil {
		return
	}
	key, ok := front.Value.(string)
	if !ok {
		c.sQueue.Remove(front)
		return
	}
	c.sQueue.Remove(front)

	e, ok := c.entries[key]
	if !ok {
		return
	}

	if e.freq > 0 {
		e.freq = 0
		e.inM = true
		e.elem = c.mQueue.PushBack(key)
		mTarget := c.capacity - c.sTarget
		if c.mQueue.Len() > mTarget {
			c.evictFromM()
		}
	} else {
		delete(c.entries, key)
		c.ghostAdd(key)
	}
}

func (c *s3fifoMetaStore) evictFromM() {
	front := c.mQueue.Front()
	if front == nil {
		return
	}
	key, ok := front.Value.(string)
	if !ok {
		c.mQueue.Remove(front)
		return
	}
	c.mQueue.Remove(front)
	delete(c.entries, key)
}

func (c *s3fifoMetaStore) removeFromMemory(key string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	if e.inM {
		c.mQueue.Remove(e.elem)
	} else {
		c.sQueue.Remove(e.elem)
	}
	delete(c.entries, key)
}

func (c *s3fifoMetaStore) ghostContains(key string) bool {
	_, ok := c.ghostSet[key]
	return ok
}

func (c *s3fifoMetaStore) ghostAdd(key string) {
	if _, exists := c.ghostSet[key]; exists {
		return
	}

	if c.ghostCount == c.ghostCap {
		oldest := c.ghostBuf[c.ghostHead]
		delete(c.ghostSet, oldest)
		c.ghostHead = (c.ghostHead + 1) % c.ghostCap
		c.ghostCount--
	}

	writeIdx := (c.ghostHead + c.ghostCount) % c.ghostCap
	c.ghostBuf[writeIdx] = key
	c.ghostSet[key] = struct{}{}
	c.ghostCount++
}
