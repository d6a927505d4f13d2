// Package freelist implements the pool's cache of recyclable empty pages:
// per-CPU shards plus one shared shard, each a mutex-guarded intrusive list.
//
// Sharding exists purely to keep the hot recycle path off a global lock. A
// producer that cannot take its local shard's lock does not stall; the
// caller drops the insert and disposes of the page another way.
package freelist

import (
	"sync"

	"github.com/kolkov/fspool/internal/fsp/cpu"
	"github.com/kolkov/fspool/internal/fsp/page"
)

// freeBatch is how many pages a drain hands to the external allocator at a
// time. The lock is dropped across the external call so producers are not
// blocked behind it.
const freeBatch = 64

// FreeList is one shard: a lock and an intrusive list of empty pages.
type FreeList struct {
	mu   sync.Mutex
	list page.List
}

// RemoveFirst pops a page, or returns nil when the shard is empty.
func (fl *FreeList) RemoveFirst() *page.Page {
	fl.mu.Lock()
	p := fl.list.RemoveFirst()
	fl.mu.Unlock()
	return p
}

// InsertLast appends a page, blocking on the shard lock.
func (fl *FreeList) InsertLast(p *page.Page) {
	fl.mu.Lock()
	fl.list.InsertLast(p)
	fl.mu.Unlock()
}

// TryInsertLast appends a page if the shard lock is immediately available.
// It returns false without queuing the page when the lock is contended; the
// caller must dispose of the page itself.
func (fl *FreeList) TryInsertLast(p *page.Page) bool {
	if !fl.mu.TryLock() {
		return false
	}
	fl.list.InsertLast(p)
	fl.mu.Unlock()
	return true
}

// With runs fn with the shard lock held, exposing the raw list. Used by the
// cycle-boundary sweep, which inserts many pages under one lock acquisition.
func (fl *FreeList) With(fn func(l *page.List)) {
	fl.mu.Lock()
	fn(&fl.list)
	fl.mu.Unlock()
}

// Size returns the number of cached pages on this shard.
func (fl *FreeList) Size() int {
	fl.mu.Lock()
	n := fl.list.Size()
	fl.mu.Unlock()
	return n
}

// Drain empties the shard, handing pages to free in batches of up to 64.
//
// The shard lock is released around every call to free, and reacquired with
// TryLock first so a drain never spins behind active producers: if the lock
// is contended, the current batch is flushed before blocking.
func (fl *FreeList) Drain(free func(batch []*page.Page)) {
	fl.mu.Lock()
	batch := make([]*page.Page, 0, freeBatch)
	for {
		p := fl.list.RemoveFirst()
		if p == nil {
			break
		}
		fl.mu.Unlock()
		batch = append(batch, p)

		if len(batch) == freeBatch {
			free(batch)
			batch = batch[:0]
		}

		if !fl.mu.TryLock() {
			if len(batch) > 0 {
				free(batch)
				batch = batch[:0]
			}
			fl.mu.Lock()
		}
	}
	fl.mu.Unlock()
	if len(batch) > 0 {
		free(batch)
	}
}

// Sharded is the per-CPU shard array.
type Sharded struct {
	shards []FreeList
}

// NewSharded creates one shard per CPU.
func NewSharded() *Sharded {
	return &Sharded{shards: make([]FreeList, cpu.Count())}
}

// Count returns the number of shards.
func (s *Sharded) Count() int {
	return len(s.shards)
}

// Get returns shard i modulo the shard count.
func (s *Sharded) Get(i int) *FreeList {
	return &s.shards[i%len(s.shards)]
}

// Local returns the calling goroutine's shard.
func (s *Sharded) Local() *FreeList {
	return &s.shards[cpu.ID()%len(s.shards)]
}
