// Package fwdtable implements the per-page forwarding table: the
// CAS-linearized map from each surviving from-address to its to-address.
//
// The table is an open-addressed array of atomic entry pointers with linear
// probing. Insert is linearized by a single CompareAndSwap per slot: the
// first installed mapping for a from-address wins, and racing losers are
// handed the winning mapping back so they can discard their copy.
//
// A Cursor token amortizes probing: a lookup that misses remembers where
// the probe stopped, and the insert that follows continues from there
// instead of re-walking the chain.
package fwdtable

import (
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/kolkov/fspool/internal/fsp/page"
)

// Cursor carries probe state between a Lookup and the Insert that follows
// it for the same from-address. The zero Cursor is ready to use.
type Cursor struct {
	slot  uint64
	valid bool
}

type entry struct {
	from page.Address
	to   page.Address
}

// Table maps from-addresses to to-addresses for a single page.
//
// Entries are never deleted during a cycle; the table is dropped wholesale
// when the forwarding record is retired.
type Table struct {
	slots []atomic.Pointer[entry]
	mask  uint64
}

// New creates a table sized for the given number of surviving objects.
// Capacity is the next power of two at or above twice the entry count, and
// at least 8 slots, so probe chains stay short even when every object is
// inserted.
func New(entries int) *Table {
	n := uint64(8)
	for n < uint64(entries)*2 {
		n <<= 1
	}
	return &Table{
		slots: make([]atomic.Pointer[entry], n),
		mask:  n - 1,
	}
}

func (t *Table) hash(from page.Address) uint64 {
	var buf [8]byte
	v := uint64(from)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	return xxhash.Sum64(buf[:]) & t.mask
}

// Lookup returns the installed to-address for from, or the null address if
// no mapping exists yet. When a cursor is supplied, the probe position is
// stored in it so a subsequent Insert for the same from-address resumes
// there.
func (t *Table) Lookup(from page.Address, c *Cursor) page.Address {
	slot := t.hash(from)
	if c != nil && c.valid {
		slot = c.slot
	}
	for {
		e := t.slots[slot].Load()
		if e == nil {
			// Empty slot terminates the chain: from is not mapped.
			if c != nil {
				c.slot = slot
				c.valid = true
			}
			return 0
		}
		if e.from == from {
			if c != nil {
				c.slot = slot
				c.valid = true
			}
			return e.to
		}
		slot = (slot + 1) & t.mask
	}
}

// Insert installs from→to and returns the mapping that survives: to if this
// call won, or the racing winner's to-address otherwise. The caller treats
// a lost race as "my copy is dead" and must not count its bytes.
func (t *Table) Insert(from, to page.Address, c *Cursor) page.Address {
	slot := t.hash(from)
	if c != nil && c.valid {
		slot = c.slot
	}
	e := &entry{from: from, to: to}
	for {
		cur := t.slots[slot].Load()
		if cur == nil {
			if t.slots[slot].CompareAndSwap(nil, e) {
				return to
			}
			cur = t.slots[slot].Load()
		}
		if cur.from == from {
			// Lost the race; the first installed mapping wins.
			return cur.to
		}
		slot = (slot + 1) & t.mask
	}
}

// Len returns the number of installed mappings. Weakly consistent; used by
// verification and tests only.
func (t *Table) Len() int {
	n := 0
	for i := range t.slots {
		if t.slots[i].Load() != nil {
			n++
		}
	}
	return n
}
