// Package page implements the page objects the from-space pool coordinates.
//
// A Page is the unit of relocation and reclamation: a contiguous address
// range with an age, a live-byte count produced by the marker, and an atomic
// bump pointer used when the page serves as an evacuation target. Pages are
// linked into intrusive lists (free lists, in-placed lists) without
// allocating list nodes.
package page

import (
	"sync/atomic"
)

// Address is a heap address. The zero Address is the null address; the pool
// never deals in objects at address 0.
type Address uint64

// IsNull reports whether a is the null address.
func (a Address) IsNull() bool {
	return a == 0
}

// Page is a contiguous heap region handed out by the page allocator.
//
// Concurrency: top is the only field mutated while a page is shared (as the
// current evacuation target); all other mutations happen under exclusive
// ownership of the page's forwarding record.
type Page struct {
	start Address
	size  uint64
	age   Age
	typ   Type

	// liveBytes is the marker's sum of surviving bytes, immutable once the
	// page enters a relocation cycle.
	liveBytes uint64

	// liveAddrs are the marker's surviving object addresses, in no
	// particular order. Immutable once the page enters a relocation cycle.
	liveAddrs []Address

	// top is the bump offset for object allocation, relative to start.
	top atomic.Uint64

	// flags holds the diagnostic pool-membership bits, see flag* constants.
	flags atomic.Uint32

	// next links the page into an intrusive List. Guarded by the owning
	// list's lock.
	next *Page
}

const (
	// flagInPool is set while the page sits on a free list or in-placed list.
	flagInPool = 1 << iota
	// flagFSPCurrentCycle marks pages recycled by the pool this cycle.
	flagFSPCurrentCycle
)

// New creates a page covering [start, start+size).
func New(typ Type, start Address, size uint64, age Age) *Page {
	return &Page{
		start: start,
		size:  size,
		age:   age,
		typ:   typ,
	}
}

// Start returns the base address of the page.
func (p *Page) Start() Address {
	return p.start
}

// End returns the address one past the last byte of the page.
func (p *Page) End() Address {
	return p.start + Address(p.size)
}

// Size returns the page size in bytes.
func (p *Page) Size() uint64 {
	return p.size
}

// Age returns the page's current age.
func (p *Page) Age() Age {
	return p.age
}

// Type returns the page's size class.
func (p *Page) Type() Type {
	return p.typ
}

// LiveBytes returns the marker's surviving-byte count for this page.
func (p *Page) LiveBytes() uint64 {
	return p.liveBytes
}

// SetLive records the marker's output for this page: the surviving object
// addresses and their byte sum. Called once, at mark-complete, before the
// page is handed to the pool.
func (p *Page) SetLive(addrs []Address, bytes uint64) {
	p.liveAddrs = addrs
	p.liveBytes = bytes
}

// LiveAddrs returns the marker's surviving object addresses.
func (p *Page) LiveAddrs() []Address {
	return p.liveAddrs
}

// ResetAge rewrites the page's age. Only called while the page is
// exclusively owned (in-place compaction installing the page as a target of
// a different age).
func (p *Page) ResetAge(age Age) {
	p.age = age
}

// Top returns the current bump offset.
func (p *Page) Top() uint64 {
	return p.top.Load()
}

// ResetTop rewrites the bump offset to watermark. Requires exclusive
// ownership of the page.
func (p *Page) ResetTop(watermark uint64) {
	p.top.Store(watermark)
}

// AllocObjectAtomic bump-allocates size bytes on the page with a single CAS
// on the bump pointer. It returns the null address when the page cannot fit
// the object.
//
// This is the shared-target hot path: many workers race on the same current
// target page, so the loop must stay lock-free.
func (p *Page) AllocObjectAtomic(size uint64) Address {
	for {
		top := p.top.Load()
		newTop := top + size
		if newTop > p.size {
			return 0
		}
		if p.top.CompareAndSwap(top, newTop) {
			return p.start + Address(top)
		}
	}
}

// MarkAsFSPCurrentCycle tags the page as recycled by the pool during the
// current cycle. Diagnostic only.
func (p *Page) MarkAsFSPCurrentCycle() {
	p.setFlag(flagFSPCurrentCycle)
}

// IsFSPCurrentCycle reports whether the page was recycled by the pool this
// cycle.
func (p *Page) IsFSPCurrentCycle() bool {
	return p.flags.Load()&flagFSPCurrentCycle != 0
}

// InAnyPool reports whether the page currently sits on an intrusive list.
func (p *Page) InAnyPool() bool {
	return p.flags.Load()&flagInPool != 0
}

func (p *Page) setFlag(bit uint32) {
	for {
		old := p.flags.Load()
		if p.flags.CompareAndSwap(old, old|bit) {
			return
		}
	}
}

func (p *Page) clearFlag(bit uint32) {
	for {
		old := p.flags.Load()
		if p.flags.CompareAndSwap(old, old&^bit) {
			return
		}
	}
}
