// Package heapapi declares the external collaborators the from-space pool
// consumes: the underlying page allocator, object utilities, and the
// generation-phase oracle. The pool never reaches past these interfaces,
// which is what lets tests run it against a synthetic heap.
package heapapi

import (
	"github.com/kolkov/fspool/internal/fsp/page"
)

// AllocFlags qualifies a page allocation request.
type AllocFlags uint8

const (
	// NonBlocking requests that the allocator fail instead of stalling.
	NonBlocking AllocFlags = 1 << iota
	// AllocWithOldSeqnum requests the previous cycle's sequence number, so
	// the page is not treated as allocated during the in-flight cycle.
	AllocWithOldSeqnum
	// GCRelocation marks the allocation as GC-internal (relocation target).
	GCRelocation
)

// Has reports whether all bits in q are set.
func (f AllocFlags) Has(q AllocFlags) bool {
	return f&q == q
}

// Allocator is the underlying page allocator.
type Allocator interface {
	// AllocPage returns a fresh page, or nil when NonBlocking is set and no
	// page is available.
	AllocPage(typ page.Type, size uint64, flags AllocFlags, age page.Age) *page.Page

	// FreePage returns a single page to the allocator.
	FreePage(p *page.Page)

	// FreeEmptyPages returns a batch of empty pages to the allocator.
	FreeEmptyPages(batch []*page.Page)
}

// ObjectOps provides the object-format primitives evacuation needs.
type ObjectOps interface {
	// ObjectSize returns the size in bytes of the object at addr.
	ObjectSize(addr page.Address) uint64

	// ObjectCopyDisjoint copies size bytes from from to to. The ranges are
	// guaranteed disjoint (to is on a different page, or above the in-place
	// compaction watermark).
	ObjectCopyDisjoint(from, to page.Address, size uint64)
}

// PhaseOracle reports the young generation's phase.
type PhaseOracle interface {
	// IsPhaseMarkComplete reports whether the young collection sits at the
	// mark-complete handoff. The pool stops claiming new evacuation work in
	// this phase and serves only its caches.
	IsPhaseMarkComplete() bool
}

// PhaseFunc adapts a function to the PhaseOracle interface.
type PhaseFunc func() bool

// IsPhaseMarkComplete implements PhaseOracle.
func (f PhaseFunc) IsPhaseMarkComplete() bool {
	return f()
}
