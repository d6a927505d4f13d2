// Package forwarding implements the per-page forwarding record: the state
// machine every from-space page walks through during a relocation cycle.
//
// Three orthogonal tokens guard a record:
//
//   - retain: a shared reference (refCount increment) held while a worker
//     reads or evacuates the page.
//   - claim2: the single-winner "I will evacuate this page" token. It can
//     be rolled back by its winner before any irreversible change.
//   - claim: the exclusive one-shot token (refCount −1) required to free
//     the page or compact it in place.
//
// The reference count starts at 1: the pool itself holds one reference from
// registration until the page is freed, so a fully idle record has
// refCount==1 and the exclusive transitions are 1→−1 (in-place claim) and
// 2→−1 (the evacuating worker's fast-zero, covering its own retain plus the
// pool reference).
package forwarding

import (
	"sync"
	"sync/atomic"

	"github.com/kolkov/fspool/internal/fsp/fwdtable"
	"github.com/kolkov/fspool/internal/fsp/livemap"
	"github.com/kolkov/fspool/internal/fsp/page"
)

// Forwarding is the relocation metadata of one from-space page.
//
// liveBytes is immutable after construction. evacuatedBytes only grows.
// Once done is observed true, every other field is finalized (done is
// published last, and Go atomics give acquire/release on Load/Store).
type Forwarding struct {
	page    *page.Page
	fromAge page.Age
	toAge   page.Age

	liveBytes      uint64
	evacuatedBytes atomic.Uint64

	// refCount: 1 idle (pool reference), >1 held by workers, −1 exclusively
	// claimed, 0 once an exclusive owner has released its claim.
	refCount atomic.Int32

	claimed   atomic.Bool
	claimed2  atomic.Bool
	done      atomic.Bool
	evacuated atomic.Bool
	inPlace   atomic.Bool

	table *fwdtable.Table
	lm    *livemap.LiveMap

	doneMu   sync.Mutex
	doneCond sync.Cond
}

// New creates the forwarding record for p. The live map is the marker's
// output for p; the forwarding table is sized from it.
func New(p *page.Page, toAge page.Age, lm *livemap.LiveMap) *Forwarding {
	f := &Forwarding{
		page:      p,
		fromAge:   p.Age(),
		toAge:     toAge,
		liveBytes: p.LiveBytes(),
		table:     fwdtable.New(lm.Count()),
		lm:        lm,
	}
	f.refCount.Store(1)
	f.doneCond.L = &f.doneMu
	return f
}

// Page returns the underlying page.
func (f *Forwarding) Page() *page.Page {
	return f.page
}

// FromAge returns the page's age at registration.
func (f *Forwarding) FromAge() page.Age {
	return f.fromAge
}

// ToAge returns the destination age of the page's survivors.
func (f *Forwarding) ToAge() page.Age {
	return f.toAge
}

// LiveBytes returns the marker's surviving-byte sum for the page.
func (f *Forwarding) LiveBytes() uint64 {
	return f.liveBytes
}

// EvacuatedBytes returns the bytes evacuated off the page so far.
func (f *Forwarding) EvacuatedBytes() uint64 {
	return f.evacuatedBytes.Load()
}

// DeferredBytes returns the live bytes not yet evacuated.
func (f *Forwarding) DeferredBytes() uint64 {
	return f.liveBytes - f.evacuatedBytes.Load()
}

// RefCount returns the current reference count. Diagnostic only.
func (f *Forwarding) RefCount() int32 {
	return f.refCount.Load()
}

// LiveMap returns the page's surviving-object iterator.
func (f *Forwarding) LiveMap() *livemap.LiveMap {
	return f.lm
}

// RetainPage takes a shared reference, fail-fast: it increments a positive
// count and refuses everything else. It fails when the record is done,
// fully evacuated (the free path owns it), or exclusively claimed.
func (f *Forwarding) RetainPage() bool {
	for {
		if f.done.Load() || f.evacuated.Load() {
			return false
		}
		rc := f.refCount.Load()
		if rc <= 0 {
			return false
		}
		if f.refCount.CompareAndSwap(rc, rc+1) {
			return true
		}
	}
}

// ReleasePage drops a reference: the caller's retain, or an exclusive claim
// (−1→0, after which only the claimant's own publication order matters).
func (f *Forwarding) ReleasePage() {
	for {
		rc := f.refCount.Load()
		switch {
		case rc == -1:
			if f.refCount.CompareAndSwap(-1, 0) {
				return
			}
		case rc > 0:
			if f.refCount.CompareAndSwap(rc, rc-1) {
				return
			}
		default:
			panic("forwarding: release without a reference")
		}
	}
}

// TryFastZeroRC claims the record exclusively with a single CAS from the
// expected count to −1. The caller passes the count it can account for
// (its own retain plus the pool reference); any concurrent retainer makes
// the CAS fail.
func (f *Forwarding) TryFastZeroRC(expected int32) bool {
	if expected <= 0 {
		panic("forwarding: fast-zero from a non-positive count")
	}
	return f.refCount.CompareAndSwap(expected, -1)
}

// Claim takes the one-shot write-claim flag. The reference count must
// already be −1; claiming without exclusivity is a protocol bug.
func (f *Forwarding) Claim() bool {
	if rc := f.refCount.Load(); rc != -1 {
		panic("forwarding: claim while not exclusively owned")
	}
	return !f.claimed.Swap(true)
}

// IsClaimed reports whether the write-claim was ever taken.
func (f *Forwarding) IsClaimed() bool {
	return f.claimed.Load()
}

// Claim2 takes the one-shot work-claim. Exactly one caller wins.
func (f *Forwarding) Claim2() bool {
	return !f.claimed2.Swap(true)
}

// Unclaim2 rolls the work-claim back. Only the winner may call it, and only
// before any irreversible state change on the record.
func (f *Forwarding) Unclaim2() {
	f.claimed2.Store(false)
}

// IsClaim2 reports whether some worker holds the work-claim.
func (f *Forwarding) IsClaim2() bool {
	return f.claimed2.Load()
}

// InPlaceRelocationClaimPage takes the exclusive claim for in-place
// compaction, consuming the pool reference (1→−1).
//
// With returnIfEvacuated set (the pinned-page path) the caller insists on
// ownership and spins across transient retainers, even on an evacuated
// record, so it can free the page itself. Without it (the target-search
// path) an evacuated or contended record is not worth waiting for and the
// call gives up.
func (f *Forwarding) InPlaceRelocationClaimPage(returnIfEvacuated bool) bool {
	for {
		if f.done.Load() {
			return false
		}
		if !returnIfEvacuated && f.evacuated.Load() {
			return false
		}
		rc := f.refCount.Load()
		switch {
		case rc == 1:
			if f.refCount.CompareAndSwap(1, -1) {
				return true
			}
		case rc <= 0:
			// Another exclusive owner, or a free in progress.
			return false
		default:
			if !returnIfEvacuated {
				return false
			}
			// Transient retainers; they cannot outlive the cycle.
			spinYield()
		}
	}
}

// IncEvacuatedBytes adds delta to the evacuation accounting and reports
// whether this call completed the page. The true return is handed out
// exactly once, including for pages with zero live bytes.
func (f *Forwarding) IncEvacuatedBytes(delta uint64) bool {
	n := f.evacuatedBytes.Add(delta)
	if n > f.liveBytes {
		panic("forwarding: evacuated more bytes than are live")
	}
	if n >= f.liveBytes {
		return !f.evacuated.Swap(true)
	}
	return false
}

// MarkEvacuated sets the evacuated flag directly. Used when a page is
// resolved without byte accounting (already-evacuated free on the pinned
// path).
func (f *Forwarding) MarkEvacuated() {
	f.evacuated.Store(true)
}

// IsEvacuated reports whether every live byte has been evacuated.
func (f *Forwarding) IsEvacuated() bool {
	return f.evacuated.Load()
}

// MarkInPlace records that the page was resolved by in-place compaction.
func (f *Forwarding) MarkInPlace() {
	f.inPlace.Store(true)
}

// IsInPlace reports whether the page was compacted in place.
func (f *Forwarding) IsInPlace() bool {
	return f.inPlace.Load()
}

// MarkDone retires the record. After done is published no further state
// mutation is observable; waiters are signalled when notify is set.
func (f *Forwarding) MarkDone(notify bool) {
	f.doneMu.Lock()
	f.done.Store(true)
	if notify {
		f.doneCond.Broadcast()
	}
	f.doneMu.Unlock()
}

// IsDone reports whether the record is terminal.
func (f *Forwarding) IsDone() bool {
	return f.done.Load()
}

// WaitUntilDone blocks until the record is retired.
func (f *Forwarding) WaitUntilDone() {
	f.doneMu.Lock()
	for !f.done.Load() {
		f.doneCond.Wait()
	}
	f.doneMu.Unlock()
}

// Find looks up the installed to-address for from, null if absent.
func (f *Forwarding) Find(from page.Address, c *fwdtable.Cursor) page.Address {
	return f.table.Lookup(from, c)
}

// Insert installs from→to and returns the surviving mapping.
func (f *Forwarding) Insert(from, to page.Address, c *fwdtable.Cursor) page.Address {
	return f.table.Insert(from, to, c)
}

// Table exposes the forwarding table for verification.
func (f *Forwarding) Table() *fwdtable.Table {
	return f.table
}
