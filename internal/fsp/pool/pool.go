// Package pool implements the from-space pool: the concurrent coordinator
// that drives evacuation, in-place compaction and page recycling during a
// young-generation relocation phase.
//
// The pool owns the set of from-space pages whose survivors must be copied
// to to-space. Mutator and GC threads concurrently request fresh pages
// (AllocPage), return reclaimed capacity (FreePage), force a pinned page to
// survive in place (CompactInPlace), and recycle fully evacuated pages into
// per-CPU free lists. ResetStart and ResetEnd bound a cycle.
//
// Lock ordering, never taken in reverse:
//
//	target guard → in-placed guard → free-list shard → forwarding done lock
package pool

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kolkov/fspool/internal/fsp/cpu"
	"github.com/kolkov/fspool/internal/fsp/forwarding"
	"github.com/kolkov/fspool/internal/fsp/freelist"
	"github.com/kolkov/fspool/internal/fsp/fwdtable"
	"github.com/kolkov/fspool/internal/fsp/heapapi"
	"github.com/kolkov/fspool/internal/fsp/livemap"
	"github.com/kolkov/fspool/internal/fsp/page"
	"github.com/kolkov/fspool/internal/fsp/relocate"
	"github.com/kolkov/fspool/internal/fsp/stat"
)

// Config wires the pool to its external collaborators. Heap, Ops and Phase
// are required; the rest default in New.
type Config struct {
	// Heap is the underlying page allocator.
	Heap heapapi.Allocator

	// Ops provides object sizing and copying.
	Ops heapapi.ObjectOps

	// Phase reports whether the young generation sits at mark-complete.
	Phase heapapi.PhaseOracle

	// Compact performs the in-place rewrite of an exclusively claimed page
	// and returns the bytes newly placed. Defaults to relocate.CompactInPlace.
	Compact func(f *forwarding.Forwarding) uint64

	// PageSize is the small-page size used for target replenishment and the
	// reclamation estimates. Defaults to page.SizeSmall.
	PageSize uint64

	// Logger receives cycle summaries and contention diagnostics.
	// Defaults to slog.Default().
	Logger *slog.Logger
}

// Pool is the from-space pool. One instance coordinates one young
// generation; see package fsp for the process-wide handle.
type Pool struct {
	cfg Config
	log *slog.Logger

	// fsp is the append-only index of forwarding records. Appended only in
	// the single-threaded pre-cycle context (AddPage); workers read the
	// prefix bounded by fspPages, which the handoff publishes.
	fsp      []*forwarding.Forwarding
	byPage   map[*page.Page]*forwarding.Forwarding
	fspPages atomic.Uint64

	// fspStart advances monotonically; every record below it is done.
	fspStart atomic.Uint64

	// target holds the current destination page per age. Loads acquire,
	// stores release; installation is serialized by targetMu.
	target   [page.AgeCount]atomic.Pointer[page.Page]
	targetMu sync.Mutex

	// inPlaced queues pages compacted in place, per destination age, for
	// reuse as targets.
	inPlaced   [page.AgeCount]page.List
	inPlacedMu sync.Mutex

	perCPUFree *freelist.Sharded
	sharedFree freelist.FreeList

	// Cycle counters. sizeInBytes tracks the dead bytes still held by
	// unresolved pages; the rest accumulate toward the deferred-bytes
	// computation at ResetEnd.
	sizeInBytes     atomic.Int64
	evacuatedBytes  atomic.Uint64
	inPlacedBytes   atomic.Uint64
	deferrableBytes atomic.Uint64

	evacuatedPageCount atomic.Uint64
	inPlacedPageCount  atomic.Uint64

	statToBeFreed        stat.DecayingSeq
	statPercentEvacuated stat.DecayingSeq
}

// New creates a pool against the given collaborators.
func New(cfg Config) *Pool {
	if cfg.Heap == nil || cfg.Ops == nil || cfg.Phase == nil {
		panic("pool: Heap, Ops and Phase are required")
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = page.SizeSmall
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	z := &Pool{
		cfg:        cfg,
		log:        cfg.Logger,
		byPage:     make(map[*page.Page]*forwarding.Forwarding),
		perCPUFree: freelist.NewSharded(),
	}
	if cfg.Compact == nil {
		z.cfg.Compact = func(f *forwarding.Forwarding) uint64 {
			return relocate.CompactInPlace(f, cfg.Ops)
		}
	}
	return z
}

func (z *Pool) inPhaseMC() bool {
	return z.cfg.Phase.IsPhaseMarkComplete()
}

// AddPage registers a from-space page for the coming cycle and returns its
// forwarding record. Pre-cycle, single-threaded context: the mark-complete
// handoff publishes the registrations before any worker runs.
func (z *Pool) AddPage(p *page.Page) *forwarding.Forwarding {
	lm := livemap.New(p.LiveAddrs())
	f := forwarding.New(p, page.Promote(p.Age()), lm)
	z.fsp = append(z.fsp, f)
	z.byPage[p] = f
	z.fspPages.Add(1)
	z.sizeInBytes.Add(int64(p.Size() - p.LiveBytes()))
	z.deferrableBytes.Add(p.LiveBytes())
	return f
}

// ForwardingOf returns the forwarding record registered for p this cycle,
// or nil. This is the side index that replaces a page→forwarding back
// pointer.
func (z *Pool) ForwardingOf(p *page.Page) *forwarding.Forwarding {
	return z.byPage[p]
}

// FSPDepleted reports whether the scan cursor has passed every registered
// page; a depleted pool cannot produce more pages this cycle.
func (z *Pool) FSPDepleted() bool {
	return z.fspPages.Load() <= z.fspStart.Load()
}

func (z *Pool) loadTarget(age page.Age) *page.Page {
	return z.target[age].Load()
}

func (z *Pool) storeTarget(p *page.Page, age page.Age) {
	z.target[age].Store(p)
}

// InstallTarget publishes p as the current destination page for age. The
// relocation driver installs the initial targets through this before
// workers start.
func (z *Pool) InstallTarget(p *page.Page, age page.Age) {
	z.storeTarget(p, age)
}

// allocObjectAtomic bump-allocates size bytes on the current target for
// age, returning the null address when there is no target or it is full.
func (z *Pool) allocObjectAtomic(size uint64, age page.Age) page.Address {
	t := z.loadTarget(age)
	if t == nil {
		return 0
	}
	return t.AllocObjectAtomic(size)
}

// updateIfHigher lifts field to value unless it is already higher.
func updateIfHigher(field *atomic.Uint64, value uint64) {
	for {
		old := field.Load()
		if value <= old {
			return
		}
		if field.CompareAndSwap(old, value) {
			return
		}
	}
}

// evacuatePage copies f's surviving objects onto the current target for
// f.ToAge() and returns the bytes this invocation actually installed.
//
// Iteration is monotonic ascending in from-address. When the target fills,
// the address that failed is written into cursor and the pass stops; a
// resuming pass skips addresses below the cursor, so no object is skipped
// and none below the cursor is revisited. Racing inserts are resolved by
// the forwarding table: only the thread whose mapping survives counts the
// object's bytes.
func (z *Pool) evacuatePage(f *forwarding.Forwarding, cursor *page.Address) uint64 {
	var evacuated uint64
	var startFrom page.Address
	if cursor != nil {
		startFrom = *cursor
	}
	age := f.ToAge()

	f.LiveMap().ForEach(func(from page.Address) bool {
		if from < startFrom {
			return true
		}
		var c fwdtable.Cursor
		if !f.Find(from, &c).IsNull() {
			return true
		}
		size := z.cfg.Ops.ObjectSize(from)

		to := z.allocObjectAtomic(size, age)
		if to.IsNull() {
			if cursor != nil {
				*cursor = from
			}
			return false
		}
		z.cfg.Ops.ObjectCopyDisjoint(from, to, size)
		if f.Insert(from, to, &c) == to {
			evacuated += size
		}
		return true
	})

	return evacuated
}

// tryClaimPage attempts to take the work-claim and a retain on record i.
//
// A done record advances the start cursor (unless a previous claim2 loss
// this scan poisoned the advance: a page owned by another worker must not
// be skipped past). A claim2 loss returns nil and clears updateFSP. A
// retain failure means the record is either exclusively owned or fully
// evacuated; the work-claim is rolled back and the caller moves on.
func (z *Pool) tryClaimPage(i uint64, updateFSP *bool) *forwarding.Forwarding {
	f := z.fsp[i]

	if f.IsDone() {
		if *updateFSP {
			updateIfHigher(&z.fspStart, i+1)
		}
		return nil
	}

	if !f.Claim2() {
		*updateFSP = false
		return nil
	}

	if !f.RetainPage() {
		f.Unclaim2()
		return nil
	}

	return f
}

// tryFreeIfEvacuatedElseRelease tries to take the record exclusively with a
// single CAS from fromRC to −1 and free its page. On contention it releases
// the caller's own reference and retries against the next lower expected
// count; the recursive outcome is propagated, since a success there has
// already delivered the page.
func (z *Pool) tryFreeIfEvacuatedElseRelease(f *forwarding.Forwarding, fromRC int32, result **page.Page) bool {
	if f.TryFastZeroRC(fromRC) {
		if !f.Claim() {
			panic("pool: freeing a page whose claim was already taken")
		}
		z.freePage(f, result)
		return true
	}
	if fromRC > 1 {
		f.ReleasePage()
		return z.tryFreeIfEvacuatedElseRelease(f, fromRC-1, result)
	}
	return false
}

// freePage disposes of a fully resolved page: into result when the caller
// wants a page back, otherwise onto the caller's free-list shard. A
// contended shard is not waited for; the page goes straight back to the
// allocator and the forwarding is retired either way.
func (z *Pool) freePage(f *forwarding.Forwarding, result **page.Page) {
	p := f.Page()
	p.MarkAsFSPCurrentCycle()
	z.incEvacuatedPageCountAndBytes(f)

	if result != nil {
		*result = p
	} else {
		local := z.perCPUFree.Local()
		if !local.TryInsertLast(p) {
			z.log.Debug("fsp: free-list shard contended, returning page to allocator")
			z.cfg.Heap.FreePage(p)
		}
	}
	f.MarkDone(true)
}

// continuation enumerates the resume points of allocPageInner's per-index
// state machine.
type continuation int

const (
	contAdvance continuation = iota
	contRetryBeforeClaimed
	contRetryAfterRetained
)

// allocPageInner walks the index from the start cursor, evacuating pages
// until one is fully freed. With result set the freed page is returned to
// the caller; with result nil the first freed page is recycled and the walk
// stops.
//
// Each iteration either fully frees a page, advances an evacuation cursor,
// or installs a new target; live bytes and targets are both finite, so the
// walk terminates.
func (z *Pool) allocPageInner(result **page.Page) bool {
	updateFSP := true
	var livemapCursor page.Address

	for i := z.fspStart.Load(); i < z.fspPages.Load(); i = max(i+1, z.fspStart.Load()) {
		cont := contRetryBeforeClaimed
		var f *forwarding.Forwarding

		for cont != contAdvance {
			switch cont {
			case contRetryBeforeClaimed:
				f = z.tryClaimPage(i, &updateFSP)
				if f == nil {
					livemapCursor = 0
					cont = contAdvance
					continue
				}
				cont = contRetryAfterRetained

			case contRetryAfterRetained:
				age := f.ToAge()
				evacuatedOnto := z.loadTarget(age)

				delta := z.evacuatePage(f, &livemapCursor)

				if f.IncEvacuatedBytes(delta) {
					// Fully evacuated: expected count is our retain plus
					// the pool reference.
					if z.tryFreeIfEvacuatedElseRelease(f, 2, result) {
						return true
					}
					if result == nil {
						// A page has been logically freed even though we
						// lost the race to hand it out.
						return true
					}
					// Another holder kept the record alive; continue on a
					// different page.
					livemapCursor = 0
					cont = contAdvance
					continue
				}

				// Partial progress: the target filled. If someone already
				// installed a fresh target, resume from the cursor.
				if z.loadTarget(age) != evacuatedOnto {
					cont = contRetryAfterRetained
					continue
				}

				// Back out before target installation. claimAndRemoveAnyPage
				// skips work-claimed and retained records, so this also
				// leaves the page available for in-place compaction as the
				// new target. The cursor is kept: if the page is claimed
				// again below, evacuation resumes where the target filled.
				f.Unclaim2()
				f.ReleasePage()

				z.targetMu.Lock()
				if z.loadTarget(age) != evacuatedOnto {
					// Someone else installed a new target while we were
					// blocking on the guard.
					z.targetMu.Unlock()
					cont = contRetryBeforeClaimed
					continue
				}
				if newTarget := z.installNewTarget(age); newTarget != nil {
					z.storeTarget(newTarget, age)
					z.targetMu.Unlock()
					cont = contRetryBeforeClaimed
					continue
				}
				z.targetMu.Unlock()

				// No target source remains; give up.
				return false
			}
		}
	}

	return false
}

// AllocPage obtains a fresh empty page derived from a fully evacuated
// from-space page, or nil when the pool cannot produce one (backpressure;
// callers fall through to the external allocator).
func (z *Pool) AllocPage() *page.Page {
	if p := z.takeCached(); p != nil {
		return p
	}

	if !z.FSPDepleted() && !z.inPhaseMC() {
		var p *page.Page
		z.allocPageInner(&p)
		return p
	}

	return nil
}

// FreePage frees one fully evacuated page, reporting whether it succeeded.
// A cached page goes straight back to the external allocator; otherwise the
// pool evacuates until a page is freed and recycles it onto the caller's
// free-list shard (or to the allocator when that shard is contended).
func (z *Pool) FreePage() bool {
	if p := z.takeCached(); p != nil {
		z.cfg.Heap.FreePage(p)
		return true
	}

	if !z.FSPDepleted() && !z.inPhaseMC() {
		return z.allocPageInner(nil)
	}

	return false
}

// takeCached removes one page from the free-list cache, scanning the
// per-CPU shards from the caller's CPU. The shared shard only serves the
// mark-complete phase, when no new evacuation work is claimed.
func (z *Pool) takeCached() *page.Page {
	n := z.perCPUFree.Count()
	id := cpu.ID()
	for i := 0; i < n; i++ {
		if p := z.perCPUFree.Get(id + i).RemoveFirst(); p != nil {
			return p
		}
	}
	if z.inPhaseMC() {
		if p := z.sharedFree.RemoveFirst(); p != nil {
			return p
		}
	}
	return nil
}

func (z *Pool) incEvacuatedPageCountAndBytes(f *forwarding.Forwarding) {
	z.evacuatedPageCount.Add(1)
	z.evacuatedBytes.Add(f.EvacuatedBytes())
	z.sizeInBytes.Add(-int64(f.Page().Size() - f.LiveBytes()))
}

func (z *Pool) incInPlacedPageCountAndBytes(bytesInPlaced uint64, f *forwarding.Forwarding) {
	z.inPlacedPageCount.Add(1)
	z.inPlacedBytes.Add(bytesInPlaced)
	// Bytes moved off the page by earlier partial passes count as evacuated.
	z.evacuatedBytes.Add(f.EvacuatedBytes())
	z.sizeInBytes.Add(-int64(f.Page().Size() - f.LiveBytes()))
}

func (z *Pool) appendToInPlaced(p *page.Page, age page.Age) {
	z.inPlacedMu.Lock()
	z.inPlaced[age].InsertLast(p)
	z.inPlacedMu.Unlock()
}
