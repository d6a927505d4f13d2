package pool

import (
	"github.com/kolkov/fspool/internal/fsp/heapapi"
	"github.com/kolkov/fspool/internal/fsp/page"
)

// ResetStart sweeps the index at the mark-complete handoff for the next
// cycle: every record nobody is using (work-claim and write-claim both
// still free) is retired and its page pushed onto the shared free list,
// where the mark-complete cache path can serve it regardless of age.
//
// Partial evacuation work on swept pages still counts; their bytes join
// the cycle's evacuated total.
func (z *Pool) ResetStart() {
	var evacuated uint64

	z.sharedFree.With(func(l *page.List) {
		n := z.fspPages.Load()
		for i := uint64(0); i < n; i++ {
			f := z.fsp[i]
			if !f.Claim2() {
				continue
			}
			if !f.TryFastZeroRC(1) {
				// A straggling holder; the record is resolved elsewhere.
				continue
			}
			if !f.Claim() {
				continue
			}
			f.MarkDone(true)
			evacuated += f.EvacuatedBytes()

			// These can be any age now.
			p := f.Page()
			p.MarkAsFSPCurrentCycle()
			l.InsertLast(p)
		}
	})

	z.evacuatedBytes.Add(evacuated)
}

// resetTarget replenishes every installed target slot with a fresh page
// from the allocator, non-blocking and stamped with the old sequence
// number so the new cycle does not see it as newly allocated. Called with
// targetMu held.
func (z *Pool) resetTarget() {
	flags := heapapi.NonBlocking | heapapi.AllocWithOldSeqnum | heapapi.GCRelocation
	for i := 0; i < page.AgeCount; i++ {
		age := page.Age(i)
		if z.loadTarget(age) != nil {
			z.storeTarget(z.cfg.Heap.AllocPage(page.TypeSmall, z.cfg.PageSize, flags, age), age)
		}
	}
}

// ResetEnd tears the cycle down: drains the in-placed lists, replenishes
// targets, returns every cached page to the allocator in batches, feeds
// the reclamation estimators, logs the cycle summary, zeroes all state and
// returns the cycle's deferred bytes (live bytes on pages the pool never
// managed to resolve).
func (z *Pool) ResetEnd() uint64 {
	fspPages := z.fspPages.Load()
	if fspPages > 0 {
		z.statToBeFreed.Add(float64(fspPages*z.cfg.PageSize) - float64(z.deferrableBytes.Load()))
	}

	deferrableBytes := z.deferrableBytes.Load()
	evacuatedBytes := z.evacuatedBytes.Load()
	inPlacedBytes := z.inPlacedBytes.Load()
	deferredBytes := deferrableBytes - (evacuatedBytes + inPlacedBytes)

	// Clear all in-placed pages.
	z.inPlacedMu.Lock()
	for i := range z.inPlaced {
		for z.inPlaced[i].RemoveFirst() != nil {
		}
	}
	z.inPlacedMu.Unlock()

	// Reset all target pages.
	z.targetMu.Lock()
	z.resetTarget()
	z.targetMu.Unlock()

	// Remove all pages from the free lists.
	z.sharedFree.Drain(z.cfg.Heap.FreeEmptyPages)
	for i := 0; i < z.perCPUFree.Count(); i++ {
		z.perCPUFree.Get(i).Drain(z.cfg.Heap.FreeEmptyPages)
	}

	if deferrableBytes > 0 && fspPages > 0 {
		z.statPercentEvacuated.Add(float64(evacuatedBytes+inPlacedBytes) / float64(fspPages*z.cfg.PageSize))
	}

	z.log.Info("fsp: cycle summary",
		"deferrable_bytes", deferrableBytes,
		"deferred_bytes", deferredBytes,
		"evacuated_bytes", evacuatedBytes,
		"in_placed_bytes", inPlacedBytes)

	// Reset counters for the next cycle.
	z.fspPages.Store(0)
	z.fspStart.Store(0)
	z.sizeInBytes.Store(0)
	z.evacuatedBytes.Store(0)
	z.inPlacedBytes.Store(0)
	z.deferrableBytes.Store(0)
	z.evacuatedPageCount.Store(0)
	z.inPlacedPageCount.Store(0)
	z.fsp = z.fsp[:0]
	clear(z.byPage)

	return deferredBytes
}
