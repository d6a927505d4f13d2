package pool

import (
	"github.com/kolkov/fspool/internal/fsp/forwarding"
	"github.com/kolkov/fspool/internal/fsp/page"
)

// CompactInPlace resolves a specific page in place, the path taken when a
// page must survive where it is (it contains a pinned object).
//
// Exactly one caller wins the exclusive claim; losers block until the
// winner has retired the record. An already evacuated page is simply
// freed. Otherwise the page is compacted within its own storage, marked
// in-place, retired, and queued on the in-placed list under its
// destination age for reuse as a target.
func (z *Pool) CompactInPlace(f *forwarding.Forwarding) {
	if z.claimAndRemoveSpecific(f) {
		if rc := f.RefCount(); rc != -1 {
			panic("pool: compacting a page that is not exclusively owned")
		}

		if f.IsEvacuated() {
			f.ReleasePage()
			z.freePage(f, nil)
		} else {
			bytesInPlaced := z.cfg.Compact(f)
			z.incInPlacedPageCountAndBytes(bytesInPlaced, f)
			f.ReleasePage()
			f.MarkInPlace()
			f.MarkDone(true)
			z.appendToInPlaced(f.Page(), f.ToAge())
		}
	} else {
		// Someone else won the race to resolve this page.
		f.WaitUntilDone()
	}
}

// claimAndRemoveSpecific takes the exclusive claim on f, waiting out
// transient retainers. It fails when another thread already owns or has
// retired the record.
func (z *Pool) claimAndRemoveSpecific(f *forwarding.Forwarding) bool {
	if z.inPhaseMC() {
		panic("pool: claimAndRemoveSpecific during mark-complete")
	}

	if f.InPlaceRelocationClaimPage(true) {
		if !f.Claim() {
			panic("pool: exclusive owner found the claim already taken")
		}
		return true
	}
	return false
}

// claimAndRemoveAnyPage claims an arbitrary not-yet-done, not-yet-worked-on
// record: matching age on the first attempt, any age on the second. Records
// under a work-claim are skipped rather than waited for.
func (z *Pool) claimAndRemoveAnyPage(age page.Age) *forwarding.Forwarding {
	if z.inPhaseMC() {
		panic("pool: claimAndRemoveAnyPage during mark-complete")
	}

	for attempt := 0; attempt < 2; attempt++ {
		for i := z.fspStart.Load(); i < z.fspPages.Load(); i++ {
			f := z.fsp[i]

			if attempt == 0 && f.ToAge() != age {
				continue
			}
			if f.IsDone() {
				continue
			}
			if f.IsClaim2() {
				continue
			}
			if f.InPlaceRelocationClaimPage(false) {
				if !f.Claim() {
					panic("pool: exclusive owner found the claim already taken")
				}
				return f
			}
		}
	}

	return nil
}

// installNewTarget produces a destination page for age. In-placed pages
// cost no copying and are used first; only when that list is empty does
// the pool pay for compacting a from-space page in place. Returns nil when
// no source remains. Called with targetMu held.
func (z *Pool) installNewTarget(age page.Age) *page.Page {
	z.inPlacedMu.Lock()
	if p := z.inPlaced[age].RemoveFirst(); p != nil {
		z.inPlacedMu.Unlock()
		return p
	}
	z.inPlacedMu.Unlock()

	f := z.claimAndRemoveAnyPage(age)
	if f == nil {
		return nil
	}

	bytesInPlaced := z.cfg.Compact(f)
	z.incInPlacedPageCountAndBytes(bytesInPlaced, f)

	if rc := f.RefCount(); rc != -1 {
		panic("pool: compacting a page that is not exclusively owned")
	}
	f.ReleasePage()
	f.MarkDone(true)

	p := f.Page()
	p.ResetAge(age)
	return p
}
