package pool

// Statistics readouts. All of these are weakly consistent: they mix
// atomics loaded at different instants and decayed averages, which is
// acceptable for the heuristics they feed (reclamation pacing in the
// outer driver).

// Pages returns the number of registered pages not yet resolved by
// evacuation or in-place compaction.
func (z *Pool) Pages() uint64 {
	return z.fspPages.Load() - z.evacuatedPageCount.Load() - z.inPlacedPageCount.Load()
}

// PagesAtRelocateStart returns the number of pages registered this cycle.
func (z *Pool) PagesAtRelocateStart() uint64 {
	return z.fspPages.Load()
}

// SizeInBytes returns the dead bytes still held by unresolved pages.
func (z *Pool) SizeInBytes() uint64 {
	n := z.sizeInBytes.Load()
	if n < 0 {
		return 0
	}
	return uint64(n)
}

// EvacuatedBytes returns the bytes evacuated so far this cycle.
func (z *Pool) EvacuatedBytes() uint64 {
	return z.evacuatedBytes.Load()
}

// InPlacedBytes returns the bytes resolved by in-place compaction so far
// this cycle.
func (z *Pool) InPlacedBytes() uint64 {
	return z.inPlacedBytes.Load()
}

// DeferrableBytes returns the live-byte sum over all registered pages.
func (z *Pool) DeferrableBytes() uint64 {
	return z.deferrableBytes.Load()
}

// ToBeFreeInBytes estimates the bytes the unresolved pages will yield,
// discounted by the decayed survival rate and its variance.
func (z *Pool) ToBeFreeInBytes() uint64 {
	survivalRate := z.statPercentEvacuated.DAvg()
	est := float64(z.Pages()) * float64(z.cfg.PageSize) * (1 - survivalRate - z.statPercentEvacuated.DVariance())
	if est < 0 {
		return 0
	}
	return uint64(est)
}

// ReclaimedAvg returns the decayed average of bytes reclaimed per cycle.
func (z *Pool) ReclaimedAvg() uint64 {
	avg := z.statToBeFreed.DAvg()
	if avg < 0 {
		return 0
	}
	return uint64(avg)
}

// CacheSize returns the number of pages currently cached across the shared
// and per-CPU free lists.
func (z *Pool) CacheSize() int {
	z.inPlacedMu.Lock()
	defer z.inPlacedMu.Unlock()

	n := z.sharedFree.Size()
	for i := 0; i < z.perCPUFree.Count(); i++ {
		n += z.perCPUFree.Get(i).Size()
	}
	return n
}
