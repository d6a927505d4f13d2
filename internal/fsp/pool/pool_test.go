package pool

import (
	"sync"
	"testing"

	"github.com/kolkov/fspool/internal/fsp/page"
)

// TestSinglePageNoTarget drives one page through the no-target path: with
// nothing to evacuate onto and no other page to turn into a target, the
// page itself is compacted in place inside installNewTarget and becomes
// the destination for an evacuation that no longer has a source.
func TestSinglePageNoTarget(t *testing.T) {
	e := newEnv(t)
	pA, fA := e.addFromPage(40, 40, 40, 40, 40, 40, 40, 40, 40, 40) // 400 live

	got := e.pool.AllocPage()

	if got != nil {
		t.Fatalf("AllocPage = %v, want nil (the only page became the target)", got)
	}
	if !fA.IsDone() {
		t.Error("record not done")
	}
	if fA.IsEvacuated() {
		t.Error("record marked evacuated, want in-place resolution")
	}
	if got := e.pool.EvacuatedBytes(); got != 0 {
		t.Errorf("EvacuatedBytes = %d, want 0", got)
	}
	if got := e.pool.InPlacedBytes(); got != 400 {
		t.Errorf("InPlacedBytes = %d, want 400", got)
	}
	if got := e.pool.loadTarget(page.Promote(page.AgeEden)); got != pA {
		t.Errorf("target = %v, want the in-placed page %v", got, pA)
	}

	if deferred := e.pool.ResetEnd(); deferred != 0 {
		t.Errorf("deferred = %d, want 0", deferred)
	}
}

// TestTwoPagesSufficientTarget fully evacuates two pages into one target
// and hands both empty from-pages back to the caller.
func TestTwoPagesSufficientTarget(t *testing.T) {
	e := newEnv(t)
	pA, fA := e.addFromPage(100, 100, 100)      // 300 live
	pB, fB := e.addFromPage(100, 100, 100, 200) // 500 live
	e.installTarget(testPageSize)

	first := e.pool.AllocPage()
	second := e.pool.AllocPage()

	if first != pA || second != pB {
		t.Fatalf("AllocPage order = %v,%v, want %v,%v", first, second, pA, pB)
	}
	if !fA.IsEvacuated() || !fB.IsEvacuated() {
		t.Error("pages not fully evacuated")
	}
	if !fA.IsDone() || !fB.IsDone() {
		t.Error("records not done")
	}
	if got := e.pool.EvacuatedBytes(); got != 800 {
		t.Errorf("EvacuatedBytes = %d, want 800", got)
	}

	// Every surviving object is resolvable through the forwarding table.
	for _, p := range []*page.Page{pA, pB} {
		f := e.pool.ForwardingOf(p)
		for _, addr := range p.LiveAddrs() {
			if to := f.Find(addr, nil); to.IsNull() {
				t.Errorf("live address %#x has no forwarding entry", uint64(addr))
			}
		}
	}

	if deferred := e.pool.ResetEnd(); deferred != 0 {
		t.Errorf("deferred = %d, want 0", deferred)
	}
}

// TestClaim2Race races two workers over one page: exactly one wins the
// work-claim and frees the page, the loser comes back empty.
func TestClaim2Race(t *testing.T) {
	e := newEnv(t)
	pA, fA := e.addFromPage(50, 50)
	e.installTarget(testPageSize)

	results := make([]*page.Page, 2)
	var wg sync.WaitGroup
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			results[w] = e.pool.AllocPage()
		}(w)
	}
	wg.Wait()

	var got []*page.Page
	for _, r := range results {
		if r != nil {
			got = append(got, r)
		}
	}
	if len(got) != 1 || got[0] != pA {
		t.Fatalf("winners = %v, want exactly one receiving %v", got, pA)
	}
	if !fA.IsDone() || !fA.IsEvacuated() {
		t.Error("record not retired after the race")
	}
	if rc := fA.RefCount(); rc != -1 {
		t.Errorf("RefCount = %d, want -1 (stable after free)", rc)
	}
}

// TestTargetReinstallation drives the partial-evacuation path: a small
// target fills mid-page, a new target is installed from the in-placed
// list, and evacuation resumes without revisiting any object.
func TestTargetReinstallation(t *testing.T) {
	e := newEnv(t)
	pA, fA := e.addFromPage(100, 100, 100, 100, 100, 100, 100, 100) // 800 live
	_, fB := e.addFromPage(100)                                     // becomes the fresh target
	e.installTarget(256)

	// Pin pB in place first so the in-placed list can serve as the target
	// source when the 256-byte target fills.
	e.pool.CompactInPlace(fB)
	if !fB.IsInPlace() || !fB.IsDone() {
		t.Fatal("pinned page not resolved in place")
	}

	got := e.pool.AllocPage()

	if got != pA {
		t.Fatalf("AllocPage = %v, want %v", got, pA)
	}
	if !fA.IsEvacuated() || !fA.IsDone() {
		t.Error("page not fully evacuated after target reinstallation")
	}
	if got := e.pool.EvacuatedBytes(); got != 800 {
		t.Errorf("EvacuatedBytes = %d, want 800", got)
	}
	if got := e.pool.InPlacedBytes(); got != 100 {
		t.Errorf("InPlacedBytes = %d, want 100", got)
	}

	// The cursor protocol never revisits an object: each survivor was
	// copied exactly once, and each has a forwarding entry.
	for _, addr := range pA.LiveAddrs() {
		if n := e.ops.copyCount(addr); n != 1 {
			t.Errorf("object %#x copied %d times, want 1", uint64(addr), n)
		}
		if to := fA.Find(addr, nil); to.IsNull() {
			t.Errorf("live address %#x has no forwarding entry", uint64(addr))
		}
	}

	if deferred := e.pool.ResetEnd(); deferred != 0 {
		t.Errorf("deferred = %d, want 0", deferred)
	}
}

// TestCycleResetWithLeftovers evacuates one of three pages and lets the
// reset pair sweep and account for the rest.
func TestCycleResetWithLeftovers(t *testing.T) {
	e := newEnv(t)
	p1, _ := e.addFromPage(100)
	p2, f2 := e.addFromPage(100)
	p3, f3 := e.addFromPage(100)
	e.installTarget(testPageSize)

	if !e.pool.FreePage() {
		t.Fatal("FreePage failed with evacuation work available")
	}

	e.pool.ResetStart()

	if !f2.IsDone() || !f3.IsDone() {
		t.Error("swept records not done")
	}
	for i, f := range e.pool.fsp {
		if !f.IsDone() {
			t.Errorf("record %d not done after sweep", i)
		}
	}

	deferred := e.pool.ResetEnd()
	if deferred != 200 {
		t.Errorf("deferred = %d, want 200 (two unevacuated pages)", deferred)
	}

	// Every page went back to the allocator exactly once: p1 via the
	// free-list shard it was recycled onto, p2 and p3 via the shared list.
	seen := make(map[*page.Page]int)
	for _, p := range e.heap.returned() {
		seen[p]++
	}
	for _, p := range []*page.Page{p1, p2, p3} {
		if seen[p] != 1 {
			t.Errorf("page %v returned %d times, want 1", p, seen[p])
		}
	}
	for _, n := range e.heap.batchSizes {
		if n > 64 {
			t.Errorf("drain batch of %d pages exceeds 64", n)
		}
	}
}

// TestCompactInPlacePinned drives the pinned-page path and the reuse of
// the in-placed page as a target.
func TestCompactInPlacePinned(t *testing.T) {
	e := newEnv(t)
	pA, fA := e.addFromPage(100, 100, 100) // 300 live, unevacuated

	e.pool.CompactInPlace(fA)

	if !fA.IsInPlace() {
		t.Error("record not marked in-place")
	}
	if !fA.IsDone() {
		t.Error("record not done")
	}
	if rc := fA.RefCount(); rc != 0 {
		t.Errorf("RefCount = %d, want 0 after release", rc)
	}
	if got := e.pool.InPlacedBytes(); got != 300 {
		t.Errorf("InPlacedBytes = %d, want 300", got)
	}
	if got := pA.Top(); got != 300 {
		t.Errorf("page top = %d, want 300 (compacted survivors)", got)
	}

	// A subsequent target installation reuses the page at no further
	// compaction cost.
	e.pool.targetMu.Lock()
	got := e.pool.installNewTarget(fA.ToAge())
	e.pool.targetMu.Unlock()
	if got != pA {
		t.Fatalf("installNewTarget = %v, want the in-placed page %v", got, pA)
	}
	if n := e.pool.inPlacedPageCount.Load(); n != 1 {
		t.Errorf("inPlacedPageCount = %d, want 1 (no second compaction)", n)
	}
}

// TestCompactInPlaceRace verifies the loser of the pinned-page race blocks
// until the winner has retired the record.
func TestCompactInPlaceRace(t *testing.T) {
	e := newEnv(t)
	_, fA := e.addFromPage(100, 100)

	const callers = 4
	var wg sync.WaitGroup
	for w := 0; w < callers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.pool.CompactInPlace(fA)
		}()
	}
	wg.Wait()

	if !fA.IsDone() || !fA.IsInPlace() {
		t.Error("record not resolved after racing CompactInPlace calls")
	}
	if got := e.pool.InPlacedBytes(); got != 200 {
		t.Errorf("InPlacedBytes = %d, want 200 (compacted once)", got)
	}
	if n := e.pool.inPlacedPageCount.Load(); n != 1 {
		t.Errorf("inPlacedPageCount = %d, want 1", n)
	}
}

// TestCompactInPlaceAlreadyEvacuated verifies the pinned path frees an
// already evacuated page instead of compacting it.
func TestCompactInPlaceAlreadyEvacuated(t *testing.T) {
	e := newEnv(t)
	_, fA := e.addFromPage(100)
	e.installTarget(testPageSize)

	// Evacuate pA through the normal path, but simulate the racing
	// interleaving where its record is still live when the pinned call
	// arrives: evacuate manually without freeing.
	if !fA.Claim2() {
		t.Fatal("setup claim2 failed")
	}
	if !fA.RetainPage() {
		t.Fatal("setup retain failed")
	}
	delta := e.pool.evacuatePage(fA, nil)
	if !fA.IncEvacuatedBytes(delta) {
		t.Fatal("setup evacuation incomplete")
	}
	fA.ReleasePage()

	e.pool.CompactInPlace(fA)

	if !fA.IsDone() {
		t.Error("record not done")
	}
	if fA.IsInPlace() {
		t.Error("evacuated page was compacted in place, want freed")
	}
	if got := e.pool.CacheSize(); got != 1 {
		t.Errorf("CacheSize = %d, want 1 (freed page cached)", got)
	}
}

// TestAllocPageMarkComplete verifies no evacuation work is claimed at the
// mark-complete handoff: only caches are served.
func TestAllocPageMarkComplete(t *testing.T) {
	e := newEnv(t)
	_, fA := e.addFromPage(100)
	e.installTarget(testPageSize)
	e.phase.mc.Store(true)

	if got := e.pool.AllocPage(); got != nil {
		t.Fatalf("AllocPage during mark-complete = %v, want nil", got)
	}
	if fA.IsClaim2() || fA.IsDone() {
		t.Error("mark-complete alloc touched a forwarding record")
	}
}

// TestSharedListServesMarkComplete verifies the shared free list is
// consulted only during mark-complete.
func TestSharedListServesMarkComplete(t *testing.T) {
	e := newEnv(t)
	p1, _ := e.addFromPage(100)

	// Sweep the untouched page into the shared list.
	e.pool.ResetStart()

	if got := e.pool.AllocPage(); got != nil {
		t.Fatalf("AllocPage outside mark-complete served the shared list: %v", got)
	}

	e.phase.mc.Store(true)
	if got := e.pool.AllocPage(); got != p1 {
		t.Fatalf("AllocPage during mark-complete = %v, want swept page %v", got, p1)
	}
}

// TestFreePageCachePath verifies a cached page satisfies FreePage without
// touching the index.
func TestFreePageCachePath(t *testing.T) {
	e := newEnv(t)
	_, _ = e.addFromPage(100)
	e.installTarget(testPageSize)

	if !e.pool.FreePage() {
		t.Fatal("first FreePage failed")
	}
	if got := e.pool.CacheSize(); got != 1 {
		t.Fatalf("CacheSize = %d, want 1", got)
	}

	// The second call consumes the cached page and frees it outright.
	if !e.pool.FreePage() {
		t.Fatal("second FreePage failed")
	}
	if got := e.pool.CacheSize(); got != 0 {
		t.Errorf("CacheSize = %d, want 0", got)
	}
	if len(e.heap.freed) != 1 {
		t.Errorf("allocator received %d pages, want 1", len(e.heap.freed))
	}
}

// TestTryFreeBacksOffOnContention verifies the contended free path: the
// caller's reference is dropped, nothing is freed, and the record stays
// live for the remaining holder.
func TestTryFreeBacksOffOnContention(t *testing.T) {
	e := newEnv(t)
	_, fA := e.addFromPage(100)

	if !fA.RetainPage() { // the interfering holder
		t.Fatal("setup retain failed")
	}
	if !fA.RetainPage() { // the would-be freeing worker
		t.Fatal("setup retain failed")
	}

	var result *page.Page
	if e.pool.tryFreeIfEvacuatedElseRelease(fA, 2, &result) {
		t.Fatal("free succeeded despite a concurrent holder")
	}
	if result != nil {
		t.Fatalf("result = %v, want nil", result)
	}
	if rc := fA.RefCount(); rc != 2 {
		t.Errorf("RefCount = %d, want 2 (worker's reference dropped)", rc)
	}
	if fA.IsDone() {
		t.Error("record retired by a failed free")
	}
}

// TestConcurrentAllocUniquePages hammers AllocPage from many workers and
// verifies no page is ever handed out twice and the cycle accounting
// stays consistent.
func TestConcurrentAllocUniquePages(t *testing.T) {
	e := newEnv(t)
	const pages = 8
	registered := make(map[*page.Page]bool)
	for i := 0; i < pages; i++ {
		p, _ := e.addFromPage(64)
		registered[p] = true
	}
	e.installTarget(testPageSize)

	results := make([]*page.Page, pages)
	var wg sync.WaitGroup
	for w := 0; w < pages; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			results[w] = e.pool.AllocPage()
		}(w)
	}
	wg.Wait()

	seen := make(map[*page.Page]bool)
	for _, p := range results {
		if p == nil {
			continue
		}
		if !registered[p] {
			t.Errorf("AllocPage returned an unregistered page %v", p)
		}
		if seen[p] {
			t.Errorf("page %v handed out twice", p)
		}
		seen[p] = true
	}

	// fspStart is monotone and everything below it is done.
	start := e.pool.fspStart.Load()
	for i := uint64(0); i < start; i++ {
		if !e.pool.fsp[i].IsDone() {
			t.Errorf("record %d below fspStart not done", i)
		}
	}

	e.pool.ResetStart()
	deferrable := e.pool.DeferrableBytes()
	evacuated := e.pool.EvacuatedBytes()
	inPlaced := e.pool.InPlacedBytes()
	deferred := e.pool.ResetEnd()
	if deferred != deferrable-(evacuated+inPlaced) {
		t.Errorf("deferred = %d, want %d", deferred, deferrable-(evacuated+inPlaced))
	}
}

// TestResetEndClearsState verifies the pool is reusable after teardown.
func TestResetEndClearsState(t *testing.T) {
	e := newEnv(t)
	_, _ = e.addFromPage(100)
	e.installTarget(testPageSize)
	if e.pool.AllocPage() == nil {
		t.Fatal("AllocPage failed")
	}
	e.pool.ResetEnd()

	if got := e.pool.PagesAtRelocateStart(); got != 0 {
		t.Errorf("PagesAtRelocateStart = %d, want 0", got)
	}
	if got := e.pool.Pages(); got != 0 {
		t.Errorf("Pages = %d, want 0", got)
	}
	if got := e.pool.AllocPage(); got != nil {
		t.Errorf("AllocPage on reset pool = %v, want nil", got)
	}

	// A second cycle runs cleanly on the same instance.
	p, f := e.addFromPage(100)
	e.installTarget(testPageSize)
	if got := e.pool.AllocPage(); got != p {
		t.Errorf("second-cycle AllocPage = %v, want %v", got, p)
	}
	if !f.IsDone() {
		t.Error("second-cycle record not done")
	}
}

// TestStatsReadouts exercises the weakly consistent statistics.
func TestStatsReadouts(t *testing.T) {
	e := newEnv(t)
	_, _ = e.addFromPage(100, 100, 100)
	_, _ = e.addFromPage(100, 100, 100, 100, 100)
	e.installTarget(testPageSize)

	if got := e.pool.PagesAtRelocateStart(); got != 2 {
		t.Fatalf("PagesAtRelocateStart = %d, want 2", got)
	}
	if got := e.pool.Pages(); got != 2 {
		t.Fatalf("Pages = %d, want 2", got)
	}
	if got := e.pool.DeferrableBytes(); got != 800 {
		t.Fatalf("DeferrableBytes = %d, want 800", got)
	}

	e.pool.AllocPage()
	e.pool.AllocPage()
	if got := e.pool.Pages(); got != 0 {
		t.Errorf("Pages after full evacuation = %d, want 0", got)
	}

	e.pool.ResetEnd()

	// First cycle seeds the decaying estimators exactly.
	if got := e.pool.ReclaimedAvg(); got != 2*testPageSize-800 {
		t.Errorf("ReclaimedAvg = %d, want %d", got, 2*testPageSize-800)
	}
}
