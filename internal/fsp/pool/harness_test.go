package pool

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/kolkov/fspool/internal/fsp/forwarding"
	"github.com/kolkov/fspool/internal/fsp/heapapi"
	"github.com/kolkov/fspool/internal/fsp/page"
)

const testPageSize = 1024

// testHeap is a synthetic page allocator. Every page gets a distinct
// 1 MiB-aligned base so addresses never collide across pages.
type testHeap struct {
	mu         sync.Mutex
	nextBase   page.Address
	freed      []*page.Page
	freedEmpty []*page.Page
	batchSizes []int
	allocCalls int
	failAlloc  bool
}

func newTestHeap() *testHeap {
	return &testHeap{nextBase: 1 << 20}
}

func (h *testHeap) newPage(size uint64, age page.Age) *page.Page {
	h.mu.Lock()
	base := h.nextBase
	h.nextBase += 1 << 20
	h.mu.Unlock()
	return page.New(page.TypeSmall, base, size, age)
}

func (h *testHeap) AllocPage(_ page.Type, size uint64, _ heapapi.AllocFlags, age page.Age) *page.Page {
	h.mu.Lock()
	h.allocCalls++
	fail := h.failAlloc
	h.mu.Unlock()
	if fail {
		return nil
	}
	return h.newPage(size, age)
}

func (h *testHeap) FreePage(p *page.Page) {
	h.mu.Lock()
	h.freed = append(h.freed, p)
	h.mu.Unlock()
}

func (h *testHeap) FreeEmptyPages(batch []*page.Page) {
	h.mu.Lock()
	h.freedEmpty = append(h.freedEmpty, batch...)
	h.batchSizes = append(h.batchSizes, len(batch))
	h.mu.Unlock()
}

// returned lists every page the heap got back, through either entry point.
func (h *testHeap) returned() []*page.Page {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*page.Page, 0, len(h.freed)+len(h.freedEmpty))
	out = append(out, h.freed...)
	out = append(out, h.freedEmpty...)
	return out
}

// testOps is a synthetic object space: sizes are tracked per address and
// copies are recorded per from-address so tests can assert that no object
// is ever copied twice.
type testOps struct {
	mu     sync.Mutex
	sizes  map[page.Address]uint64
	copies map[page.Address]int
}

func newTestOps() *testOps {
	return &testOps{
		sizes:  make(map[page.Address]uint64),
		copies: make(map[page.Address]int),
	}
}

func (o *testOps) ObjectSize(addr page.Address) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	size, ok := o.sizes[addr]
	if !ok {
		panic(fmt.Sprintf("testOps: no object at %#x", uint64(addr)))
	}
	return size
}

func (o *testOps) ObjectCopyDisjoint(from, to page.Address, size uint64) {
	o.mu.Lock()
	o.sizes[to] = size
	o.copies[from]++
	o.mu.Unlock()
}

// copyCount returns how many times the object at from was copied.
func (o *testOps) copyCount(from page.Address) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.copies[from]
}

// addObjects lays objects of the given sizes out from the page base and
// registers them as the page's live set.
func (o *testOps) addObjects(p *page.Page, sizes ...uint64) []page.Address {
	o.mu.Lock()
	defer o.mu.Unlock()
	addrs := make([]page.Address, 0, len(sizes))
	addr := p.Start()
	var total uint64
	for _, s := range sizes {
		o.sizes[addr] = s
		addrs = append(addrs, addr)
		addr += page.Address(s)
		total += s
	}
	p.SetLive(addrs, total)
	return addrs
}

type testPhase struct {
	mc atomic.Bool
}

func (ph *testPhase) IsPhaseMarkComplete() bool {
	return ph.mc.Load()
}

// env bundles a pool with its synthetic collaborators.
type env struct {
	heap  *testHeap
	ops   *testOps
	phase *testPhase
	pool  *Pool
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		heap:  newTestHeap(),
		ops:   newTestOps(),
		phase: &testPhase{},
	}
	e.pool = New(Config{
		Heap:     e.heap,
		Ops:      e.ops,
		Phase:    e.phase,
		PageSize: testPageSize,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return e
}

// addFromPage registers an eden page holding objects of the given sizes.
func (e *env) addFromPage(sizes ...uint64) (*page.Page, *forwarding.Forwarding) {
	p := e.heap.newPage(testPageSize, page.AgeEden)
	e.ops.addObjects(p, sizes...)
	return p, e.pool.AddPage(p)
}

// installTarget publishes a fresh destination page of the given capacity
// for the eden survivors' age.
func (e *env) installTarget(capacity uint64) *page.Page {
	tp := e.heap.newPage(capacity, page.Promote(page.AgeEden))
	e.pool.InstallTarget(tp, page.Promote(page.AgeEden))
	return tp
}
