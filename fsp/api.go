package fsp

import (
	"sync"

	"github.com/kolkov/fspool/internal/fsp/forwarding"
	"github.com/kolkov/fspool/internal/fsp/heapapi"
	"github.com/kolkov/fspool/internal/fsp/page"
	"github.com/kolkov/fspool/internal/fsp/pool"
)

// Config wires a pool to its external collaborators.
type Config = pool.Config

// Pool is a from-space pool instance. Construct one per young generation
// with New, or use the package-level handle installed by Init.
type Pool = pool.Pool

// Forwarding is the relocation metadata of one registered page.
type Forwarding = forwarding.Forwarding

// Page is the unit of relocation and reclamation.
type Page = page.Page

// Address is a heap address.
type Address = page.Address

// Age is the generational age of a page.
type Age = page.Age

// PageType classifies pages by size class.
type PageType = page.Type

// Page classes and age bounds, re-exported for relocation drivers.
const (
	PageTypeSmall = page.TypeSmall
	AgeEden       = page.AgeEden
	AgeOld        = page.AgeOld
)

// NewPage creates a page covering [start, start+size). Relocation drivers
// construct from-space pages through this before handing them to AddPage.
func NewPage(typ PageType, start Address, size uint64, age Age) *Page {
	return page.New(typ, start, size, age)
}

// Allocator is the underlying page allocator the pool recycles into.
type Allocator = heapapi.Allocator

// AllocFlags qualifies a page allocation request.
type AllocFlags = heapapi.AllocFlags

// ObjectOps provides object sizing and copying.
type ObjectOps = heapapi.ObjectOps

// PhaseOracle reports the young generation's phase.
type PhaseOracle = heapapi.PhaseOracle

// PhaseFunc adapts a function to the PhaseOracle interface.
type PhaseFunc = heapapi.PhaseFunc

// New constructs a local pool instance with injected collaborators.
func New(cfg Config) *Pool {
	return pool.New(cfg)
}

var (
	mu      sync.Mutex
	process *Pool
)

// Init installs the process-wide pool. It panics if a pool is already
// installed; collectors initialize exactly once at start-up.
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()
	if process != nil {
		panic("fsp: process-wide pool already initialized")
	}
	process = pool.New(cfg)
}

// Shutdown tears the process-wide pool down. Callers must have completed
// or reset the in-flight cycle first.
func Shutdown() {
	mu.Lock()
	defer mu.Unlock()
	process = nil
}

// P returns the process-wide pool. It panics before Init.
func P() *Pool {
	mu.Lock()
	defer mu.Unlock()
	if process == nil {
		panic("fsp: pool not initialized")
	}
	return process
}

// AddPage registers a from-space page for the coming cycle on the
// process-wide pool and returns its forwarding record.
func AddPage(p *Page) *Forwarding {
	return P().AddPage(p)
}

// AllocPage obtains a fresh empty page from the process-wide pool, or nil
// when the pool cannot produce one.
func AllocPage() *Page {
	return P().AllocPage()
}

// FreePage frees one evacuated page via the process-wide pool: a cached
// page goes back to the underlying allocator, a newly evacuated one is
// recycled into the pool's free-list cache.
func FreePage() bool {
	return P().FreePage()
}

// CompactInPlace resolves a pinned page in place on the process-wide pool.
func CompactInPlace(f *Forwarding) {
	P().CompactInPlace(f)
}

// ResetStart sweeps unresolved pages into the shared free list at the
// mark-complete handoff for the next cycle.
func ResetStart() {
	P().ResetStart()
}

// ResetEnd tears the cycle down and returns the deferred bytes.
func ResetEnd() uint64 {
	return P().ResetEnd()
}

// Pages returns the number of registered pages not yet resolved.
func Pages() uint64 {
	return P().Pages()
}

// ToBeFreeInBytes estimates the bytes the unresolved pages will yield.
func ToBeFreeInBytes() uint64 {
	return P().ToBeFreeInBytes()
}

// ReclaimedAvg returns the decayed average of bytes reclaimed per cycle.
func ReclaimedAvg() uint64 {
	return P().ReclaimedAvg()
}
