// Package fsp provides the public API for the from-space pool: the
// concurrent coordinator that drives evacuation, in-place compaction and
// page recycling during a young-generation relocation phase of a
// region-based, pause-less, generational garbage collector.
//
// # Overview
//
// At mark-complete, the relocation driver hands every live from-space page
// to the pool with AddPage. During the cycle, worker and mutator threads
// call AllocPage to obtain a fresh empty page (derived from a fully
// evacuated from-space page), FreePage to free one such page (a cached page
// goes back to the underlying allocator, a newly evacuated one is recycled
// into the pool's free-list cache), and CompactInPlace to force a
// pinned page to survive where it is. ResetStart and ResetEnd bound the
// cycle; ResetEnd reports the deferred bytes, the live bytes the pool
// never managed to resolve, which survive in place and are processed next
// cycle.
//
// # Process-wide pool
//
// A collector has exactly one pool per young generation. Init installs it
// at collector start-up and Shutdown tears it down deterministically:
//
//	fsp.Init(fsp.Config{Heap: heap, Ops: ops, Phase: phase})
//	defer fsp.Shutdown()
//
//	for _, p := range relocationSet {
//		fsp.AddPage(p)
//	}
//	// workers: fsp.AllocPage() / fsp.FreePage() / fsp.CompactInPlace(f)
//	deferred := fsp.ResetEnd()
//
// Tests construct a local instance with New and injected collaborators
// instead of going through the process-wide handle.
//
// # Concurrency
//
// All entry points except AddPage, ResetStart and ResetEnd are safe for
// concurrent use by any number of threads. AddPage runs in the
// single-threaded pre-cycle context; the reset pair runs at cycle
// boundaries when no workers are active.
package fsp
