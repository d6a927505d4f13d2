// Package relocate implements the in-place compaction primitive.
//
// In-place compaction rewrites a page's surviving objects within the page's
// own storage instead of copying them elsewhere. It runs under the
// forwarding record's exclusive claim, so the rewrite itself needs no
// atomics: objects are bumped downward from the page base in live-map
// order, and a forwarding-table mapping is installed for each moved object
// so loads through the table keep resolving.
package relocate

import (
	"github.com/kolkov/fspool/internal/fsp/forwarding"
	"github.com/kolkov/fspool/internal/fsp/fwdtable"
	"github.com/kolkov/fspool/internal/fsp/heapapi"
	"github.com/kolkov/fspool/internal/fsp/page"
)

// CompactInPlace rewrites f's page in place and returns the number of bytes
// newly placed. Objects that already have a forwarding-table entry were
// evacuated by an earlier partial pass and are skipped; their bytes are
// accounted as evacuated, not in-placed.
//
// The caller must hold the exclusive claim (refCount −1). Moves are always
// downward in address order, so a moved object never overwrites a surviving
// object that has not been visited yet.
func CompactInPlace(f *forwarding.Forwarding, ops heapapi.ObjectOps) uint64 {
	p := f.Page()

	var top uint64
	var placed uint64
	f.LiveMap().ForEach(func(from page.Address) bool {
		var c fwdtable.Cursor
		if !f.Find(from, &c).IsNull() {
			// Already evacuated off-page.
			return true
		}
		size := ops.ObjectSize(from)
		to := p.Start() + page.Address(top)
		if to != from {
			ops.ObjectCopyDisjoint(from, to, size)
		}
		f.Insert(from, to, &c)
		top += size
		placed += size
		return true
	})

	// The page now bump-allocates above its compacted survivors when it is
	// reused as an evacuation target.
	p.ResetTop(top)

	return placed
}
