// Package livemap provides the iterator over a page's surviving objects.
//
// The live map is produced by the marker (an external collaborator); this
// package only defines the read side the pool needs: monotonic ascending
// iteration over surviving from-addresses, restartable from a cursor
// address stored by a previous partial pass.
package livemap

import (
	"sort"

	"github.com/kolkov/fspool/internal/fsp/page"
)

// LiveMap is the set of surviving object addresses on one page, in
// ascending order. It is immutable after construction, so concurrent
// iteration needs no synchronization.
type LiveMap struct {
	addrs []page.Address
}

// New builds a live map from the marker's surviving addresses. The input
// is copied and sorted; duplicates are the marker's bug and are kept.
func New(addrs []page.Address) *LiveMap {
	sorted := make([]page.Address, len(addrs))
	copy(sorted, addrs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return &LiveMap{addrs: sorted}
}

// Count returns the number of surviving objects.
func (m *LiveMap) Count() int {
	return len(m.addrs)
}

// ForEach visits every surviving address in ascending order. fn returning
// false stops the iteration.
//
// Cursor resumption is the caller's concern: a resuming caller skips
// addresses below its stored cursor, which is safe exactly because the
// order is monotonic; no address below the cursor can reappear later.
func (m *LiveMap) ForEach(fn func(addr page.Address) bool) {
	for _, a := range m.addrs {
		if !fn(a) {
			return
		}
	}
}
