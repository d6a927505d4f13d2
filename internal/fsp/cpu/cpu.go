// Package cpu approximates the CPU topology queries the pool uses to pick
// free-list shards.
//
// Go offers no stable "current CPU" primitive outside the runtime, so ID
// derives a shard index from goroutine identity instead: the address of a
// stack slot, mixed with a multiplicative hash. Two goroutines on the same
// CPU may disagree, which only spreads contention differently; shard
// selection never affects correctness.
package cpu

import (
	"runtime"
	"unsafe"
)

var count = runtime.NumCPU()

// Count returns the number of shards the pool maintains.
func Count() int {
	return count
}

// ID returns a shard index in [0, Count()) for the calling goroutine.
func ID() int {
	// Goroutine stacks are distinct allocations, so a stack slot address is
	// a cheap goroutine-stable identity while the frame is live.
	var slot byte
	const goldenRatio = 0x9E3779B97F4A7C15
	h := uint64(uintptr(unsafe.Pointer(&slot))) * goldenRatio
	return int((h >> 48) % uint64(count))
}
