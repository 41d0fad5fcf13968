// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpmm

import "unsafe"

// smallArenaSize is the fixed size of every small-block native arena
// (spec.md §4.2, "a pool of 1 MiB small-block arenas").
const smallArenaSize = 1 << 20

// maxNativeArena is the largest native arena gpmm will grow for the
// large-block path (spec.md §4.2, "capped at 256 MiB").
const maxNativeArena = 256 << 20

// MaxSegmentSize is the largest single allocation Allocate accepts: the
// largest native arena minus the large-block segment header.
const MaxSegmentSize = maxNativeArena - largeHeaderLen

// newNativeArena carves a raw, GC-owned byte slab of size bytes and
// returns it together with its base address. Arenas are never returned to
// the OS early; they live until the Manager that created them is
// collected (spec.md §3, "released only on allocator teardown").
func newNativeArena(size int) ([]byte, uintptr) {
	buf := make([]byte, size)
	return buf, uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
}

// nextPow2 rounds n up to the next power of two, capped at max.
func nextPow2(n, max int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n && p < max {
		p <<= 1
	}
	if p > max {
		p = max
	}
	return p
}
