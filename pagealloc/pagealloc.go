// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pagealloc

import (
	"sync/atomic"

	"code.hybscloud.com/tomate/bitmap"
	"code.hybscloud.com/tomate/internal/cpu"
	"code.hybscloud.com/tomate/segment"
)

// MaxSpan is the largest number of consecutive pages a single allocation
// may request, per spec.md §4.1 ("n ∈ [1, 64]").
const MaxSpan = 64

// Allocator hands out runs of 1..MaxSpan contiguous fixed-size pages from a
// contiguous arena. Allocator must not be copied after first use.
type Allocator struct {
	_ cpu.NoCopy

	base     uintptr
	pageSize uintptr
	capacity int

	bits *bitmap.Bitmap
	dir  []atomic.Uint32 // packed (span:16, refcount:16), valid at span start
}

// New constructs a page allocator over an arena of capacity pages of
// pageSize bytes each, starting at base. The caller owns the backing
// memory; New does not allocate or map it.
func New(base, pageSize uintptr, capacity int) *Allocator {
	if capacity <= 0 {
		panic("pagealloc: capacity must be positive")
	}
	return &Allocator{
		base:     base,
		pageSize: pageSize,
		capacity: capacity,
		bits:     bitmap.New(capacity),
		dir:      make([]atomic.Uint32, capacity),
	}
}

// PageSize returns the fixed page size in bytes.
func (a *Allocator) PageSize() uintptr { return a.pageSize }

// Capacity returns the total number of pages in the arena.
func (a *Allocator) Capacity() int { return a.capacity }

func packDir(span, refcount uint16) uint32 {
	return uint32(span)<<16 | uint32(refcount)
}

func unpackDir(v uint32) (span, refcount uint16) {
	return uint16(v >> 16), uint16(v)
}

// AllocatePages reserves n (1..MaxSpan) consecutive pages and returns the
// segment covering them with a fresh reference count of 1. Returns the
// zero Segment and false if the arena has no run of n free pages.
func (a *Allocator) AllocatePages(n int) (segment.Segment, bool) {
	if n < 1 || n > MaxSpan {
		panic("pagealloc: n must be in [1, 64]")
	}
	start, ok := a.bits.FindFreeRun(n)
	if !ok {
		return segment.Segment{}, false
	}
	a.dir[start].Store(packDir(uint16(n), 1))
	return a.segmentAt(start, n), true
}

func (a *Allocator) segmentAt(start, n int) segment.Segment {
	return segment.Segment{
		Base: a.base + uintptr(start)*a.pageSize,
		Len:  uintptr(n) * a.pageSize,
	}
}

// AddRef increments the reference count of the allocation that starts at
// seg's base page. Panics if seg does not correspond to a live allocation
// start.
func (a *Allocator) AddRef(seg segment.Segment) {
	start := a.startIndex(seg)
	for {
		old := a.dir[start].Load()
		span, refcount := unpackDir(old)
		if span == 0 {
			panic("pagealloc: AddRef on unallocated segment")
		}
		if a.dir[start].CompareAndSwap(old, packDir(span, refcount+1)) {
			return
		}
	}
}

// FreePages decrements the reference count of the allocation starting at
// seg's base page. When the count reaches zero, the backing pages are
// returned to the free bitmap and the directory entry is cleared. Returns
// false if seg does not correspond to a currently live allocation (for
// example, a double free): each call on a live segment releases one
// reference and returns true, and once the last reference is gone any
// further call returns false.
func (a *Allocator) FreePages(seg segment.Segment) bool {
	start, ok := a.tryStartIndex(seg)
	if !ok {
		return false
	}
	for {
		old := a.dir[start].Load()
		span, refcount := unpackDir(old)
		if span == 0 || refcount == 0 {
			return false
		}
		if refcount > 1 {
			if a.dir[start].CompareAndSwap(old, packDir(span, refcount-1)) {
				return true
			}
			continue
		}
		// refcount == 1: the decrementer that wins this CAS is the one
		// that clears the bitmap, so a racing double free can only ever
		// observe span == 0 afterward.
		if a.dir[start].CompareAndSwap(old, 0) {
			a.bits.ClearRun(start, int(span))
			return true
		}
	}
}

func (a *Allocator) startIndex(seg segment.Segment) int {
	idx, ok := a.tryStartIndex(seg)
	if !ok {
		panic("pagealloc: segment does not belong to this allocator")
	}
	return idx
}

func (a *Allocator) tryStartIndex(seg segment.Segment) (int, bool) {
	if seg.Base < a.base {
		return 0, false
	}
	off := seg.Base - a.base
	if off%a.pageSize != 0 {
		return 0, false
	}
	idx := int(off / a.pageSize)
	if idx < 0 || idx >= a.capacity {
		return 0, false
	}
	return idx, true
}

// ToBlockID returns the page-index identity of an allocation, usable as a
// compact 32-bit handle. ToBlockID(FromBlockID(id)) == id for every id that
// starts a live allocation.
func (a *Allocator) ToBlockID(seg segment.Segment) int {
	return a.startIndex(seg)
}

// FromBlockID reconstructs the segment for the allocation starting at page
// index id, reading its span from the directory. Panics if id is out of
// range or does not currently start a live allocation.
func (a *Allocator) FromBlockID(id int) segment.Segment {
	if id < 0 || id >= a.capacity {
		panic("pagealloc: block id out of range")
	}
	span, refcount := unpackDir(a.dir[id].Load())
	if span == 0 || refcount == 0 {
		panic("pagealloc: block id does not name a live allocation")
	}
	return a.segmentAt(id, int(span))
}

// LiveSpanPages returns the sum of span lengths (in pages) over every
// currently live allocation. Used by property tests to cross-check the
// bitmap's set-bit count.
func (a *Allocator) LiveSpanPages() int {
	total := 0
	for i := range a.dir {
		span, refcount := unpackDir(a.dir[i].Load())
		if refcount > 0 {
			total += int(span)
		}
	}
	return total
}

// SetBitCount returns the number of set bits in the underlying bitmap,
// including any pre-marked out-of-arena padding bits.
func (a *Allocator) SetBitCount() int {
	return a.bits.Count()
}
