// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package smm

import (
	"context"
	"unsafe"

	"code.hybscloud.com/tomate/block"
	"code.hybscloud.com/tomate/xlock"
)

// groupHeaderLen is the metadata region at the start of a group's first
// page; the group's payload data area begins immediately after it.
const groupHeaderLen = 64

const noGroupLink uint32 = 0

// groupNone is the link-list sentinel for the occupied/freed id lists,
// expressed as a data-area-relative byte offset; 0xFFFFFFFF can never be
// a valid in-group offset (AllocatorGroupPages*pageSize is far smaller).
const groupNone uint32 = 0xFFFFFFFF

const groupDefragEvery = 100
const groupDefragRatioNum, groupDefragRatioDen = 15, 100 // occupied/freed < 0.15, same as gpmm's large-block ratio

// groupView is a view over one allocator group occupying AllocatorGroupPages
// contiguous pages: a cross-process lock, a chain link to the
// previously-grown group in the same slot, and the occupied/freed segment
// lists for a first-fit-with-split allocator over block.LargeHeader
// segments (spec.md §4.3, "Block-allocator roots are pages ... chained by
// a 32-bit next-allocator-page-index field").
type groupView struct {
	addr     uintptr // process-local address of the group's first page
	capacity uint32  // data-area byte capacity
}

func groupAt(base uintptr, pageIndex uint32, pageSize uint32) groupView {
	return groupView{
		addr:     base + uintptr(pageIndex)*uintptr(pageSize),
		capacity: AllocatorGroupPages*pageSize - groupHeaderLen,
	}
}

func (g groupView) dataBase() uintptr { return g.addr + groupHeaderLen }

func (g groupView) lockWord() *uint64   { return (*uint64)(unsafe.Pointer(g.addr)) }
func (g groupView) nextLink() *uint32   { return (*uint32)(unsafe.Pointer(g.addr + 8)) }
func (g groupView) occHeadP() *uint32   { return (*uint32)(unsafe.Pointer(g.addr + 12)) }
func (g groupView) occTailP() *uint32   { return (*uint32)(unsafe.Pointer(g.addr + 16)) }
func (g groupView) freeHeadP() *uint32  { return (*uint32)(unsafe.Pointer(g.addr + 20)) }
func (g groupView) freeTailP() *uint32  { return (*uint32)(unsafe.Pointer(g.addr + 24)) }
func (g groupView) topP() *uint32       { return (*uint32)(unsafe.Pointer(g.addr + 28)) }
func (g groupView) freeSinceP() *uint32 { return (*uint32)(unsafe.Pointer(g.addr + 32)) }

func (g groupView) init() {
	*g.nextLink() = noGroupLink
	*g.occHeadP() = groupNone
	*g.occTailP() = groupNone
	*g.freeHeadP() = groupNone
	*g.freeTailP() = groupNone
	*g.topP() = 0
	*g.freeSinceP() = 0
	*g.lockWord() = 0
}

func (g groupView) headerAt(id uint32) block.LargeHeader {
	return block.LargeHeaderAt(g.dataBase() + uintptr(id))
}

func (g groupView) idOf(headerAddr uintptr) uint32 {
	return uint32(headerAddr - g.dataBase())
}

// allocate must be called with the group's lock already held.
func (g groupView) allocate(required uint32, allocIdx uint32) (block.LargeHeader, bool) {
	if required > g.capacity {
		return block.LargeHeader{}, false
	}
	if id, ok := g.findFreeFit(required); ok {
		return g.take(id, required, allocIdx), true
	}
	top := *g.topP()
	if top+required > g.capacity {
		return block.LargeHeader{}, false
	}
	id := top
	h := g.headerAt(id)
	h.SetSize(required)
	h.SetGen(block.NewGenHeader(false, true, 1, allocIdx, 0))
	g.pushOccupied(id)
	*g.topP() = top + required
	return h, true
}

func (g groupView) findFreeFit(required uint32) (uint32, bool) {
	for id := *g.freeHeadP(); id != groupNone; {
		h := g.headerAt(id)
		if h.Size() >= required {
			return id, true
		}
		id = h.Next()
	}
	return 0, false
}

func (g groupView) take(id, required, allocIdx uint32) block.LargeHeader {
	h := g.headerAt(id)
	total := h.Size()
	g.removeFreed(id)

	leftover := total - required
	if leftover >= 16 {
		h.SetSize(required)
		residualID := id + required
		residual := g.headerAt(residualID)
		residual.SetSize(leftover)
		residual.SetGen(block.NewGenHeader(true, true, 0, allocIdx, 0))
		g.pushFreedFront(residualID)
	}
	h.SetGen(block.NewGenHeader(false, true, 1, allocIdx, 0))
	g.pushOccupied(id)
	return h
}

func (g groupView) pushOccupied(id uint32) {
	h := g.headerAt(id)
	h.SetPrev(groupNone)
	h.SetNext(*g.occHeadP())
	if *g.occHeadP() != groupNone {
		g.headerAt(*g.occHeadP()).SetPrev(id)
	}
	*g.occHeadP() = id
	if *g.occTailP() == groupNone {
		*g.occTailP() = id
	}
}

func (g groupView) removeOccupied(id uint32) {
	h := g.headerAt(id)
	prev, next := h.Prev(), h.Next()
	if prev != groupNone {
		g.headerAt(prev).SetNext(next)
	} else {
		*g.occHeadP() = next
	}
	if next != groupNone {
		g.headerAt(next).SetPrev(prev)
	} else {
		*g.occTailP() = prev
	}
}

func (g groupView) pushFreedFront(id uint32) {
	h := g.headerAt(id)
	h.SetPrev(groupNone)
	h.SetNext(*g.freeHeadP())
	if *g.freeHeadP() != groupNone {
		g.headerAt(*g.freeHeadP()).SetPrev(id)
	}
	*g.freeHeadP() = id
	if *g.freeTailP() == groupNone {
		*g.freeTailP() = id
	}
}

func (g groupView) removeFreed(id uint32) {
	h := g.headerAt(id)
	prev, next := h.Prev(), h.Next()
	if prev != groupNone {
		g.headerAt(prev).SetNext(next)
	} else {
		*g.freeHeadP() = next
	}
	if next != groupNone {
		g.headerAt(next).SetPrev(prev)
	} else {
		*g.freeTailP() = prev
	}
}

// release must be called with the group's lock already held. It moves id
// from occupied to freed and defragments periodically, mirroring
// gpmm.largeBlockAllocator.FreeBlock.
func (g groupView) release(id uint32) {
	g.removeOccupied(id)
	g.pushFreedFront(id)
	*g.freeSinceP()++
	if *g.freeSinceP() >= groupDefragEvery {
		*g.freeSinceP() = 0
		g.maybeDefrag()
	}
}

func (g groupView) maybeDefrag() {
	occCount, freeCount := g.listLens()
	if freeCount == 0 {
		return
	}
	if occCount*groupDefragRatioDen >= freeCount*groupDefragRatioNum {
		return
	}
	g.mergeAdjacentFreed()
}

func (g groupView) listLens() (occ, free int) {
	for id := *g.occHeadP(); id != groupNone; id = g.headerAt(id).Next() {
		occ++
	}
	for id := *g.freeHeadP(); id != groupNone; id = g.headerAt(id).Next() {
		free++
	}
	return
}

func (g groupView) mergeAdjacentFreed() {
	var ids []uint32
	for id := *g.freeHeadP(); id != groupNone; id = g.headerAt(id).Next() {
		ids = append(ids, id)
	}
	for _, id := range ids {
		h := g.headerAt(id)
		if h.Size() == 0 {
			continue
		}
		nextID := id + h.Size()
		if nextID >= g.capacity {
			continue
		}
		nh := g.headerAt(nextID)
		if !nh.Gen().IsFree() {
			continue
		}
		combined := h.Size() + nh.Size()
		if combined > g.capacity {
			continue
		}
		g.removeFreed(id)
		g.removeFreed(nextID)
		h.SetSize(combined)
		nh.SetSize(0)
		g.pushFreedFront(id)
	}
}

func (g groupView) mutex() *xlock.ProcessMutex { return xlock.New(g.lockWord()) }

func (g groupView) lock(ctx context.Context, pid, nonce uint32) error {
	return g.mutex().Lock(ctx, pid, nonce)
}

func (g groupView) unlock(pid, nonce uint32) { g.mutex().Unlock(pid, nonce) }
