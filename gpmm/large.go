// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpmm

import (
	"code.hybscloud.com/tomate/block"
	"code.hybscloud.com/tomate/internal/cpu"
	"code.hybscloud.com/tomate/xlock"
)

// largeHeaderLen is LargeHeaderSize rounded up to 16-byte alignment.
const largeHeaderLen = 32

const largeNone uint32 = 0xFFFFFFFF

const largeDefragEvery = 100
const largeDefragRatioNum, largeDefragRatioDen = 15, 100 // occupied/freed < 0.15

// largeBlockAllocator owns one dedicated native arena, sized to the next
// power of two of the request that first created it (spec.md §4.2,
// "Large-block allocator").
type largeBlockAllocator struct {
	_ cpu.NoCopy

	lock     xlock.Spin
	arena    []byte
	base     uintptr
	capacity uint32
	top      uint32

	occHead, occTail   uint32
	freeHead, freeTail uint32
	freeSinceDefrag    int

	idx uint32
}

func newLargeBlockAllocator(ref *block.Referential, capacity int) *largeBlockAllocator {
	arena, base := newNativeArena(capacity)
	a := &largeBlockAllocator{
		arena:    arena,
		base:     base,
		capacity: uint32(capacity),
		occHead:  largeNone,
		occTail:  largeNone,
		freeHead: largeNone,
		freeTail: largeNone,
	}
	a.idx = ref.RegisterLocal(a)
	return a
}

func (a *largeBlockAllocator) headerAt(id uint32) block.LargeHeader {
	return block.LargeHeaderAt(a.base + uintptr(id))
}

func (a *largeBlockAllocator) idOf(headerAddr uintptr) uint32 {
	return uint32(headerAddr - a.base)
}

func (a *largeBlockAllocator) allocate(n int) (block.LargeHeader, bool) {
	required := alignUp16(uint32(largeHeaderLen + n))
	if required > a.capacity {
		return block.LargeHeader{}, false
	}

	a.lock.Lock()
	defer a.lock.Unlock()

	if id, ok := a.findFreeFit(required); ok {
		return a.take(id, required), true
	}
	if a.top+required > a.capacity {
		return block.LargeHeader{}, false
	}
	id := a.top
	h := a.headerAt(id)
	h.SetSize(required)
	h.SetGen(block.NewGenHeader(false, false, 1, a.idx, 0))
	a.pushOccupied(id)
	a.top += required
	return h, true
}

func (a *largeBlockAllocator) findFreeFit(required uint32) (uint32, bool) {
	for id := a.freeHead; id != largeNone; {
		h := a.headerAt(id)
		if h.Size() >= required {
			return id, true
		}
		id = h.Next()
	}
	return 0, false
}

func (a *largeBlockAllocator) take(id uint32, required uint32) block.LargeHeader {
	h := a.headerAt(id)
	total := h.Size()
	a.removeFreed(id)

	leftover := total - required
	if leftover >= 16 {
		h.SetSize(required)
		residualID := id + required
		residual := a.headerAt(residualID)
		residual.SetSize(leftover)
		a.pushFreedFront(residualID)
	}
	h.SetGen(block.NewGenHeader(false, false, 1, a.idx, 0))
	a.pushOccupied(id)
	return h
}

func (a *largeBlockAllocator) pushOccupied(id uint32) {
	h := a.headerAt(id)
	h.SetPrev(largeNone)
	h.SetNext(a.occHead)
	if a.occHead != largeNone {
		a.headerAt(a.occHead).SetPrev(id)
	}
	a.occHead = id
	if a.occTail == largeNone {
		a.occTail = id
	}
}

func (a *largeBlockAllocator) removeOccupied(id uint32) {
	h := a.headerAt(id)
	prev, next := h.Prev(), h.Next()
	if prev != largeNone {
		a.headerAt(prev).SetNext(next)
	} else {
		a.occHead = next
	}
	if next != largeNone {
		a.headerAt(next).SetPrev(prev)
	} else {
		a.occTail = prev
	}
}

func (a *largeBlockAllocator) pushFreedFront(id uint32) {
	h := a.headerAt(id)
	h.SetPrev(largeNone)
	h.SetNext(a.freeHead)
	if a.freeHead != largeNone {
		a.headerAt(a.freeHead).SetPrev(id)
	}
	a.freeHead = id
	if a.freeTail == largeNone {
		a.freeTail = id
	}
}

func (a *largeBlockAllocator) removeFreed(id uint32) {
	h := a.headerAt(id)
	prev, next := h.Prev(), h.Next()
	if prev != largeNone {
		a.headerAt(prev).SetNext(next)
	} else {
		a.freeHead = next
	}
	if next != largeNone {
		a.headerAt(next).SetPrev(prev)
	} else {
		a.freeTail = prev
	}
}

// FreeBlock implements block.Owner; see smallBlockAllocator.FreeBlock.
func (a *largeBlockAllocator) FreeBlock(headerAddr uintptr) {
	id := a.idOf(headerAddr)

	a.lock.Lock()
	defer a.lock.Unlock()

	a.removeOccupied(id)
	a.pushFreedFront(id)
	a.freeSinceDefrag++
	if a.freeSinceDefrag >= largeDefragEvery {
		a.freeSinceDefrag = 0
		a.maybeDefrag()
	}
}

func (a *largeBlockAllocator) maybeDefrag() {
	occCount, freeCount := a.listLens()
	if freeCount == 0 {
		return
	}
	if occCount*largeDefragRatioDen >= freeCount*largeDefragRatioNum {
		return
	}
	a.mergeAdjacentFreed()
}

func (a *largeBlockAllocator) listLens() (occ, free int) {
	for id := a.occHead; id != largeNone; id = a.headerAt(id).Next() {
		occ++
	}
	for id := a.freeHead; id != largeNone; id = a.headerAt(id).Next() {
		free++
	}
	return
}

func (a *largeBlockAllocator) mergeAdjacentFreed() {
	ids := make([]uint32, 0, 64)
	for id := a.freeHead; id != largeNone; id = a.headerAt(id).Next() {
		ids = append(ids, id)
	}
	for _, id := range ids {
		h := a.headerAt(id)
		if h.Size() == 0 {
			continue
		}
		nextID := id + h.Size()
		if nextID >= a.capacity {
			continue
		}
		nh := a.headerAt(nextID)
		if !nh.Gen().IsFree() {
			continue
		}
		combined := h.Size() + nh.Size()
		if combined > a.capacity {
			continue
		}
		a.removeFreed(id)
		a.removeFreed(nextID)
		h.SetSize(combined)
		nh.SetSize(0)
		a.pushFreedFront(id)
	}
}
