// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpmm

import (
	"slices"

	"code.hybscloud.com/tomate/block"
	"code.hybscloud.com/tomate/internal/cpu"
	"code.hybscloud.com/tomate/segment"
	"code.hybscloud.com/tomate/xlock"
)

// smallHeaderLen is SmallHeaderSize rounded up to the 16-byte payload
// alignment every segment boundary must honor.
const smallHeaderLen = 16

// smallMaxSegment is the largest total segment size (header + payload)
// a small-block allocator will carve (spec.md §4.2, "≤64 KiB segments").
const smallMaxSegment = 64 * 1024

// smallMaxPayload is the largest n routed to the small-block path.
const smallMaxPayload = smallMaxSegment - smallHeaderLen

// smallNone marks the end of an intrusive small-block list. It also
// reserves the arena's final 16-byte unit from ever being handed out,
// trading one slot of a 1 MiB arena for a sentinel value that fits the
// spec's 16-bit link width.
const smallNone uint16 = 0xFFFF

const smallDefragEvery = 100
const smallDefragRatioNum, smallDefragRatioDen = 1, 1 // occupied/freed < 1.0

// smallBlockAllocator manages one 1 MiB native arena split into ≤64 KiB
// segments, each prefixed by a block.SmallHeader (spec.md §4.2).
type smallBlockAllocator struct {
	_ cpu.NoCopy

	lock xlock.Spin
	arena []byte
	base  uintptr
	top   uint32 // next never-used byte offset; bump allocation frontier

	occHead, occTail   uint16
	freeHead, freeTail uint16
	freeSinceDefrag     int

	idx uint32
}

func newSmallBlockAllocator(ref *block.Referential) *smallBlockAllocator {
	arena, base := newNativeArena(smallArenaSize)
	a := &smallBlockAllocator{
		arena:    arena,
		base:     base,
		occHead:  smallNone,
		occTail:  smallNone,
		freeHead: smallNone,
		freeTail: smallNone,
	}
	a.idx = ref.RegisterLocal(a)
	return a
}

func (a *smallBlockAllocator) headerAt(id uint16) block.SmallHeader {
	return block.SmallHeaderAt(a.base + uintptr(id)*16)
}

func (a *smallBlockAllocator) idOf(headerAddr uintptr) uint16 {
	return uint16((headerAddr - a.base) / 16)
}

// allocate reserves a segment able to hold n payload bytes, first-fitting
// the freed list and falling back to the bump frontier. Returns false if
// this allocator has no room (caller should try the next allocator in the
// sequence or grow a fresh one).
func (a *smallBlockAllocator) allocate(n int) (block.SmallHeader, bool) {
	required := alignUp16(uint32(smallHeaderLen + n))
	if required > smallMaxSegment {
		return block.SmallHeader{}, false
	}

	a.lock.Lock()
	defer a.lock.Unlock()

	if id, ok := a.findFreeFit(uint16(required)); ok {
		h := a.take(id, uint16(required))
		return h, true
	}

	if a.top+required > smallArenaSize-16 {
		return block.SmallHeader{}, false
	}
	id := uint16(a.top / 16)
	h := a.headerAt(id)
	h.SetSize(uint16(required))
	h.SetGen(block.NewGenHeader(false, false, 1, a.idx, 0))
	a.pushOccupied(id)
	a.top += required
	return h, true
}

// findFreeFit returns the id of the first freed segment whose size is at
// least required.
func (a *smallBlockAllocator) findFreeFit(required uint16) (uint16, bool) {
	for id := a.freeHead; id != smallNone; {
		h := a.headerAt(id)
		if h.Size() >= required {
			return id, true
		}
		id = h.Next()
	}
	return 0, false
}

// take removes the freed segment id from the freed list, splitting off a
// residual free segment if what remains after required bytes is at least
// 16 bytes (spec.md §4.2), and returns the now-occupied header.
func (a *smallBlockAllocator) take(id uint16, required uint16) block.SmallHeader {
	h := a.headerAt(id)
	total := h.Size()
	a.removeFreed(id)

	leftover := total - required
	if leftover >= 16 {
		h.SetSize(required)
		residualID := id + required/16
		residual := a.headerAt(residualID)
		residual.SetSize(leftover)
		a.pushFreedFront(residualID)
	}
	h.SetGen(block.NewGenHeader(false, false, 1, a.idx, 0))
	a.pushOccupied(id)
	return h
}

func (a *smallBlockAllocator) pushOccupied(id uint16) {
	h := a.headerAt(id)
	h.SetPrev(smallNone)
	h.SetNext(a.occHead)
	if a.occHead != smallNone {
		a.headerAt(a.occHead).SetPrev(id)
	}
	a.occHead = id
	if a.occTail == smallNone {
		a.occTail = id
	}
}

func (a *smallBlockAllocator) removeOccupied(id uint16) {
	h := a.headerAt(id)
	prev, next := h.Prev(), h.Next()
	if prev != smallNone {
		a.headerAt(prev).SetNext(next)
	} else {
		a.occHead = next
	}
	if next != smallNone {
		a.headerAt(next).SetPrev(prev)
	} else {
		a.occTail = prev
	}
}

func (a *smallBlockAllocator) pushFreedFront(id uint16) {
	h := a.headerAt(id)
	h.SetPrev(smallNone)
	h.SetNext(a.freeHead)
	if a.freeHead != smallNone {
		a.headerAt(a.freeHead).SetPrev(id)
	}
	a.freeHead = id
	if a.freeTail == smallNone {
		a.freeTail = id
	}
}

func (a *smallBlockAllocator) removeFreed(id uint16) {
	h := a.headerAt(id)
	prev, next := h.Prev(), h.Next()
	if prev != smallNone {
		a.headerAt(prev).SetNext(next)
	} else {
		a.freeHead = next
	}
	if next != smallNone {
		a.headerAt(next).SetPrev(prev)
	} else {
		a.freeTail = prev
	}
}

// FreeBlock implements block.Owner: it is dispatched by the referential
// once the header's ref_counter has already reached zero. It performs the
// occupied->freed list surgery and periodic defragmentation.
func (a *smallBlockAllocator) FreeBlock(headerAddr uintptr) {
	id := a.idOf(headerAddr)

	a.lock.Lock()
	defer a.lock.Unlock()

	a.removeOccupied(id)
	a.pushFreedFront(id)
	a.freeSinceDefrag++
	if a.freeSinceDefrag >= smallDefragEvery {
		a.freeSinceDefrag = 0
		a.maybeDefrag()
	}
}

// maybeDefrag merges physically adjacent freed segments when the
// occupied/freed ratio drops below 1.0 (spec.md §4.2). Must be called
// with a.lock held.
func (a *smallBlockAllocator) maybeDefrag() {
	occCount, freeCount := a.listLens()
	if freeCount == 0 {
		return
	}
	if occCount*smallDefragRatioDen >= freeCount*smallDefragRatioNum {
		return
	}
	a.mergeAdjacentFreed()
}

func (a *smallBlockAllocator) listLens() (occ, free int) {
	for id := a.occHead; id != smallNone; id = a.headerAt(id).Next() {
		occ++
	}
	for id := a.freeHead; id != smallNone; id = a.headerAt(id).Next() {
		free++
	}
	return
}

// mergeAdjacentFreed walks the freed list in id order, merging any pair of
// freed segments that are physically contiguous and whose combined size
// still fits a small segment (spec.md §4.2).
func (a *smallBlockAllocator) mergeAdjacentFreed() {
	ids := make([]uint16, 0, 64)
	for id := a.freeHead; id != smallNone; id = a.headerAt(id).Next() {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for i := 0; i < len(ids); i++ {
		id := ids[i]
		h := a.headerAt(id)
		if h.Size() == 0 {
			continue // already absorbed by a previous merge this pass
		}
		nextID := id + h.Size()/16
		if nextID == smallNone || nextID >= smallArenaSize/16 {
			continue
		}
		nh := a.headerAt(nextID)
		if nh.Gen().IsFree() == false {
			continue
		}
		combined := uint32(h.Size()) + uint32(nh.Size())
		if combined > smallMaxSegment {
			continue
		}
		a.removeFreed(id)
		a.removeFreed(nextID)
		h.SetSize(uint16(combined))
		nh.SetSize(0) // mark absorbed for the rest of this pass
		a.pushFreedFront(id)
	}
}

// alignUp16 rounds n up to the next multiple of 16.
func alignUp16(n uint32) uint32 { return (n + 15) &^ 15 }

// segmentOf views id's full segment (header + payload) as a Segment.
func (a *smallBlockAllocator) segmentOf(id uint16) segment.Segment {
	h := a.headerAt(id)
	return segment.Segment{Base: h.Addr(), Len: uintptr(h.Size())}
}
