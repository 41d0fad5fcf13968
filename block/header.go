// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package block

import (
	"sync/atomic"
	"unsafe"
)

// Bit widths of the generational block header (spec.md §3): is_free (1),
// is_in_mapped_file (1), ref_counter (14), block_allocator_index (20),
// generation (16); the remaining 12 high bits are reserved.
const (
	genFreeBit   = uint64(1) << 0
	genMappedBit = uint64(1) << 1

	genRefCounterShift = 2
	genRefCounterBits  = 14
	genAllocIndexShift = 16
	genAllocIndexBits  = 20
	genGenerationShift = 36
	genGenerationBits  = 16
)

// MaxRefCounter, MaxBlockAllocatorIndex and MaxGeneration are the largest
// values each generational-header field can hold.
const (
	MaxRefCounter          = uint16(1)<<genRefCounterBits - 1
	MaxBlockAllocatorIndex = uint32(1)<<genAllocIndexBits - 1
	MaxGeneration   uint16 = 1<<genGenerationBits - 1
)

func bitMask(bits uint) uint64 { return uint64(1)<<bits - 1 }

// GenHeader is the packed 8-byte generational block header shared by the
// small-block and large-block/MMF segment header shapes (spec.md §3). The
// zero value describes a free, non-mapped, unreferenced, ungenerationed
// block owned by allocator index 0.
type GenHeader uint64

// NewGenHeader packs a generational header. It panics if refCounter,
// allocIndex or generation exceed their field widths.
func NewGenHeader(free, inMappedFile bool, refCounter uint16, allocIndex uint32, generation uint16) GenHeader {
	if refCounter > MaxRefCounter {
		panic("block: ref counter exceeds 14 bits")
	}
	if allocIndex > MaxBlockAllocatorIndex {
		panic("block: allocator index exceeds 20 bits")
	}
	var g uint64
	if free {
		g |= genFreeBit
	}
	if inMappedFile {
		g |= genMappedBit
	}
	g |= uint64(refCounter) << genRefCounterShift
	g |= uint64(allocIndex) << genAllocIndexShift
	g |= uint64(generation) << genGenerationShift
	return GenHeader(g)
}

func (g GenHeader) IsFree() bool         { return uint64(g)&genFreeBit != 0 }
func (g GenHeader) IsInMappedFile() bool { return uint64(g)&genMappedBit != 0 }

func (g GenHeader) RefCounter() uint16 {
	return uint16(uint64(g) >> genRefCounterShift & bitMask(genRefCounterBits))
}

func (g GenHeader) BlockAllocatorIndex() uint32 {
	return uint32(uint64(g) >> genAllocIndexShift & bitMask(genAllocIndexBits))
}

func (g GenHeader) Generation() uint16 {
	return uint16(uint64(g) >> genGenerationShift & bitMask(genGenerationBits))
}

// WithFree, WithRefCounter and WithGeneration return a copy of g with a
// single field replaced; GenHeader is an immutable value, so these are the
// only way to build a modified header destined for a CAS.
func (g GenHeader) WithFree(free bool) GenHeader {
	if free {
		return GenHeader(uint64(g) | genFreeBit)
	}
	return GenHeader(uint64(g) &^ genFreeBit)
}

func (g GenHeader) WithRefCounter(n uint16) GenHeader {
	if n > MaxRefCounter {
		panic("block: ref counter exceeds 14 bits")
	}
	cleared := uint64(g) &^ (bitMask(genRefCounterBits) << genRefCounterShift)
	return GenHeader(cleared | uint64(n)<<genRefCounterShift)
}

func (g GenHeader) WithGeneration(n uint16) GenHeader {
	cleared := uint64(g) &^ (bitMask(genGenerationBits) << genGenerationShift)
	return GenHeader(cleared | uint64(n&MaxGeneration)<<genGenerationShift)
}

func genWordAt(addr uintptr) *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(addr))
}

// incRef and decRef are the CAS loops backing AddRef/Free on both header
// shapes: "reference counting uses release/acquire semantics" (spec.md
// §5), implemented here as a plain atomic CAS retry rather than a
// dedicated memory-order API, matching how the rest of the module (bitmap,
// pagealloc) expresses release/acquire ordering through sync/atomic.
func incRef(w *atomic.Uint64) GenHeader {
	for {
		old := GenHeader(w.Load())
		if old.RefCounter() == MaxRefCounter {
			panic("block: ref counter overflow")
		}
		next := old.WithRefCounter(old.RefCounter() + 1).WithFree(false)
		if w.CompareAndSwap(uint64(old), uint64(next)) {
			return next
		}
	}
}

// decRef decrements the ref counter and returns the resulting header and
// whether this call released the last reference. Decrementing an already
// free (ref_counter == 0) header is a no-op that reports released == false,
// so callers can treat it as an idempotent double free.
func decRef(w *atomic.Uint64) (next GenHeader, released bool) {
	for {
		old := GenHeader(w.Load())
		if old.RefCounter() == 0 {
			return old, false
		}
		n := old.WithRefCounter(old.RefCounter() - 1)
		last := n.RefCounter() == 0
		if last {
			n = n.WithFree(true)
		}
		if w.CompareAndSwap(uint64(old), uint64(n)) {
			return n, last
		}
	}
}

// SmallHeaderSize is the logical byte size of a small-block segment header
// (spec.md §3): 4 bytes of 16-bit links, 2 bytes of size, 8 bytes of
// generational header.
const SmallHeaderSize = 14

// LargeHeaderSize is the logical byte size of a large-block/MMF segment
// header: 8 bytes of 32-bit links, 4 bytes of size, 8 bytes of
// generational header.
const LargeHeaderSize = 20

// AlignUp16 rounds off up to the next multiple of 16, the payload
// alignment every allocator must honor (spec.md §3, "Payload addresses
// are 16-byte aligned").
func AlignUp16(off uintptr) uintptr { return (off + 15) &^ 15 }

// SmallHeader is a view over a small-block segment header physically
// located at addr. The generational word is placed first so that, since
// small-block segments are always positioned at a 16-byte-unit offset
// within their 1 MiB arena (the link fields are themselves expressed in
// 16-byte units), it is naturally 8-byte aligned for atomic access.
type SmallHeader struct{ addr uintptr }

// SmallHeaderAt views the small-block header located at addr. addr must be
// a 16-byte-aligned offset within a 1 MiB arena.
func SmallHeaderAt(addr uintptr) SmallHeader { return SmallHeader{addr} }

func (h SmallHeader) Addr() uintptr { return h.addr }

func (h SmallHeader) Gen() GenHeader { return GenHeader(genWordAt(h.addr).Load()) }
func (h SmallHeader) SetGen(g GenHeader) { genWordAt(h.addr).Store(uint64(g)) }
func (h SmallHeader) CompareAndSwapGen(old, next GenHeader) bool {
	return genWordAt(h.addr).CompareAndSwap(uint64(old), uint64(next))
}
func (h SmallHeader) AddRef() GenHeader            { return incRef(genWordAt(h.addr)) }
func (h SmallHeader) Free() (GenHeader, bool)       { return decRef(genWordAt(h.addr)) }

func (h SmallHeader) Size() uint16 { return *(*uint16)(unsafe.Pointer(h.addr + 8)) }
func (h SmallHeader) SetSize(v uint16) { *(*uint16)(unsafe.Pointer(h.addr + 8)) = v }

func (h SmallHeader) Prev() uint16     { return *(*uint16)(unsafe.Pointer(h.addr + 10)) }
func (h SmallHeader) SetPrev(v uint16) { *(*uint16)(unsafe.Pointer(h.addr + 10)) = v }
func (h SmallHeader) Next() uint16     { return *(*uint16)(unsafe.Pointer(h.addr + 12)) }
func (h SmallHeader) SetNext(v uint16) { *(*uint16)(unsafe.Pointer(h.addr + 12)) = v }

// PayloadOffset returns the byte offset from addr to the aligned payload.
func (h SmallHeader) PayloadOffset() uintptr { return AlignUp16(SmallHeaderSize) }
func (h SmallHeader) PayloadAddr() uintptr   { return h.addr + h.PayloadOffset() }

// LargeHeader is a view over a large-block/MMF segment header physically
// located at addr. Large blocks always originate from the page allocator,
// whose spans are page-size aligned, so addr is always 16-byte aligned.
type LargeHeader struct{ addr uintptr }

func LargeHeaderAt(addr uintptr) LargeHeader { return LargeHeader{addr} }

func (h LargeHeader) Addr() uintptr { return h.addr }

func (h LargeHeader) Gen() GenHeader { return GenHeader(genWordAt(h.addr).Load()) }
func (h LargeHeader) SetGen(g GenHeader) { genWordAt(h.addr).Store(uint64(g)) }
func (h LargeHeader) CompareAndSwapGen(old, next GenHeader) bool {
	return genWordAt(h.addr).CompareAndSwap(uint64(old), uint64(next))
}
func (h LargeHeader) AddRef() GenHeader      { return incRef(genWordAt(h.addr)) }
func (h LargeHeader) Free() (GenHeader, bool) { return decRef(genWordAt(h.addr)) }

func (h LargeHeader) Size() uint32 { return *(*uint32)(unsafe.Pointer(h.addr + 8)) }
func (h LargeHeader) SetSize(v uint32) {
	if v > 1<<31-1 {
		panic("block: MMF payload size exceeds 31 bits")
	}
	*(*uint32)(unsafe.Pointer(h.addr + 8)) = v
}

func (h LargeHeader) Prev() uint32     { return *(*uint32)(unsafe.Pointer(h.addr + 12)) }
func (h LargeHeader) SetPrev(v uint32) { *(*uint32)(unsafe.Pointer(h.addr + 12)) = v }
func (h LargeHeader) Next() uint32     { return *(*uint32)(unsafe.Pointer(h.addr + 16)) }
func (h LargeHeader) SetNext(v uint32) { *(*uint32)(unsafe.Pointer(h.addr + 16)) = v }

func (h LargeHeader) PayloadOffset() uintptr { return AlignUp16(LargeHeaderSize) }
func (h LargeHeader) PayloadAddr() uintptr   { return h.addr + h.PayloadOffset() }
