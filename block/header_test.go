// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package block_test

import (
	"testing"
	"unsafe"

	"code.hybscloud.com/tomate/block"
)

func TestGenHeader_RoundTrip(t *testing.T) {
	g := block.NewGenHeader(false, true, 5, 1<<19, 42)
	if g.IsFree() {
		t.Fatal("expected not free")
	}
	if !g.IsInMappedFile() {
		t.Fatal("expected in-mapped-file")
	}
	if g.RefCounter() != 5 {
		t.Fatalf("ref counter = %d, want 5", g.RefCounter())
	}
	if g.BlockAllocatorIndex() != 1<<19 {
		t.Fatalf("allocator index = %d, want %d", g.BlockAllocatorIndex(), 1<<19)
	}
	if g.Generation() != 42 {
		t.Fatalf("generation = %d, want 42", g.Generation())
	}
}

func TestGenHeader_WithRefCounter_OverflowPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	block.NewGenHeader(false, false, 0, 0, 0).WithRefCounter(block.MaxRefCounter + 1)
}

func TestGenHeader_NewGenHeader_InvalidAllocIndexPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	block.NewGenHeader(false, false, 0, block.MaxBlockAllocatorIndex+1, 0)
}

func TestSmallHeader_FieldsAndAlignment(t *testing.T) {
	buf := make([]byte, 4096)
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	addr = block.AlignUp16(addr)

	h := block.SmallHeaderAt(addr)
	h.SetGen(block.NewGenHeader(false, false, 1, 7, 0))
	h.SetSize(128)
	h.SetPrev(3)
	h.SetNext(9)

	if h.Size() != 128 || h.Prev() != 3 || h.Next() != 9 {
		t.Fatalf("field round trip failed: size=%d prev=%d next=%d", h.Size(), h.Prev(), h.Next())
	}
	if h.PayloadAddr()%16 != 0 {
		t.Fatalf("payload address %#x is not 16-byte aligned", h.PayloadAddr())
	}
	if h.PayloadAddr() < addr+block.SmallHeaderSize {
		t.Fatal("payload overlaps header")
	}
}

func TestLargeHeader_FieldsAndAlignment(t *testing.T) {
	buf := make([]byte, 4096)
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	addr = block.AlignUp16(addr)

	h := block.LargeHeaderAt(addr)
	h.SetGen(block.NewGenHeader(false, true, 1, 0, 0))
	h.SetSize(1 << 20)
	h.SetPrev(11)
	h.SetNext(22)

	if h.Size() != 1<<20 || h.Prev() != 11 || h.Next() != 22 {
		t.Fatalf("field round trip failed: size=%d prev=%d next=%d", h.Size(), h.Prev(), h.Next())
	}
	if h.PayloadAddr()%16 != 0 {
		t.Fatalf("payload address %#x is not 16-byte aligned", h.PayloadAddr())
	}
}

func TestLargeHeader_SetSize_OversizePanics(t *testing.T) {
	buf := make([]byte, 64)
	addr := block.AlignUp16(uintptr(unsafe.Pointer(unsafe.SliceData(buf))))
	h := block.LargeHeaderAt(addr)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	h.SetSize(1 << 31)
}

func TestSmallHeader_AddRefAndFree(t *testing.T) {
	buf := make([]byte, 64)
	addr := block.AlignUp16(uintptr(unsafe.Pointer(unsafe.SliceData(buf))))
	h := block.SmallHeaderAt(addr)
	h.SetGen(block.NewGenHeader(false, false, 1, 3, 0))

	h.AddRef()
	if h.Gen().RefCounter() != 2 {
		t.Fatalf("ref counter = %d, want 2", h.Gen().RefCounter())
	}

	if _, released := h.Free(); released {
		t.Fatal("expected first Free (2 -> 1) not to release")
	}
	g, released := h.Free()
	if !released {
		t.Fatal("expected second Free (1 -> 0) to release")
	}
	if !g.IsFree() {
		t.Fatal("expected header marked free after last release")
	}

	// A further Free on an already-free header is a no-op double free.
	if _, releasedAgain := h.Free(); releasedAgain {
		t.Fatal("expected double free to report released == false")
	}
}
