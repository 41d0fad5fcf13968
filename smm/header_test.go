// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package smm

import (
	"testing"
	"unsafe"
)

func newTestPageTable(nbits int) pageTable {
	bitsBuf := make([]uint64, (nbits+63)/64)
	dirBuf := make([]uint32, nbits)
	return pageTable{
		bitsAddr: uintptr(unsafe.Pointer(unsafe.SliceData(bitsBuf))),
		nbits:    nbits,
		dirAddr:  uintptr(unsafe.Pointer(unsafe.SliceData(dirBuf))),
	}
}

func TestPageTable_AllocateAndFreeRoundTrip(t *testing.T) {
	tbl := newTestPageTable(128)

	start, ok := tbl.allocatePages(4)
	if !ok {
		t.Fatal("allocatePages failed")
	}
	for i := start; i < start+4; i++ {
		if !tbl.test(i) {
			t.Fatalf("bit %d not set after allocation", i)
		}
	}
	if !tbl.freePages(start) {
		t.Fatal("freePages failed")
	}
	for i := start; i < start+4; i++ {
		if tbl.test(i) {
			t.Fatalf("bit %d still set after free", i)
		}
	}
}

func TestPageTable_AllocatePages_RefuseWhenExhausted(t *testing.T) {
	tbl := newTestPageTable(8)

	if _, ok := tbl.allocatePages(8); !ok {
		t.Fatal("expected full-width allocation to succeed")
	}
	if _, ok := tbl.allocatePages(1); ok {
		t.Fatal("expected allocation to fail once exhausted")
	}
}

func TestPageTable_FreePages_UnknownStartFails(t *testing.T) {
	tbl := newTestPageTable(16)
	if tbl.freePages(0) {
		t.Fatal("expected freePages on an unallocated page to fail")
	}
}

func TestPageTable_AllocatePages_SkipsReservedRun(t *testing.T) {
	tbl := newTestPageTable(16)
	tbl.tryReserve(0, 4)

	start, ok := tbl.allocatePages(4)
	if !ok {
		t.Fatal("allocatePages failed")
	}
	if start < 4 {
		t.Fatalf("expected allocation past the reserved run, got start=%d", start)
	}
}

func TestBitRangeMask_FullAndPartialWords(t *testing.T) {
	if bitRangeMask(0, 64) != ^uint64(0) {
		t.Fatal("expected full word mask")
	}
	m := bitRangeMask(2, 5)
	want := uint64(0b11100)
	if m != want {
		t.Fatalf("partial mask mismatch: got %b want %b", m, want)
	}
}

func TestPackUnpackPageDir_RoundTrip(t *testing.T) {
	v := packPageDir(12, 3)
	span, refcount := unpackPageDir(v)
	if span != 12 || refcount != 3 {
		t.Fatalf("round trip mismatch: span=%d refcount=%d", span, refcount)
	}
}
