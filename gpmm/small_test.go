// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpmm

import (
	"testing"

	"code.hybscloud.com/tomate/block"
)

func testReferential() *block.Referential { return block.New() }

func TestSmallBlockAllocator_AlignedSizeAndBumpAllocation(t *testing.T) {
	a := newSmallBlockAllocator(testReferential())

	h1, ok := a.allocate(64)
	if !ok {
		t.Fatal("first allocate failed")
	}
	if h1.Size() != 80 { // alignUp16(16+64)
		t.Fatalf("h1 size = %d, want 80", h1.Size())
	}

	h2, ok := a.allocate(32)
	if !ok {
		t.Fatal("second allocate failed")
	}
	if h2.Addr() <= h1.Addr() {
		t.Fatal("expected bump allocation to move forward")
	}
}

func TestSmallBlockAllocator_FreeThenReuse(t *testing.T) {
	a := newSmallBlockAllocator(testReferential())

	h1, _ := a.allocate(100)
	addr := h1.Addr()
	a.FreeBlock(addr)

	h2, ok := a.allocate(100)
	if !ok {
		t.Fatal("reallocate failed")
	}
	if h2.Addr() != addr {
		t.Fatalf("expected reuse of freed segment at %#x, got %#x", addr, h2.Addr())
	}
}

func TestSmallBlockAllocator_ExhaustsArena(t *testing.T) {
	a := newSmallBlockAllocator(testReferential())
	count := 0
	for {
		if _, ok := a.allocate(smallMaxPayload); !ok {
			break
		}
		count++
		if count > smallArenaSize {
			t.Fatal("allocate never reported exhaustion")
		}
	}
	if count == 0 {
		t.Fatal("expected at least one allocation before exhaustion")
	}
}
