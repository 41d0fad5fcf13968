// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpmm

import "testing"

func TestLargeBlockAllocator_AllocateAndFree(t *testing.T) {
	a := newLargeBlockAllocator(testReferential(), 1<<21)

	h, ok := a.allocate(1 << 20)
	if !ok {
		t.Fatal("allocate failed")
	}
	addr := h.Addr()
	a.FreeBlock(addr)

	h2, ok := a.allocate(1 << 20)
	if !ok {
		t.Fatal("reallocate failed")
	}
	if h2.Addr() != addr {
		t.Fatalf("expected reuse of freed segment at %#x, got %#x", addr, h2.Addr())
	}
}

func TestLargeBlockAllocator_ExceedsCapacityFails(t *testing.T) {
	a := newLargeBlockAllocator(testReferential(), 1<<16)
	if _, ok := a.allocate(1 << 20); ok {
		t.Fatal("expected allocate beyond capacity to fail")
	}
}

func TestLargeBlockAllocator_IndexRegisteredWithReferential(t *testing.T) {
	ref := testReferential()
	a := newLargeBlockAllocator(ref, 1<<16)

	owner, _, isMMF, ok := ref.Lookup(a.idx)
	if !ok || isMMF || owner != a {
		t.Fatal("expected allocator to be registered as its own owner")
	}
}
