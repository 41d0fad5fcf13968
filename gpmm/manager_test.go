// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpmm_test

import (
	"sync"
	"testing"

	"code.hybscloud.com/tomate/block"
	"code.hybscloud.com/tomate/gpmm"
)

func newManager() *gpmm.Manager {
	return gpmm.New(gpmm.WithReferential(block.New()), gpmm.WithSequenceCount(1))
}

func TestAllocate_ZeroLength_Singleton(t *testing.T) {
	m := newManager()
	h1, err := m.Allocate(0)
	if err != nil {
		t.Fatalf("Allocate(0) error: %v", err)
	}
	h2, err := m.Allocate(0)
	if err != nil {
		t.Fatalf("Allocate(0) error: %v", err)
	}
	if len(h1.Bytes()) != 0 || len(h2.Bytes()) != 0 {
		t.Fatal("expected empty payload")
	}
	if !m.Free(h1) || !m.Free(h2) {
		t.Fatal("Free on the zero-length singleton must always succeed")
	}
}

func TestAllocate_InvalidSize(t *testing.T) {
	m := newManager()
	if _, err := m.Allocate(-1); err != gpmm.ErrInvalidAllocationSize {
		t.Fatalf("Allocate(-1) error = %v, want ErrInvalidAllocationSize", err)
	}
	if _, err := m.Allocate(gpmm.MaxSegmentSize + 1); err != gpmm.ErrInvalidAllocationSize {
		t.Fatalf("Allocate(MaxSegmentSize+1) error = %v, want ErrInvalidAllocationSize", err)
	}
}

func TestAllocate_SmallBlock_PayloadWritable(t *testing.T) {
	m := newManager()
	h, err := m.Allocate(100)
	if err != nil {
		t.Fatalf("Allocate error: %v", err)
	}
	buf := h.Bytes()
	if len(buf) != 100 {
		t.Fatalf("len(Bytes()) = %d, want 100", len(buf))
	}
	for i := range buf {
		buf[i] = byte(i)
	}
	for i := range buf {
		if buf[i] != byte(i) {
			t.Fatalf("payload corrupted at %d", i)
		}
	}
}

func TestAllocate_LargeBlock(t *testing.T) {
	m := newManager()
	const n = 2 * 1024 * 1024 // exceeds the small-block path's budget
	h, err := m.Allocate(n)
	if err != nil {
		t.Fatalf("Allocate(%d) error: %v", n, err)
	}
	if len(h.Bytes()) != n {
		t.Fatalf("len(Bytes()) = %d, want %d", len(h.Bytes()), n)
	}
}

func TestFree_ThenReallocateReusesSpace(t *testing.T) {
	m := newManager()
	h, err := m.Allocate(64)
	if err != nil {
		t.Fatal(err)
	}
	firstAddr := &h.Bytes()[0]
	if !m.Free(h) {
		t.Fatal("expected Free to report released")
	}

	h2, err := m.Allocate(64)
	if err != nil {
		t.Fatal(err)
	}
	if &h2.Bytes()[0] != firstAddr {
		t.Fatal("expected reallocation of the same size to reuse the freed segment")
	}
}

func TestAddRef_DelaysRelease(t *testing.T) {
	m := newManager()
	h, err := m.Allocate(32)
	if err != nil {
		t.Fatal(err)
	}
	m.AddRef(h)

	if !m.Free(h) {
		t.Fatal("first Free should succeed (no error), though not yet released")
	}
	if !m.Free(h) {
		t.Fatal("second Free should release the block")
	}
}

func TestResize_CopiesPayloadAndGrows(t *testing.T) {
	m := newManager()
	h, err := m.Allocate(8)
	if err != nil {
		t.Fatal(err)
	}
	copy(h.Bytes(), []byte("deadbeef"))

	bigger, err := m.Resize(h, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if string(bigger.Bytes()[:8]) != "deadbeef" {
		t.Fatalf("payload not preserved across resize: %q", bigger.Bytes()[:8])
	}
	if bigger.Len() != 4096 {
		t.Fatalf("Len() = %d, want 4096", bigger.Len())
	}
}

func TestManager_ConcurrentAllocateFree(t *testing.T) {
	m := newManager()
	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				h, err := m.Allocate(128)
				if err != nil {
					t.Error(err)
					return
				}
				h.Bytes()[0] = 0xAB
				m.Free(h)
			}
		}()
	}
	wg.Wait()
}
