// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package smm_test

import (
	"context"
	"path/filepath"
	"testing"

	"code.hybscloud.com/tomate/mmfregistry"
	"code.hybscloud.com/tomate/smm"
)

func openTest(t *testing.T) *smm.Manager {
	t.Helper()
	regPath := filepath.Join(t.TempDir(), "Tomate.MMF.Registry.bin")
	reg, err := mmfregistry.Open(regPath)
	if err != nil {
		t.Fatalf("mmfregistry.Open: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })

	path := filepath.Join(t.TempDir(), "shared.mmf")
	m, err := smm.Open(path, smm.WithRegistry(reg), smm.WithPageCount(64))
	if err != nil {
		t.Fatalf("smm.Open: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManager_AllocateAndFree(t *testing.T) {
	m := openTest(t)
	ctx := context.Background()

	h, err := m.Allocate(ctx, 128)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if h.Len() != 128 {
		t.Fatalf("expected payload length 128, got %d", h.Len())
	}
	copy(h.Bytes(), []byte("hello shared memory"))

	if err := m.Free(ctx, h); err != nil {
		t.Fatalf("Free: %v", err)
	}
}

func TestManager_ZeroSizeAllocateReturnsEmptyHandle(t *testing.T) {
	m := openTest(t)
	h, err := m.Allocate(context.Background(), 0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if h.Len() != 0 || h.Bytes() != nil {
		t.Fatal("expected a zero-length handle with no backing bytes")
	}
}

func TestManager_AllocateNegativeSizeFails(t *testing.T) {
	m := openTest(t)
	if _, err := m.Allocate(context.Background(), -1); err != smm.ErrInvalidAllocationSize {
		t.Fatalf("expected ErrInvalidAllocationSize, got %v", err)
	}
}

func TestManager_ResizePreservesPayload(t *testing.T) {
	m := openTest(t)
	ctx := context.Background()

	h, err := m.Allocate(ctx, 16)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	copy(h.Bytes(), []byte("0123456789abcdef"))

	h2, err := m.Resize(ctx, h, 64)
	if err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if string(h2.Bytes()[:16]) != "0123456789abcdef" {
		t.Fatalf("resize did not preserve payload: %q", h2.Bytes()[:16])
	}
}

func TestManager_AddRefKeepsBlockAliveAcrossOneFree(t *testing.T) {
	m := openTest(t)
	ctx := context.Background()

	h, err := m.Allocate(ctx, 32)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := m.AddRef(h); err != nil {
		t.Fatalf("AddRef: %v", err)
	}
	if err := m.Free(ctx, h); err != nil {
		t.Fatalf("first Free: %v", err)
	}
	// Still referenced once more; a second Free releases it for real.
	if err := m.Free(ctx, h); err != nil {
		t.Fatalf("second Free: %v", err)
	}
}

func TestManager_AllocateGrowsMultipleGroups(t *testing.T) {
	regPath := filepath.Join(t.TempDir(), "Tomate.MMF.Registry.bin")
	reg, err := mmfregistry.Open(regPath)
	if err != nil {
		t.Fatalf("mmfregistry.Open: %v", err)
	}
	defer reg.Close()

	path := filepath.Join(t.TempDir(), "shared.mmf")
	// One group per allocator slot in the worst case round-robin spread
	// needs 16*AllocatorGroupPages pages; give it headroom over that.
	m, err := smm.Open(path, smm.WithRegistry(reg), smm.WithPageCount(1024))
	if err != nil {
		t.Fatalf("smm.Open: %v", err)
	}
	defer m.Close()
	ctx := context.Background()

	for i := 0; i < 64; i++ {
		if _, err := m.Allocate(ctx, 2048); err != nil {
			t.Fatalf("Allocate #%d: %v", i, err)
		}
	}
}

func TestManager_AddAndLookupResource(t *testing.T) {
	m := openTest(t)
	ctx := context.Background()

	h, err := m.Allocate(ctx, 8)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	key, err := smm.NewString64("config.json")
	if err != nil {
		t.Fatalf("NewString64: %v", err)
	}
	if err := m.AddResource(key, uint64(h.Len())); err != nil {
		t.Fatalf("AddResource: %v", err)
	}

	got, ok := m.TryGetResource(key)
	if !ok || got != uint64(h.Len()) {
		t.Fatalf("TryGetResource: got=%d ok=%v", got, ok)
	}

	if err := m.RemoveResource(key); err != nil {
		t.Fatalf("RemoveResource: %v", err)
	}
	if _, ok := m.TryGetResource(key); ok {
		t.Fatal("expected resource to be gone after RemoveResource")
	}
}

func TestManager_ReopenReattachesSameRegistrySlot(t *testing.T) {
	regPath := filepath.Join(t.TempDir(), "Tomate.MMF.Registry.bin")
	reg, err := mmfregistry.Open(regPath)
	if err != nil {
		t.Fatalf("mmfregistry.Open: %v", err)
	}
	defer reg.Close()

	path := filepath.Join(t.TempDir(), "shared.mmf")
	m1, err := smm.Open(path, smm.WithRegistry(reg), smm.WithPageCount(64))
	if err != nil {
		t.Fatalf("first smm.Open: %v", err)
	}
	slot := m1.SlotID()
	if err := m1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	m2, err := smm.Open(path, smm.WithRegistry(reg), smm.WithPageCount(64))
	if err != nil {
		t.Fatalf("second smm.Open: %v", err)
	}
	defer m2.Close()
	if m2.SlotID() != slot {
		t.Fatalf("expected reopen to keep registry slot %d, got %d", slot, m2.SlotID())
	}
}
