// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package block

import (
	"sync"

	"code.hybscloud.com/tomate/internal/cpu"
	"code.hybscloud.com/tomate/xlock"
)

// Owner is implemented by every in-process block allocator (gpmm's small-
// and large-block allocators) so the referential can dispatch a free by
// allocator index alone, without the caller knowing which allocator
// produced the block (spec.md §4.6, "enables O(1) free(addr)").
type Owner interface {
	FreeBlock(headerAddr uintptr)
}

// MMFTarget locates an allocator that lives inside a mapped file: a slot
// id in the MMF registry plus the byte offset of the allocator's root page
// within that file. Resolving a MMFTarget back to a process address is the
// MMF registry's job (spec.md §4.6, "the registry indirection translates
// the slot into the calling process's base address on every lookup").
type MMFTarget struct {
	SlotID     int32
	PageOffset uint32
}

type refEntry struct {
	owner Owner
	mmf   MMFTarget
	isMMF bool
}

// MaxIndex is the largest block-allocator index a Referential will hand
// out: 2^20 - 1 entries (spec.md §4.6).
const MaxIndex = 1<<20 - 2

// Referential is the process-wide table mapping a block-allocator index to
// its owning allocator, in-process or MMF-borne. Registration happens once
// per allocator, at construction; lookup happens on every free.
type Referential struct {
	_ cpu.NoCopy

	mu    xlock.RWSpin
	slots []refEntry
	free  []uint32 // recycled indices; mutated only while mu is write-held
}

// New constructs an empty, process-local referential. Most callers should
// use Global instead; New exists for tests and for embedding a private
// referential inside a standalone arena.
func New() *Referential { return &Referential{} }

var (
	globalOnce sync.Once
	globalRef  *Referential
)

// Global returns the single process-wide referential that every in-process
// allocator registers with by default.
func Global() *Referential {
	globalOnce.Do(func() { globalRef = New() })
	return globalRef
}

func (r *Referential) allocate() uint32 {
	if n := len(r.free); n > 0 {
		idx := r.free[n-1]
		r.free = r.free[:n-1]
		return idx
	}
	if len(r.slots) > MaxIndex {
		panic("block: referential exhausted (2^20-1 allocator indices in use)")
	}
	idx := uint32(len(r.slots))
	r.slots = append(r.slots, refEntry{})
	return idx
}

// RegisterLocal registers an in-process allocator and returns the index to
// stamp into every block it produces.
func (r *Referential) RegisterLocal(owner Owner) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.allocate()
	r.slots[idx] = refEntry{owner: owner}
	return idx
}

// RegisterMMF registers an allocator whose root page lives inside a mapped
// file identified by an MMF registry slot id.
func (r *Referential) RegisterMMF(target MMFTarget) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.allocate()
	r.slots[idx] = refEntry{mmf: target, isMMF: true}
	return idx
}

// Lookup resolves a block-allocator index to its owner. ok is false if the
// index was never registered or has since been unregistered.
func (r *Referential) Lookup(idx uint32) (owner Owner, mmf MMFTarget, isMMF bool, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(idx) >= len(r.slots) {
		return nil, MMFTarget{}, false, false
	}
	e := r.slots[idx]
	if e.owner == nil && !e.isMMF {
		return nil, MMFTarget{}, false, false
	}
	return e.owner, e.mmf, e.isMMF, true
}

// Unregister releases idx, recycling it for a future allocator. Callers
// must ensure the allocator owning idx has no further live blocks.
func (r *Referential) Unregister(idx uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(idx) >= len(r.slots) {
		return
	}
	r.slots[idx] = refEntry{}
	r.free = append(r.free, idx)
}

// Free dispatches a free of the block at headerAddr to the in-process
// allocator registered under idx. It returns false, doing nothing, for an
// unregistered or MMF-borne index: MMF-borne frees go through the
// allocator resolved by the MMF registry, which already has headerAddr in
// its own address space.
func (r *Referential) Free(idx uint32, headerAddr uintptr) bool {
	owner, _, isMMF, ok := r.Lookup(idx)
	if !ok || isMMF || owner == nil {
		return false
	}
	owner.FreeBlock(headerAddr)
	return true
}
