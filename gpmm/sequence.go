// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpmm

import (
	"code.hybscloud.com/tomate/block"
	"code.hybscloud.com/tomate/internal/cpu"
	"code.hybscloud.com/tomate/xlock"
)

// blockSequence owns a growing set of small- and large-block allocators
// (spec.md §4.2, "a sequence owns a linked list of small-block allocators
// and a linked list of large-block allocators"). Allocators are appended,
// never removed: an allocator that empties out stays in the sequence so a
// later allocation can reuse it (spec.md §3, "an empty allocator is never
// destroyed, only recycled").
type blockSequence struct {
	_ cpu.NoCopy

	ref *block.Referential

	listLock xlock.Spin
	small    []*smallBlockAllocator
	large    []*largeBlockAllocator
}

func newBlockSequence(ref *block.Referential) *blockSequence {
	return &blockSequence{ref: ref}
}

func (s *blockSequence) allocateSmall(n int) block.SmallHeader {
	s.listLock.Lock()
	snapshot := s.small
	s.listLock.Unlock()

	for _, a := range snapshot {
		if h, ok := a.allocate(n); ok {
			return h
		}
	}

	a := newSmallBlockAllocator(s.ref)
	s.listLock.Lock()
	s.small = append(s.small, a)
	s.listLock.Unlock()

	h, ok := a.allocate(n)
	if !ok {
		panic("gpmm: allocation into a fresh small-block arena cannot fail")
	}
	return h
}

func (s *blockSequence) allocateLarge(n int) block.LargeHeader {
	s.listLock.Lock()
	snapshot := s.large
	s.listLock.Unlock()

	for _, a := range snapshot {
		if h, ok := a.allocate(n); ok {
			return h
		}
	}

	capacity := nextPow2(largeHeaderLen+n, maxNativeArena)
	a := newLargeBlockAllocator(s.ref, capacity)
	s.listLock.Lock()
	s.large = append(s.large, a)
	s.listLock.Unlock()

	h, ok := a.allocate(n)
	if !ok {
		panic("gpmm: allocation into a fresh large-block arena cannot fail")
	}
	return h
}
