// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package smm

import (
	"errors"

	"code.hybscloud.com/tomate/chunkqueue"
	"code.hybscloud.com/tomate/segment"
)

// ErrQueueResourceTooSmall is returned by AddQueueResource when pageCount
// would not leave room for chunkqueue.NewOverSegment's counter pair plus a
// ring.
var ErrQueueResourceTooSmall = errors.New("smm: page count too small for a chunk queue")

func packQueueHandle(pageIdx, pageCount int) uint64 {
	return uint64(uint32(pageIdx))<<32 | uint64(uint32(pageCount))
}

func unpackQueueHandle(h uint64) (pageIdx, pageCount int) {
	return int(uint32(h >> 32)), int(uint32(h))
}

func (m *Manager) queueSegment(pageIdx, pageCount int) segment.Segment {
	pageSize := uintptr(*m.root.pageSize())
	return segment.Segment{
		Base: m.base + uintptr(pageIdx)*pageSize,
		Len:  uintptr(pageCount) * pageSize,
	}
}

// AddQueueResource allocates a pageCount-page span from this file's shared
// page table, constructs a chunkqueue.Queue facade over it, and publishes
// its location under key in the resource locator so any other process
// that attaches to the same file can reconstruct an equivalent view with
// TryGetQueueResource (spec.md §4.3 "add_resource(key, facade)" and §8
// scenario 5: P1 creates an MMF, registers a queue facade, P2 attaches
// and exchanges chunks through it). Page spans are not zeroed on reuse,
// so callers should register queue resources against pages that have
// never been freed back to this file's page table (in practice: once per
// key, for the lifetime of the file), matching how the rest of this
// package leaves zeroing to whichever layer actually needs it.
func (m *Manager) AddQueueResource(key String64, pageCount int) (*chunkqueue.Queue, error) {
	if uint64(pageCount)*uint64(*m.root.pageSize()) < uint64(chunkqueue.CounterSegmentSize+16) {
		return nil, ErrQueueResourceTooSmall
	}
	pageIdx, ok := m.tbl.allocatePages(pageCount)
	if !ok {
		return nil, ErrOutOfMemory
	}
	if err := m.resourceDict().add(key, packQueueHandle(pageIdx, pageCount)); err != nil {
		m.tbl.freePages(pageIdx)
		return nil, err
	}
	return chunkqueue.NewOverSegment(m.queueSegment(pageIdx, pageCount)), nil
}

// TryGetQueueResource looks up key in the resource locator and, if it
// names a queue registered by AddQueueResource, returns a *chunkqueue.Queue
// view over the very same shared pages: the write/read offset counters
// and ring bytes live inside the mapped file, so this process's Queue and
// the registering process's Queue observe one shared queue state.
func (m *Manager) TryGetQueueResource(key String64) (*chunkqueue.Queue, bool) {
	h, ok := m.resourceDict().tryGet(key)
	if !ok {
		return nil, false
	}
	pageIdx, pageCount := unpackQueueHandle(h)
	return chunkqueue.NewOverSegment(m.queueSegment(pageIdx, pageCount)), true
}
