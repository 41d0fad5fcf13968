// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpmm

import (
	"runtime"
	"sync/atomic"
	"unsafe"

	"code.hybscloud.com/tomate/block"
	"go.uber.org/zap"
)

func segmentBytes(addr, length uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(length))
}

// Handle is an opaque reference to a block allocated by a Manager. The
// zero Handle is invalid; use the singleton returned by Allocate(0) to
// represent a zero-length block.
type Handle struct {
	payloadAddr uintptr
	payloadLen  uintptr
	headerAddr  uintptr
	small       bool
	zero        bool
}

// Bytes returns the payload view. Empty for the zero-length singleton.
func (h Handle) Bytes() []byte {
	if h.zero || h.payloadLen == 0 {
		return nil
	}
	return (segmentBytes(h.payloadAddr, h.payloadLen))
}

// Len reports the payload length in bytes.
func (h Handle) Len() int { return int(h.payloadLen) }

func (h Handle) gen() block.GenHeader {
	if h.small {
		return block.SmallHeaderAt(h.headerAddr).Gen()
	}
	return block.LargeHeaderAt(h.headerAddr).Gen()
}

var zeroSingleton = Handle{zero: true}

// Manager is the general-purpose memory manager (spec.md §4.2): a set of
// block allocator sequences, one per 4x hardware concurrency unit, and
// the shared block referential every allocator registers with.
type Manager struct {
	ref       *block.Referential
	sequences []*blockSequence
	nextSeq   atomic.Uint64
	seqCount  int

	log *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger attaches a structured logger to the Manager. The Manager keeps
// it but writes no log lines: neither arena growth nor allocate/free logs.
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithReferential overrides the block.Referential a Manager registers its
// allocators with. Defaults to block.Global(); tests that want isolation
// from other Managers in the same process should pass block.New().
func WithReferential(ref *block.Referential) Option {
	return func(m *Manager) { m.ref = ref }
}

// WithSequenceCount overrides the number of block allocator sequences.
// Defaults to runtime.GOMAXPROCS(0)*4 (spec.md §4.2); mainly useful for
// tests that want deterministic allocator reuse.
func WithSequenceCount(n int) Option {
	return func(m *Manager) { m.seqCount = n }
}

// New constructs a Manager with runtime.GOMAXPROCS(0)*4 block allocator
// sequences (spec.md §4.2).
func New(opts ...Option) *Manager {
	m := &Manager{ref: block.Global(), log: zap.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	n := m.seqCount
	if n == 0 {
		n = runtime.GOMAXPROCS(0) * 4
	}
	if n < 1 {
		n = 4
	}
	m.sequences = make([]*blockSequence, n)
	for i := range m.sequences {
		m.sequences[i] = newBlockSequence(m.ref)
	}
	return m
}

func (m *Manager) pickSequence() *blockSequence {
	i := m.nextSeq.Add(1) - 1
	return m.sequences[int(i)%len(m.sequences)]
}

// Allocate reserves n bytes and returns a handle to a 16-byte-aligned
// payload with ref_counter == 1 (spec.md §4.2). n == 0 returns a shared
// singleton whose Free is a no-op.
func (m *Manager) Allocate(n int) (Handle, error) {
	if n == 0 {
		return zeroSingleton, nil
	}
	if n < 0 || n > MaxSegmentSize {
		return Handle{}, ErrInvalidAllocationSize
	}

	seq := m.pickSequence()
	if n <= smallMaxPayload {
		h := seq.allocateSmall(n)
		return Handle{payloadAddr: h.PayloadAddr(), payloadLen: uintptr(n), headerAddr: h.Addr(), small: true}, nil
	}
	h := seq.allocateLarge(n)
	return Handle{payloadAddr: h.PayloadAddr(), payloadLen: uintptr(n), headerAddr: h.Addr(), small: false}, nil
}

// AddRef increments the handle's reference count.
func (m *Manager) AddRef(h Handle) {
	if h.zero {
		return
	}
	if h.small {
		block.SmallHeaderAt(h.headerAddr).AddRef()
		return
	}
	block.LargeHeaderAt(h.headerAddr).AddRef()
}

// Free decrements the handle's reference count, returning the block to its
// owning allocator's freed list once the count reaches zero. Free on the
// zero-length singleton is always a no-op.
func (m *Manager) Free(h Handle) bool {
	if h.zero {
		return true
	}
	var g block.GenHeader
	var released bool
	if h.small {
		g, released = block.SmallHeaderAt(h.headerAddr).Free()
	} else {
		g, released = block.LargeHeaderAt(h.headerAddr).Free()
	}
	if !released {
		return true
	}
	return m.ref.Free(g.BlockAllocatorIndex(), h.headerAddr)
}

// Resize produces a handle to a block holding n bytes, copying up to
// min(oldLen, n) bytes of payload and preserving the ref_counter of the
// original block. The original handle is invalidated.
//
// This always reallocates and copies rather than extending a small block
// in place into an adjacent free segment; a single code path keeps small-
// and large-block resize identical.
func (m *Manager) Resize(h Handle, n int) (Handle, error) {
	if h.zero {
		return m.Allocate(n)
	}
	oldGen := h.gen()

	next, err := m.Allocate(n)
	if err != nil {
		return Handle{}, err
	}
	copy(next.Bytes(), h.Bytes())

	if next.small {
		nh := block.SmallHeaderAt(next.headerAddr)
		nh.SetGen(nh.Gen().WithRefCounter(oldGen.RefCounter()))
	} else {
		nh := block.LargeHeaderAt(next.headerAddr)
		nh.SetGen(nh.Gen().WithRefCounter(oldGen.RefCounter()))
	}

	// The old block is discarded outright regardless of its ref count: its
	// payload has been copied forward and superseded by next.
	if h.small {
		block.SmallHeaderAt(h.headerAddr).SetGen(block.SmallHeaderAt(h.headerAddr).Gen().WithRefCounter(1))
		block.SmallHeaderAt(h.headerAddr).Free()
	} else {
		block.LargeHeaderAt(h.headerAddr).SetGen(block.LargeHeaderAt(h.headerAddr).Gen().WithRefCounter(1))
		block.LargeHeaderAt(h.headerAddr).Free()
	}
	m.ref.Free(oldGen.BlockAllocatorIndex(), h.headerAddr)

	return next, nil
}
