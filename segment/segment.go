// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package segment defines the memory segment view shared by every
// allocator in the module: a (base, length) pair that does not own the
// memory it describes (spec.md §3, "Memory segment").
package segment

import "unsafe"

// Segment is a (base address, length) byte view. It does not own memory:
// constructing or discarding a Segment has no effect on the underlying
// arena.
type Segment struct {
	Base uintptr
	Len  uintptr
}

// Empty reports whether the segment is the zero-value "no memory" segment.
func (s Segment) Empty() bool {
	return s.Base == 0 && s.Len == 0
}

// Bytes returns a []byte view of the segment. The caller is responsible
// for ensuring the underlying memory remains valid and is not retained
// past the lifetime of the owning arena.
func (s Segment) Bytes() []byte {
	if s.Len == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(s.Base)), int(s.Len))
}

// Sub returns the sub-segment [off, off+n) of s. Panics if the requested
// range is out of bounds.
func (s Segment) Sub(off, n uintptr) Segment {
	if off+n > s.Len {
		panic("segment: sub-segment out of range")
	}
	return Segment{Base: s.Base + off, Len: n}
}
