// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package datastore

import (
	"reflect"
	"sync"
	"sync/atomic"
)

// NumLevels is the number of fixed-size record levels, 16 bytes apart
// (spec.md §4.5, "Eight size levels (16B, 32B, …, 128B)").
const NumLevels = 8

// recordSize returns the level's record size in bytes.
func recordSize(level uint8) uint16 { return uint16(level+1) * 16 }

// levelOf returns the level index that fits size bytes, rounded up to the
// next 16-byte boundary, and whether size is small enough for any level.
func levelOf(size int) (uint8, bool) {
	rounded := (size + 15) &^ 15
	if rounded == 0 {
		rounded = 16
	}
	level := rounded/16 - 1
	if level < 0 || level >= NumLevels {
		return 0, false
	}
	return uint8(level), true
}

// Handle references one stored record (spec.md §4.5, "Handles encode
// (page-relative index << 3 | level, generation, type-id)"). The index
// is flat across a level's pages, not page-relative, since decoding a
// handle must identify the owning page without any other context.
type Handle uint64

func newHandle(level uint8, index uint32, generation uint16, typeID uint16) Handle {
	return Handle(uint64(index)<<3|uint64(level)) |
		Handle(uint64(generation)<<32) |
		Handle(uint64(typeID)<<48)
}

func (h Handle) level() uint8      { return uint8(h & 0x7) }
func (h Handle) index() uint32     { return uint32(h>>3) & 0x1FFFFFFF }
func (h Handle) generation() uint16 { return uint16(h >> 32) }
func (h Handle) typeID() uint16     { return uint16(h >> 48) }

// IsZero reports whether h is the zero Handle, never produced by Store.
func (h Handle) IsZero() bool { return h == 0 }

var (
	typeRegistry sync.Map // reflect.Type -> uint16
	nextTypeID   atomic.Uint32
)

// typeIDOf assigns each distinct T a stable, monotonically increasing id
// for the lifetime of the process, the same role a vtable pointer or a
// language-level RTTI tag would play; Get/Remove use it to reject a
// Handle replayed against the wrong T even when the generation still
// matches (spec.md §4.5, "assert type match").
func typeIDOf[T any]() uint16 {
	var zero T
	t := reflect.TypeOf(zero)
	if v, ok := typeRegistry.Load(t); ok {
		return v.(uint16)
	}
	id := uint16(nextTypeID.Add(1))
	actual, _ := typeRegistry.LoadOrStore(t, id)
	return actual.(uint16)
}
