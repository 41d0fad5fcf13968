// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package datastore

import (
	"unsafe"

	"code.hybscloud.com/tomate/bitmap"
)

// entriesPerPage is the fixed entry count of every page, chosen so a
// page's arena stays well under the teacher's 1 MiB native-arena habit
// even at the largest, 128-byte record level (128*512 = 64 KiB, matching
// GPMM's own small-block segment cap).
const entriesPerPage = 512

// entryTrailerSize is the size of the 2-byte type id + 2-byte generation every entry
// carries after its record bytes (spec.md §4.5, "Each entry trails a
// 4-byte tail = (type-id, generation)").
const entryTrailerSize = 4

// page is one level's allocation unit: a concurrent bitmap over
// entriesPerPage slots plus a raw byte arena holding record+trailer pairs.
type page struct {
	bits   *bitmap.Bitmap
	arena  []byte
	base   uintptr
	stride int
}

func newPage(level uint8) *page {
	stride := int(recordSize(level)) + entryTrailerSize
	arena := make([]byte, stride*entriesPerPage)
	return &page{
		bits:   bitmap.New(entriesPerPage),
		arena:  arena,
		base:   uintptr(unsafe.Pointer(unsafe.SliceData(arena))),
		stride: stride,
	}
}

// allocate claims a free entry slot and returns its local index, or false
// if the page is full.
func (p *page) allocate() (int, bool) {
	return p.bits.FindFreeRun(1)
}

// free releases slot back to the page.
func (p *page) free(slot int) { p.bits.ClearRun(slot, 1) }

func (p *page) entryAddr(slot int) uintptr { return p.base + uintptr(slot*p.stride) }

func (p *page) typeIDAddr(slot int) *uint16 {
	return (*uint16)(unsafe.Pointer(p.entryAddr(slot) + uintptr(p.stride-entryTrailerSize)))
}

func (p *page) generationAddr(slot int) *uint16 {
	return (*uint16)(unsafe.Pointer(p.entryAddr(slot) + uintptr(p.stride-entryTrailerSize+2)))
}
