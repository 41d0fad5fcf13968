// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package mmfregistry

import (
	"sync/atomic"
	"unsafe"
)

// Magic identifies a well-formed registry file (spec.md §5: "Layout: magic
// 0x524D4D54, cross-process lock word, entry count, offsets to a bit-set
// (1024 slots) and to a string table (1024 x 256 bytes)").
const Magic uint32 = 0x524D4D54

// NumSlots is the fixed number of mapped-file registrations the registry
// can hold at once (spec.md §5).
const NumSlots = 1024

// PathSlotSize is the fixed byte width of one string-table entry: an
// absolute path, NUL-terminated, zero-padded.
const PathSlotSize = 256

const (
	bitmapBytes       = NumSlots / 8
	headerSize        = 64
	bitmapOffset      = headerSize
	stringTableOffset = bitmapOffset + bitmapBytes
	stringTableSize   = NumSlots * PathSlotSize

	// FileSize is the fixed total size of a well-formed registry file.
	FileSize = stringTableOffset + stringTableSize
)

// Root header field offsets within the file's first headerSize bytes:
//
//	0  magic            uint32
//	4  reserved          uint32  (padding so lockWord is 8-byte aligned)
//	8  lockWord          uint64  (owner_pid:32, owner_nonce:32)
//	16 entryCount        uint32
//	20 bitmapOffset      uint32
//	24 bitmapSize        uint32
//	28 stringTableOffset uint32
//	32 stringTableSize   uint32
const (
	offMagic             = 0
	offLockWord          = 8
	offEntryCount        = 16
	offBitmapOffset      = 20
	offBitmapSize        = 24
	offStringTableOffset = 28
	offStringTableSize   = 32
)

// rootHeader is a view over the registry file's first headerSize bytes.
type rootHeader struct{ addr uintptr }

func (h rootHeader) magic() *uint32     { return (*uint32)(unsafe.Pointer(h.addr + offMagic)) }
func (h rootHeader) lockWord() *uint64  { return (*uint64)(unsafe.Pointer(h.addr + offLockWord)) }
func (h rootHeader) entryCount() *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(h.addr + offEntryCount))
}
func (h rootHeader) layoutBitmapOffset() *uint32 {
	return (*uint32)(unsafe.Pointer(h.addr + offBitmapOffset))
}
func (h rootHeader) layoutBitmapSize() *uint32 {
	return (*uint32)(unsafe.Pointer(h.addr + offBitmapSize))
}
func (h rootHeader) layoutStringTableOffset() *uint32 {
	return (*uint32)(unsafe.Pointer(h.addr + offStringTableOffset))
}
func (h rootHeader) layoutStringTableSize() *uint32 {
	return (*uint32)(unsafe.Pointer(h.addr + offStringTableSize))
}

// initLayout stamps the fixed layout constants into a freshly created
// file, so a later open by a mismatched build can detect the discrepancy
// rather than silently misreading slot data.
func (h rootHeader) initLayout() {
	*h.layoutBitmapOffset() = bitmapOffset
	*h.layoutBitmapSize() = bitmapBytes
	*h.layoutStringTableOffset() = stringTableOffset
	*h.layoutStringTableSize() = stringTableSize
	*h.magic() = Magic
}

func (h rootHeader) layoutMatches() bool {
	return *h.layoutBitmapOffset() == bitmapOffset &&
		*h.layoutBitmapSize() == bitmapBytes &&
		*h.layoutStringTableOffset() == stringTableOffset &&
		*h.layoutStringTableSize() == stringTableSize
}
