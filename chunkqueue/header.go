// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package chunkqueue

// Chunk header flag bits packed into the high 3 bits of the 16-bit
// kind_and_flags field (spec.md §3, "Chunk queue header").
const (
	idMask    uint16 = 0x1FFF
	readyBit  uint16 = 1 << 13
	acquired  uint16 = 1 << 14
	processed uint16 = 1 << 15

	// paddingID is the reserved chunk id marking a wrap-boundary filler.
	paddingID uint16 = 0x1FFF

	// MinChunkID and MaxChunkID bound the valid caller-assigned chunk ids.
	MinChunkID uint16 = 1
	MaxChunkID uint16 = 0x1FFE
)

func packHeader(kindAndFlags, dataSize uint16) uint32 {
	return uint32(kindAndFlags)<<16 | uint32(dataSize)
}

func unpackHeader(w uint32) (kindAndFlags, dataSize uint16) {
	return uint16(w >> 16), uint16(w)
}
