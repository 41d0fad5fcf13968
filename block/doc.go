// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package block defines the segment-header layouts shared by every
// allocator in the module (spec.md §3, "Segment header (small-block)" and
// "Segment header (large-block / MMF)") and the process-wide block
// referential (spec component G, §4.6) that maps a block's 20-bit
// allocator index back to the allocator that owns it, enabling O(1)
// free(addr) without the caller knowing which allocator produced a block.
//
// A header is a fixed-size packed record placed immediately before a
// payload. Two shapes exist: Small (4-byte links, 2-byte size, 14 bytes
// total) for blocks living inside a 1 MiB in-process arena, and Large
// (8-byte links, 4-byte size, 20 bytes total) for native large-block
// arenas and for every allocation inside a mapped file. Both shapes embed
// the same 8-byte generational header.
package block
