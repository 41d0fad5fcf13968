// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package pagealloc implements the bitmap-based fixed-size page allocator
// (spec component C): it hands out 1..64 contiguous pages out of a
// contiguous arena, identified by a page index, and backs both the
// shared-memory manager and the append collection.
//
// A page allocator owns two parallel structures over the same capacity:
// a bitmap.Bitmap (one bit per page, set = allocated) and a directory
// (one packed (span, ref count) entry per page, valid only at a span's
// starting page index). AllocatePages reserves a run of free bits and
// stamps the directory entry; FreePages decrements the ref count and, on
// reaching zero, clears the bits and the directory entry. The ref-count
// gate is atomic, so a "last free wins" race between concurrent Free
// calls on an over-spanning allocation can only ever clear the bitmap
// once (spec.md §4.1, "Concurrent free on an over-spanning allocation").
package pagealloc
