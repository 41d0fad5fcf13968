// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package gpmm implements the general-purpose memory manager (spec
// component D, spec.md §4.2): a hierarchy of native arenas, block
// allocator sequences (one per 4x hardware concurrency unit), small-block
// allocators (one 1 MiB arena each, ≤64 KiB segments) and large-block
// allocators (one dedicated, power-of-two-sized native arena each).
//
// Every allocator registers with a block.Referential on construction and
// stamps its index into every header it produces, so Manager.Free can
// dispatch to the owning allocator in O(1) without knowing which sequence
// or allocator produced the block.
package gpmm
