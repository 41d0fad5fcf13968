// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package mmfregistry implements the host-wide singleton mapped-file
// registry (spec component I, spec.md §5 "MMF registry file"): a single
// file, `Tomate.MMF.Registry.bin`, shared by every process on the host,
// recording which mapped files exist (by absolute path) under a fixed
// 1024-slot table. A shared-memory manager registers itself here once at
// creation and stores the returned slot id in its own root header; every
// later process that opens the same mapped file reads that slot id back
// out and re-attaches its own base address into this registry, entirely
// in-process, since a raw address has no meaning across address spaces.
//
// Unlike the module's other tables (bitmap, pagealloc, block.Referential),
// which are lock-free and single-process, the registry file's bitmap and
// string table are mutated under a single cross-process mutex with a 60 s
// timeout (spec.md §5's explicit "stale holder detection is the
// responsibility of the caller"): every mutator on the host already
// serializes through that mutex, so layering a second, lock-free
// discipline on top of the same bytes would add complexity without adding
// safety.
package mmfregistry
