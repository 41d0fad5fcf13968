// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package datastore implements the unmanaged data store: an 8-level
// generational handle table for fixed-size records of 16, 32, …, 128
// bytes. Each level owns a growing set of pages; each page is a
// concurrent allocation bitmap paired with a raw entry array, every
// entry trailed by a 2-byte type id and a 2-byte generation counter.
//
// A Handle is opaque and carries no pointer: it decodes to a level, a
// flat entry index within that level's pages, a generation, and a type
// id, so a stale Handle observed after Remove (or after the same slot is
// recycled for a different value) is rejected rather than dereferenced.
package datastore
