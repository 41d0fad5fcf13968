// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package appendcol implements the append collection (spec component J):
// a forward-growing arena of fixed-size pages, drawn one at a time from a
// pagealloc.Allocator, used to hold variable-length immutable records
// such as interned UTF-8 strings.
//
// A Collection tracks a monotonically increasing write offset across the
// pages it has appended so far. Reserve(n) carves the next n bytes out of
// that offset, growing the page directory when the current page runs out
// of room; any unused tail of the old page is wasted, never reused. The
// offset at the time of a reservation doubles as its 32-bit logical id:
// Get(id, n) decodes id back into (page index, offset-in-page) and
// returns the same bytes. There is no free operation — a Collection is
// dropped in its entirety once its owner is done with it.
//
// StringTable layers length-prefixed records on top of a Collection to
// give interned strings a self-describing format.
package appendcol
