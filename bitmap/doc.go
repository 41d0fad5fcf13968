// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package bitmap provides lock-free bitfield operations over a fixed-size
// run of bits: finding and reserving a run of n free bits, clearing a run,
// and finding the first set bit. It backs the page allocator and the
// per-page allocation bitmap of the unmanaged data store.
//
// Bits are packed 64 to a word. Reservation of a run that crosses a word
// boundary is all-or-nothing: every word touched by the run is updated with
// a compare-and-swap, and if any of those CASes loses a race the words
// already flipped are rolled back and the whole reservation is retried, so a
// concurrent reader never observes a torn reservation.
//
// This mirrors the spin/CAS-retry style of code.hybscloud.com/iobuf's
// BoundedPool, applied to bit runs instead of slot indices.
package bitmap
