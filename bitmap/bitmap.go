// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package bitmap

import (
	"math/bits"
	"sync/atomic"

	"code.hybscloud.com/spin"
	"code.hybscloud.com/tomate/internal/cpu"
)

const wordBits = 64

// Bitmap is a lock-free fixed-size bitfield. The zero value is not usable;
// construct one with New. A Bitmap must not be copied after first use.
type Bitmap struct {
	_ cpu.NoCopy

	words []atomic.Uint64
	nbits int
}

// New returns a Bitmap of nbits bits, all initially clear, except that any
// padding bits in the final word beyond nbits are pre-marked set so that
// FindFreeRun can never return a span that runs past the logical end of
// the bitmap.
func New(nbits int) *Bitmap {
	if nbits <= 0 {
		panic("bitmap: nbits must be positive")
	}
	nwords := (nbits + wordBits - 1) / wordBits
	b := &Bitmap{
		words: make([]atomic.Uint64, nwords),
		nbits: nbits,
	}
	if rem := nbits % wordBits; rem != 0 {
		var tailMask uint64 = ^uint64(0) << uint(rem)
		b.words[nwords-1].Store(tailMask)
	}
	return b
}

// Len returns the number of logical bits in the bitmap.
func (b *Bitmap) Len() int { return b.nbits }

// Count returns the number of set bits, including the pre-marked padding
// bits beyond Len() in the final word.
func (b *Bitmap) Count() int {
	n := 0
	for i := range b.words {
		n += bits.OnesCount64(b.words[i].Load())
	}
	return n
}

// Test reports whether bit i is set. Panics if i is out of range.
func (b *Bitmap) Test(i int) bool {
	b.checkIndex(i)
	w := b.words[i/wordBits].Load()
	return w&(1<<uint(i%wordBits)) != 0
}

// FindFreeRun searches for n consecutive clear bits and atomically sets
// them, returning the index of the first bit in the run. It returns
// (0, false) if no such run exists.
//
// The scan is word-at-a-time; a run that spans multiple words is reserved
// by CASing every word it touches. If a race is lost on any word after
// some were already flipped, the already-flipped words are rolled back and
// the whole search retries from the top, exactly as spec.md describes
// ("reservation is by CAS on the affected 64-bit words (all-or-nothing)").
func (b *Bitmap) FindFreeRun(n int) (start int, ok bool) {
	if n <= 0 {
		panic("bitmap: n must be positive")
	}
	if n > b.nbits {
		return 0, false
	}
	sw := spin.Wait{}
	for {
		cand, found := b.scanFreeRun(n)
		if !found {
			return 0, false
		}
		if b.tryReserve(cand, n) {
			return cand, true
		}
		sw.Once()
	}
}

// scanFreeRun performs a best-effort (non-atomic) scan for a candidate run
// of n clear bits. The caller must still reserve the run with tryReserve;
// concurrent mutation may invalidate the candidate, in which case the
// caller retries.
func (b *Bitmap) scanFreeRun(n int) (start int, ok bool) {
	run := 0
	for i := 0; i <= b.nbits-n+run; i++ {
		if i >= b.nbits {
			break
		}
		if b.testLoaded(i) {
			run = 0
			continue
		}
		run++
		if run == n {
			return i - n + 1, true
		}
	}
	return 0, false
}

func (b *Bitmap) testLoaded(i int) bool {
	w := b.words[i/wordBits].Load()
	return w&(1<<uint(i%wordBits)) != 0
}

type reservedWord struct {
	index int
	mask  uint64
}

// tryReserve attempts to set bits [start, start+n) via per-word CAS,
// rolling back on failure. Returns true on success.
func (b *Bitmap) tryReserve(start, n int) bool {
	end := start + n
	firstWord := start / wordBits
	lastWord := (end - 1) / wordBits

	flipped := make([]reservedWord, 0, lastWord-firstWord+1)
	for wi := firstWord; wi <= lastWord; wi++ {
		lo := wi * wordBits
		hi := lo + wordBits
		rangeLo := max(lo, start)
		rangeHi := min(hi, end)
		mask := bitRangeMask(rangeLo-lo, rangeHi-lo)

		for {
			old := b.words[wi].Load()
			if old&mask != 0 {
				// Lost the race: some bit in this word got set
				// concurrently. Roll back and report failure.
				b.rollback(flipped)
				return false
			}
			if b.words[wi].CompareAndSwap(old, old|mask) {
				flipped = append(flipped, reservedWord{wi, mask})
				break
			}
		}
	}
	return true
}

// rollback clears exactly the mask bits this failed reservation attempt
// set, in each word it touched, via its own CAS loop so it cannot clobber
// bits set by an unrelated concurrent reservation in the same word.
func (b *Bitmap) rollback(words []reservedWord) {
	for _, rw := range words {
		for {
			old := b.words[rw.index].Load()
			if b.words[rw.index].CompareAndSwap(old, old&^rw.mask) {
				break
			}
		}
	}
}

// SetRun marks bits [start, start+n) as set unconditionally. Used when the
// caller already holds exclusive knowledge that the range is free (e.g.
// restoring from a directory entry on reattach).
func (b *Bitmap) SetRun(start, n int) {
	b.mutateRun(start, n, true)
}

// ClearRun marks bits [start, start+n) as clear. This is the counterpart to
// FindFreeRun/SetRun and is how free_pages returns a span to the pool.
func (b *Bitmap) ClearRun(start, n int) {
	b.mutateRun(start, n, false)
}

func (b *Bitmap) mutateRun(start, n int, set bool) {
	if n <= 0 {
		panic("bitmap: n must be positive")
	}
	end := start + n
	b.checkIndex(start)
	b.checkIndex(end - 1)
	firstWord := start / wordBits
	lastWord := (end - 1) / wordBits
	for wi := firstWord; wi <= lastWord; wi++ {
		lo := wi * wordBits
		hi := lo + wordBits
		rangeLo := max(lo, start)
		rangeHi := min(hi, end)
		mask := bitRangeMask(rangeLo-lo, rangeHi-lo)
		for {
			old := b.words[wi].Load()
			var nw uint64
			if set {
				nw = old | mask
			} else {
				nw = old &^ mask
			}
			if b.words[wi].CompareAndSwap(old, nw) {
				break
			}
		}
	}
}

// FindFirstSet returns the index of the lowest set bit, or (0, false) if
// the bitmap is entirely clear.
func (b *Bitmap) FindFirstSet() (index int, ok bool) {
	for wi := range b.words {
		w := b.words[wi].Load()
		if w == 0 {
			continue
		}
		return wi*wordBits + bits.TrailingZeros64(w), true
	}
	return 0, false
}

func (b *Bitmap) checkIndex(i int) {
	if i < 0 || i >= b.nbits {
		panic("bitmap: index out of range")
	}
}

func bitRangeMask(lo, hi int) uint64 {
	if lo == 0 && hi == wordBits {
		return ^uint64(0)
	}
	return (^uint64(0) << uint(lo)) & (^uint64(0) >> uint(wordBits-hi))
}

