// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package xlock

import (
	"sync/atomic"

	"code.hybscloud.com/spin"
	"code.hybscloud.com/tomate/internal/cpu"
)

// Spin is a CAS-based exclusive spin lock. The zero value is an unlocked
// lock ready for use. Spin must not be copied after first use.
//
// Unlike sync.Mutex, Spin never parks the calling goroutine on a kernel
// futex; it is intended for the short critical sections that guard an
// allocator's occupied/freed segment lists, where the section is held for
// O(1) pointer surgery and a kernel wait would cost more than spinning.
type Spin struct {
	_ cpu.NoCopy

	locked atomic.Bool
}

// TryLock attempts to acquire the lock without blocking.
func (s *Spin) TryLock() bool {
	return s.locked.CompareAndSwap(false, true)
}

// Lock acquires the lock, spinning with adaptive backoff until it succeeds.
func (s *Spin) Lock() {
	var sw spin.Wait
	for !s.TryLock() {
		sw.Once()
	}
}

// Unlock releases the lock. Unlock on an already-unlocked Spin is a
// programmer error and panics, mirroring sync.Mutex's behavior.
func (s *Spin) Unlock() {
	if !s.locked.CompareAndSwap(true, false) {
		panic("xlock: Unlock of unlocked Spin")
	}
}

const (
	rwWriterBit  uint32 = 1 << 31
	rwReaderMask uint32 = rwWriterBit - 1
)

// RWSpin is a reader-count-plus-writer-bit shared/exclusive spin lock
// packed into a single 32-bit word. The top bit is the writer-held flag;
// the low 31 bits are the live reader count. RWSpin must not be copied
// after first use.
type RWSpin struct {
	_ cpu.NoCopy

	state atomic.Uint32
}

// RLock acquires a shared (reader) hold.
func (l *RWSpin) RLock() {
	var sw spin.Wait
	for {
		s := l.state.Load()
		if s&rwWriterBit != 0 {
			sw.Once()
			continue
		}
		if l.state.CompareAndSwap(s, s+1) {
			return
		}
		sw.Once()
	}
}

// RUnlock releases a shared hold.
func (l *RWSpin) RUnlock() {
	for {
		s := l.state.Load()
		if s&rwReaderMask == 0 {
			panic("xlock: RUnlock of RWSpin with no readers")
		}
		if l.state.CompareAndSwap(s, s-1) {
			return
		}
	}
}

// Lock acquires the exclusive (writer) hold, waiting for all current
// readers to drain and excluding any reader or writer that arrives after.
func (l *RWSpin) Lock() {
	var sw spin.Wait
	for {
		s := l.state.Load()
		if s&rwWriterBit != 0 {
			sw.Once()
			continue
		}
		if !l.state.CompareAndSwap(s, s|rwWriterBit) {
			sw.Once()
			continue
		}
		// Writer bit claimed; now drain existing readers.
		for l.state.Load()&rwReaderMask != 0 {
			sw.Once()
		}
		return
	}
}

// Unlock releases the exclusive hold.
func (l *RWSpin) Unlock() {
	if !l.state.CompareAndSwap(rwWriterBit, 0) {
		panic("xlock: Unlock of RWSpin not exclusively held")
	}
}
