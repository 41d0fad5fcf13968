// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package smm

import (
	"errors"
	"hash/fnv"
	"sync/atomic"
	"unsafe"
)

// String64 is a 64-byte interned string key (spec.md §4.3, "a fixed-size
// concurrent dictionary from 64-byte interned strings (String64) to
// data-store handles").
type String64 [64]byte

// ErrKeyTooLong is returned by NewString64 when s does not fit in 64
// bytes.
var ErrKeyTooLong = errors.New("smm: resource key exceeds 64 bytes")

// NewString64 packs s into a zero-padded String64.
func NewString64(s string) (String64, error) {
	var k String64
	if len(s) > len(k) {
		return k, ErrKeyTooLong
	}
	copy(k[:], s)
	return k, nil
}

// ErrDuplicateKey is returned by AddResource when key is already present.
var ErrDuplicateKey = errors.New("smm: duplicate resource key")

// ErrResourceNotFound is returned by RemoveResource when key is absent.
var ErrResourceNotFound = errors.New("smm: resource not found")

// ErrConcurrentMutation is returned when a probe sequence exceeds its
// bounded collision limit without resolving, per spec.md §7's
// ConcurrentMutation error kind (SPEC_FULL.md Open Question Decision #3).
var ErrConcurrentMutation = errors.New("smm: too many colliding resource slots")

const resourceEntrySize = 80 // 64-byte key + 8-byte handle + 4-byte state + 4 pad

const (
	entryEmpty = iota
	entryWriting
	entryOccupied
	entryTombstone
)

// resourceDict is a fixed-bucket open-addressing table with bounded
// linear probing, shared in spirit with the slot-claim discipline in
// mmfregistry (SPEC_FULL.md Open Question Decision #3), here keyed by
// content hash instead of claimed by first-free-index since lookups must
// be by key, not by index.
type resourceDict struct {
	addr     uintptr
	capacity uint32
}

func (d resourceDict) entryAddr(slot uint32) uintptr {
	return d.addr + uintptr(slot)*resourceEntrySize
}

func (d resourceDict) state(slot uint32) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(d.entryAddr(slot) + 72))
}

func (d resourceDict) key(slot uint32) *String64 {
	return (*String64)(unsafe.Pointer(d.entryAddr(slot)))
}

func (d resourceDict) handle(slot uint32) *uint64 {
	return (*uint64)(unsafe.Pointer(d.entryAddr(slot) + 64))
}

func hashKey(key String64) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(key[:])
	return h.Sum32()
}

func (d resourceDict) maxProbe() int {
	if int(d.capacity) < 64 {
		return int(d.capacity)
	}
	return 64
}

// add claims a slot for key, failing with ErrDuplicateKey if already
// present or ErrConcurrentMutation if the bounded probe is exhausted.
func (d resourceDict) add(key String64, handle uint64) error {
	if _, ok := d.tryGet(key); ok {
		return ErrDuplicateKey
	}
	start := hashKey(key) % d.capacity
	probes := d.maxProbe()
	for i := 0; i < probes; i++ {
		slot := (start + uint32(i)) % d.capacity
		st := d.state(slot)
		switch st.Load() {
		case entryOccupied:
			if *d.key(slot) == key {
				return ErrDuplicateKey
			}
		case entryEmpty, entryTombstone:
			if st.CompareAndSwap(st.Load(), entryWriting) {
				*d.key(slot) = key
				*d.handle(slot) = handle
				st.Store(entryOccupied)
				return nil
			}
		}
	}
	return ErrConcurrentMutation
}

// tryGet returns the handle stored under key, if present.
func (d resourceDict) tryGet(key String64) (uint64, bool) {
	start := hashKey(key) % d.capacity
	probes := d.maxProbe()
	for i := 0; i < probes; i++ {
		slot := (start + uint32(i)) % d.capacity
		switch d.state(slot).Load() {
		case entryEmpty:
			return 0, false
		case entryOccupied:
			if *d.key(slot) == key {
				return *d.handle(slot), true
			}
		}
	}
	return 0, false
}

// remove releases the slot holding key, returning ErrResourceNotFound if
// key is absent.
func (d resourceDict) remove(key String64) error {
	start := hashKey(key) % d.capacity
	probes := d.maxProbe()
	for i := 0; i < probes; i++ {
		slot := (start + uint32(i)) % d.capacity
		switch d.state(slot).Load() {
		case entryEmpty:
			return ErrResourceNotFound
		case entryOccupied:
			if *d.key(slot) == key {
				*d.handle(slot) = 0
				d.state(slot).Store(entryTombstone)
				return nil
			}
		}
	}
	return ErrResourceNotFound
}
