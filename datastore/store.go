// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package datastore

import (
	"errors"
	"unsafe"
)

// ErrTooLarge is returned when a value's size exceeds the largest level
// (128 bytes).
var ErrTooLarge = errors.New("datastore: value exceeds the largest record level")

// ErrInvalidHandle is returned by Get/Remove when a handle's recorded
// generation no longer matches the slot it names (spec.md §7,
// "InvalidHandle — data-store handle generation does not match").
var ErrInvalidHandle = errors.New("datastore: handle generation mismatch")

// ErrTypeMismatch is returned by Get/Remove when a handle names a slot
// whose stored type id does not match the requested T.
var ErrTypeMismatch = errors.New("datastore: handle type does not match stored value")

// Disposable is the contract every stored value's first field is
// expected to honor (spec.md §4.5, "T ... expose a ref-counted memory
// block as its first field"): AddRef increments that block's reference
// count and Dispose decrements it, reporting whether it reached zero.
// The reference count lives in the referenced block's own header, not in
// T's bytes, so both methods take a value receiver: calling AddRef on
// either the caller's copy of v or the byte-identical copy PutValue just
// wrote into the store reaches the same external count.
type Disposable interface {
	Dispose() (released bool)
	AddRef()
}

// Store is the unmanaged data store: NumLevels generational handle
// tables, one per fixed record size.
type Store struct {
	levels [NumLevels]*level
}

// New returns an empty Store.
func New() *Store {
	s := &Store{}
	for i := range s.levels {
		s.levels[i] = newLevel(uint8(i))
	}
	return s
}

// PutValue stores v, computing its level from sizeof(T) rounded up to 16
// bytes, and returns a Handle (spec.md §4.5, "Store(&mut T) -> Handle<T>").
// Per spec.md §4.5, storing a value gives the store its own reference
// distinct from the caller's: v.AddRef() runs before the handle is
// published, so the caller's own later Dispose of its copy cannot drop
// the underlying block to zero and free it out from under the store.
func PutValue[T Disposable](s *Store, v T) (Handle, error) {
	levelIdx, ok := levelOf(int(unsafe.Sizeof(v)))
	if !ok {
		return 0, ErrTooLarge
	}
	v.AddRef()

	lv := s.levels[levelIdx]
	flatIndex, pg := lv.allocate()

	slot := int(flatIndex % entriesPerPage)
	typeID := typeIDOf[T]()

	*(*T)(unsafe.Pointer(pg.entryAddr(slot))) = v
	*pg.typeIDAddr(slot) = typeID
	*pg.generationAddr(slot)++
	gen := *pg.generationAddr(slot)

	return newHandle(levelIdx, flatIndex, gen, typeID), nil
}

// GetValue decodes h and returns a pointer into the stored entry, or an
// error if the handle's generation or type no longer matches (spec.md
// §4.5, "Get<T>(handle) ... reject if recorded generation != handle
// generation; assert type match").
func GetValue[T any](s *Store, h Handle) (*T, error) {
	lv := s.levels[h.level()]
	pg, slot, ok := lv.pageFor(h.index())
	if !ok {
		return nil, ErrInvalidHandle
	}
	if *pg.generationAddr(slot) != h.generation() {
		return nil, ErrInvalidHandle
	}
	if *pg.typeIDAddr(slot) != h.typeID() {
		return nil, ErrTypeMismatch
	}
	if h.typeID() != typeIDOf[T]() {
		return nil, ErrTypeMismatch
	}
	return (*T)(unsafe.Pointer(pg.entryAddr(slot))), nil
}

// RemoveValue rejects a stale handle, disposes the stored value,
// invalidates the slot's generation so every outstanding handle now
// reads as invalid, zeroes the entry, and frees the bitmap slot (spec.md
// §4.5, "Remove<T>(handle)").
func RemoveValue[T Disposable](s *Store, h Handle) (released bool, err error) {
	v, err := GetValue[T](s, h)
	if err != nil {
		return false, err
	}
	released = v.Dispose()

	lv := s.levels[h.level()]
	pg, slot, _ := lv.pageFor(h.index())
	*(*T)(unsafe.Pointer(pg.entryAddr(slot))) = *new(T)
	*pg.generationAddr(slot)++
	pg.free(slot)
	return released, nil
}
