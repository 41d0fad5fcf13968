// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package appendcol

import (
	"errors"
	"math"
	"unsafe"

	"code.hybscloud.com/tomate/internal/cpu"
	"code.hybscloud.com/tomate/pagealloc"
	"code.hybscloud.com/tomate/xlock"
)

// DefaultPageSize matches the module's other fixed-size page components
// (smm.DefaultPageSize).
const DefaultPageSize = 4096

// ErrRecordTooLarge is returned when a single reservation would not fit
// within one page no matter where it starts.
var ErrRecordTooLarge = errors.New("appendcol: record larger than one page")

// ErrInvalidSize is returned for a non-positive reservation size.
var ErrInvalidSize = errors.New("appendcol: reservation size must be positive")

// ErrExhausted is returned when the collection's page capacity (set at
// construction) is used up.
var ErrExhausted = errors.New("appendcol: page capacity exhausted")

// ErrOutOfRange is returned by Get when the requested span falls on a page
// this collection has not appended yet, or would cross the end of its
// page. Get does not check the span against the current write offset.
var ErrOutOfRange = errors.New("appendcol: id out of range")

// Collection is a forward-growing arena over a dedicated pagealloc.Allocator
// (spec.md §4.7). Collection must not be copied after first use.
type Collection struct {
	_ cpu.NoCopy

	pageSize uintptr
	arena    []byte
	alloc    *pagealloc.Allocator

	lock        xlock.Spin
	dir         []uintptr // directory: logical page index -> page base address
	writeOffset uint64    // bytes written across every appended page so far
}

// New constructs a Collection capable of growing up to capacity pages of
// pageSize bytes each. The collection owns its backing arena.
func New(pageSize uintptr, capacity int) *Collection {
	arena := make([]byte, pageSize*uintptr(capacity))
	base := uintptr(unsafe.Pointer(unsafe.SliceData(arena)))
	return &Collection{
		pageSize: pageSize,
		arena:    arena,
		alloc:    pagealloc.New(base, pageSize, capacity),
		dir:      make([]uintptr, 0, capacity),
	}
}

// PageCapacity returns the maximum number of pages this collection may grow
// to hold.
func (c *Collection) PageCapacity() int { return c.alloc.Capacity() }

// AllocatedPageCount returns the number of pages appended to the
// directory so far.
func (c *Collection) AllocatedPageCount() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.dir)
}

// ensurePage grows the directory, one page at a time, until index idx is
// present. Caller must hold c.lock.
func (c *Collection) ensurePage(idx int) error {
	for len(c.dir) <= idx {
		seg, ok := c.alloc.AllocatePages(1)
		if !ok {
			return ErrExhausted
		}
		c.dir = append(c.dir, seg.Base)
	}
	return nil
}

// Reserve advances the write offset by n bytes, returning a 32-bit logical
// id (the write offset at the time of reservation) and a byte view of the
// reserved span. If the current page cannot fit n contiguously, its
// remaining bytes are wasted and a fresh page is appended to the directory
// (spec.md §4.7, "Reserve(n) advances the write offset").
func (c *Collection) Reserve(n int) (id uint32, data []byte, err error) {
	if n <= 0 {
		return 0, nil, ErrInvalidSize
	}
	if uintptr(n) > c.pageSize {
		return 0, nil, ErrRecordTooLarge
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	offset := c.writeOffset
	pageIdx := int(offset / uint64(c.pageSize))
	inPage := int(offset % uint64(c.pageSize))

	if err := c.ensurePage(pageIdx); err != nil {
		return 0, nil, err
	}

	if inPage+n > int(c.pageSize) {
		pageIdx++
		offset = uint64(pageIdx) * uint64(c.pageSize)
		inPage = 0
		if err := c.ensurePage(pageIdx); err != nil {
			return 0, nil, err
		}
	}

	if offset+uint64(n) > math.MaxUint32 {
		return 0, nil, ErrExhausted
	}

	base := c.dir[pageIdx]
	data = unsafe.Slice((*byte)(unsafe.Pointer(base+uintptr(inPage))), n)
	c.writeOffset = offset + uint64(n)
	return uint32(offset), data, nil
}

// Get decodes id into (page index, offset-in-page) and returns the n-byte
// span starting there (spec.md §4.7, "Get(id, n) decodes id ... returns
// the segment").
func (c *Collection) Get(id uint32, n int) ([]byte, error) {
	if n <= 0 {
		return nil, ErrInvalidSize
	}
	pageIdx := int(uint64(id) / uint64(c.pageSize))
	inPage := int(uint64(id) % uint64(c.pageSize))
	if inPage+n > int(c.pageSize) {
		return nil, ErrOutOfRange
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	if pageIdx >= len(c.dir) {
		return nil, ErrOutOfRange
	}
	base := c.dir[pageIdx]
	return unsafe.Slice((*byte)(unsafe.Pointer(base+uintptr(inPage))), n), nil
}
