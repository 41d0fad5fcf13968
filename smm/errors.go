// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package smm

import "errors"

// ErrInvalidAllocationSize is returned when Allocate is asked for a
// negative size or a size too large for a single allocator group to ever
// satisfy (spec.md §4.2, reused by SMM per §4.3 "same allocation
// contract as GPMM").
var ErrInvalidAllocationSize = errors.New("smm: invalid allocation size")

// ErrOutOfMemory is returned when growing the mapped file's page-backed
// arena to satisfy an allocation fails, and by Open when every
// session-table slot is held by a live process.
var ErrOutOfMemory = errors.New("smm: out of memory")

// ErrCorrupt is returned by Open when an existing file's magic does not
// match, mirroring mmfregistry.ErrCorrupt.
var ErrCorrupt = errors.New("smm: corrupt or wrong-version mapped file")

// ErrNotOwned is returned by Free/AddRef/Resize when the given handle's
// header does not belong to this Manager's file.
var ErrNotOwned = errors.New("smm: handle does not belong to this manager")
