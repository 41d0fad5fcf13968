// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpmm

import "errors"

// ErrInvalidAllocationSize is returned when Allocate is asked for a
// negative size or a size exceeding MaxSegmentSize (spec.md §4.2).
var ErrInvalidAllocationSize = errors.New("gpmm: invalid allocation size")

// ErrOutOfMemory names the out-of-memory error kind. No gpmm operation
// returns it: native arenas are obtained with make, which does not report
// failure to its caller.
var ErrOutOfMemory = errors.New("gpmm: out of memory")
