// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package cpu holds architecture-detected constants shared by every
// lock-free package in the module (bitmap, xlock, chunkqueue, block).
//
// This module requires a 64-bit CPU architecture: every lock-free
// structure CASes a 64-bit word (bitmap words, generational block
// headers, chunk queue counters). 32-bit architectures are not supported.
package cpu
