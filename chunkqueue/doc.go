// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package chunkqueue implements the lock-free multi-producer/multi-consumer
// chunk queue (spec component F, spec.md §4.4): a single writer offset and
// a single reader offset, each isolated to its own cache line, guarding a
// flat byte ring. Enqueue reserves a 16-byte-aligned span with either a
// bounded spin-wait (a deadline/cancellation is given) or an unbounded one,
// writes a 4-byte chunk header, and hands the caller an EnqueueHandle whose
// Commit sets the ready bit. TryDequeue claims the oldest ready, unclaimed
// chunk with a single header CAS and hands back a DequeueHandle whose
// Dispose marks it processed and drains any now-fully-processed run
// starting at the current read offset, preserving FIFO visibility order
// even when chunks finish processing out of order.
package chunkqueue
