// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package xlock provides the exclusive and shared access control primitives
// that sit under every allocator in the module (spec component B):
//
//   - Spin is a CAS-based exclusive spin lock over a single flag, with
//     adaptive spin.Wait backoff and no owner tracking (the small/large-block
//     allocator's occupied/freed list lock).
//   - RWSpin is a reader-count-plus-writer-bit shared/exclusive lock packed
//     into a single 32-bit word (used where many readers traverse a
//     structure that is rarely mutated).
//   - ProcessMutex is the cross-process equivalent of Spin: it CASes a
//     64-bit (owner pid, owner nonce) word that can live inside a mapped
//     file, and can detect and reclaim a slot abandoned by a crashed
//     process via a liveness probe — see ProcessMutex's doc comment for the
//     decision this implements from spec.md's open question about SMM
//     session-lock crash recovery.
package xlock
