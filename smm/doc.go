// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package smm implements the shared-memory manager (spec component E,
// spec.md §4.3): a GPMM-equivalent allocator whose single arena is a
// memory-mapped file, addressable concurrently by multiple processes.
// Page 0 of the file is a root header; everything else a process needs —
// the page allocation bitmap and directory, a fixed set of round-robin
// block-allocator slots, and a resource locator dictionary — lives at
// fixed, self-describing offsets inside the same file, so every internal
// reference is a page index or byte offset rather than a raw pointer.
//
// A Manager's block-allocator slots are each the head of a singly linked
// chain of "groups": a group is a fixed run of pages (AllocatorGroupPages)
// carrying its own cross-process lock, occupied/freed segment lists, and
// bump pointer, directly adapting the native large-block allocator's
// first-fit-with-split algorithm (package gpmm) to page-granular, mapped
// storage instead of an owned byte slice. A slot whose current group
// fills up grows a fresh group and links it in front of the old one,
// mirroring how a block sequence never destroys an allocator, only grows
// more of them.
package smm
