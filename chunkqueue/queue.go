// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package chunkqueue

import (
	"errors"
	"sync/atomic"
	"time"
	"unsafe"

	"code.hybscloud.com/spin"
	"code.hybscloud.com/tomate/internal/cpu"
	"code.hybscloud.com/tomate/segment"
)

// ErrChunkTooLarge is the value Enqueue panics with when size_bytes plus
// the 4-byte chunk header exceeds half the buffer (spec.md §4.4, "a chunk
// larger than N/2 is rejected").
var ErrChunkTooLarge = errors.New("chunkqueue: chunk exceeds half the buffer")

// ErrInvalidChunkID is the value Enqueue panics with when id is outside
// [MinChunkID, MaxChunkID].
var ErrInvalidChunkID = errors.New("chunkqueue: chunk id out of range")

const headerLen = 4

func alignUp16(n uint64) uint64 { return (n + 15) &^ 15 }

// paddedCounter isolates a monotonic 64-bit counter to its own cache line
// so the writer and reader offsets never false-share.
type paddedCounter struct {
	v atomic.Uint64
	_ [cpu.CacheLineSize - 8]byte
}

// Queue is a lock-free MPMC byte-chunk ring (spec.md §4.4).
type Queue struct {
	_ cpu.NoCopy

	writeOffset *paddedCounter
	readOffset  *paddedCounter
	ownCounters [2]paddedCounter // backing storage for New; unused by NewOverSegment

	buf []byte
	n   uint64
}

// New constructs a queue over a ring of n bytes, rounded up to a multiple
// of 16 so every reserved span (always 16-byte aligned) tiles it exactly.
// The queue owns its backing buffer and its write/read offset counters
// live in the Queue value itself, so this form only serves goroutines
// inside the constructing process.
func New(n int) *Queue {
	if n <= 0 {
		panic("chunkqueue: n must be positive")
	}
	size := alignUp16(uint64(n))
	q := &Queue{buf: make([]byte, size), n: size}
	q.writeOffset = &q.ownCounters[0]
	q.readOffset = &q.ownCounters[1]
	return q
}

// CounterSegmentSize is the number of leading bytes NewOverSegment reserves
// for its write/read offset counter pair.
const CounterSegmentSize = int(unsafe.Sizeof(paddedCounter{})) * 2

// NewOverSegment constructs a Queue whose write/read offset counters and
// ring buffer both live inside seg, so any other process or goroutine that
// maps or shares the same backing memory observes the same queue state
// (spec.md §2, "Chunk queue sits on any memory segment (thread-shared or
// process-shared)"). The caller owns seg's memory and must ensure it is
// zeroed before the first process to construct a Queue over it does so
// (spec.md §8 scenario 5's P1); every later attach, including from another
// process, should call NewOverSegment again over the very same bytes
// rather than New. seg must be at least CounterSegmentSize+16 bytes; the
// portion after the counters is rounded down to a multiple of 16 and used
// as the ring, exactly mirroring pagealloc.New's "caller owns the backing
// memory" contract.
func NewOverSegment(seg segment.Segment) *Queue {
	return newOverBytes(seg.Bytes())
}

func newOverBytes(buf []byte) *Queue {
	if len(buf) < CounterSegmentSize+16 {
		panic("chunkqueue: segment too small for a counter pair and a ring")
	}
	base := unsafe.Pointer(unsafe.SliceData(buf))
	q := &Queue{
		writeOffset: (*paddedCounter)(base),
		readOffset:  (*paddedCounter)(unsafe.Add(base, unsafe.Sizeof(paddedCounter{}))),
	}
	ring := buf[CounterSegmentSize:]
	q.n = (uint64(len(ring)) / 16) * 16
	q.buf = ring[:q.n]
	return q
}

func (q *Queue) headerAt(pos uint64) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&q.buf[pos]))
}

func (q *Queue) writePaddingAt(pos, span uint64) {
	h := q.headerAt(pos)
	h.Store(packHeader(paddingID|readyBit, uint16(span-headerLen)))
}

// reserve atomically claims a total-byte span of the ring for a producer,
// transparently absorbing any wrap-boundary remainder into a padding
// chunk and retrying. If deadline is non-zero, reserve gives up once it
// elapses; if cancel is non-nil, reserve gives up once it is closed or
// receives a value.
func (q *Queue) reserve(total uint64, deadline time.Time, cancel <-chan struct{}) (uint64, bool) {
	hasDeadline := !deadline.IsZero()
	var sw spin.Wait
	for {
		if hasDeadline && time.Now().After(deadline) {
			return 0, false
		}
		if cancel != nil {
			select {
			case <-cancel:
				return 0, false
			default:
			}
		}

		old := q.writeOffset.v.Load()
		pos := old % q.n
		if pos+total > q.n {
			padding := q.n - pos
			if old+padding-q.readOffset.v.Load() > q.n {
				sw.Once()
				continue
			}
			if q.writeOffset.v.CompareAndSwap(old, old+padding) {
				q.writePaddingAt(pos, padding)
			}
			sw.Once()
			continue
		}
		if old+total-q.readOffset.v.Load() > q.n {
			sw.Once()
			continue
		}
		if q.writeOffset.v.CompareAndSwap(old, old+total) {
			return old, true
		}
		sw.Once()
	}
}

// EnqueueHandle references the payload bytes of a reserved, not-yet-ready
// chunk. Commit publishes it by setting the ready bit; a handle that is
// never committed leaves a permanently unready chunk and must not be
// discarded in production use (tests that only check reservation layout
// may do so deliberately).
type EnqueueHandle struct {
	q          *Queue
	headerPos  uint64
	payloadPos uint64
	size       int
}

// Bytes returns the writable payload view.
func (h EnqueueHandle) Bytes() []byte { return h.q.buf[h.payloadPos : h.payloadPos+uint64(h.size)] }

// Commit sets the ready-for-dequeue bit, publishing the chunk.
func (h EnqueueHandle) Commit() {
	hdr := h.q.headerAt(h.headerPos)
	for {
		cur := hdr.Load()
		kf, ds := unpackHeader(cur)
		if hdr.CompareAndSwap(cur, packHeader(kf|readyBit, ds)) {
			return
		}
	}
}

// Enqueue reserves space for a size-byte chunk tagged id and returns a
// handle to its payload with the ready bit still clear. If deadline is
// non-zero or cancel is non-nil, Enqueue gives up and returns ok == false
// instead of blocking forever.
func (q *Queue) Enqueue(id uint16, size int, deadline time.Time, cancel <-chan struct{}) (EnqueueHandle, bool) {
	if id < MinChunkID || id > MaxChunkID {
		panic(ErrInvalidChunkID)
	}
	total := alignUp16(headerLen + uint64(size))
	if uint64(size)+headerLen > q.n/2 {
		panic(ErrChunkTooLarge)
	}

	old, ok := q.reserve(total, deadline, cancel)
	if !ok {
		return EnqueueHandle{}, false
	}
	pos := old % q.n
	q.headerAt(pos).Store(packHeader(id, uint16(size)))
	return EnqueueHandle{q: q, headerPos: pos, payloadPos: pos + headerLen, size: size}, true
}

// DequeueHandle references a claimed, not-yet-disposed chunk.
type DequeueHandle struct {
	q         *Queue
	headerPos uint64
	payload   uint64
	size      int

	// ID is the caller-assigned chunk id.
	ID uint16
}

// Bytes returns the chunk's payload view.
func (h DequeueHandle) Bytes() []byte { return h.q.buf[h.payload : h.payload+uint64(h.size)] }

// Dispose marks the chunk processed and drains any now-contiguous run of
// fully processed chunks starting at the queue's read offset, advancing it
// past them (spec.md §4.4).
func (h DequeueHandle) Dispose() {
	hdr := h.q.headerAt(h.headerPos)
	for {
		cur := hdr.Load()
		kf, ds := unpackHeader(cur)
		if hdr.CompareAndSwap(cur, packHeader(kf|processed, ds)) {
			break
		}
	}
	h.q.drain()
}

// drain advances read_offset over every leading chunk (real or padding)
// that has finished its lifecycle, zeroing each header so a future
// producer sees a clean word on CAS.
func (q *Queue) drain() {
	for {
		read := q.readOffset.v.Load()
		write := q.writeOffset.v.Load()
		if read >= write {
			return
		}
		pos := read % q.n
		hdr := q.headerAt(pos)
		cur := hdr.Load()
		kf, ds := unpackHeader(cur)
		id := kf & idMask

		var total uint64
		var doneMask uint16
		if id == paddingID {
			total = alignUp16(headerLen + uint64(ds))
			doneMask = readyBit
		} else {
			total = alignUp16(headerLen + uint64(ds))
			doneMask = readyBit | acquired | processed
		}
		if kf&doneMask != doneMask {
			return
		}
		if !q.readOffset.v.CompareAndSwap(read, read+total) {
			continue
		}
		hdr.Store(0)
	}
}

// TryDequeue claims the oldest ready, unclaimed chunk without blocking.
// Returns ok == false if the queue is empty or the head chunk is still
// being written or was already claimed by a racing consumer.
func (q *Queue) TryDequeue() (DequeueHandle, bool) {
	q.drain()

	read := q.readOffset.v.Load()
	write := q.writeOffset.v.Load()
	if read >= write {
		return DequeueHandle{}, false
	}
	pos := read % q.n
	hdr := q.headerAt(pos)
	cur := hdr.Load()
	kf, ds := unpackHeader(cur)
	if kf&readyBit == 0 || kf&acquired != 0 {
		return DequeueHandle{}, false
	}
	id := kf & idMask
	if id == paddingID {
		// A racing drain may not yet have observed this padding chunk.
		return DequeueHandle{}, false
	}
	if !hdr.CompareAndSwap(cur, packHeader(kf|acquired, ds)) {
		return DequeueHandle{}, false
	}
	return DequeueHandle{q: q, headerPos: pos, payload: pos + headerLen, size: int(ds), ID: id}, true
}
