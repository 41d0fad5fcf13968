// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package chunkqueue_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"code.hybscloud.com/tomate/chunkqueue"
)

func TestEnqueueDequeue_Basic(t *testing.T) {
	q := chunkqueue.New(4096)

	h, ok := q.Enqueue(1, 5, time.Time{}, nil)
	if !ok {
		t.Fatal("enqueue failed")
	}
	copy(h.Bytes(), []byte("hello"))
	h.Commit()

	d, ok := q.TryDequeue()
	if !ok {
		t.Fatal("dequeue failed")
	}
	if d.ID != 1 {
		t.Fatalf("ID = %d, want 1", d.ID)
	}
	if string(d.Bytes()) != "hello" {
		t.Fatalf("payload = %q, want hello", d.Bytes())
	}
	d.Dispose()
}

func TestTryDequeue_EmptyQueue(t *testing.T) {
	q := chunkqueue.New(1024)
	if _, ok := q.TryDequeue(); ok {
		t.Fatal("expected empty queue to report no chunk")
	}
}

func TestTryDequeue_NotYetCommitted(t *testing.T) {
	q := chunkqueue.New(1024)
	if _, ok := q.Enqueue(1, 8, time.Time{}, nil); !ok {
		t.Fatal("enqueue failed")
	}
	if _, ok := q.TryDequeue(); ok {
		t.Fatal("expected dequeue to miss an uncommitted chunk")
	}
}

func TestFIFOOrder(t *testing.T) {
	q := chunkqueue.New(8192)

	const n = 20
	for i := uint16(1); i <= n; i++ {
		h, ok := q.Enqueue(i, 4, time.Time{}, nil)
		if !ok {
			t.Fatalf("enqueue %d failed", i)
		}
		copy(h.Bytes(), []byte{byte(i), byte(i), byte(i), byte(i)})
		h.Commit()
	}

	for i := uint16(1); i <= n; i++ {
		d, ok := q.TryDequeue()
		if !ok {
			t.Fatalf("dequeue %d failed", i)
		}
		if d.ID != i {
			t.Fatalf("dequeue order: got id %d, want %d", d.ID, i)
		}
		d.Dispose()
	}
}

func TestEnqueue_RejectsOversizeChunk(t *testing.T) {
	q := chunkqueue.New(128)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for an oversize chunk")
		}
	}()
	q.Enqueue(1, 1000, time.Time{}, nil)
}

func TestEnqueue_RejectsInvalidID(t *testing.T) {
	q := chunkqueue.New(128)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for an invalid chunk id")
		}
	}()
	q.Enqueue(0, 4, time.Time{}, nil)
}

func TestEnqueue_DeadlineExceeded(t *testing.T) {
	q := chunkqueue.New(32) // tiny ring, easy to fill: two 16-byte chunks fill it exactly

	h1, ok := q.Enqueue(1, 8, time.Time{}, nil)
	if !ok {
		t.Fatal("first enqueue failed")
	}
	h1.Commit()
	h2, ok := q.Enqueue(2, 8, time.Time{}, nil)
	if !ok {
		t.Fatal("second enqueue failed")
	}
	h2.Commit()

	deadline := time.Now().Add(20 * time.Millisecond)
	if _, ok := q.Enqueue(3, 8, deadline, nil); ok {
		t.Fatal("expected enqueue to fail once the deadline elapses on a full queue")
	}
}

func TestEnqueue_Cancellation(t *testing.T) {
	q := chunkqueue.New(32)
	h1, _ := q.Enqueue(1, 8, time.Time{}, nil)
	h1.Commit()
	h2, _ := q.Enqueue(2, 8, time.Time{}, nil)
	h2.Commit()

	cancel := make(chan struct{})
	close(cancel)
	if _, ok := q.Enqueue(3, 8, time.Time{}, cancel); ok {
		t.Fatal("expected enqueue to fail once cancel is already closed")
	}
}

func TestConcurrentProducersConsumers(t *testing.T) {
	q := chunkqueue.New(1 << 16)

	const producers, perProducer = 8, 200
	const total = producers * perProducer

	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := range perProducer {
				id := uint16((p*perProducer+i)%0x1FFE) + 1
				h, ok := q.Enqueue(id, 8, time.Time{}, nil)
				if !ok {
					t.Errorf("enqueue failed")
					return
				}
				h.Commit()
			}
		}(p)
	}

	var consumed atomic.Int64
	var wg2 sync.WaitGroup
	for range 4 {
		wg2.Add(1)
		go func() {
			defer wg2.Done()
			for consumed.Load() < total {
				d, ok := q.TryDequeue()
				if !ok {
					continue
				}
				d.Dispose()
				consumed.Add(1)
			}
		}()
	}
	wg.Wait()
	wg2.Wait()
	if got := consumed.Load(); got != total {
		t.Fatalf("consumed %d chunks, want %d", got, total)
	}
}
