// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package appendcol_test

import (
	"bytes"
	"testing"

	"code.hybscloud.com/tomate/appendcol"
)

func TestReserveAndGet_RoundTrip(t *testing.T) {
	c := appendcol.New(256, 4)

	id, data, err := c.Reserve(10)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	copy(data, []byte("0123456789"))

	got, err := c.Get(id, 10)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, []byte("0123456789")) {
		t.Fatalf("got %q, want %q", got, "0123456789")
	}
}

func TestReserve_SequentialSpansDoNotOverlap(t *testing.T) {
	c := appendcol.New(256, 4)

	a, dataA, err := c.Reserve(8)
	if err != nil {
		t.Fatalf("Reserve a: %v", err)
	}
	copy(dataA, []byte("aaaaaaaa"))

	b, dataB, err := c.Reserve(8)
	if err != nil {
		t.Fatalf("Reserve b: %v", err)
	}
	copy(dataB, []byte("bbbbbbbb"))

	if a == b {
		t.Fatal("expected distinct ids for distinct reservations")
	}

	gotA, err := c.Get(a, 8)
	if err != nil {
		t.Fatalf("Get a: %v", err)
	}
	if !bytes.Equal(gotA, []byte("aaaaaaaa")) {
		t.Fatalf("first span corrupted: %q", gotA)
	}

	gotB, err := c.Get(b, 8)
	if err != nil {
		t.Fatalf("Get b: %v", err)
	}
	if !bytes.Equal(gotB, []byte("bbbbbbbb")) {
		t.Fatalf("second span corrupted: %q", gotB)
	}
}

func TestReserve_WastesRemainderAndAppendsPage(t *testing.T) {
	const pageSize = 64
	c := appendcol.New(pageSize, 4)

	// Leave 10 bytes of slack in page 0, then request something that
	// cannot fit in the remainder: it must waste the slack and land at
	// the start of page 1.
	if _, _, err := c.Reserve(pageSize - 10); err != nil {
		t.Fatalf("Reserve first: %v", err)
	}

	id, _, err := c.Reserve(20)
	if err != nil {
		t.Fatalf("Reserve second: %v", err)
	}
	if id != pageSize {
		t.Fatalf("expected second reservation to start at page boundary %d, got %d", pageSize, id)
	}
	if c.AllocatedPageCount() != 2 {
		t.Fatalf("expected 2 allocated pages, got %d", c.AllocatedPageCount())
	}
}

func TestReserve_RecordLargerThanOnePageFails(t *testing.T) {
	c := appendcol.New(64, 4)
	if _, _, err := c.Reserve(65); err != appendcol.ErrRecordTooLarge {
		t.Fatalf("expected ErrRecordTooLarge, got %v", err)
	}
}

func TestReserve_NonPositiveSizeFails(t *testing.T) {
	c := appendcol.New(64, 4)
	if _, _, err := c.Reserve(0); err != appendcol.ErrInvalidSize {
		t.Fatalf("expected ErrInvalidSize for 0, got %v", err)
	}
	if _, _, err := c.Reserve(-1); err != appendcol.ErrInvalidSize {
		t.Fatalf("expected ErrInvalidSize for -1, got %v", err)
	}
}

func TestReserve_ExhaustsPageCapacity(t *testing.T) {
	const pageSize = 64
	c := appendcol.New(pageSize, 2)

	if _, _, err := c.Reserve(pageSize); err != nil {
		t.Fatalf("Reserve page 0: %v", err)
	}
	if _, _, err := c.Reserve(pageSize); err != nil {
		t.Fatalf("Reserve page 1: %v", err)
	}
	if _, _, err := c.Reserve(1); err != appendcol.ErrExhausted {
		t.Fatalf("expected ErrExhausted once capacity is used up, got %v", err)
	}
}

func TestGet_UnreservedIDFails(t *testing.T) {
	c := appendcol.New(64, 4)
	if _, err := c.Get(1000, 10); err != appendcol.ErrOutOfRange {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
}

func TestGet_SpanCrossingPageBoundaryFails(t *testing.T) {
	const pageSize = 64
	c := appendcol.New(pageSize, 4)
	// id near the end of page 0, requesting a length that would spill
	// into page 1's independently-allocated memory.
	if _, err := c.Get(pageSize-4, 10); err != appendcol.ErrOutOfRange {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
}
