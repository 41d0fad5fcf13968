// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpmm

import "testing"

func TestBlockSequence_GrowsNewAllocatorsOnDemand(t *testing.T) {
	s := newBlockSequence(testReferential())

	h1 := s.allocateSmall(100)
	if len(s.small) != 1 {
		t.Fatalf("expected 1 small allocator after first allocation, got %d", len(s.small))
	}
	_ = h1

	// Fill the first small-block allocator, forcing a second to be created.
	for range smallArenaSize / smallMaxSegment {
		s.allocateSmall(smallMaxPayload)
	}
	if len(s.small) < 2 {
		t.Fatalf("expected a second small allocator to be grown, got %d", len(s.small))
	}
}

func TestBlockSequence_LargeAllocatorSizedToRequest(t *testing.T) {
	s := newBlockSequence(testReferential())
	h := s.allocateLarge(3 << 20)
	if len(s.large) != 1 {
		t.Fatalf("expected 1 large allocator, got %d", len(s.large))
	}
	if s.large[0].capacity < uint32(3<<20) {
		t.Fatalf("arena capacity %d too small for a 3 MiB request", s.large[0].capacity)
	}
	_ = h
}

func TestNextPow2(t *testing.T) {
	cases := []struct{ n, max, want int }{
		{0, 1 << 30, 1},
		{1, 1 << 30, 1},
		{5, 1 << 30, 8},
		{1024, 1 << 30, 1024},
		{1 << 29, 1 << 28, 1 << 28},
	}
	for _, c := range cases {
		if got := nextPow2(c.n, c.max); got != c.want {
			t.Fatalf("nextPow2(%d, %d) = %d, want %d", c.n, c.max, got, c.want)
		}
	}
}
