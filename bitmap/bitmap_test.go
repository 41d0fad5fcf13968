// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package bitmap_test

import (
	"sync"
	"testing"

	"code.hybscloud.com/tomate/bitmap"
)

func TestFindFreeRun_Basic(t *testing.T) {
	b := bitmap.New(128)
	start, ok := b.FindFreeRun(10)
	if !ok || start != 0 {
		t.Fatalf("FindFreeRun(10) = (%d, %v), want (0, true)", start, ok)
	}
	start2, ok := b.FindFreeRun(5)
	if !ok || start2 != 10 {
		t.Fatalf("FindFreeRun(5) = (%d, %v), want (10, true)", start2, ok)
	}
}

func TestFindFreeRun_Exhaustion(t *testing.T) {
	b := bitmap.New(10)
	start, ok := b.FindFreeRun(10)
	if !ok || start != 0 {
		t.Fatalf("expected full allocation to succeed, got (%d, %v)", start, ok)
	}
	if _, ok := b.FindFreeRun(1); ok {
		t.Fatal("expected exhaustion")
	}
}

func TestClearRun_Reuse(t *testing.T) {
	b := bitmap.New(64)
	start, ok := b.FindFreeRun(64)
	if !ok || start != 0 {
		t.Fatalf("expected allocation of all 64 bits")
	}
	b.ClearRun(5, 1)
	start2, ok := b.FindFreeRun(1)
	if !ok || start2 != 5 {
		t.Fatalf("FindFreeRun(1) after ClearRun = (%d, %v), want (5, true)", start2, ok)
	}
}

func TestPaddingBitsPreMarked(t *testing.T) {
	b := bitmap.New(70) // 2 words, 58 padding bits in word 1
	if got := b.Count(); got != 58 {
		t.Fatalf("Count() on a fresh 70-bit bitmap = %d, want the 58 pre-marked padding bits", got)
	}
	start, ok := b.FindFreeRun(70)
	if !ok || start != 0 {
		t.Fatalf("FindFreeRun(70) = (%d, %v), want (0, true)", start, ok)
	}
}

func TestFindFreeRun_SpansWordBoundary(t *testing.T) {
	b := bitmap.New(128)
	if _, ok := b.FindFreeRun(60); !ok {
		t.Fatal("initial reservation failed")
	}
	// Next run of 10 starts at 60 and spans words 0/1.
	start, ok := b.FindFreeRun(10)
	if !ok || start != 60 {
		t.Fatalf("FindFreeRun(10) = (%d, %v), want (60, true)", start, ok)
	}
}

func TestFindFirstSet(t *testing.T) {
	b := bitmap.New(128)
	if _, ok := b.FindFirstSet(); ok {
		t.Fatal("expected no set bits on fresh bitmap")
	}
	b.SetRun(42, 1)
	idx, ok := b.FindFirstSet()
	if !ok || idx != 42 {
		t.Fatalf("FindFirstSet() = (%d, %v), want (42, true)", idx, ok)
	}
}

func TestFindFreeRun_Concurrent(t *testing.T) {
	const nbits = 4096
	const workers = 16
	b := bitmap.New(nbits)

	var wg sync.WaitGroup
	starts := make([][]int, workers)
	for w := range workers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			var mine []int
			for {
				s, ok := b.FindFreeRun(4)
				if !ok {
					break
				}
				mine = append(mine, s)
			}
			starts[id] = mine
		}(w)
	}
	wg.Wait()

	seen := make(map[int]bool)
	total := 0
	for _, list := range starts {
		for _, s := range list {
			for i := s; i < s+4; i++ {
				if seen[i] {
					t.Fatalf("bit %d double-allocated", i)
				}
				seen[i] = true
			}
			total++
		}
	}
	if total != nbits/4 {
		t.Fatalf("allocated %d runs of 4, want %d", total, nbits/4)
	}
}
