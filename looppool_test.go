package greactor

import "testing"

func TestLoopPoolSizeZeroHasNoLoops(t *testing.T) {
	p := NewLoopPool(0, RoundRobin, nil)
	if p.Size() != 0 {
		t.Fatalf("Size() = %d, want 0", p.Size())
	}
	loop, idx := p.Next()
	if loop != nil || idx != -1 {
		t.Fatalf("Next() on empty pool = (%v, %d), want (nil, -1)", loop, idx)
	}
}

func TestLoopPoolRoundRobinCyclesEvenly(t *testing.T) {
	p := NewLoopPool(3, RoundRobin, nil)
	defer p.Stop()

	seen := make(map[int]int)
	for i := 0; i < 9; i++ {
		_, idx := p.Next()
		seen[idx]++
	}
	for i := 0; i < 3; i++ {
		if seen[i] != 3 {
			t.Errorf("loop %d selected %d times, want 3", i, seen[i])
		}
	}
}

func TestLoopPoolLeastConnectionsPicksSmallestCount(t *testing.T) {
	p := NewLoopPool(3, LeastConnections, nil)
	defer p.Stop()

	// starting from all-zero counts, a full pass must land one
	// connection on each sub-loop before any loop gets a second.
	seen := make(map[int]bool)
	for i := 0; i < 3; i++ {
		_, idx := p.Next()
		if seen[idx] {
			t.Fatalf("loop %d picked twice within the first full pass", idx)
		}
		seen[idx] = true
	}
}

func TestLoopPoolReleaseDecrementsCount(t *testing.T) {
	p := NewLoopPool(2, LeastConnections, nil)
	defer p.Stop()

	_, idx := p.Next()
	p.Release(idx)
	// after releasing the only connection, both loops are back at 0;
	// Next must still return a valid loop without panicking on the
	// tie.
	loop, idx2 := p.Next()
	if loop == nil || idx2 < 0 || idx2 >= p.Size() {
		t.Fatalf("Next() after Release = (%v, %d)", loop, idx2)
	}
}

func TestLoopPoolThreadInitRunsOnEachSubLoop(t *testing.T) {
	// NewLoopPool starts sub-loops one at a time and each LoopThread.Start
	// blocks until that sub-loop's threadInit has already run, so no
	// synchronization is needed to observe count here.
	var count int
	p := NewLoopPool(3, RoundRobin, func(l *EventLoop) {
		count++
	})
	defer p.Stop()

	if count != 3 {
		t.Fatalf("thread init ran %d times, want 3", count)
	}
}
