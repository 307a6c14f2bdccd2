package greactor

import "sync/atomic"

// Balance selects how LoopPool.Next distributes accepted connections
// across sub-loops.
type Balance int

const (
	// RoundRobin cycles through sub-loops in order.
	RoundRobin Balance = iota
	// LeastConnections picks the sub-loop with the fewest active
	// connections, tracked via each loop's atomic counter.
	LeastConnections
)

// LoopPool is a fixed set of LoopThreads plus a selector used to
// distribute accepted connections. A pool of size 0 means "run
// everything on the caller's loop" — Server falls back to its main
// loop in that case.
type LoopPool struct {
	balance Balance
	threads []*LoopThread
	loops   []*EventLoop
	counts  []int32
	cursor  uint64
}

// NewLoopPool starts n LoopThreads (n may be 0) and returns once every
// sub-loop has published its EventLoop.
func NewLoopPool(n int, balance Balance, threadInit func(*EventLoop)) *LoopPool {
	p := &LoopPool{balance: balance}
	if n <= 0 {
		return p
	}
	p.threads = make([]*LoopThread, n)
	p.loops = make([]*EventLoop, n)
	p.counts = make([]int32, n)
	for i := 0; i < n; i++ {
		t := NewLoopThread(threadInit)
		p.threads[i] = t
		p.loops[i] = t.Start()
	}
	return p
}

// Size reports the number of sub-loops (0 means "no pool").
func (p *LoopPool) Size() int { return len(p.loops) }

// Next selects the sub-loop to hand the next accepted connection to,
// along with an index used to track that loop's connection count.
// Callers must call Release(idx) when the connection it was handed to
// is torn down, to keep LeastConnections balancing accurate.
func (p *LoopPool) Next() (loop *EventLoop, idx int) {
	if len(p.loops) == 0 {
		return nil, -1
	}
	switch p.balance {
	case LeastConnections:
		idx = 0
		min := atomic.LoadInt32(&p.counts[0])
		for i := 1; i < len(p.counts); i++ {
			if c := atomic.LoadInt32(&p.counts[i]); c < min {
				min, idx = c, i
			}
		}
	default: // RoundRobin
		idx = int(atomic.AddUint64(&p.cursor, 1)-1) % len(p.loops)
	}
	atomic.AddInt32(&p.counts[idx], 1)
	return p.loops[idx], idx
}

// Release decrements the connection counter tracked for idx, as
// returned by Next.
func (p *LoopPool) Release(idx int) {
	if idx < 0 || idx >= len(p.counts) {
		return
	}
	atomic.AddInt32(&p.counts[idx], -1)
}

// Stop quits and joins every sub-loop thread.
func (p *LoopPool) Stop() {
	for _, t := range p.threads {
		t.Stop()
	}
}
