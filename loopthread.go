package greactor

import (
	"runtime"
	"sync"

	"github.com/kevwan/greactor/internal/glog"
)

// LoopThread owns exactly one EventLoop, running on a goroutine pinned
// to its own OS thread via runtime.LockOSThread — the idiomatic Go
// substitute for the source's std::thread-backed EventLoopThread, and
// what makes EventLoop.IsInLoopThread's unix.Gettid comparison correct.
type LoopThread struct {
	threadInit func(*EventLoop)

	mu      sync.Mutex
	cond    *sync.Cond
	loop    *EventLoop
	exiting bool
	done    chan struct{}
}

func NewLoopThread(threadInit func(*EventLoop)) *LoopThread {
	t := &LoopThread{threadInit: threadInit, done: make(chan struct{})}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Start spawns the worker goroutine and blocks until its EventLoop has
// been constructed and published, then returns it. The returned
// pointer is valid until Stop returns.
func (t *LoopThread) Start() *EventLoop {
	go t.threadFunc()

	t.mu.Lock()
	for t.loop == nil {
		t.cond.Wait()
	}
	loop := t.loop
	t.mu.Unlock()
	return loop
}

func (t *LoopThread) threadFunc() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(t.done)

	loop, err := NewEventLoop()
	if err != nil {
		glog.Fatalf("loopthread: new event loop: %v", err)
		return
	}

	if t.threadInit != nil {
		t.threadInit(loop)
	}

	t.mu.Lock()
	t.loop = loop
	t.cond.Signal()
	t.mu.Unlock()

	loop.Loop()
	loop.Close()
}

// Stop requests the owned loop to quit and waits for its goroutine to
// exit.
func (t *LoopThread) Stop() {
	t.mu.Lock()
	t.exiting = true
	loop := t.loop
	t.mu.Unlock()

	if loop != nil {
		loop.Quit()
	}
	<-t.done
}
