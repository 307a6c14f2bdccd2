package greactor

import (
	"runtime"
	"sync"
	"testing"
	"time"
)

// newTestLoop returns an EventLoop whose tid is pinned to the calling
// goroutine without spinning up the full Loop/LoopThread machinery, so
// a single-threaded test can exercise Channel/EventLoop methods that
// assert loop affinity. It bypasses the loopOwners registry since it
// never runs Loop itself.
func newTestLoop(t *testing.T) *EventLoop {
	t.Helper()
	loop, err := NewEventLoop()
	if err != nil {
		t.Fatalf("new event loop: %v", err)
	}
	runtime.LockOSThread()
	t.Cleanup(runtime.UnlockOSThread)
	loop.tid = gettid()
	t.Cleanup(func() {
		_ = loop.Close()
	})
	return loop
}

func TestEventLoopIsInLoopThread(t *testing.T) {
	loop := newTestLoop(t)
	if !loop.IsInLoopThread() {
		t.Fatal("IsInLoopThread should be true on the pinning goroutine")
	}

	done := make(chan bool, 1)
	go func() { done <- loop.IsInLoopThread() }()
	if <-done {
		t.Fatal("IsInLoopThread should be false from another goroutine/thread")
	}
}

func TestEventLoopRunInLoopInlineWhenOnLoop(t *testing.T) {
	loop := newTestLoop(t)
	var ran bool
	loop.RunInLoop(func() { ran = true })
	if !ran {
		t.Fatal("RunInLoop should execute inline on the loop goroutine")
	}
}

func TestEventLoopLifecycleRunsQueuedTasks(t *testing.T) {
	loop, err := NewEventLoop()
	if err != nil {
		t.Fatalf("new event loop: %v", err)
	}

	var (
		mu  sync.Mutex
		got []int
	)
	started := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		close(started)
		loop.Loop()
		close(stopped)
	}()
	<-started

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		loop.QueueInLoop(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()

	loop.Quit()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop after Quit")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 5 {
		t.Fatalf("ran %d queued tasks, want 5", len(got))
	}
}

func TestEventLoopDuplicateOwnerIsRejectedByLoopOwners(t *testing.T) {
	tid := gettid()
	if !claimThread(tid) {
		t.Fatal("first claim on an unowned tid should succeed")
	}
	defer releaseThread(tid)

	if claimThread(tid) {
		releaseThread(tid)
		t.Fatal("second claim on an already-owned tid should fail")
	}
}
