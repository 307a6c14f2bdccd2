package greactor

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kevwan/greactor/internal/glog"
	"github.com/kevwan/greactor/internal/netfd"
)

// defaultPollTimeout is the source's 10s epoll_wait timeout. The core
// has no timer facility, so any value >= 1s is behaviorally equivalent
// (Open Question (a)); 10s is kept to match the source.
const defaultPollTimeout = 10 * time.Second

// EventLoop is a single-threaded reactor: it owns one Poller and a
// cross-goroutine pending-task queue, and runs until Quit is called.
// Every method except QueueInLoop/RunInLoop/Quit must be called from
// the goroutine that called Loop.
type EventLoop struct {
	tid int32 // owning OS thread id, cached by Loop via unix.Gettid

	poller *netfd.Poller
	active []netfd.Handle

	wakeup     *netfd.EventFd
	wakeupChan *Channel

	mu      sync.Mutex
	pending []func()

	callingPendingTasks int32
	quit                int32
}

// NewEventLoop constructs a loop and registers its wakeup eventfd.
// Starting the poller loop happens in Loop, which must run on the
// goroutine that will own this EventLoop from here on.
func NewEventLoop() (*EventLoop, error) {
	poller, err := netfd.OpenPoller()
	if err != nil {
		return nil, err
	}
	wakeup, err := netfd.NewEventFd()
	if err != nil {
		poller.Close()
		return nil, err
	}

	loop := &EventLoop{poller: poller, wakeup: wakeup}
	loop.wakeupChan = newChannel(loop, wakeup.Fd())
	loop.wakeupChan.OnRead = func(time.Time) {
		if _, err := loop.wakeup.ReadEvent(); err != nil {
			glog.Errorf("eventloop: drain wakeup fd: %v", err)
		}
	}
	return loop, nil
}

// Loop runs the reactor until Quit is observed. It must be called
// exactly once, from the goroutine that is to own this EventLoop.
// Running a second EventLoop on a thread that already runs one is a
// programmer contract violation (§5) and is fatal.
func (l *EventLoop) Loop() {
	l.tid = gettid()
	if !claimThread(l.tid) {
		glog.Fatalf("eventloop: thread %d already owns an EventLoop", l.tid)
	}
	defer releaseThread(l.tid)

	l.wakeupChan.EnableReading()

	glog.Infof("eventloop: starting, tid=%d", l.tid)
	for atomic.LoadInt32(&l.quit) == 0 {
		l.active = l.active[:0]
		now := l.poller.Poll(defaultPollTimeout, &l.active)
		for _, h := range l.active {
			if ch, ok := h.(*Channel); ok {
				ch.HandleEvent(now)
			}
		}
		l.doPendingTasks()
	}
	glog.Infof("eventloop: stopping, tid=%d", l.tid)
}

// Quit asks the loop to stop. Safe from any goroutine; if called off
// the owning goroutine it forces the blocked Poll to return promptly.
func (l *EventLoop) Quit() {
	atomic.StoreInt32(&l.quit, 1)
	if !l.IsInLoopThread() {
		l.wake()
	}
}

// IsInLoopThread reports whether the caller is running on the OS
// thread this loop owns, the Go analogue of CurrentThread::tid()
// comparisons in the source.
func (l *EventLoop) IsInLoopThread() bool {
	return gettid() == atomic.LoadInt32(&l.tid)
}

// RunInLoop runs task on the loop goroutine, inline if already there,
// else posted via QueueInLoop.
func (l *EventLoop) RunInLoop(task func()) {
	if l.IsInLoopThread() {
		task()
		return
	}
	l.QueueInLoop(task)
}

// QueueInLoop appends task to the pending queue, waking the loop if
// the caller isn't on the loop goroutine or if the loop is mid-drain
// (a task queued from inside another task's execution must still run
// promptly, since the drain already snapshotted the queue under lock).
func (l *EventLoop) QueueInLoop(task func()) {
	l.mu.Lock()
	l.pending = append(l.pending, task)
	l.mu.Unlock()

	if !l.IsInLoopThread() || atomic.LoadInt32(&l.callingPendingTasks) == 1 {
		l.wake()
	}
}

func (l *EventLoop) wake() {
	if err := l.wakeup.WriteEvent(1); err != nil {
		glog.Errorf("eventloop: wake: %v", err)
	}
}

func (l *EventLoop) doPendingTasks() {
	l.mu.Lock()
	tasks := l.pending
	l.pending = nil
	l.mu.Unlock()

	atomic.StoreInt32(&l.callingPendingTasks, 1)
	for _, task := range tasks {
		task()
	}
	atomic.StoreInt32(&l.callingPendingTasks, 0)
}

// UpdateChannel and RemoveChannel forward to the Poller; both assert
// loop affinity since mutating the poll set off-loop is a programmer
// contract violation (§5).
func (l *EventLoop) UpdateChannel(ch *Channel) {
	l.assertInLoop("UpdateChannel")
	l.poller.UpdateChannel(ch)
}

func (l *EventLoop) RemoveChannel(ch *Channel) {
	l.assertInLoop("RemoveChannel")
	l.poller.RemoveChannel(ch)
}

func (l *EventLoop) HasChannel(fd int) bool {
	l.assertInLoop("HasChannel")
	return l.poller.HasChannel(fd)
}

func (l *EventLoop) assertInLoop(op string) {
	if !l.IsInLoopThread() {
		glog.Fatalf("eventloop: %s called from non-owning thread (owner tid=%d, caller tid=%d)",
			op, atomic.LoadInt32(&l.tid), gettid())
	}
}

// Close releases the loop's Poller and wakeup eventfd. Call only after
// Loop has returned.
func (l *EventLoop) Close() error {
	l.wakeupChan.DisableAll()
	l.wakeupChan.Remove()
	if err := l.wakeup.Close(); err != nil {
		return err
	}
	return l.poller.Close()
}

func gettid() int32 {
	return int32(unix.Gettid())
}

// loopOwners tracks which OS threads currently run an EventLoop, the
// runtime check behind "exactly one EventLoop per thread".
var loopOwners sync.Map // int32 -> struct{}

func claimThread(tid int32) bool {
	_, loaded := loopOwners.LoadOrStore(tid, struct{}{})
	return !loaded
}

func releaseThread(tid int32) {
	loopOwners.Delete(tid)
}
