// Package netfd holds the Linux-specific kernel plumbing the reactor core
// is built on: the epoll demultiplexer, the eventfd wakeup primitive, and
// the handful of socket option/address helpers Connection and Server need.
// Nothing above this package touches a raw file descriptor directly.
package netfd

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/kevwan/greactor/internal/glog"
)

// Registration mirrors EPollPoller's kNew/kAdded/kDeleted index: whether
// a Handle's fd is currently known to the kernel poll set.
type Registration int

const (
	RegNew Registration = iota
	RegAdded
	RegDeleted
)

// Handle is the subset of Channel the Poller needs: enough to translate
// interest changes into epoll_ctl calls and to hand readiness back.
type Handle interface {
	Fd() int
	EpollEvents() uint32
	Registration() Registration
	SetRegistration(Registration)
	SetRevents(events uint32)
}

const initEventListSize = 16

// Poller wraps one epoll instance. It is not safe for concurrent use;
// every method must be called from the owning EventLoop's goroutine.
type Poller struct {
	epfd     int
	events   []unix.EpollEvent
	channels map[int]Handle
}

func OpenPoller() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Poller{
		epfd:     epfd,
		events:   make([]unix.EpollEvent, initEventListSize),
		channels: make(map[int]Handle),
	}, nil
}

// Poll blocks up to timeout waiting for readiness, appending every ready
// Handle to active. It never returns an error: transient failures are
// logged and leave active untouched, matching the source's "log and
// return an empty batch" behavior for non-EINTR negative returns.
func (p *Poller) Poll(timeout time.Duration, active *[]Handle) time.Time {
	ms := int(timeout / time.Millisecond)
	n, err := unix.EpollWait(p.epfd, p.events, ms)
	now := time.Now()
	switch {
	case n > 0:
		for i := 0; i < n; i++ {
			h, ok := p.channels[int(p.events[i].Fd)]
			if !ok {
				continue
			}
			h.SetRevents(p.events[i].Events)
			*active = append(*active, h)
		}
		if n == len(p.events) {
			p.events = make([]unix.EpollEvent, len(p.events)*2)
		}
	case n == 0:
		// timeout, nothing ready
	default:
		if err != unix.EINTR {
			glog.Errorf("netfd: epoll_wait: %v", err)
		}
	}
	return now
}

// UpdateChannel translates a Handle's current interest into an
// epoll_ctl ADD/MOD/DEL, per Channel's registration state.
func (p *Poller) UpdateChannel(h Handle) {
	switch h.Registration() {
	case RegNew, RegDeleted:
		if h.Registration() == RegNew {
			p.channels[h.Fd()] = h
		}
		h.SetRegistration(RegAdded)
		p.ctl(unix.EPOLL_CTL_ADD, h)
	default:
		if h.EpollEvents() == 0 {
			p.ctl(unix.EPOLL_CTL_DEL, h)
			h.SetRegistration(RegDeleted)
		} else {
			p.ctl(unix.EPOLL_CTL_MOD, h)
		}
	}
}

// RemoveChannel erases h from the poll set entirely; h must not be
// touched again until a fresh UpdateChannel re-adds it.
func (p *Poller) RemoveChannel(h Handle) {
	delete(p.channels, h.Fd())
	if h.Registration() == RegAdded {
		p.ctl(unix.EPOLL_CTL_DEL, h)
	}
	h.SetRegistration(RegNew)
}

func (p *Poller) HasChannel(fd int) bool {
	_, ok := p.channels[fd]
	return ok
}

func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}

// ctl issues one epoll_ctl call. DEL failures are tolerated (the fd may
// already be gone from the kernel's perspective); ADD/MOD failures
// indicate the poll set has diverged from the kernel's view and are
// unrecoverable.
func (p *Poller) ctl(op int, h Handle) {
	ev := unix.EpollEvent{Events: h.EpollEvents(), Fd: int32(h.Fd())}
	err := unix.EpollCtl(p.epfd, op, h.Fd(), &ev)
	if err == nil {
		return
	}
	if op == unix.EPOLL_CTL_DEL {
		glog.Errorf("netfd: epoll_ctl del fd=%d: %v", h.Fd(), err)
		return
	}
	glog.Fatalf("netfd: epoll_ctl add/mod fd=%d events=%d: %v", h.Fd(), ev.Events, err)
}
