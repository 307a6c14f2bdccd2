package greactor

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kevwan/greactor/internal/netfd"
)

// Interest is the fd readiness bitset a Channel asks the loop to watch
// for, independent of the kernel's own epoll bit layout.
type Interest uint32

const (
	IntrNone  Interest = 0
	IntrRead  Interest = 1 << 0
	IntrWrite Interest = 1 << 1
)

// Channel binds one fd's interest set and readiness callbacks to a
// single EventLoop. It does not own the fd (the Connection's socket
// does) and must be removed from the loop's Demultiplexer before its
// owner tears the fd down.
type Channel struct {
	loop *EventLoop
	fd   int

	interest Interest
	revents  uint32
	reg      netfd.Registration

	// tied/hasTie implement the tie: a non-owning back-reference to
	// the owning Connection, checked at the top of every HandleEvent
	// dispatch so the loop can detect a Connection that was torn down
	// earlier in the same poll batch. Go's GC makes a literal weak
	// pointer unnecessary here: the hazard is stale dispatch ordering,
	// not premature collection, so a plain pointer cleared at
	// teardown is sufficient.
	hasTie bool
	tied   atomic.Pointer[Connection]

	OnRead  func(ts time.Time)
	OnWrite func()
	OnClose func()
	OnError func()
}

func newChannel(loop *EventLoop, fd int) *Channel {
	return &Channel{loop: loop, fd: fd, reg: netfd.RegNew}
}

func (c *Channel) Fd() int           { return c.fd }
func (c *Channel) Interest() Interest { return c.interest }

// Tie pins the Channel's back-reference to conn for the lifetime of the
// connection; cleared by Untie at teardown.
func (c *Channel) Tie(conn *Connection) { c.hasTie = true; c.tied.Store(conn) }
func (c *Channel) Untie()               { c.tied.Store(nil) }

func (c *Channel) EnableReading()  { c.interest |= IntrRead; c.update() }
func (c *Channel) DisableReading() { c.interest &^= IntrRead; c.update() }
func (c *Channel) EnableWriting()  { c.interest |= IntrWrite; c.update() }
func (c *Channel) DisableWriting() { c.interest &^= IntrWrite; c.update() }
func (c *Channel) DisableAll()     { c.interest = IntrNone; c.update() }

func (c *Channel) IsNoneEvent() bool { return c.interest == IntrNone }
func (c *Channel) IsWriting() bool   { return c.interest&IntrWrite != 0 }
func (c *Channel) IsReading() bool   { return c.interest&IntrRead != 0 }

func (c *Channel) update() { c.loop.UpdateChannel(c) }

// Remove detaches the Channel from its loop's Demultiplexer. Must be
// called with interest already disabled, matching TcpConnection's
// disableAll-then-remove ordering in destroy().
func (c *Channel) Remove() { c.loop.RemoveChannel(c) }

// netfd.Handle implementation.

func (c *Channel) Registration() netfd.Registration    { return c.reg }
func (c *Channel) SetRegistration(r netfd.Registration) { c.reg = r }
func (c *Channel) SetRevents(events uint32)            { c.revents = events }

// EpollEvents translates the Channel's abstract interest into the raw
// epoll bitmask the Poller registers.
func (c *Channel) EpollEvents() uint32 {
	var ev uint32
	if c.interest&IntrRead != 0 {
		ev |= unix.EPOLLIN | unix.EPOLLPRI
	}
	if c.interest&IntrWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// HandleEvent dispatches revents to the appropriate callback. If a tie
// was set and the tied Connection is gone, the event is silently
// dropped: the Connection's teardown already disabled all interest and
// removed the Channel, so a dispatch arriving anyway is a stale batch
// entry from the same poll cycle.
func (c *Channel) HandleEvent(ts time.Time) {
	if c.hasTie && c.tied.Load() == nil {
		return
	}

	revents := c.revents
	switch {
	case revents&unix.EPOLLHUP != 0 && revents&unix.EPOLLIN == 0:
		if c.OnClose != nil {
			c.OnClose()
		}
		return
	}
	if revents&unix.EPOLLERR != 0 {
		if c.OnError != nil {
			c.OnError()
		}
	}
	if revents&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
		if c.OnRead != nil {
			c.OnRead(ts)
		}
	}
	if revents&unix.EPOLLOUT != 0 {
		if c.OnWrite != nil {
			c.OnWrite()
		}
	}
}
