package greactor

import (
	"errors"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kevwan/greactor/internal/glog"
	"github.com/kevwan/greactor/internal/netfd"
)

// DefaultHighWaterMark is the output-buffer backpressure threshold
// applied to every new Connection, matching the source's 64 MiB.
const DefaultHighWaterMark = 64 * 1024 * 1024

// State is a Connection's position in its lifecycle state machine.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ConnectionCallback, MessageCallback and friends are the user-facing
// per-connection hooks a Server installs on every Connection it hands
// out.
type ConnectionCallback func(*Connection)
type MessageCallback func(*Connection, *ByteBuffer, time.Time)
type WriteCompleteCallback func(*Connection)
type HighWaterMarkCallback func(*Connection, int)
type CloseCallback func(*Connection)

// Connection is one TCP connection's state machine, I/O buffers, and
// callback dispatch. It is created on accept in StateConnecting and
// must be established on its owning EventLoop before any data flows.
type Connection struct {
	loop *EventLoop
	name string
	fd   int
	ch   *Channel

	local net.Addr
	peer  net.Addr
	state int32 // State, accessed atomically so Send (any goroutine) can read it

	input  *ByteBuffer
	output *ByteBuffer

	highWaterMark int

	connectionCB ConnectionCallback
	messageCB    MessageCallback
	writeDoneCB  WriteCompleteCallback
	highWMCB     HighWaterMarkCallback
	closeCB      CloseCallback // server-installed, removes conn from its map

	ctx interface{}
}

// NewConnection wraps an already-accepted, non-blocking fd. The
// Connection starts in StateConnecting; call establish on loop's
// goroutine to activate it. readBufferSize, when positive, presizes
// the input buffer (see NewByteBufferSize); zero keeps the default.
func NewConnection(loop *EventLoop, name string, fd int, local, peer net.Addr, readBufferSize int) *Connection {
	c := &Connection{
		loop:          loop,
		name:          name,
		fd:            fd,
		local:         local,
		peer:          peer,
		state:         int32(StateConnecting),
		input:         NewByteBufferSize(readBufferSize),
		output:        NewByteBuffer(),
		highWaterMark: DefaultHighWaterMark,
	}
	c.ch = newChannel(loop, fd)
	c.ch.OnRead = c.handleRead
	c.ch.OnWrite = c.handleWrite
	c.ch.OnClose = c.handleClose
	c.ch.OnError = c.handleError
	return c
}

func (c *Connection) Name() string             { return c.name }
func (c *Connection) LocalAddr() net.Addr      { return c.local }
func (c *Connection) RemoteAddr() net.Addr     { return c.peer }
func (c *Connection) Loop() *EventLoop         { return c.loop }
func (c *Connection) Context() interface{}     { return c.ctx }
func (c *Connection) SetContext(v interface{}) { c.ctx = v }

func (c *Connection) State() State     { return State(atomic.LoadInt32(&c.state)) }
func (c *Connection) setState(s State) { atomic.StoreInt32(&c.state, int32(s)) }

func (c *Connection) SetConnectionCallback(cb ConnectionCallback)       { c.connectionCB = cb }
func (c *Connection) SetMessageCallback(cb MessageCallback)             { c.messageCB = cb }
func (c *Connection) SetWriteCompleteCallback(cb WriteCompleteCallback) { c.writeDoneCB = cb }
func (c *Connection) setCloseCallback(cb CloseCallback)                 { c.closeCB = cb }

// SetHighWaterMarkCallback installs cb, fired exactly once each time
// the output buffer's readable size crosses waterMark from below.
func (c *Connection) SetHighWaterMarkCallback(cb HighWaterMarkCallback, waterMark int) {
	c.highWMCB = cb
	c.highWaterMark = waterMark
}

// establish runs on the owning loop: the connection becomes Connected,
// ties its Channel, enables read interest, and reports up.
func (c *Connection) establish() {
	c.loop.assertInLoop("Connection.establish")
	c.setState(StateConnected)
	c.ch.Tie(c)
	c.ch.EnableReading()
	if c.connectionCB != nil {
		c.connectionCB(c)
	}
}

// destroy runs on the owning loop: if still Connected it transitions
// down and reports once, then always removes the Channel from the
// Demultiplexer and only after that closes the fd.
func (c *Connection) destroy() {
	c.loop.assertInLoop("Connection.destroy")
	if c.State() == StateConnected {
		c.setState(StateDisconnected)
		c.ch.DisableAll()
		if c.connectionCB != nil {
			c.connectionCB(c)
		}
	}
	c.ch.Untie()
	c.ch.Remove()
	if err := unix.Close(c.fd); err != nil {
		glog.Errorf("connection %s: close fd=%d: %v", c.name, c.fd, err)
	}
}

// Send is safe from any goroutine. Bytes are copied when crossing to
// the owning loop so the caller's slice can be reused immediately.
func (c *Connection) Send(b []byte) {
	if c.State() != StateConnected {
		return
	}
	if c.loop.IsInLoopThread() {
		c.sendInLoop(b)
		return
	}
	cp := append([]byte(nil), b...)
	c.loop.RunInLoop(func() { c.sendInLoop(cp) })
}

func (c *Connection) sendInLoop(data []byte) {
	c.loop.assertInLoop("Connection.sendInLoop")
	if c.State() == StateDisconnected {
		glog.Errorf("connection %s: disconnected, give up writing", c.name)
		return
	}

	var nwrote int
	remaining := len(data)
	faultError := false

	if !c.ch.IsWriting() && c.output.Readable() == 0 {
		n, err := unix.Write(c.fd, data)
		switch {
		case err == nil:
			nwrote = n
			remaining = len(data) - n
			if remaining == 0 && c.writeDoneCB != nil {
				c.loop.QueueInLoop(func() { c.writeDoneCB(c) })
			}
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK):
			nwrote = 0
		case errors.Is(err, unix.EPIPE), errors.Is(err, unix.ECONNRESET):
			faultError = true
		default:
			glog.Errorf("connection %s: write: %v", c.name, err)
		}
	}

	if !faultError && remaining > 0 {
		oldLen := c.output.Readable()
		if oldLen < c.highWaterMark && oldLen+remaining >= c.highWaterMark && c.highWMCB != nil {
			newLen := oldLen + remaining
			c.loop.QueueInLoop(func() { c.highWMCB(c, newLen) })
		}
		c.output.Append(data[nwrote:])
		if !c.ch.IsWriting() {
			c.ch.EnableWriting()
		}
	}
}

// handleRead is the Channel's read callback: it pulls as much as the
// kernel has buffered into the input ByteBuffer in one syscall and
// hands it to the user's message callback.
func (c *Connection) handleRead(ts time.Time) {
	n, err := c.input.ReadFromFD(c.fd)
	switch {
	case err == nil && n > 0:
		if c.messageCB != nil {
			c.messageCB(c, c.input, ts)
		}
	case err == nil && n == 0:
		c.handleClose()
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK):
		// spurious wakeup under level-triggered epoll; nothing to do
	default:
		glog.Errorf("connection %s: read: %v", c.name, err)
		c.handleError()
	}
}

// handleWrite is the Channel's write callback: it drains as much of
// the output buffer as the kernel will currently accept.
func (c *Connection) handleWrite() {
	if !c.ch.IsWriting() {
		glog.Errorf("connection %s: fd=%d is down, no more writing", c.name, c.fd)
		return
	}
	n, err := c.output.WriteToFD(c.fd)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return
		}
		glog.Errorf("connection %s: write: %v", c.name, err)
		return
	}
	c.output.Retrieve(n)
	if c.output.Readable() == 0 {
		c.ch.DisableWriting()
		if c.writeDoneCB != nil {
			c.loop.QueueInLoop(func() { c.writeDoneCB(c) })
		}
		if c.State() == StateDisconnecting {
			c.shutdownInLoop()
		}
	}
}

// handleClose fires on EOF or HANGUP: it reports the down-transition
// exactly once, then defers to the server-installed close callback,
// which removes the connection from the server's map and posts
// destroy back onto this loop.
func (c *Connection) handleClose() {
	glog.Infof("connection %s: closing, fd=%d state=%s", c.name, c.fd, c.State())
	if c.State() == StateDisconnected {
		return
	}
	c.setState(StateDisconnected)
	c.ch.DisableAll()

	if c.connectionCB != nil {
		c.connectionCB(c)
	}
	if c.closeCB != nil {
		c.closeCB(c)
	}
}

// handleError only logs (Open Question (b), preserved): SO_ERROR is
// informational, and a subsequent read observing zero/negative is what
// actually drives teardown.
func (c *Connection) handleError() {
	err := netfd.SocketError(c.fd)
	glog.Errorf("connection %s: SO_ERROR: %v", c.name, err)
}

// Shutdown half-closes the write side once any queued output drains;
// reads remain open until the peer closes too.
func (c *Connection) Shutdown() {
	if c.State() == StateConnected {
		c.setState(StateDisconnecting)
		c.loop.RunInLoop(c.shutdownInLoop)
	}
}

func (c *Connection) shutdownInLoop() {
	c.loop.assertInLoop("Connection.shutdownInLoop")
	if !c.ch.IsWriting() {
		if err := netfd.ShutdownWrite(c.fd); err != nil {
			glog.Errorf("connection %s: shutdown(SHUT_WR): %v", c.name, err)
		}
	}
}

// forceClose is invoked by the server at process shutdown to tear down
// every still-open connection without waiting on output drain.
func (c *Connection) forceClose() {
	if c.State() == StateConnected || c.State() == StateDisconnecting {
		c.handleClose()
	}
}
