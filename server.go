package greactor

import (
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	reuseport "github.com/kavu/go_reuseport"

	"github.com/kevwan/greactor/internal/glog"
	"github.com/kevwan/greactor/internal/netfd"
)

// Server owns one listening socket, an accept Channel on its main loop,
// and (optionally) a LoopPool that accepted connections are handed off
// to. It is the library's top-level entry point, playing the role the
// source's TcpServer plays over Acceptor+EventLoop.
type Server struct {
	opts Options

	mainLoop *EventLoop
	pool     *LoopPool

	lnFD        int
	lnAddr      net.Addr
	lnFile      *os.File
	listenerNet net.Listener
	lnCh        *Channel

	mu    sync.Mutex
	conns map[string]connEntry
	next  uint64

	connectionCB ConnectionCallback
	messageCB    MessageCallback
	writeDoneCB  WriteCompleteCallback
	highWMCB     HighWaterMarkCallback

	started int32
}

type connEntry struct {
	conn    *Connection
	loopIdx int
}

// NewServer constructs a Server bound to addr ("host:port"). The
// listener is created and made non-blocking immediately; Start begins
// accepting.
func NewServer(addr string, opts Options) (*Server, error) {
	mainLoop, err := NewEventLoop()
	if err != nil {
		return nil, fmt.Errorf("greactor: new main loop: %w", err)
	}

	s := &Server{
		opts:     opts,
		mainLoop: mainLoop,
		conns:    make(map[string]connEntry),
	}

	if err := s.listen(addr); err != nil {
		mainLoop.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) listen(addr string) error {
	var ln net.Listener
	var err error
	if s.opts.ReusePort {
		ln, err = reuseport.Listen("tcp", addr)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("greactor: listen %s: %w", addr, err)
	}

	tl, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return fmt.Errorf("greactor: %s is not a TCP listener", addr)
	}
	f, err := tl.File()
	if err != nil {
		ln.Close()
		return fmt.Errorf("greactor: listener file: %w", err)
	}
	// File() duplicates the fd; the net.Listener and the dup are both
	// live from here and both must be closed at shutdown.
	fd := int(f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		f.Close()
		ln.Close()
		return fmt.Errorf("greactor: set nonblock: %w", err)
	}

	s.lnFD = fd
	s.lnAddr = ln.Addr()
	s.lnFile = f
	s.listenerNet = ln
	return nil
}

// SetConnectionCallback, SetMessageCallback, SetWriteCompleteCallback and
// SetHighWaterMarkCallback install the hooks every Connection accepted
// from here on will carry. Call before Start.
func (s *Server) SetConnectionCallback(cb ConnectionCallback)       { s.connectionCB = cb }
func (s *Server) SetMessageCallback(cb MessageCallback)             { s.messageCB = cb }
func (s *Server) SetWriteCompleteCallback(cb WriteCompleteCallback) { s.writeDoneCB = cb }
func (s *Server) SetHighWaterMarkCallback(cb HighWaterMarkCallback) { s.highWMCB = cb }

// SetThreadNum and SetThreadInitCallback set Options.NumLoops and
// Options.ThreadInit. Call before Start.
func (s *Server) SetThreadNum(n int)                        { s.opts.NumLoops = n }
func (s *Server) SetThreadInitCallback(cb func(*EventLoop)) { s.opts.ThreadInit = cb }

func (s *Server) Addr() net.Addr { return s.lnAddr }

// Start spins up the sub-loop pool (if configured), registers the
// accept Channel, and runs the main loop. It blocks until Stop is
// called from another goroutine, then returns ErrClosing.
func (s *Server) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return errors.New("greactor: server already started")
	}

	if s.opts.NumLoops > 0 {
		s.pool = NewLoopPool(s.opts.NumLoops, s.opts.Balance, s.opts.ThreadInit)
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s.lnCh = newChannel(s.mainLoop, s.lnFD)
	s.lnCh.OnRead = func(time.Time) { s.accept() }
	s.mainLoop.QueueInLoop(s.lnCh.EnableReading)

	glog.Infof("server: listening on %s", s.lnAddr)
	s.mainLoop.Loop()
	s.mainLoop.Close()
	return ErrClosing
}

// Stop posts forceClose for every connection, quits the main loop,
// stops every sub-loop, and releases the listener. Safe to call
// from any goroutine. It blocks until every connection's forceClose
// has been posted to its owning loop before tearing down the pool, so
// a Stop racing Start never leaves a sub-loop connection un-posted.
func (s *Server) Stop() {
	posted := make(chan struct{})
	s.mainLoop.RunInLoop(func() {
		s.lnCh.DisableAll()
		s.lnCh.Remove()

		s.mu.Lock()
		entries := make([]connEntry, 0, len(s.conns))
		for _, e := range s.conns {
			entries = append(entries, e)
		}
		s.mu.Unlock()

		for _, e := range entries {
			loop := e.conn.Loop()
			loop.RunInLoop(e.conn.forceClose)
		}
		close(posted)
	})
	<-posted
	s.mainLoop.Quit()

	if s.pool != nil {
		s.pool.Stop()
	}
	unix.Close(s.lnFD)
	if s.lnFile != nil {
		s.lnFile.Close()
	}
	if s.listenerNet != nil {
		s.listenerNet.Close()
	}
}

// accept runs on the main loop: it drains every pending connection off
// the listener (level-triggered epoll reports readiness until the
// backlog is empty) and hands each to a sub-loop.
func (s *Server) accept() {
	for {
		nfd, sa, err := unix.Accept(s.lnFD)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return
			}
			if errors.Is(err, unix.ECONNABORTED) {
				continue
			}
			glog.Errorf("server: accept: %v", err)
			return
		}
		if err := unix.SetNonblock(nfd, true); err != nil {
			glog.Errorf("server: set nonblock on accepted fd: %v", err)
			unix.Close(nfd)
			continue
		}
		s.dispatch(nfd, sa)
	}
}

func (s *Server) dispatch(fd int, sa unix.Sockaddr) {
	loop := s.mainLoop
	idx := -1
	if s.pool != nil {
		if l, i := s.pool.Next(); l != nil {
			loop, idx = l, i
		}
	}

	name := fmt.Sprintf("%s-%d", s.lnAddr, atomic.AddUint64(&s.next, 1))
	peer := netfd.SockaddrToAddr(sa)

	loop.RunInLoop(func() {
		s.newConnection(loop, name, fd, peer, idx)
	})
}

func (s *Server) newConnection(loop *EventLoop, name string, fd int, peer net.Addr, idx int) {
	conn := NewConnection(loop, name, fd, s.lnAddr, peer, s.opts.ReadBufferSize)
	conn.highWaterMark = s.opts.highWaterMark()
	conn.SetConnectionCallback(s.connectionCB)
	conn.SetMessageCallback(s.messageCB)
	conn.SetWriteCompleteCallback(s.writeDoneCB)
	conn.SetHighWaterMarkCallback(s.highWMCB, conn.highWaterMark)

	if err := netfd.SetKeepAlive(fd, int(s.opts.TCPKeepAlive/time.Second)); err != nil {
		glog.Errorf("server: keepalive on %s: %v", name, err)
	}

	conn.setCloseCallback(func(c *Connection) {
		s.removeConnection(c.Name(), idx)
	})

	s.mu.Lock()
	s.conns[name] = connEntry{conn: conn, loopIdx: idx}
	s.mu.Unlock()

	conn.establish()
}

func (s *Server) removeConnection(name string, idx int) {
	s.mu.Lock()
	e, ok := s.conns[name]
	delete(s.conns, name)
	s.mu.Unlock()
	if !ok {
		return
	}
	if s.pool != nil && idx >= 0 {
		s.pool.Release(idx)
	}
	e.conn.Loop().QueueInLoop(e.conn.destroy)
}
