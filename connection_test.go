package greactor

import (
	"bytes"
	"runtime"
	"testing"
	"time"
)

func runningLoop(t *testing.T) *EventLoop {
	t.Helper()
	loop, err := NewEventLoop()
	if err != nil {
		t.Fatalf("new event loop: %v", err)
	}
	started := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		close(started)
		loop.Loop()
		_ = loop.Close()
		close(stopped)
	}()
	<-started
	t.Cleanup(func() {
		loop.Quit()
		<-stopped
	})
	return loop
}

func TestConnectionStateString(t *testing.T) {
	cases := map[State]string{
		StateConnecting:    "connecting",
		StateConnected:     "connected",
		StateDisconnecting: "disconnecting",
		StateDisconnected:  "disconnected",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestConnectionEchoRoundTrip(t *testing.T) {
	loop := runningLoop(t)
	server, client := socketPair(t)
	defer server.Close()
	defer client.Close()

	done := make(chan struct{})
	var conn *Connection
	loop.RunInLoop(func() {
		conn = NewConnection(loop, "test-echo", fileFd(t, server), nil, nil, 0)
		conn.SetMessageCallback(func(c *Connection, buf *ByteBuffer, _ time.Time) {
			c.Send([]byte(buf.RetrieveAllString()))
		})
		conn.establish()
		close(done)
	})
	<-done

	msg := []byte("ping")
	if _, err := client.Write(msg); err != nil {
		t.Fatalf("client write: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, len(msg))
	if _, err := readFull(client, buf); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if !bytes.Equal(buf, msg) {
		t.Fatalf("echoed %q, want %q", buf, msg)
	}
}

func TestConnectionHighWaterMarkFiresOnceAtEdge(t *testing.T) {
	loop := runningLoop(t)
	server, client := socketPair(t)
	defer server.Close()
	defer client.Close()

	const mark = 1024
	var fired []int
	done := make(chan struct{})

	var conn *Connection
	loop.RunInLoop(func() {
		conn = NewConnection(loop, "test-hwm", fileFd(t, server), nil, nil, 0)
		conn.SetHighWaterMarkCallback(func(c *Connection, n int) {
			fired = append(fired, n)
		}, mark)
		conn.establish()
		// Force sendInLoop's buffering path instead of its direct-write
		// fast path: with output already non-empty, sendInLoop never
		// attempts a raw write and the edge-crossing math is exercised
		// deterministically, independent of kernel socket buffer size.
		conn.output.Append(bytes.Repeat([]byte("a"), mark-10))
		conn.sendInLoop(bytes.Repeat([]byte("b"), 20))
		// sendInLoop posts the callback via QueueInLoop; queueing done
		// after it means the callback has run by the time done closes.
		loop.QueueInLoop(func() { close(done) })
	})
	<-done

	if len(fired) != 1 {
		t.Fatalf("high water mark callback fired %d times, want 1: %v", len(fired), fired)
	}
	if fired[0] != mark+10 {
		t.Fatalf("callback arg = %d, want %d", fired[0], mark+10)
	}

	// a second send that keeps output above mark must not re-fire.
	done2 := make(chan struct{})
	loop.RunInLoop(func() {
		// the loop may have drained output since; refill it above mark
		// so this send starts from above the mark.
		conn.output.Append(bytes.Repeat([]byte("a"), mark))
		conn.sendInLoop([]byte("more"))
		loop.QueueInLoop(func() { close(done2) })
	})
	<-done2
	if len(fired) != 1 {
		t.Fatalf("callback fired again while already above mark: %v", fired)
	}
}

func TestConnectionShutdownHalfClosesAfterDrain(t *testing.T) {
	loop := runningLoop(t)
	server, client := socketPair(t)
	defer server.Close()
	defer client.Close()

	done := make(chan struct{})
	var conn *Connection
	loop.RunInLoop(func() {
		conn = NewConnection(loop, "test-shutdown", fileFd(t, server), nil, nil, 0)
		conn.establish()
		close(done)
	})
	<-done

	conn.Send([]byte("bye"))
	conn.Shutdown()

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 3)
	if _, err := readFull(client, buf); err != nil {
		t.Fatalf("client read before half-close: %v", err)
	}
	if string(buf) != "bye" {
		t.Fatalf("got %q, want %q", buf, "bye")
	}

	// after shutdown, the peer should observe EOF on its next read.
	tail := make([]byte, 1)
	n, err := client.Read(tail)
	if n != 0 || err == nil {
		t.Fatalf("expected EOF after shutdown, got n=%d err=%v", n, err)
	}
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
