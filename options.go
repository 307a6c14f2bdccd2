package greactor

import "time"

// Options configures a Server before Start is called. The zero value is
// valid: no SO_REUSEPORT, keepalive left at the OS default idle timing,
// default high-water mark, and a single-loop server (every connection
// runs on the accept loop itself).
type Options struct {
	// ReusePort binds the listener with SO_REUSEPORT via go_reuseport
	// instead of plain net.Listen, letting multiple processes share the
	// same port.
	ReusePort bool

	// TCPKeepAlive tunes the idle interval before SO_KEEPALIVE probes
	// start. SO_KEEPALIVE itself is always enabled on every accepted
	// connection; zero leaves the idle interval at the OS default.
	TCPKeepAlive time.Duration

	// NumLoops is the size of the sub-loop pool connections are handed
	// off to. Zero (the default) keeps every connection on the accept
	// loop, matching a single-threaded reactor.
	NumLoops int

	// Balance selects how accepted connections are distributed across
	// the sub-loop pool. Ignored when NumLoops is zero.
	Balance Balance

	// HighWaterMark overrides DefaultHighWaterMark for every Connection
	// the Server creates.
	HighWaterMark int

	// ReadBufferSize hints the initial capacity of every Connection's
	// input ByteBuffer. Zero keeps the library default; the buffer
	// still grows past this on a larger read, this only avoids early
	// reallocation when typical message size is known ahead of time.
	ReadBufferSize int

	// ThreadInit, if set, runs once on each sub-loop's goroutine right
	// after its EventLoop is constructed and before it starts polling.
	ThreadInit func(*EventLoop)
}

func (o Options) highWaterMark() int {
	if o.HighWaterMark > 0 {
		return o.HighWaterMark
	}
	return DefaultHighWaterMark
}
