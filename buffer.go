package greactor

import "golang.org/x/sys/unix"

// PREPEND is the number of bytes reserved at the front of every
// ByteBuffer so a fixed-size header can be prepended without a copy.
const PREPEND = 8

// initialSize is the buffer's starting capacity beyond the prepend
// reserve, matching the source's kInitialSize.
const initialSize = 1024

// spillSize is the scratch buffer ReadFromFD spills into when the
// writable region can't hold a burst in one syscall.
const spillSize = 65536

// ByteBuffer is a growable byte buffer partitioned by reader <= writer
// into prepend reserve / readable / writable regions. The zero value is
// not ready to use; call NewByteBuffer.
type ByteBuffer struct {
	buf    []byte
	reader int
	writer int
}

func NewByteBuffer() *ByteBuffer {
	return NewByteBufferSize(initialSize)
}

// NewByteBufferSize is NewByteBuffer with the writable region
// pre-sized to size bytes instead of the default initialSize, letting
// a Server avoid early reallocation when Options.ReadBufferSize hints
// at typical message size.
func NewByteBufferSize(size int) *ByteBuffer {
	if size <= 0 {
		size = initialSize
	}
	return &ByteBuffer{
		buf:    make([]byte, PREPEND+size),
		reader: PREPEND,
		writer: PREPEND,
	}
}

func (b *ByteBuffer) Readable() int    { return b.writer - b.reader }
func (b *ByteBuffer) Writable() int    { return len(b.buf) - b.writer }
func (b *ByteBuffer) Prependable() int { return b.reader }

// Peek borrows the readable region. The slice is invalidated by any
// subsequent mutator call.
func (b *ByteBuffer) Peek() []byte {
	return b.buf[b.reader:b.writer]
}

// Retrieve advances the read index by n, resetting both indices to
// PREPEND once the buffer has been fully drained.
func (b *ByteBuffer) Retrieve(n int) {
	if n < b.Readable() {
		b.reader += n
		return
	}
	b.RetrieveAll()
}

func (b *ByteBuffer) RetrieveAll() {
	b.reader = PREPEND
	b.writer = PREPEND
}

// RetrieveAllString copies the readable region out as a string and
// resets the buffer.
func (b *ByteBuffer) RetrieveAllString() string {
	s := string(b.Peek())
	b.RetrieveAll()
	return s
}

// EnsureWritable guarantees Writable() >= n, compacting in place when
// the prepend reserve plus trailing writable space is enough, else
// growing the backing slice.
func (b *ByteBuffer) EnsureWritable(n int) {
	if b.Writable() >= n {
		return
	}
	if b.Writable()+(b.reader-PREPEND) >= n {
		readable := b.Readable()
		copy(b.buf[PREPEND:], b.buf[b.reader:b.writer])
		b.reader = PREPEND
		b.writer = b.reader + readable
		return
	}
	buf := make([]byte, b.writer+n)
	copy(buf, b.buf)
	b.buf = buf
}

// Append copies p into the writable region, growing first if needed.
func (b *ByteBuffer) Append(p []byte) {
	b.EnsureWritable(len(p))
	copy(b.buf[b.writer:], p)
	b.writer += len(p)
}

// Prepend writes p immediately before the readable region, consuming
// the prepend reserve. Callers must have left enough room (PREPEND
// bytes suffice for the common fixed-size-header case).
func (b *ByteBuffer) Prepend(p []byte) {
	b.reader -= len(p)
	copy(b.buf[b.reader:], p)
}

// ReadFromFD performs one scatter read: the writable region plus a
// 65536-byte spill buffer, so a burst larger than the current writable
// space is never truncated or lost in a single syscall.
func (b *ByteBuffer) ReadFromFD(fd int) (int, error) {
	var spill [spillSize]byte
	writable := b.Writable()

	iovs := make([][]byte, 0, 2)
	iovs = append(iovs, b.buf[b.writer:])
	if writable < spillSize {
		iovs = append(iovs, spill[:])
	}

	n, err := unix.Readv(fd, iovs)
	if n < 0 {
		n = 0
	}
	if err != nil {
		return n, err
	}
	if n <= writable {
		b.writer += n
	} else {
		b.writer = len(b.buf)
		b.Append(spill[:n-writable])
	}
	return n, nil
}

// WriteToFD writes the readable region in one syscall. On success the
// caller is responsible for Retrieve(n).
func (b *ByteBuffer) WriteToFD(fd int) (int, error) {
	return unix.Write(fd, b.Peek())
}
