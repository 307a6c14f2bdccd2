package netfd

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// EventFd wraps a Linux eventfd(2) counter: a single-write/single-read
// 8-byte protocol used solely to force an in-progress epoll_wait to
// return promptly from another goroutine.
type EventFd struct {
	fd int
}

// NewEventFd creates a non-blocking, close-on-exec eventfd with an
// initial counter of zero.
func NewEventFd() (*EventFd, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &EventFd{fd: fd}, nil
}

func (e *EventFd) Fd() int { return e.fd }

// WriteEvent adds val to the kernel counter, waking any blocked reader.
func (e *EventFd) WriteEvent(val uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	_, err := unix.Write(e.fd, buf[:])
	return err
}

// ReadEvent drains the counter, returning its value and resetting it
// to zero.
func (e *EventFd) ReadEvent() (uint64, error) {
	var buf [8]byte
	n, err := unix.Read(e.fd, buf[:])
	if err != nil {
		return 0, err
	}
	if n != 8 {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (e *EventFd) Close() error {
	return unix.Close(e.fd)
}
