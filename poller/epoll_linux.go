//go:build linux

package poller

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/dreamans/evreactor/util"
)

var wakeWriteBytes = func() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, 1)
	return b
}()

type Epoll struct {
	fd      int
	eventFd int
	events  []unix.EpollEvent
	ready   []int
	closed  util.AtomicBool
}

func New(maxEvents int) (Poller, error) {
	return EpollCreate(maxEvents)
}

func EpollCreate(maxEvents int) (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	maxEvents = normalizeMaxEvents(maxEvents)
	ep := &Epoll{
		fd:      fd,
		eventFd: efd,
		events:  make([]unix.EpollEvent, maxEvents),
		ready:   make([]int, 0, maxEvents),
	}

	// the wake channel is never read, so once written it stays ready
	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(efd)}
	if err := unix.EpollCtl(fd, unix.EPOLL_CTL_ADD, efd, ev); err != nil {
		_ = unix.Close(efd)
		_ = unix.Close(fd)
		return nil, err
	}

	return ep, nil
}

func (ep *Epoll) Arm(fd int, flags Flags) error {
	return ep.ctl(unix.EPOLL_CTL_ADD, fd, flags)
}

func (ep *Epoll) Rearm(fd int, flags Flags) error {
	return ep.ctl(unix.EPOLL_CTL_MOD, fd, flags)
}

func (ep *Epoll) Disarm(fd int) error {
	if ep.closed.IsSet() {
		return ErrClosed
	}
	return unix.EpollCtl(ep.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (ep *Epoll) Wait() ([]int, error) {
	if ep.closed.IsSet() {
		return nil, ErrClosed
	}

	n, err := unix.EpollWait(ep.fd, ep.events, -1)
	if err != nil {
		if util.TemporaryErr(err) {
			return ep.ready[:0], nil
		}
		return nil, err
	}

	ready := ep.ready[:0]
	for i := 0; i < n; i++ {
		fd := int(ep.events[i].Fd)
		if fd == ep.eventFd {
			continue
		}
		ready = append(ready, fd)
	}
	ep.ready = ready
	return ready, nil
}

func (ep *Epoll) Wake() error {
	if ep.closed.IsSet() {
		return ErrClosed
	}
	_, err := unix.Write(ep.eventFd, wakeWriteBytes)
	if err == unix.EAGAIN {
		// counter saturated, the channel is already ready
		return nil
	}
	return err
}

func (ep *Epoll) Close() error {
	if !ep.closed.CompareAndSet(false, true) {
		return ErrClosed
	}
	if err := unix.EpollCtl(ep.fd, unix.EPOLL_CTL_DEL, ep.eventFd, nil); err != nil {
		_ = unix.Close(ep.eventFd)
		_ = unix.Close(ep.fd)
		return err
	}
	if err := unix.Close(ep.eventFd); err != nil {
		_ = unix.Close(ep.fd)
		return err
	}
	return unix.Close(ep.fd)
}

func (ep *Epoll) ctl(op int, fd int, flags Flags) error {
	if ep.closed.IsSet() {
		return ErrClosed
	}
	if fd == ep.eventFd {
		return unix.EEXIST
	}
	ev := &unix.EpollEvent{
		Events: uint32(flags),
		Fd:     int32(fd),
	}
	return unix.EpollCtl(ep.fd, op, fd, ev)
}
