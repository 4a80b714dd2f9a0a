//go:build darwin || freebsd || dragonfly

package poller

import (
	"golang.org/x/sys/unix"

	"github.com/dreamans/evreactor/util"
)

const wakeIdent = 0

type KQueue struct {
	fd     int
	events []unix.Kevent_t
	ready  []int
	closed util.AtomicBool
}

func New(maxEvents int) (Poller, error) {
	return KQueueCreate(maxEvents)
}

func KQueueCreate(maxEvents int) (*KQueue, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(fd)

	var wake unix.Kevent_t
	unix.SetKevent(&wake, wakeIdent, unix.EVFILT_USER, unix.EV_ADD|unix.EV_CLEAR)
	if _, err := unix.Kevent(fd, []unix.Kevent_t{wake}, nil, nil); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	maxEvents = normalizeMaxEvents(maxEvents)
	return &KQueue{
		fd:     fd,
		events: make([]unix.Kevent_t, maxEvents),
		ready:  make([]int, 0, maxEvents),
	}, nil
}

func (kq *KQueue) Arm(fd int, flags Flags) error {
	return kq.apply(fd, flags)
}

// Rearm re-enables filters disabled by EV_DISPATCH; EV_ADD on an existing
// filter modifies it in place.
func (kq *KQueue) Rearm(fd int, flags Flags) error {
	return kq.apply(fd, flags)
}

func (kq *KQueue) Disarm(fd int) error {
	if kq.closed.IsSet() {
		return ErrClosed
	}
	deleted := false
	for _, filter := range []int{unix.EVFILT_READ, unix.EVFILT_WRITE} {
		var ev unix.Kevent_t
		unix.SetKevent(&ev, fd, filter, unix.EV_DELETE)
		_, err := unix.Kevent(kq.fd, []unix.Kevent_t{ev}, nil, nil)
		switch err {
		case nil:
			deleted = true
		case unix.ENOENT:
		default:
			return err
		}
	}
	if !deleted {
		return unix.ENOENT
	}
	return nil
}

func (kq *KQueue) Wait() ([]int, error) {
	if kq.closed.IsSet() {
		return nil, ErrClosed
	}

	n, err := unix.Kevent(kq.fd, nil, kq.events, nil)
	if err != nil {
		if util.TemporaryErr(err) {
			return kq.ready[:0], nil
		}
		return nil, err
	}

	ready := kq.ready[:0]
	for i := 0; i < n; i++ {
		if kq.events[i].Filter == unix.EVFILT_USER {
			continue
		}
		// read and write filters report separately; one fd is one entry
		fd := int(kq.events[i].Ident)
		if !containsFd(ready, fd) {
			ready = append(ready, fd)
		}
	}
	kq.ready = ready
	return ready, nil
}

func (kq *KQueue) Wake() error {
	if kq.closed.IsSet() {
		return ErrClosed
	}
	var ev unix.Kevent_t
	unix.SetKevent(&ev, wakeIdent, unix.EVFILT_USER, 0)
	ev.Fflags = unix.NOTE_TRIGGER
	_, err := unix.Kevent(kq.fd, []unix.Kevent_t{ev}, nil, nil)
	return err
}

func (kq *KQueue) Close() error {
	if !kq.closed.CompareAndSet(false, true) {
		return ErrClosed
	}
	var ev unix.Kevent_t
	unix.SetKevent(&ev, wakeIdent, unix.EVFILT_USER, unix.EV_DELETE)
	if _, err := unix.Kevent(kq.fd, []unix.Kevent_t{ev}, nil, nil); err != nil {
		_ = unix.Close(kq.fd)
		return err
	}
	return unix.Close(kq.fd)
}

func (kq *KQueue) apply(fd int, flags Flags) error {
	if kq.closed.IsSet() {
		return ErrClosed
	}
	changes := keventsFor(fd, flags)
	if len(changes) == 0 {
		return unix.EINVAL
	}
	_, err := unix.Kevent(kq.fd, changes, nil, nil)
	return err
}

func keventsFor(fd int, flags Flags) []unix.Kevent_t {
	mode := unix.EV_ADD | unix.EV_ENABLE
	if flags&FlagOneShot != 0 {
		mode |= unix.EV_DISPATCH
	}
	if flags&FlagEdge != 0 {
		mode |= unix.EV_CLEAR
	}

	var changes []unix.Kevent_t
	if flags&(FlagRead|FlagPriority|FlagPeerClosed) != 0 {
		var ev unix.Kevent_t
		unix.SetKevent(&ev, fd, unix.EVFILT_READ, mode)
		changes = append(changes, ev)
	}
	if flags&FlagWrite != 0 {
		var ev unix.Kevent_t
		unix.SetKevent(&ev, fd, unix.EVFILT_WRITE, mode)
		changes = append(changes, ev)
	}
	return changes
}

func containsFd(fds []int, fd int) bool {
	for _, v := range fds {
		if v == fd {
			return true
		}
	}
	return false
}
