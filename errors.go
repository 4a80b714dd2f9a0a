package evreactor

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/dreamans/evreactor/util"
)

var (
	ErrClosed       = errors.New("evreactor: reactor closed")
	ErrReservedFlag = errors.New("evreactor: interest flags use the reserved wake bit")
	ErrNilExecutor  = errors.New("evreactor: nil executor")
)

type ErrorKind uint8

const (
	// KindRegistration covers arming, re-arming and disarming a descriptor.
	KindRegistration ErrorKind = iota + 1
	// KindLifecycle covers creating and destroying the OS instance and wake
	// channel, and handing work to the executor.
	KindLifecycle
	// KindWait is a failure of the blocking wait itself.
	KindWait
	// KindSignal is a failure to signal the wake channel.
	KindSignal
)

func (k ErrorKind) String() string {
	switch k {
	case KindRegistration:
		return "registration"
	case KindLifecycle:
		return "lifecycle"
	case KindWait:
		return "wait"
	case KindSignal:
		return "signal"
	default:
		return "unknown"
	}
}

// Error is returned for every OS-level failure inside the reactor.
type Error struct {
	Kind ErrorKind
	Op   string
	Fd   int
	Err  error
}

func newError(kind ErrorKind, op string, fd int, err error) *Error {
	return &Error{Kind: kind, Op: op, Fd: fd, Err: err}
}

func (e *Error) Error() string {
	if e.Fd >= 0 {
		return fmt.Sprintf("evreactor: %s %s fd=%d: %v", e.Kind, e.Op, e.Fd, e.Err)
	}
	return fmt.Sprintf("evreactor: %s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errno is the OS error code behind e, or zero.
func (e *Error) Errno() syscall.Errno {
	return util.Errno(e.Err)
}

// IsKind reports whether err carries an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
