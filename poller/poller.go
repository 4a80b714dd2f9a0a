// Package poller wraps the OS readiness-notification facility behind one
// capability. epoll backs it on linux, kqueue on darwin, freebsd and
// dragonfly. Each instance owns a wake channel that is always registered and
// whose readiness is never reported to callers.
package poller

import "errors"

// Flags is the interest bitmask passed through to the backend. The values
// match the epoll bits so the linux backend hands them to the kernel as is.
type Flags uint32

const (
	FlagRead       Flags = 0x1
	FlagPriority   Flags = 0x2
	FlagWrite      Flags = 0x4
	FlagPeerClosed Flags = 0x2000
	FlagOneShot    Flags = 1 << 30
	FlagEdge       Flags = 1 << 31

	// FlagWake marks the wake channel registration. Callers must never pass it.
	FlagWake Flags = 1 << 21
)

const (
	DefaultMaxEvents = 5
)

var (
	ErrClosed      = errors.New("poller: closed")
	ErrUnsupported = errors.New("poller: platform not supported")
)

// Poller is a readiness backend. Arm, Rearm and Disarm must be serialized
// by the caller; Wait runs on one goroutine while Wake may be called from
// any other.
type Poller interface {
	Arm(fd int, flags Flags) error
	Rearm(fd int, flags Flags) error
	Disarm(fd int) error

	// Wait blocks until at least one descriptor is ready or the wake channel
	// is signaled. The returned slice is reused by the next call.
	Wait() ([]int, error)

	Wake() error
	Close() error
}

func normalizeMaxEvents(n int) int {
	if n <= 0 {
		return DefaultMaxEvents
	}
	return n
}
