// Package evreactor dispatches socket readiness to callbacks. Callers
// register a descriptor with interest flags and a callback; when the OS
// reports the descriptor ready, the callback runs on the executor.
//
// The wait loop starts lazily with the first registration and runs until
// Stop. A Reactor cannot be restarted.
package evreactor

import "github.com/dreamans/evreactor/poller"

// Callback receives the descriptor that became ready.
type Callback func(fd int)

// Executor runs fire-and-forget tasks for the reactor. The reactor calls
// Release exactly once, from Close, after its last use of the executor.
type Executor interface {
	// Submit must not block and must not drop a task it accepted.
	Submit(task func()) error
	// Fail receives errors raised inside background tasks, where there is no
	// caller to return them to.
	Fail(err error)
	Release()
}

type State uint8

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Interest flags re-exported for callers that do not need the poller package.
const (
	FlagRead       = poller.FlagRead
	FlagPriority   = poller.FlagPriority
	FlagWrite      = poller.FlagWrite
	FlagPeerClosed = poller.FlagPeerClosed
	FlagOneShot    = poller.FlagOneShot
	FlagEdge       = poller.FlagEdge
)
