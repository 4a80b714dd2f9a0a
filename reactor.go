package evreactor

import (
	"sync"

	"github.com/dreamans/evreactor/evlog"
	"github.com/dreamans/evreactor/poller"
	"github.com/dreamans/evreactor/util"
)

// Reactor owns one readiness backend and the registry of descriptors armed
// on it. Add, Remove and ResetFlags are safe for concurrent use.
type Reactor struct {
	// mu guards reg, state and started, and serializes every mutation of
	// the backend.
	mu      sync.Mutex
	changed *sync.Cond
	reg     *registry
	state   State
	started bool

	// closed when the wait loop has returned
	loopDone chan struct{}

	poll   poller.Poller
	exec   Executor
	log    evlog.Logger
	closed util.AtomicBool
}

// New creates the backend and its wake channel. The reactor takes over exec
// and releases it in Close; if New fails, exec is left to the caller.
func New(exec Executor, opts ...Option) (*Reactor, error) {
	if exec == nil {
		return nil, ErrNilExecutor
	}

	o := NewOptions()
	for _, opt := range opts {
		opt(o)
	}

	poll := o.poller
	if poll == nil {
		p, err := poller.New(o.MaxEvents)
		if err != nil {
			return nil, newError(KindLifecycle, "New", -1, err)
		}
		poll = p
	}

	r := &Reactor{
		reg:      newRegistry(),
		state:    StateIdle,
		loopDone: make(chan struct{}),
		poll:     poll,
		exec:     exec,
		log:      o.Logger.WithField("component", "reactor"),
	}
	r.changed = sync.NewCond(&r.mu)
	return r, nil
}

// Add registers fd with flags and cb and arms it on the backend. It reports
// false without error when the reactor is stopping, fd is already
// registered, fd is negative or cb is nil.
//
// If arming fails the registration stays in place and a retry with the same
// fd is ignored. Remove drops it once the reactor is running; otherwise
// teardown closes it with the rest.
//
// The first successful Add starts the wait loop.
func (r *Reactor) Add(fd int, flags poller.Flags, cb Callback) (bool, error) {
	if fd < 0 || cb == nil {
		return false, nil
	}
	if flags&poller.FlagWake != 0 {
		return false, newError(KindRegistration, "Add", fd, ErrReservedFlag)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateStopping || r.state == StateStopped {
		return false, nil
	}
	if !r.reg.insert(fd, record{flags: flags, callback: cb}) {
		return false, nil
	}
	if err := r.poll.Arm(fd, flags); err != nil {
		return false, newError(KindRegistration, "Add", fd, err)
	}
	r.reg.markArmed(fd)

	if r.state == StateIdle {
		if err := r.start(); err != nil {
			return true, err
		}
	}
	r.changed.Broadcast()
	return true, nil
}

// Remove disarms fd and forgets it. The socket itself stays open. A
// callback already handed to the executor may still run once.
func (r *Reactor) Remove(fd int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateRunning {
		return false, nil
	}
	rec, ok := r.reg.lookup(fd)
	if !ok {
		return false, nil
	}
	if rec.armed {
		if err := r.poll.Disarm(fd); err != nil {
			return false, newError(KindRegistration, "Remove", fd, err)
		}
	}
	r.reg.erase(fd)
	return true, nil
}

// ResetFlags re-applies the flags fd was registered with. Use it to re-arm
// one-shot interest after a callback has consumed an event.
func (r *Reactor) ResetFlags(fd int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateRunning {
		return false, nil
	}
	rec, ok := r.reg.lookup(fd)
	if !ok {
		return false, nil
	}
	if err := r.poll.Rearm(fd, rec.flags); err != nil {
		return false, newError(KindRegistration, "ResetFlags", fd, err)
	}
	return true, nil
}

func (r *Reactor) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Len returns the number of registered descriptors.
func (r *Reactor) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reg.len()
}

// Stop ends the wait loop, then disarms and closes every descriptor still
// registered. It blocks until the loop has returned. Calls after the first
// return nil.
func (r *Reactor) Stop() error {
	r.mu.Lock()
	if r.state == StateStopping || r.state == StateStopped {
		r.mu.Unlock()
		return nil
	}
	started := r.started
	r.state = StateStopping
	r.changed.Broadcast()
	r.mu.Unlock()

	r.log.Debugf("stopping (loop started: %t)", started)

	if started {
		if err := r.poll.Wake(); err != nil {
			return newError(KindSignal, "Stop", -1, err)
		}
		<-r.loopDone
	}
	return r.teardown()
}

// Close stops the reactor, releases the backend and hands the executor
// back. It must be called once per reactor, whether or not Add ever ran.
func (r *Reactor) Close() error {
	if !r.closed.CompareAndSet(false, true) {
		return ErrClosed
	}

	stopErr := r.Stop()
	if !r.loopExited() {
		// the loop may still be inside the backend
		return stopErr
	}

	var closeErr error
	if err := r.poll.Close(); err != nil {
		closeErr = newError(KindLifecycle, "Close", -1, err)
	}
	r.exec.Release()

	if stopErr != nil {
		return stopErr
	}
	return closeErr
}

// start runs with mu held.
func (r *Reactor) start() error {
	r.state = StateRunning
	r.started = true
	r.log.Debugf("starting wait loop")

	if err := r.exec.Submit(r.loop); err != nil {
		close(r.loopDone)
		return newError(KindLifecycle, "Start", -1, err)
	}
	return nil
}

func (r *Reactor) loop() {
	defer close(r.loopDone)

	for {
		r.mu.Lock()
		for r.state == StateRunning && r.reg.len() == 0 {
			r.changed.Wait()
		}
		running := r.state == StateRunning
		r.mu.Unlock()
		if !running {
			return
		}

		ready, err := r.poll.Wait()

		if r.State() != StateRunning {
			return
		}
		if err != nil {
			r.exec.Fail(newError(KindWait, "Wait", -1, err))
			return
		}

		for _, fd := range ready {
			if err := r.exec.Submit(r.dispatch(fd)); err != nil {
				r.exec.Fail(newError(KindLifecycle, "Dispatch", fd, err))
				return
			}
		}
		if len(ready) > 0 {
			r.log.Debugf("dispatched %d ready descriptors", len(ready))
		}
	}
}

// dispatch resolves the callback when the task runs, not when the event
// arrives, so a concurrent Remove turns it into a no-op.
func (r *Reactor) dispatch(fd int) func() {
	return func() {
		r.mu.Lock()
		rec, ok := r.reg.lookup(fd)
		r.mu.Unlock()
		if ok {
			rec.callback(fd)
		}
	}
}

// teardown releases every descriptor even when some fail, and returns the
// first failure.
func (r *Reactor) teardown() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.state = StateStopped

	var first error
	fail := func(fd int, err error) {
		if first == nil {
			first = newError(KindRegistration, "Stop", fd, err)
		}
	}
	fds := r.reg.fds()
	for _, fd := range fds {
		rec, _ := r.reg.lookup(fd)
		if rec.armed {
			if err := r.poll.Disarm(fd); err != nil {
				fail(fd, err)
			}
		}
		if err := util.CloseSocket(fd); err != nil {
			fail(fd, err)
		}
		r.reg.erase(fd)
	}
	r.reg.clear()

	if first != nil {
		r.log.Warnf("stopped with errors, released %d descriptors: %s", len(fds), first)
		return first
	}
	r.log.Debugf("stopped, released %d descriptors", len(fds))
	return nil
}

func (r *Reactor) loopExited() bool {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if !started {
		return true
	}
	select {
	case <-r.loopDone:
		return true
	default:
		return false
	}
}
