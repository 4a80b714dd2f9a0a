//go:build linux || darwin || freebsd || dragonfly

package evreactor

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/dreamans/evreactor/poller"
)

// fakePoller stands in for epoll/kqueue. Tests push ready batches or
// errors into Wait through fire and failWait.
type fakePoller struct {
	mu       sync.Mutex
	armed    map[int]poller.Flags
	disarmed []int
	rearmed  map[int]int
	arms     int
	armErr   error
	wakeErr  error
	closed   bool

	waits    atomic.Int32
	ready    chan []int
	waitErr  chan error
	wake     chan struct{}
	wakeOnce sync.Once
}

func newFakePoller() *fakePoller {
	return &fakePoller{
		armed:   make(map[int]poller.Flags),
		rearmed: make(map[int]int),
		ready:   make(chan []int, 16),
		waitErr: make(chan error, 1),
		wake:    make(chan struct{}),
	}
}

func (p *fakePoller) Arm(fd int, flags poller.Flags) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.arms++
	if p.armErr != nil {
		return p.armErr
	}
	if _, ok := p.armed[fd]; ok {
		return unix.EEXIST
	}
	p.armed[fd] = flags
	return nil
}

func (p *fakePoller) Rearm(fd int, flags poller.Flags) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.armed[fd]; !ok {
		return unix.ENOENT
	}
	p.armed[fd] = flags
	p.rearmed[fd]++
	return nil
}

func (p *fakePoller) Disarm(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.armed[fd]; !ok {
		return unix.ENOENT
	}
	delete(p.armed, fd)
	p.disarmed = append(p.disarmed, fd)
	return nil
}

func (p *fakePoller) Wait() ([]int, error) {
	p.waits.Add(1)
	select {
	case fds := <-p.ready:
		return fds, nil
	case err := <-p.waitErr:
		return nil, err
	case <-p.wake:
		return nil, nil
	}
}

func (p *fakePoller) Wake() error {
	p.mu.Lock()
	err := p.wakeErr
	p.mu.Unlock()
	if err != nil {
		return err
	}
	p.unblock()
	return nil
}

func (p *fakePoller) unblock() {
	p.wakeOnce.Do(func() { close(p.wake) })
}

func (p *fakePoller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return poller.ErrClosed
	}
	p.closed = true
	return nil
}

func (p *fakePoller) fire(fds ...int) {
	p.ready <- fds
}

func (p *fakePoller) failWait(err error) {
	p.waitErr <- err
}

func (p *fakePoller) flagsOf(fd int) (poller.Flags, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.armed[fd]
	return f, ok
}

func (p *fakePoller) armCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.arms
}

func (p *fakePoller) setWakeErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wakeErr = err
}

func (p *fakePoller) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// countingExecutor forwards to a pool ref and counts Release calls.
type countingExecutor struct {
	Executor
	releases atomic.Int32
}

func (e *countingExecutor) Release() {
	e.releases.Add(1)
	e.Executor.Release()
}

// socketPair returns a real descriptor for the reactor to own. The peer is
// closed when the test ends.
func socketPair(t *testing.T) (fd, peer int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(fds[1]) })
	return fds[0], fds[1]
}

func isClosedFd(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == unix.EBADF
}
