//go:build linux || darwin || freebsd || dragonfly

package evreactor

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/dreamans/evreactor/poller"
	"github.com/dreamans/evreactor/workerpool"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func newTestReactor(t *testing.T, opts ...workerpool.Option) (*Reactor, *fakePoller, *workerpool.Pool) {
	t.Helper()
	pool := workerpool.New(opts...)
	ref, err := pool.Ref()
	require.NoError(t, err)

	fp := newFakePoller()
	r, err := New(ref, withPoller(fp))
	require.NoError(t, err)
	return r, fp, pool
}

func noop(int) {}

func TestNewRejectsNilExecutor(t *testing.T) {
	_, err := New(nil)
	require.ErrorIs(t, err, ErrNilExecutor)
}

func TestLazyStart(t *testing.T) {
	r, fp, pool := newTestReactor(t)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateIdle, r.State())
	assert.Zero(t, fp.waits.Load(), "no wait before the first registration")
	assert.Zero(t, pool.Workers())

	fd, _ := socketPair(t)
	ok, err := r.Add(fd, poller.FlagRead, noop)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StateRunning, r.State())

	require.Eventually(t, func() bool { return fp.waits.Load() == 1 }, waitFor, tick)

	require.NoError(t, r.Close())
	require.NoError(t, pool.Close())
}

func TestAddIsIdempotent(t *testing.T) {
	r, fp, pool := newTestReactor(t)
	fd, _ := socketPair(t)

	var first, second atomic.Int32
	ok, err := r.Add(fd, poller.FlagRead|poller.FlagOneShot, func(int) { first.Add(1) })
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.Add(fd, poller.FlagWrite, func(int) { second.Add(1) })
	require.NoError(t, err)
	require.False(t, ok)

	flags, armed := fp.flagsOf(fd)
	require.True(t, armed)
	assert.Equal(t, poller.FlagRead|poller.FlagOneShot, flags)
	assert.Equal(t, 1, fp.armCount())
	assert.Equal(t, 1, r.Len())

	fp.fire(fd)
	require.Eventually(t, func() bool { return first.Load() == 1 }, waitFor, tick)
	assert.Zero(t, second.Load())

	require.NoError(t, r.Close())
	require.NoError(t, pool.Close())
}

func TestRemoveAndResetFlagsIgnoreMissing(t *testing.T) {
	r, fp, pool := newTestReactor(t)

	// idle reactor: nothing registered, nothing to do
	ok, err := r.Remove(42)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = r.ResetFlags(42)
	require.NoError(t, err)
	assert.False(t, ok)

	fd, _ := socketPair(t)
	ok, err = r.Add(fd, poller.FlagRead, noop)
	require.NoError(t, err)
	require.True(t, ok)

	missing := fd + 1000
	ok, err = r.Remove(missing)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = r.ResetFlags(missing)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, 1, r.Len())
	assert.Empty(t, fp.disarmed)
	assert.Empty(t, fp.rearmed)

	require.NoError(t, r.Close())
	require.NoError(t, pool.Close())
}

func TestResetFlagsReappliesStoredFlags(t *testing.T) {
	r, fp, pool := newTestReactor(t)
	fd, _ := socketPair(t)

	want := poller.FlagRead | poller.FlagOneShot
	_, err := r.Add(fd, want, noop)
	require.NoError(t, err)

	ok, err := r.ResetFlags(fd)
	require.NoError(t, err)
	require.True(t, ok)

	flags, _ := fp.flagsOf(fd)
	assert.Equal(t, want, flags)
	fp.mu.Lock()
	assert.Equal(t, 1, fp.rearmed[fd])
	fp.mu.Unlock()

	require.NoError(t, r.Close())
	require.NoError(t, pool.Close())
}

func TestRemoveKeepsSocketOpen(t *testing.T) {
	r, fp, pool := newTestReactor(t)
	fd, _ := socketPair(t)
	other, _ := socketPair(t)

	var removedCalls, otherCalls atomic.Int32
	_, err := r.Add(fd, poller.FlagRead, func(int) { removedCalls.Add(1) })
	require.NoError(t, err)
	_, err = r.Add(other, poller.FlagRead, func(int) { otherCalls.Add(1) })
	require.NoError(t, err)

	ok, err := r.Remove(fd)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []int{fd}, fp.disarmed)
	assert.False(t, isClosedFd(fd))

	// a stale event for the removed fd resolves to nothing
	fp.fire(fd, other)
	require.Eventually(t, func() bool { return otherCalls.Load() == 1 }, waitFor, tick)
	require.Never(t, func() bool { return removedCalls.Load() != 0 }, 50*time.Millisecond, tick)

	require.NoError(t, r.Close())
	require.NoError(t, pool.Close())
	require.NoError(t, unix.Close(fd))
}

func TestAddAfterStopIsIgnored(t *testing.T) {
	r, fp, pool := newTestReactor(t)
	fd, _ := socketPair(t)
	_, err := r.Add(fd, poller.FlagRead, noop)
	require.NoError(t, err)

	require.NoError(t, r.Stop())
	assert.Equal(t, StateStopped, r.State())

	late, _ := socketPair(t)
	ok, err := r.Add(late, poller.FlagRead, noop)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, fp.armCount())

	ok, err = r.Remove(late)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.Close())
	require.NoError(t, pool.Close())
	require.NoError(t, unix.Close(late))
}

func TestCloseTearsDownEverything(t *testing.T) {
	r, fp, pool := newTestReactor(t)

	const n = 5
	fds := make([]int, n)
	for i := range fds {
		fds[i], _ = socketPair(t)
		ok, err := r.Add(fds[i], poller.FlagRead, noop)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.Eventually(t, func() bool { return fp.waits.Load() >= 1 }, waitFor, tick)

	require.NoError(t, r.Close())

	assert.Equal(t, StateStopped, r.State())
	assert.Zero(t, r.Len())
	assert.ElementsMatch(t, fds, fp.disarmed)
	for _, fd := range fds {
		assert.True(t, isClosedFd(fd), "fd %d still open", fd)
	}
	assert.True(t, fp.isClosed())
	select {
	case <-r.loopDone:
	default:
		t.Fatal("wait loop still running after Close")
	}

	require.ErrorIs(t, r.Close(), ErrClosed)
	require.NoError(t, pool.Close())
}

func TestCloseWithoutAdd(t *testing.T) {
	r, fp, pool := newTestReactor(t)

	require.NoError(t, r.Close())
	assert.Equal(t, StateStopped, r.State())
	assert.True(t, fp.isClosed())
	assert.Zero(t, fp.waits.Load())
	require.NoError(t, pool.Close())
}

func TestConcurrentAddSameDescriptor(t *testing.T) {
	r, fp, pool := newTestReactor(t)
	fd, _ := socketPair(t)

	const n = 16
	var (
		wg     sync.WaitGroup
		start  = make(chan struct{})
		wins   atomic.Int32
		winner atomic.Int32
		fired  = make(chan int, n)
	)
	winner.Store(-1)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			ok, err := r.Add(fd, poller.FlagRead, func(int) { fired <- i })
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
				winner.Store(int32(i))
			}
		}(i)
	}
	close(start)
	wg.Wait()

	require.Equal(t, int32(1), wins.Load())
	assert.Equal(t, 1, fp.armCount())

	fp.fire(fd)
	select {
	case got := <-fired:
		assert.Equal(t, int(winner.Load()), got)
	case <-time.After(waitFor):
		t.Fatal("callback never fired")
	}

	require.NoError(t, r.Close())
	require.NoError(t, pool.Close())
}

func TestAddKeepsRecordWhenArmingFails(t *testing.T) {
	r, fp, pool := newTestReactor(t)
	fd, _ := socketPair(t)

	fp.armErr = unix.EBADF
	ok, err := r.Add(fd, poller.FlagRead, noop)
	require.False(t, ok)
	require.Error(t, err)

	var rerr *Error
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, KindRegistration, rerr.Kind)
	assert.Equal(t, "Add", rerr.Op)
	assert.Equal(t, fd, rerr.Fd)
	assert.Equal(t, unix.EBADF, rerr.Errno())
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, StateIdle, r.State(), "a failed Add must not start the loop")

	// the record is still there, so a blind retry is ignored
	fp.armErr = nil
	ok, err = r.Add(fd, poller.FlagRead, noop)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, fp.armCount())
	assert.Zero(t, fp.waits.Load())

	// teardown closes the unarmed descriptor without disarming it
	require.NoError(t, r.Close())
	assert.Empty(t, fp.disarmed)
	assert.True(t, isClosedFd(fd))
	require.NoError(t, pool.Close())
}

func TestRemoveDropsUnarmedRecord(t *testing.T) {
	r, fp, pool := newTestReactor(t)
	good, _ := socketPair(t)
	bad, _ := socketPair(t)

	_, err := r.Add(good, poller.FlagRead, noop)
	require.NoError(t, err)

	fp.mu.Lock()
	fp.armErr = unix.EPERM
	fp.mu.Unlock()
	ok, err := r.Add(bad, poller.FlagRead, noop)
	assert.False(t, ok)
	assert.True(t, IsKind(err, KindRegistration))
	assert.Equal(t, 2, r.Len())

	ok, err = r.Remove(bad)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, r.Len())
	assert.Empty(t, fp.disarmed)
	assert.False(t, isClosedFd(bad))

	require.NoError(t, r.Close())
	require.NoError(t, pool.Close())
	require.NoError(t, unix.Close(bad))
}

func TestWakeFailureIsReturnedToCaller(t *testing.T) {
	pool := workerpool.New()
	ref, err := pool.Ref()
	require.NoError(t, err)
	exec := &countingExecutor{Executor: ref}

	fp := newFakePoller()
	r, err := New(exec, withPoller(fp))
	require.NoError(t, err)

	fd, _ := socketPair(t)
	_, err = r.Add(fd, poller.FlagRead, noop)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fp.waits.Load() == 1 }, waitFor, tick)

	fp.setWakeErr(unix.EPERM)
	err = r.Close()
	require.Error(t, err)
	assert.True(t, IsKind(err, KindSignal))
	assert.Equal(t, unix.EPERM, err.(*Error).Errno())
	assert.False(t, fp.isClosed(), "backend released while the loop may still use it")
	assert.Zero(t, exec.releases.Load())
	assert.Equal(t, StateStopping, r.State())

	fp.unblock()
	select {
	case <-r.loopDone:
	case <-time.After(waitFor):
		t.Fatal("wait loop did not exit")
	}
	exec.Release()
	require.NoError(t, pool.Close())
	require.NoError(t, unix.Close(fd))
}

type closeFailPoller struct {
	*fakePoller
	failFd int
}

func (p *closeFailPoller) Disarm(fd int) error {
	if fd == p.failFd {
		return unix.EBADF
	}
	return p.fakePoller.Disarm(fd)
}

func TestTeardownReleasesEveryDescriptor(t *testing.T) {
	pool := workerpool.New()
	ref, err := pool.Ref()
	require.NoError(t, err)

	fds := make([]int, 4)
	for i := range fds {
		fds[i], _ = socketPair(t)
	}
	fp := &closeFailPoller{fakePoller: newFakePoller(), failFd: fds[1]}
	r, err := New(ref, withPoller(fp))
	require.NoError(t, err)
	for _, fd := range fds {
		_, err := r.Add(fd, poller.FlagRead, noop)
		require.NoError(t, err)
	}

	err = r.Close()
	require.Error(t, err)
	assert.True(t, IsKind(err, KindRegistration))
	assert.Equal(t, fds[1], err.(*Error).Fd)

	assert.Zero(t, r.Len())
	for _, fd := range fds {
		assert.True(t, isClosedFd(fd), "fd %d leaked", fd)
	}
	assert.True(t, fp.isClosed())
	require.NoError(t, pool.Close())
}

func TestAddRejectsReservedFlag(t *testing.T) {
	r, fp, pool := newTestReactor(t)

	ok, err := r.Add(3, poller.FlagRead|poller.FlagWake, noop)
	assert.False(t, ok)
	require.ErrorIs(t, err, ErrReservedFlag)
	assert.True(t, IsKind(err, KindRegistration))
	assert.Zero(t, fp.armCount())

	ok, err = r.Add(-1, poller.FlagRead, noop)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = r.Add(3, poller.FlagRead, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.Close())
	require.NoError(t, pool.Close())
}

func TestWaitFailureReachesExecutor(t *testing.T) {
	fatal := make(chan error, 1)
	r, fp, pool := newTestReactor(t, workerpool.WithFatalHandler(func(err error) { fatal <- err }))
	fd, _ := socketPair(t)
	_, err := r.Add(fd, poller.FlagRead, noop)
	require.NoError(t, err)

	fp.failWait(unix.EBADF)

	select {
	case err := <-fatal:
		assert.True(t, IsKind(err, KindWait))
		assert.ErrorIs(t, err, unix.EBADF)
	case <-time.After(waitFor):
		t.Fatal("wait failure was not reported")
	}
	assert.True(t, IsKind(pool.Err(), KindWait))

	require.NoError(t, r.Close())
	require.NoError(t, pool.Close())
}

func TestExecutorOutlivesReactor(t *testing.T) {
	r, _, pool := newTestReactor(t)
	fd, _ := socketPair(t)
	_, err := r.Add(fd, poller.FlagRead, noop)
	require.NoError(t, err)

	closed := make(chan struct{})
	go func() {
		_ = pool.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("pool closed while a reactor still holds it")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, r.Close())
	select {
	case <-closed:
	case <-time.After(waitFor):
		t.Fatal("pool did not close after the reactor released it")
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Idle", StateIdle.String())
	assert.Equal(t, "Running", StateRunning.String())
	assert.Equal(t, "Stopping", StateStopping.String())
	assert.Equal(t, "Stopped", StateStopped.String())
	assert.Equal(t, "Unknown", State(9).String())
}

func TestErrorFormatting(t *testing.T) {
	err := newError(KindSignal, "Stop", -1, unix.EAGAIN)
	assert.Contains(t, err.Error(), "signal Stop")
	assert.NotContains(t, err.Error(), "fd=")

	err = newError(KindRegistration, "Remove", 7, unix.ENOENT)
	assert.Contains(t, err.Error(), "fd=7")
	assert.Equal(t, unix.ENOENT, err.Errno())
	assert.ErrorIs(t, err, unix.ENOENT)
}
