// Package workerpool runs fire-and-forget tasks on a growable set of
// goroutines. Submission never blocks: tasks wait in an unbounded backlog
// until a worker picks them up.
//
// Components that depend on a pool hold a Ref. Close waits for every Ref to
// be released, so a pool always outlives the reactors using it.
package workerpool

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/dreamans/evreactor/evlog"
	"github.com/dreamans/evreactor/util"
)

var ErrPoolClosed = errors.New("workerpool: pool closed")

// PanicError is reported to the fatal handler when a task panics.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("workerpool: task panicked: %v", e.Value)
}

func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

type Pool struct {
	opts Options
	log  evlog.Logger

	mu       sync.Mutex
	work     *sync.Cond
	released *sync.Cond
	backlog  *queue.Queue
	workers  int
	idle     int
	refs     int
	closing  bool
	closed   bool
	wg       sync.WaitGroup

	fatalErr error
	fatalCh  chan struct{}
}

func New(opts ...Option) *Pool {
	o := NewOptions()
	for _, opt := range opts {
		opt(o)
	}
	p := &Pool{
		opts:    *o,
		log:     o.Logger.WithField("component", "workerpool"),
		backlog: queue.New(),
		fatalCh: make(chan struct{}),
	}
	p.work = sync.NewCond(&p.mu)
	p.released = sync.NewCond(&p.mu)
	return p
}

// Submit queues task for execution on some worker.
func (p *Pool) Submit(task func()) error {
	if task == nil {
		return errors.New("workerpool: nil task")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	p.backlog.Add(task)

	if p.backlog.Length() <= p.idle {
		p.work.Signal()
		return nil
	}
	if p.opts.MaxWorkers > 0 && p.workers >= p.opts.MaxWorkers {
		p.work.Signal()
		return nil
	}
	p.workers++
	p.wg.Add(1)
	go p.worker(p.workers)
	return nil
}

// Ref hands out a counted reference to the pool. The pool does not shut
// down until every reference is released.
func (p *Pool) Ref() (*Ref, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closing || p.closed {
		return nil, ErrPoolClosed
	}
	p.refs++
	return &Ref{pool: p}, nil
}

// Fail records a fatal error raised by a background task.
func (p *Pool) Fail(err error) {
	if err == nil {
		return
	}
	p.mu.Lock()
	first := p.fatalErr == nil
	if first {
		p.fatalErr = err
		close(p.fatalCh)
	}
	p.mu.Unlock()

	p.log.Errorf("fatal task error: %s", err)
	if p.opts.FatalHandler != nil {
		p.opts.FatalHandler(err)
	}
}

// Err returns the first fatal error, if any.
func (p *Pool) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fatalErr
}

// Fatal is closed once the first fatal error has been recorded.
func (p *Pool) Fatal() <-chan struct{} {
	return p.fatalCh
}

func (p *Pool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backlog.Length()
}

// Close waits for all refs to be released, runs whatever is still queued and
// joins the workers.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.closing = true
	for p.refs > 0 {
		p.released.Wait()
	}
	p.closed = true
	p.work.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}

func (p *Pool) release() {
	p.mu.Lock()
	p.refs--
	if p.refs == 0 {
		p.released.Broadcast()
	}
	p.mu.Unlock()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	p.log.Debugf("worker %d started", id)

	for {
		task, ok := p.next()
		if !ok {
			p.log.Debugf("worker %d exited", id)
			return
		}
		p.run(task)
	}
}

func (p *Pool) next() (func(), bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idleSince := time.Now()
	for p.backlog.Length() == 0 {
		if p.closed {
			p.workers--
			return nil, false
		}
		if p.opts.IdleTimeout > 0 && time.Since(idleSince) >= p.opts.IdleTimeout {
			p.workers--
			return nil, false
		}

		var timer *time.Timer
		if p.opts.IdleTimeout > 0 {
			timer = time.AfterFunc(p.opts.IdleTimeout, p.work.Broadcast)
		}
		p.idle++
		p.work.Wait()
		p.idle--
		if timer != nil {
			timer.Stop()
		}
	}
	return p.backlog.Remove().(func()), true
}

func (p *Pool) run(task func()) {
	defer func() {
		if v := recover(); v != nil {
			p.Fail(&PanicError{Value: v, Stack: debug.Stack()})
		}
	}()
	task()
}

// Ref is a counted handle on a Pool.
type Ref struct {
	pool     *Pool
	released util.AtomicBool
}

func (r *Ref) Submit(task func()) error {
	if r.released.IsSet() {
		return ErrPoolClosed
	}
	return r.pool.Submit(task)
}

func (r *Ref) Fail(err error) {
	r.pool.Fail(err)
}

// Release drops the reference. Only the first call has an effect.
func (r *Ref) Release() {
	if r.released.CompareAndSet(false, true) {
		r.pool.release()
	}
}
