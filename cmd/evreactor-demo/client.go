package main

import (
	"sync"
	"time"

	"github.com/dreamans/evreactor/evlog"
	"github.com/dreamans/evreactor/util"
)

// counters is updated from callbacks and client tasks, never under the
// reactor's lock.
type counters struct {
	mu       sync.Mutex
	incoming int
	outgoing int
}

func (c *counters) accepted() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.incoming++
	return c.incoming
}

func (c *counters) connected() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outgoing++
	return c.outgoing
}

func (c *counters) snapshot() (incoming, outgoing int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.incoming, c.outgoing
}

const retryDelay = 10 * time.Millisecond

// connectTask retries a connect until it succeeds or runs out of attempts.
type connectTask struct {
	index       int
	addr        string
	maxAttempts int
	attempts    int
	fd          int
	stats       *counters
	log         evlog.Logger
}

func newConnectTask(index int, addr string, maxAttempts int, stats *counters, log evlog.Logger) *connectTask {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &connectTask{
		index:       index,
		addr:        addr,
		maxAttempts: maxAttempts,
		fd:          -1,
		stats:       stats,
		log:         log.WithField("client", index),
	}
}

func (t *connectTask) run() {
	for t.fd < 0 && t.attempts < t.maxAttempts {
		t.attempts++
		fd, err := util.Connect(t.addr)
		if err != nil {
			time.Sleep(retryDelay)
			continue
		}
		t.fd = fd
	}
	if t.fd < 0 {
		t.log.Warnf("<Client#%d> gave up after %d attempts", t.index, t.attempts)
		return
	}

	n := t.stats.connected()
	t.log.Debugf("<Client#%d> connected to %s, socket %d, total %d", t.index, t.addr, t.fd, n)
	_ = util.CloseSocket(t.fd)
}
