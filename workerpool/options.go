package workerpool

import (
	"time"

	"github.com/dreamans/evreactor/evlog"
)

const defaultIdleTimeout = 30 * time.Second

type Options struct {
	// MaxWorkers caps concurrent workers; zero means no cap. Each reactor
	// using the pool keeps one worker busy with its wait loop, so the cap
	// must leave room for callbacks on top of that.
	MaxWorkers   int
	IdleTimeout  time.Duration
	FatalHandler func(error)
	Logger       evlog.Logger
}

type Option func(*Options)

func NewOptions() *Options {
	return &Options{
		IdleTimeout: defaultIdleTimeout,
		Logger:      evlog.Default(),
	}
}

// WithMaxWorkers sets MaxWorkers. A pool shared by k reactors needs a cap
// above k, or dispatched callbacks never get a worker.
func WithMaxWorkers(n int) Option {
	return func(o *Options) {
		if n < 0 {
			n = 0
		}
		o.MaxWorkers = n
	}
}

func WithIdleTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.IdleTimeout = d
	}
}

func WithFatalHandler(fn func(error)) Option {
	return func(o *Options) {
		o.FatalHandler = fn
	}
}

func WithLogger(l evlog.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}
