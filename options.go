package evreactor

import (
	"github.com/dreamans/evreactor/evlog"
	"github.com/dreamans/evreactor/poller"
)

type Options struct {
	// MaxEvents is how many ready events one wait may return.
	MaxEvents int
	Logger    evlog.Logger

	poller poller.Poller
}

type Option func(*Options)

func NewOptions() *Options {
	return &Options{
		MaxEvents: poller.DefaultMaxEvents,
		Logger:    evlog.Default(),
	}
}

func (opts *Options) SetMaxEvents(n int) *Options {
	if n > 0 {
		opts.MaxEvents = n
	}
	return opts
}

func (opts *Options) SetLogger(l evlog.Logger) *Options {
	if l != nil {
		opts.Logger = l
	}
	return opts
}

func WithMaxEvents(n int) Option {
	return func(opts *Options) {
		opts.SetMaxEvents(n)
	}
}

func WithLogger(l evlog.Logger) Option {
	return func(opts *Options) {
		opts.SetLogger(l)
	}
}

// WithOptions applies a prebuilt Options value.
func WithOptions(o *Options) Option {
	return func(opts *Options) {
		opts.SetMaxEvents(o.MaxEvents).SetLogger(o.Logger)
	}
}

func withPoller(p poller.Poller) Option {
	return func(opts *Options) {
		opts.poller = p
	}
}
