package tcc

import "time"

type Options struct {
	Timeout         time.Duration // per try call, and the staleness unit for unfinished tries
	MonitorInterval time.Duration // between monitor scans
	RetryInterval   time.Duration // initial confirm/cancel retry backoff
	ConfirmDeadline time.Duration // inline confirm budget before the monitor takes over
	CancelAttempts  int           // inline cancel rounds before the monitor takes over
	Observer        Observer      // participant calls and final outcomes, e.g. metrics
}

type Option func(*Options)

func WithTimeout(timeout time.Duration) Option {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return func(o *Options) {
		o.Timeout = timeout
	}
}

func WithMonitorInterval(tick time.Duration) Option {
	if tick <= 0 {
		tick = 10 * time.Second
	}

	return func(o *Options) {
		o.MonitorInterval = tick
	}
}

func WithRetryInterval(interval time.Duration) Option {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}

	return func(o *Options) {
		o.RetryInterval = interval
	}
}

func WithConfirmDeadline(deadline time.Duration) Option {
	if deadline <= 0 {
		deadline = 30 * time.Second
	}

	return func(o *Options) {
		o.ConfirmDeadline = deadline
	}
}

func WithCancelAttempts(n int) Option {
	if n <= 0 {
		n = 3
	}

	return func(o *Options) {
		o.CancelAttempts = n
	}
}

func WithObserver(o Observer) Option {
	if o == nil {
		o = nopObserver{}
	}

	return func(opts *Options) {
		opts.Observer = o
	}
}

func repair(o *Options) {
	if o.MonitorInterval <= 0 {
		o.MonitorInterval = 10 * time.Second
	}

	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}

	if o.RetryInterval <= 0 {
		o.RetryInterval = 50 * time.Millisecond
	}

	if o.ConfirmDeadline <= 0 {
		o.ConfirmDeadline = 30 * time.Second
	}

	if o.CancelAttempts <= 0 {
		o.CancelAttempts = 3
	}

	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
}
