// Package lifecycle provides the single execution context every screen
// callback runs on, and scopes that drop results once the screen is gone.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrStopped = errors.New("loop stopped")

// Loop runs posted functions one at a time, in the order they were posted.
type Loop struct {
	log *slog.Logger

	tasks chan func()
	done  chan struct{}
	once  sync.Once
}

// Result is the outcome of an asynchronous operation delivered on the loop.
type Result[T any] struct {
	Value T
	Err   error
}

func NewLoop(log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		log:   log.With("svc", "loop"),
		tasks: make(chan func(), 64),
		done:  make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled. Tasks still queued at that point are dropped.
func (l *Loop) Run(ctx context.Context) {
	defer l.once.Do(func() { close(l.done) })
	l.log.Debug("loop started")
	for {
		select {
		case <-ctx.Done():
			l.log.Debug("loop stopped")
			return
		case fn := <-l.tasks:
			fn()
		}
	}
}

// Post queues fn. It returns false when the loop is no longer running.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Call runs fn on the loop and waits for it to return.
// Must not be called from the loop itself.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Scope owns everything acquired while a screen is visible.
// Closing it cancels pending work, drops its undelivered results and
// releases registered resources in reverse order.
type Scope struct {
	loop   *Loop
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	release []func()
}

func (l *Loop) NewScope(parent context.Context) *Scope {
	ctx, cancel := context.WithCancel(parent)
	return &Scope{
		loop:   l,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Scope) Context() context.Context {
	return s.ctx
}

func (s *Scope) Loop() *Loop {
	return s.loop
}

// Alive reports whether the scope is neither closed nor cancelled by its parent.
func (s *Scope) Alive() bool {
	return s.ctx.Err() == nil
}

// OnClose registers fn to run when the scope closes. If the scope is
// already closed fn runs immediately.
func (s *Scope) OnClose(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.release = append(s.release, fn)
	s.mu.Unlock()
}

// Close is idempotent.
func (s *Scope) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	release := s.release
	s.release = nil
	s.mu.Unlock()

	s.cancel()
	for i := len(release) - 1; i >= 0; i-- {
		release[i]()
	}
}

// Go runs work in its own goroutine and delivers the result to done on the
// loop, unless the scope has ended by then.
func Go[T any](s *Scope, work func(ctx context.Context) (T, error), done func(Result[T])) {
	go func() {
		v, err := work(s.ctx)
		res := Result[T]{Value: v, Err: err}
		posted := s.loop.Post(func() {
			if !s.Alive() {
				s.loop.log.Debug("dropping result of ended scope", "err", res.Err)
				return
			}
			done(res)
		})
		if !posted {
			s.loop.log.Debug("dropping result, loop stopped")
		}
	}()
}
