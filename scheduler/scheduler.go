// Package scheduler runs I/O bound calls cooperatively on a single loop.
//
// A call is a function started with [Go]. Only one call runs at a time. A running call keeps the
// loop until it suspends on a [Handle], by starting I/O with [Await] or one of its helpers, or
// returns. The I/O itself runs in the background, and when it completes the handle becomes ready
// and the loop resumes the call. Ready handles are resumed in the order they became ready.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrCancelled = errors.New("call cancelled")
	ErrTimeout   = errors.New("call timed out")
	ErrStopped   = errors.New("scheduler stopped")
)

type Scheduler struct {
	// PollInterval is how often deadlines are checked.
	PollInterval time.Duration
	// Timeout limits every call without an earlier context deadline. Zero means no limit.
	Timeout time.Duration
	// OnSuspend is called on the loop each time a call suspends.
	OnSuspend func(h *Handle)

	spawn  chan *call
	wake   chan struct{}
	yieldc chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	ready   []*Handle
	stopped atomic.Bool

	nextID  atomic.Uint64
	running atomic.Int32
}

func New() *Scheduler {
	return &Scheduler{
		PollInterval: 10 * time.Millisecond,
		spawn:        make(chan *call),
		wake:         make(chan struct{}, 1),
		yieldc:       make(chan struct{}),
		done:         make(chan struct{}),
	}
}

type call struct {
	id       uint64
	s        *Scheduler
	ctx      context.Context
	deadline time.Time
	body     func(ctx context.Context)
	resume   chan error
	handle   *Handle
	finished bool
}

type callKey struct{}

func callFrom(ctx context.Context) *call {
	c, _ := ctx.Value(callKey{}).(*call)
	return c
}

// Future is the eventual result of a call.
type Future[T any] struct {
	done   chan struct{}
	cancel context.CancelFunc
	val    T
	err    error
}

// Cancel closes the call's pending handle and fails any it suspends on later.
func (f *Future[T]) Cancel() { f.cancel() }

func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the call returns or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (f *Future[T]) resolve(v T, err error) {
	f.val, f.err = v, err
	close(f.done)
}

// Go submits fn to the scheduler. It may be called from any goroutine except a running call's.
// Cancelling ctx cancels the call's pending I/O.
func Go[T any](ctx context.Context, s *Scheduler, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	var zero T

	c := &call{
		id:     s.nextID.Add(1),
		s:      s,
		resume: make(chan error),
	}
	if d, ok := ctx.Deadline(); ok {
		c.deadline = d
	}
	if s.Timeout > 0 {
		if d := time.Now().Add(s.Timeout); c.deadline.IsZero() || d.Before(c.deadline) {
			c.deadline = d
		}
	}
	cctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	c.ctx = context.WithValue(cctx, callKey{}, c)
	c.body = func(ctx context.Context) {
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				f.resolve(zero, fmt.Errorf("call panicked: %v", r))
			}
		}()
		v, err := fn(ctx)
		f.resolve(v, err)
	}

	select {
	case s.spawn <- c:
	case <-s.done:
		cancel()
		f.resolve(zero, ErrStopped)
	case <-ctx.Done():
		cancel()
		f.resolve(zero, ctx.Err())
	}
	return f
}

// Run runs the loop until ctx is done. Suspended calls are then resumed with ErrStopped.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()

	suspended := map[uint64]*call{}
	handoff := func(c *call, start bool, err error) {
		delete(suspended, c.id)
		s.running.Add(1)
		if start {
			go c.run()
		} else {
			c.resume <- err
		}
		<-s.yieldc
		s.running.Add(-1)
		if !c.finished {
			suspended[c.id] = c
			if s.OnSuspend != nil {
				s.OnSuspend(c.handle)
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			s.stopped.Store(true)
			for _, id := range slices.Sorted(maps.Keys(suspended)) {
				if h := suspended[id].handle; h != nil {
					h.finish(ErrStopped)
				}
			}
			for len(suspended) > 0 {
				<-s.wake
				for _, h := range s.takeReady() {
					handoff(h.call, false, h.err)
				}
			}
			close(s.done)
			return

		case c := <-s.spawn:
			handoff(c, true, nil)

		case <-s.wake:
			for _, h := range s.takeReady() {
				handoff(h.call, false, h.err)
			}

		case now := <-ticker.C:
			for _, id := range slices.Sorted(maps.Keys(suspended)) {
				c := suspended[id]
				if c.deadline.IsZero() || now.Before(c.deadline) || c.handle == nil {
					continue
				}
				slog.DebugContext(c.ctx, "call timed out", "op", c.handle.op)
				c.handle.finish(ErrTimeout)
			}
		}
	}
}

func (s *Scheduler) takeReady() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.ready
	s.ready = nil
	return r
}

func (s *Scheduler) enqueue(h *Handle) {
	s.mu.Lock()
	s.ready = append(s.ready, h)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Running reports how many calls are executing right now. It's never more than one.
func (s *Scheduler) Running() int { return int(s.running.Load()) }

func (c *call) run() {
	defer func() {
		c.finished = true
		c.s.yieldc <- struct{}{}
	}()
	c.body(c.ctx)
}

func (c *call) suspend(h *Handle) error {
	c.handle = h
	c.s.yieldc <- struct{}{}
	err := <-c.resume
	c.handle = nil
	return err
}

// Handle is one pending operation of a suspended call.
type Handle struct {
	call   *call
	op     string
	cancel context.CancelFunc

	mu   sync.Mutex
	done bool
	err  error
}

// finish makes the handle ready. Only the first finish counts.
func (h *Handle) finish(err error) {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return
	}
	h.done, h.err = true, err
	h.mu.Unlock()

	if err != nil {
		h.cancel()
	}
	h.call.s.enqueue(h)
}

func (h *Handle) Op() string { return h.op }

// Close cancels the operation. The suspended call is resumed with ErrCancelled.
func (h *Handle) Close() {
	h.finish(ErrCancelled)
}

// Await runs op in the background and suspends the calling call until it completes. It must be
// called from the call's own goroutine. Outside of a call, op runs directly.
func Await(ctx context.Context, name string, op func(ctx context.Context) error) error {
	c := callFrom(ctx)
	if c == nil {
		return op(ctx)
	}
	if c.s.stopped.Load() {
		return ErrStopped
	}

	if ctx.Err() != nil {
		return cancelled(ctx)
	}

	// the operation runs outside the call, so it can't suspend it. it's only cancelled through
	// its handle, which keeps the first error the call sees deterministic.
	opCtx, cancel := context.WithCancel(context.WithoutCancel(context.WithValue(ctx, callKey{}, (*call)(nil))))
	h := &Handle{call: c, op: name, cancel: cancel}
	defer cancel()

	stop := context.AfterFunc(ctx, func() { h.finish(cancelled(ctx)) })
	defer stop()

	go func() {
		h.finish(op(opCtx))
	}()
	return c.suspend(h)
}

func cancelled(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
}

// Do is Await for operations with a result.
func Do[T any](ctx context.Context, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var res T
	err := Await(ctx, name, func(ctx context.Context) error {
		r, err := op(ctx)
		if err == nil {
			res = r
		}
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return res, nil
}
