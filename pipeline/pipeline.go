// Package pipeline imports sources into the library through a sequence of stages.
//
// Each source becomes a [Task] which moves through read, identify, match, decide, apply and
// commit in that order. Stages are connected by bounded channels and run a fixed number of
// workers each, so a slow stage holds up the ones before it rather than buffering without limit.
// Submit blocks while Parallelism+QueueCapacity tasks are in flight.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"go.senan.xyz/shelf/addon"
	"go.senan.xyz/shelf/dirread"
	"go.senan.xyz/shelf/library"
	"go.senan.xyz/shelf/match"
	"go.senan.xyz/shelf/notifications"
	"go.senan.xyz/shelf/pathformat"
	"go.senan.xyz/shelf/provider"
	"go.senan.xyz/shelf/reorg"
	"go.senan.xyz/shelf/researchlink"
	"go.senan.xyz/shelf/scheduler"
)

var ErrClosed = errors.New("pipeline closed")

// Config is read once by New and must not change during a run.
type Config struct {
	Parallelism   int
	QueueCapacity int

	Providers []provider.Provider
	// LookupTimeout bounds each provider lookup, retries included.
	LookupTimeout time.Duration
	// Retries is how many times a transient lookup failure is retried, waiting Backoff before the
	// first retry and doubling after each. Zero takes the default, a negative value disables retries.
	Retries int
	Backoff time.Duration

	Match match.Config
	// AutoAccept accepts a strong best candidate without asking the Decider.
	AutoAccept bool

	// PathFormat, when set, moves or copies items to their formatted path with Executor.
	PathFormat *pathformat.Format
	Op         reorg.Op
	Executor   reorg.Executor

	Addons        []addon.Addon
	Research      *researchlink.Builder
	Notifications *notifications.Notifications
	Metrics       *Metrics

	// Read discovers the local items of a source. Defaults to reading a directory.
	Read func(ctx context.Context, source string) (*dirread.Dir, error)
	// OnTaskCreated may split a freshly read task into several, see [Singletons].
	OnTaskCreated func(*Task) []*Task
	// OnReport is called once for every finished task, from any goroutine.
	OnReport func(Report)
}

func DefaultConfig() Config {
	return Config{
		Parallelism:   2,
		QueueCapacity: 2,
		Retries:       3,
		Backoff:       100 * time.Millisecond,
		Match:         match.DefaultConfig(),
		AutoAccept:    true,
		Op:            reorg.OpMove,
	}
}

type Pipeline struct {
	cfg     Config
	lib     *library.Library
	sched   *scheduler.Scheduler
	decider Decider

	admit  chan struct{}
	queues [StageCommit + 1]chan *Task

	ctx       context.Context
	stop      context.CancelCauseFunc
	closed    chan struct{}
	closeOnce sync.Once
	// submitting is held by Submit between admission and handing over the task
	submitting sync.RWMutex

	pending sync.WaitGroup
	mu      sync.Mutex
	tasks   map[string]*Task
	reports []Report
}

func New(lib *library.Library, decider Decider, cfg Config) *Pipeline {
	def := DefaultConfig()
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = def.Parallelism
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	switch {
	case cfg.Retries == 0:
		cfg.Retries = def.Retries
	case cfg.Retries < 0:
		cfg.Retries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.Match.Weights == nil {
		cfg.Match = def.Match
	}
	if cfg.Executor == nil {
		cfg.Executor = reorg.FS{}
	}
	if cfg.Read == nil {
		cfg.Read = func(_ context.Context, source string) (*dirread.Dir, error) {
			return dirread.Read(source)
		}
	}
	if decider == nil {
		decider = Policy{Min: match.TierStrong, Fallback: Skip}
	}

	sched := scheduler.New()
	sched.Timeout = cfg.LookupTimeout

	p := &Pipeline{
		cfg:     cfg,
		lib:     lib,
		sched:   sched,
		decider: decider,
		admit:   make(chan struct{}, cfg.Parallelism+cfg.QueueCapacity),
		closed:  make(chan struct{}),
		tasks:   map[string]*Task{},
	}
	for i := range p.queues {
		p.queues[i] = make(chan *Task, cfg.QueueCapacity)
	}
	p.ctx, p.stop = context.WithCancelCause(context.Background())
	return p
}

// Run starts the stage workers and the lookup scheduler. It returns once Close has been called and
// every submitted task has finished, or once ctx is done and the remaining tasks are cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	stopOnDone := context.AfterFunc(ctx, func() {
		p.stop(fmt.Errorf("%w: %w", ErrTaskCancelled, context.Cause(ctx)))
		p.Close()
	})
	defer stopOnDone()

	schedCtx, stopSched := context.WithCancel(context.WithoutCancel(ctx))
	defer stopSched()

	schedDone := make(chan struct{})
	go func() {
		p.sched.Run(schedCtx)
		close(schedDone)
	}()

	stages := [...]func(*Task) error{
		StageRead:     p.read,
		StageIdentify: p.identify,
		StageMatch:    p.match,
		StageDecide:   p.decide,
		StageApply:    p.apply,
		StageCommit:   p.commit,
	}

	var g errgroup.Group
	for stage, fn := range stages {
		for range p.cfg.Parallelism {
			g.Go(func() error {
				for t := range p.queues[stage] {
					p.step(Stage(stage), t, fn)
				}
				return nil
			})
		}
	}

	<-p.closed
	p.submitting.Lock()
	p.pending.Wait()
	p.submitting.Unlock()
	for _, q := range p.queues {
		close(q)
	}
	err := g.Wait()

	stopSched()
	<-schedDone
	return err
}

// Close stops new submissions. Tasks already submitted carry on.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() { close(p.closed) })
}

// Submit admits a source, blocking while the pipeline is full. It returns the new task's ID.
func (p *Pipeline) Submit(ctx context.Context, source string) (string, error) {
	p.submitting.RLock()
	defer p.submitting.RUnlock()

	select {
	case <-p.closed:
		return "", ErrClosed
	default:
	}
	select {
	case p.admit <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-p.closed:
		return "", ErrClosed
	}

	s := &slot{release: func() {
		<-p.admit
		if m := p.cfg.Metrics; m != nil {
			m.TasksInFlight.Dec()
		}
	}}
	if m := p.cfg.Metrics; m != nil {
		m.TasksInFlight.Inc()
	}

	t := p.newTask(source, s)
	slog.DebugContext(ctx, "task admitted", "task", t.ID, "source", source)
	p.queues[StageRead] <- t
	return t.ID, nil
}

// Cancel cancels a task. Its outstanding lookups are cancelled, a blocked Decider sees its context
// done, and the task is reported as cancelled unless it has already started committing. A task
// waiting in a queue is reported and gives up its admission slot straight away.
func (p *Pipeline) Cancel(id string) bool {
	p.mu.Lock()
	t, ok := p.tasks[id]
	p.mu.Unlock()
	if !ok {
		return false
	}
	t.cancel(ErrTaskCancelled)
	if t.markFinished(false) {
		p.complete(t, StateCancelled, ErrTaskCancelled)
	}
	return true
}

// Reports returns the reports of the tasks finished so far, in finishing order.
func (p *Pipeline) Reports() []Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Report(nil), p.reports...)
}

func (p *Pipeline) newTask(source string, s *slot) *Task {
	t := &Task{ID: uuid.NewString(), Source: source, slot: s}
	t.ctx, t.cancel = context.WithCancelCause(p.ctx)
	s.acquire()
	p.pending.Add(1)

	p.mu.Lock()
	p.tasks[t.ID] = t
	p.mu.Unlock()
	return t
}

func (p *Pipeline) step(stage Stage, t *Task, fn func(*Task) error) {
	if !t.begin(stage) {
		// cancelled while queued and already reported
		p.pending.Done()
		return
	}
	if t.ctx.Err() != nil && stage < StageCommit {
		p.finish(t, StateCancelled, context.Cause(t.ctx))
		return
	}

	start := time.Now()
	err := fn(t)
	p.cfg.Metrics.observeStage(stage, time.Since(start))

	switch {
	case t.ctx.Err() != nil && stage < StageCommit:
		p.finish(t, StateCancelled, context.Cause(t.ctx))
	case err != nil:
		p.finish(t, StateSkipped, fmt.Errorf("%s: %w", stage, err))
	case t.State != StatePending:
		p.finish(t, t.State, nil)
	case stage == StageRead && p.cfg.OnTaskCreated != nil:
		for _, split := range p.split(t) {
			p.forward(stage+1, split)
		}
	default:
		p.forward(stage+1, t)
	}
}

func (p *Pipeline) forward(stage Stage, t *Task) {
	t.yield()
	p.queues[stage] <- t
}

// split runs the OnTaskCreated hook. Tasks it returns share the original's admission slot.
func (p *Pipeline) split(t *Task) []*Task {
	tasks := p.cfg.OnTaskCreated(t)
	if len(tasks) == 0 {
		return []*Task{t}
	}
	var keep bool
	for _, st := range tasks {
		if st == t {
			keep = true
			continue
		}
		if st.ID == "" {
			st.ID = uuid.NewString()
		}
		st.ctx, st.cancel = context.WithCancelCause(p.ctx)
		st.slot = t.slot
		st.Stage = t.Stage
		st.slot.acquire()
		p.pending.Add(1)

		p.mu.Lock()
		p.tasks[st.ID] = st
		p.mu.Unlock()
	}
	if !keep {
		p.drop(t)
	}
	return tasks
}

// finish ends a task held by a stage worker.
func (p *Pipeline) finish(t *Task, state State, err error) {
	if t.markFinished(true) {
		p.complete(t, state, err)
	}
	p.pending.Done()
}

// complete reports a task and releases its slot. The caller must have marked it finished.
func (p *Pipeline) complete(t *Task, state State, err error) {
	t.State, t.Err = state, err
	if state == StateCancelled && !errors.Is(err, ErrTaskCancelled) {
		t.Err = fmt.Errorf("%w: %w", ErrTaskCancelled, err)
	}

	logger := slog.With("task", t.ID, "source", t.Source, "stage", t.Stage, "state", t.State)
	switch state {
	case StateSkipped:
		if t.Err != nil {
			logger.WarnContext(p.ctx, "task skipped", "err", t.Err)
			p.cfg.Notifications.Sendf(p.ctx, notifications.ImportError, "%s skipped at %s: %v", t.Source, t.Stage, t.Err)
		} else {
			logger.InfoContext(p.ctx, "task skipped")
			p.cfg.Notifications.Sendf(p.ctx, notifications.Skipped, "%s skipped", t.Source)
		}
	case StateDeferred:
		logger.InfoContext(p.ctx, "task deferred")
		p.cfg.Notifications.Sendf(p.ctx, notifications.NeedsInput, "%s needs input", t.Source)
	case StateApplied:
		logger.InfoContext(p.ctx, "task applied", "items", len(t.Committed))
		p.cfg.Notifications.Sendf(p.ctx, notifications.Complete, "imported %s", t.Source)
	default:
		logger.DebugContext(p.ctx, "task cancelled", "err", t.Err)
	}

	r := t.report()
	p.mu.Lock()
	p.reports = append(p.reports, r)
	p.mu.Unlock()

	p.cfg.Metrics.recordTask(t)
	if p.cfg.OnReport != nil {
		p.cfg.OnReport(r)
	}
	p.release(t)
}

// release forgets a task and releases its share of the admission slot.
func (p *Pipeline) release(t *Task) {
	p.mu.Lock()
	delete(p.tasks, t.ID)
	p.mu.Unlock()

	t.cancel(nil)
	t.slot.done()
}

// drop releases a task which won't be reported, such as one replaced by its splits.
func (p *Pipeline) drop(t *Task) {
	p.release(t)
	p.pending.Done()
}
