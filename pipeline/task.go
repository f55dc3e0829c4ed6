package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.senan.xyz/shelf/library"
	"go.senan.xyz/shelf/match"
	"go.senan.xyz/shelf/reorg"
	"go.senan.xyz/shelf/researchlink"
)

var (
	ErrTaskCancelled = errors.New("task cancelled")
	ErrNoCandidate   = errors.New("decision names no candidate")
)

type Stage uint8

const (
	StageRead Stage = iota
	StageIdentify
	StageMatch
	StageDecide
	StageApply
	StageCommit
)

var stageNames = [...]string{"read", "identify", "match", "decide", "apply", "commit"}

func (s Stage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("stage(%d)", s)
}

// State is where a task ended up. Every task reaches exactly one terminal state.
type State uint8

const (
	StatePending State = iota
	StateApplied
	StateSkipped
	StateDeferred
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateApplied:
		return "applied"
	case StateSkipped:
		return "skipped"
	case StateDeferred:
		return "deferred"
	case StateCancelled:
		return "cancelled"
	}
	return "pending"
}

type DecisionKind uint8

const (
	// Accept applies Result[Decision.Candidate].
	Accept DecisionKind = iota
	// AsIs imports the local metadata unchanged.
	AsIs
	// Skip drops the task.
	Skip
	// Defer leaves the task for a later run.
	Defer
)

func (k DecisionKind) String() string {
	switch k {
	case AsIs:
		return "as-is"
	case Skip:
		return "skip"
	case Defer:
		return "defer"
	}
	return "accept"
}

type Decision struct {
	Kind      DecisionKind
	Candidate int
}

// ProviderFailure is a lookup which failed permanently, or transiently more times than allowed.
type ProviderFailure struct {
	Provider string
	Err      error
}

// Task is one import source moving through the pipeline. It's owned by one stage at a time, so
// collaborators like a Decider may read it freely while they hold it.
type Task struct {
	ID     string
	Source string

	// Album and Items are the local metadata, not yet stored.
	Album *library.Album
	Items []*library.Item
	Local match.Release

	Candidates []match.Candidate
	Failures   []ProviderFailure
	Result     match.Result
	Links      []researchlink.SearchResult

	Decision Decision
	Actions  []reorg.Action
	Moves    []reorg.Result

	// Committed are the stored items once the task is applied.
	Committed []*library.Item
	// CommitAttempts counts store transactions, more than one means a conflict was retried.
	CommitAttempts int

	State State
	Stage Stage
	Err   error

	ctx    context.Context
	cancel context.CancelCauseFunc
	slot   *slot

	// mu guards running and finished. A task that isn't running sits in a stage queue or is on
	// its way into one.
	mu       sync.Mutex
	running  bool
	finished bool
}

// begin claims the task for a stage worker. It fails if the task was finished while queued.
func (t *Task) begin(stage Stage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return false
	}
	t.running = true
	t.Stage = stage
	return true
}

// yield hands the task back before it's queued for the next stage.
func (t *Task) yield() {
	t.mu.Lock()
	t.running = false
	t.mu.Unlock()
}

// markFinished reports whether the caller is the one to finish the task. Unless force is set, a
// task held by a stage worker is left for that worker to finish.
func (t *Task) markFinished(force bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished || (t.running && !force) {
		return false
	}
	t.finished = true
	return true
}

func (t *Task) String() string {
	return fmt.Sprintf("%s (%s)", t.Source, t.ID)
}

// Chosen returns the accepted entry, if the decision was to accept one.
func (t *Task) Chosen() (match.Entry, bool) {
	if t.State == StateSkipped || t.Decision.Kind != Accept {
		return match.Entry{}, false
	}
	if t.Decision.Candidate < 0 || t.Decision.Candidate >= len(t.Result) {
		return match.Entry{}, false
	}
	return t.Result[t.Decision.Candidate], true
}

// Report is the outcome of a finished task.
type Report struct {
	ID     string
	Source string
	State  State
	// Stage is the last stage the task reached, the failing one for skipped tasks.
	Stage    Stage
	Err      error
	Decision Decision
	Tier     match.Tier
	Distance float64
	Items    int
	Failures []ProviderFailure

	CommitAttempts int
}

func (t *Task) report() Report {
	r := Report{
		ID:       t.ID,
		Source:   t.Source,
		State:    t.State,
		Stage:    t.Stage,
		Err:      t.Err,
		Decision: t.Decision,
		Items:    len(t.Items),
		Failures: t.Failures,

		CommitAttempts: t.CommitAttempts,
	}
	if best, ok := t.Result.Best(); ok {
		r.Tier, r.Distance = best.Tier, best.Distance
	}
	return r
}

// slot is an admission slot, shared by the tasks split from one source.
type slot struct {
	refs    atomic.Int32
	release func()
}

func (s *slot) acquire() { s.refs.Add(1) }

func (s *slot) done() {
	if s.refs.Add(-1) == 0 {
		s.release()
	}
}
