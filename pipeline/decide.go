package pipeline

import (
	"context"

	"go.senan.xyz/shelf/match"
)

// Decider chooses what to do with a task whose match wasn't accepted automatically. Decide may
// block, holding up only the task it was given. It should return when ctx is done, which happens
// when the task is cancelled.
type Decider interface {
	Decide(ctx context.Context, t *Task) (Decision, error)
}

type DeciderFunc func(ctx context.Context, t *Task) (Decision, error)

func (f DeciderFunc) Decide(ctx context.Context, t *Task) (Decision, error) {
	return f(ctx, t)
}

// Policy is an unattended Decider. The best candidate is accepted if it's at least tier Min,
// otherwise Fallback is used.
type Policy struct {
	Min      match.Tier
	Fallback DecisionKind
}

func (p Policy) Decide(_ context.Context, t *Task) (Decision, error) {
	if best, ok := t.Result.Best(); ok && p.Min > match.TierNone && best.Tier >= p.Min {
		return Decision{Kind: Accept, Candidate: 0}, nil
	}
	return Decision{Kind: p.Fallback}, nil
}
