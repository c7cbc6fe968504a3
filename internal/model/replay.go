package model

import (
	"context"
	"sync"

	"kevin/internal/core"
)

// Replay feeds a recorded action sequence back through the loop, one
// per step, then reports done. Used by `kevin replay` so re-execution
// goes through exactly the same dispatch path as the original run.
type Replay struct {
	mu      sync.Mutex
	actions []core.Action
	pos     int
}

func NewReplay(actions []core.Action) *Replay {
	return &Replay{actions: actions}
}

func (r *Replay) Name() string { return "replay" }

func (r *Replay) Next(ctx context.Context, req Request) (Decision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pos >= len(r.actions) {
		return Decision{Done: true, Reason: "replay complete"}, nil
	}
	action := r.actions[r.pos]
	r.pos++
	return Decision{Action: &action}, nil
}
