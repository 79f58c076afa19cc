package engine

import (
	"context"
	"errors"

	"github.com/hearthkit/hearthsync/internal/metrics"
	"github.com/hearthkit/hearthsync/internal/netmon"
	"github.com/hearthkit/hearthsync/internal/synclog"
)

// State is the engine's coarse lifecycle state
type State string

const (
	// StateIdle means the engine is waiting for work
	StateIdle State = "idle"
	// StateSyncing means a drain is in progress
	StateSyncing State = "syncing"
	// StateConflict means unresolved conflicts await manual input
	StateConflict State = "conflict"
	// StateOffline means the backend is unreachable
	StateOffline State = "offline"
)

// StatusSnapshot is a point-in-time view of the engine for status
// displays and watch mode
type StatusSnapshot struct {
	State               State            `json:"state"`
	Network             netmon.Status    `json:"network"`
	PendingOperations   int              `json:"pending_operations"`
	FailedOperations    int              `json:"failed_operations"`
	UnresolvedConflicts int              `json:"unresolved_conflicts"`
	Metrics             metrics.Snapshot `json:"metrics"`
	LastRun             *synclog.Entry   `json:"last_run,omitempty"`
}

// State returns the engine's current state
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Status assembles a full snapshot of the engine and its stores
func (e *Engine) Status(ctx context.Context) (*StatusSnapshot, error) {
	pending, err := e.queue.PendingCount(ctx)
	if err != nil {
		return nil, err
	}

	failed, err := e.queue.ListFailed(ctx)
	if err != nil {
		return nil, err
	}

	unresolved, err := e.conflicts.UnresolvedCount(ctx)
	if err != nil {
		return nil, err
	}

	last, err := e.logs.Last(ctx)
	if err != nil && !errors.Is(err, synclog.ErrNotFound) {
		return nil, err
	}

	return &StatusSnapshot{
		State:               e.State(),
		Network:             e.monitor.Status(),
		PendingOperations:   pending,
		FailedOperations:    len(failed),
		UnresolvedConflicts: unresolved,
		Metrics:             e.recorder.Snapshot(),
		LastRun:             last,
	}, nil
}

// SubscribeState registers a listener for engine state transitions and
// returns a function that removes it
func (e *Engine) SubscribeState(fn func(State)) func() {
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

// setState records a state transition and notifies subscribers. Repeated
// sets to the same state are silent.
func (e *Engine) setState(s State) {
	e.mu.Lock()
	if e.state == s {
		e.mu.Unlock()
		return
	}
	e.state = s

	var toNotify []func(State)
	for _, fn := range e.subs {
		toNotify = append(toNotify, fn)
	}
	e.mu.Unlock()

	e.logger.Debug("Engine state changed", "state", s)
	for _, fn := range toNotify {
		fn(s)
	}
}

// refreshState recomputes the resting state after a drain or resolution
func (e *Engine) refreshState(ctx context.Context) {
	if !e.monitor.Status().Online {
		e.setState(StateOffline)
		return
	}

	unresolved, err := e.conflicts.UnresolvedCount(ctx)
	if err != nil {
		e.logger.Error("Failed to count unresolved conflicts", "error", err)
		e.setState(StateIdle)
		return
	}

	if unresolved > 0 {
		e.setState(StateConflict)
		return
	}
	e.setState(StateIdle)
}
