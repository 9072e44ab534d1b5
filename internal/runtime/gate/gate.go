// Package gate implements the back-pressure gate that parks publishers while
// the broker reports it cannot accept writes.
package gate

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/broker"
	loggingpkg "github.com/0akarma/logstash-integration-rabbitmq/internal/runtime/logging"
)

var _ broker.FlowListener = (*Gate)(nil)

// Reasons used when the gate is driven by connection recovery or the
// broker's unblock signal, which carry no text of their own.
const (
	ReasonUnblocked         = "connection unblocked"
	ReasonRecoveryStarted   = "connection recovery started"
	ReasonRecoveryCompleted = "connection recovery completed"
)

// State is a snapshot of the gate.
type State struct {
	Engaged bool
	Reason  string
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger used for state transitions.
func WithLogger(l loggingpkg.Logger) Option {
	return func(g *Gate) { g.logger = loggingpkg.Safe(l) }
}

// WithObserver registers fn to be called after every Engage/Clear.
func WithObserver(fn func(State)) Option {
	return func(g *Gate) { g.observers = append(g.observers, fn) }
}

// WithWaitObserver registers fn to be called whenever the number of parked
// callers changes.
func WithWaitObserver(fn func(waiting int64)) Option {
	return func(g *Gate) { g.waitObservers = append(g.waitObservers, fn) }
}

type gateState struct {
	engaged bool
	reason  string
	// released is closed by the Clear that ends this engagement.
	released chan struct{}
}

// Gate runs tasks immediately while clear and parks callers while engaged.
// The zero value is not usable; call New.
type Gate struct {
	mu    sync.Mutex
	state atomic.Pointer[gateState]

	waiting atomic.Int64

	logger        loggingpkg.Logger
	observers     []func(State)
	waitObservers []func(int64)
}

// New returns a clear gate.
func New(opts ...Option) *Gate {
	g := &Gate{logger: loggingpkg.NopLogger()}
	for _, opt := range opts {
		opt(g)
	}
	g.state.Store(&gateState{})
	return g
}

// Engage blocks subsequent Run calls until Clear. Engaging an engaged gate
// only updates the reason.
func (g *Gate) Engage(reason string) {
	g.mu.Lock()
	cur := g.state.Load()
	changed := !cur.engaged
	released := cur.released
	if changed {
		released = make(chan struct{})
	}
	g.state.Store(&gateState{engaged: true, reason: reason, released: released})
	g.mu.Unlock()

	g.transitioned(changed, State{Engaged: true, Reason: reason})
}

// Clear releases every parked caller. Clearing a clear gate only updates
// the reason.
func (g *Gate) Clear(reason string) {
	g.mu.Lock()
	cur := g.state.Load()
	changed := cur.engaged
	g.state.Store(&gateState{reason: reason})
	if changed {
		close(cur.released)
	}
	g.mu.Unlock()

	g.transitioned(changed, State{Engaged: false, Reason: reason})
}

// Run executes task on the calling goroutine once the gate is clear and
// returns its error. A cancelled ctx releases a parked caller without running
// task.
func (g *Gate) Run(ctx context.Context, task func() error) error {
	for {
		st := g.state.Load()
		if !st.engaged {
			return task()
		}
		if err := g.wait(ctx, st.released); err != nil {
			return err
		}
	}
}

func (g *Gate) wait(ctx context.Context, released <-chan struct{}) error {
	g.waitChanged(g.waiting.Add(1))
	defer func() { g.waitChanged(g.waiting.Add(-1)) }()

	select {
	case <-released:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current state.
func (g *Gate) State() State {
	st := g.state.Load()
	return State{Engaged: st.engaged, Reason: st.reason}
}

// Waiting returns the number of callers parked in Run.
func (g *Gate) Waiting() int64 {
	return g.waiting.Load()
}

func (g *Gate) Blocked(reason string) { g.Engage(reason) }
func (g *Gate) Unblocked()            { g.Clear(ReasonUnblocked) }
func (g *Gate) RecoveryStarted()      { g.Engage(ReasonRecoveryStarted) }
func (g *Gate) RecoveryCompleted()    { g.Clear(ReasonRecoveryCompleted) }

// transitioned runs after the state swap so a failing logger or observer
// cannot undo or delay it.
func (g *Gate) transitioned(changed bool, st State) {
	fields := loggingpkg.LogFields{"reason": st.Reason, "waiting": g.waiting.Load()}
	switch {
	case changed && st.Engaged:
		g.logger.Info("Back-pressure gate engaged, publishing is paused", fields)
	case changed:
		g.logger.Info("Back-pressure gate cleared, publishing resumes", fields)
	default:
		g.logger.Debug("Back-pressure gate reason updated", fields)
	}

	for _, fn := range g.observers {
		safeCall(func() { fn(st) })
	}
}

func (g *Gate) waitChanged(n int64) {
	for _, fn := range g.waitObservers {
		safeCall(func() { fn(n) })
	}
}

func safeCall(fn func()) {
	defer func() { _ = recover() }()
	fn()
}
