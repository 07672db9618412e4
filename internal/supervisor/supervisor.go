// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 UnitHost Contributors

// Package supervisor runs units on dedicated goroutines and tracks their
// lifecycle. Each start mints a fresh execution context identified by a
// ULID; stop is cooperative (flag plus context cancellation) and a run
// that ignores it is marked zombie rather than killed.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/unithost/unithost/internal/observability"
	"github.com/unithost/unithost/pkg/errutil"
	"github.com/unithost/unithost/pkg/param"
	"github.com/unithost/unithost/pkg/unit"
)

// Publisher is the event sink a Supervisor reports into.
type Publisher interface {
	Publish(unit.Event)
}

// proc is one execution of a unit. A proc never runs twice: restarting a
// unit replaces its proc, so a terminal state sticks to the run that
// produced it.
type proc struct {
	unitID    string
	runID     ulid.ULID
	cancel    context.CancelFunc
	requested atomic.Bool
	zombie    atomic.Bool
	done      chan struct{}
	startedAt time.Time
	rt        *runtime

	// state is guarded by the owning Supervisor's mu.
	state unit.Status
}

// Supervisor owns the unit goroutines. All state transitions flow through
// it, so the event stream sees a consistent lifecycle per run.
type Supervisor struct {
	log *slog.Logger
	bus Publisher

	mu    sync.Mutex
	procs map[string]*proc
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger used by the supervisor.
func WithLogger(log *slog.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// New creates a Supervisor publishing lifecycle events to bus.
func New(bus Publisher, opts ...Option) *Supervisor {
	s := &Supervisor{
		log:   slog.Default(),
		bus:   bus,
		procs: make(map[string]*proc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches u on its own goroutine under the given id with resolved
// parameter values. Starting a unit that is already starting or running
// is a no-op. Starting one whose previous run is still winding down fails
// with UNIT_STOPPING; the caller retries once the old run exits.
func (s *Supervisor) Start(ctx context.Context, id string, u unit.Unit, params param.Values) error {
	s.mu.Lock()
	if cur, ok := s.procs[id]; ok {
		switch cur.state {
		case unit.StatusStarting, unit.StatusRunning:
			s.mu.Unlock()
			s.log.Debug("unit already active, start ignored", "unit", id, "state", cur.state)
			return nil
		case unit.StatusStopping, unit.StatusZombie:
			s.mu.Unlock()
			return oops.
				Code("UNIT_STOPPING").
				In("supervisor").
				With("unit", id).
				With("state", string(cur.state)).
				Hint("wait for the previous run to exit before restarting").
				Errorf("unit %q is still stopping", id)
		}
	}

	// The run context inherits values (trace metadata) but not
	// cancellation: a run ends only through its own Stop.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &proc{
		unitID:    id,
		runID:     newRunID(),
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now(),
		state:     unit.StatusStarting,
	}
	p.rt = &runtime{
		unitID: id,
		params: params.Clone(),
		ctx:    runCtx,
		stop:   &p.requested,
		hist:   newHistory(),
		bus:    s.bus,
	}
	s.procs[id] = p
	s.log.Info("unit starting", "unit", id, "run", p.runID.String())
	observability.RecordUnitStart(id)
	s.bus.Publish(unit.StatusEvent(id, unit.StatusStarting))
	s.mu.Unlock()

	go s.run(runCtx, p, u)
	return nil
}

func (s *Supervisor) run(ctx context.Context, p *proc, u unit.Unit) {
	defer close(p.done)
	defer p.cancel()

	// A stop issued between launch and here leaves the state at
	// Stopping; the unit then observes Stopped() immediately.
	s.transition(p, unit.StatusStarting, unit.StatusRunning)

	panicked, err := s.invoke(ctx, p, u)
	s.finish(p, err, panicked)
}

// invoke calls u.Run, converting a panic into an error so one broken
// unit cannot take the host down.
func (s *Supervisor) invoke(ctx context.Context, p *proc, u unit.Unit) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = oops.
				Code("UNIT_RUN_FAILED").
				In("supervisor").
				With("unit", p.unitID).
				With("run", p.runID.String()).
				With("panic", r).
				Errorf("unit %q panicked", p.unitID)
		}
	}()
	return false, u.Run(ctx, p.rt)
}

// finish settles the run's terminal state and publishes the outcome.
func (s *Supervisor) finish(p *proc, err error, panicked bool) {
	wasZombie := p.zombie.Load()

	// A context.Canceled after a stop request is a clean exit, not a
	// failure: cancellation is how the stop was delivered.
	failed := err != nil && (panicked || !(p.requested.Load() && errors.Is(err, context.Canceled)))

	if failed {
		reason := "error"
		if panicked {
			reason = "panic"
		}
		observability.RecordUnitFailure(reason)
		errutil.LogError(s.log.With("unit", p.unitID, "run", p.runID.String()), "unit run failed", err)
		s.bus.Publish(unit.ErrorEvent(p.unitID, err.Error()))
		s.settle(p, unit.StatusError)
		return
	}

	s.settle(p, unit.StatusStopped)
	s.log.Info("unit stopped",
		"unit", p.unitID,
		"run", p.runID.String(),
		"uptime", time.Since(p.startedAt).Round(time.Millisecond))
	if wasZombie {
		s.log.Info("unresponsive unit finally exited", "unit", p.unitID, "run", p.runID.String())
	}
}

// Stop asks a unit to wind down: it flips the flag the unit polls and
// cancels the run context. It never kills the goroutine. Stopping a unit
// that is not active is a no-op.
func (s *Supervisor) Stop(id string) {
	s.mu.Lock()
	p := s.procs[id]
	if p == nil || p.state.Terminal() || p.state == unit.StatusStopping || p.state == unit.StatusZombie {
		s.mu.Unlock()
		return
	}
	from := p.state
	p.state = unit.StatusStopping
	p.requested.Store(true)
	p.cancel()
	s.announce(p, from, unit.StatusStopping)
	s.mu.Unlock()
}

// Join blocks until the unit's current run exits or ctx expires. On
// expiry the run is marked zombie, a warning rides the event stream, and
// Join returns STOP_TIMEOUT; the goroutine is left to exit on its own.
// Joining a unit with no live run returns immediately.
func (s *Supervisor) Join(ctx context.Context, id string) error {
	s.mu.Lock()
	p := s.procs[id]
	s.mu.Unlock()
	if p == nil {
		return nil
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
	}
	// The deadline and the exit can race; prefer the exit.
	select {
	case <-p.done:
		return nil
	default:
	}

	p.zombie.Store(true)
	if s.settleActive(p, unit.StatusZombie) {
		msg := "unit ignored stop request and is still running"
		s.log.Warn("abandoning wait for unit", "unit", id, "run", p.runID.String())
		s.bus.Publish(unit.WarningEvent(id, msg))
	}
	return oops.
		Code("STOP_TIMEOUT").
		In("supervisor").
		With("unit", id).
		With("run", p.runID.String()).
		Hint("the goroutine is leaked until the unit exits on its own").
		Errorf("unit %q did not stop in time", id)
}

// Status reports the lifecycle state of the unit's most recent run, or
// Idle when it has never run.
func (s *Supervisor) Status(id string) unit.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.procs[id]; p != nil {
		return p.state
	}
	return unit.StatusIdle
}

// History returns the log lines of the most recent run, oldest first.
// The history survives the run's exit until the unit starts again.
func (s *Supervisor) History(id string) []string {
	s.mu.Lock()
	p := s.procs[id]
	s.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.rt.hist.snapshot()
}

// Params returns the resolved parameter values of the unit's active run,
// or nil when no run is active.
func (s *Supervisor) Params(id string) param.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.procs[id]
	if p == nil || !p.state.Active() {
		return nil
	}
	return p.rt.params.Clone()
}

// Uptime reports how long the current run has been alive, or zero when
// the unit has no active run.
func (s *Supervisor) Uptime(id string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.procs[id]
	if p == nil || !p.state.Active() {
		return 0
	}
	return time.Since(p.startedAt)
}

// ActiveIDs lists units whose current run has not reached a terminal
// state, sorted for stable output.
func (s *Supervisor) ActiveIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.procs))
	for id, p := range s.procs {
		if p.state.Active() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Forget drops the bookkeeping for a unit's last run so the id can be
// released. It refuses while the run is still active.
func (s *Supervisor) Forget(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.procs[id]
	if p == nil {
		return nil
	}
	if p.state.Active() {
		return oops.
			Code("UNIT_STOPPING").
			In("supervisor").
			With("unit", id).
			With("state", string(p.state)).
			Errorf("unit %q still has a live run", id)
	}
	delete(s.procs, id)
	return nil
}

// transition moves p from one state to another only if it is still in
// from, reporting whether it moved.
func (s *Supervisor) transition(p *proc, from, to unit.Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.state != from {
		return false
	}
	p.state = to
	s.announce(p, from, to)
	return true
}

// settle forces p into a terminal state unless it already reached one.
func (s *Supervisor) settle(p *proc, to unit.Status) {
	s.settleActive(p, to)
}

// settleActive moves p to the given state from whatever non-terminal
// state it is in, reporting whether it moved.
func (s *Supervisor) settleActive(p *proc, to unit.Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := p.state
	if from.Terminal() || from == to {
		return false
	}
	p.state = to
	s.announce(p, from, to)
	return true
}

// announce publishes the status change and keeps the gauges in step.
// Called with mu held so the event stream sees transitions for one unit
// in state-machine order; Publish never blocks, so this is safe.
func (s *Supervisor) announce(p *proc, from, to unit.Status) {
	s.log.Debug("unit state changed",
		"unit", p.unitID,
		"run", p.runID.String(),
		"from", string(from),
		"to", string(to))

	switch from {
	case unit.StatusRunning:
		observability.DecRunningUnits()
	case unit.StatusZombie:
		observability.DecZombieUnits()
	}
	switch to {
	case unit.StatusRunning:
		observability.IncRunningUnits()
	case unit.StatusZombie:
		observability.IncZombieUnits()
	}

	s.bus.Publish(unit.StatusEvent(p.unitID, to))
}
