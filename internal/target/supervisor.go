package target

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Runner is satisfied by every trigger observer kind, letting Supervisor
// treat the polling observers (package trigger's Observer) and the
// ptrace-driven SignalObserver identically.
type Runner interface {
	Run(ctx context.Context) error
}

// Supervisor owns one target's State and the set of observer goroutines
// monitoring it, fanning them out and waiting on them with an
// errgroup.Group (§4.2): the first observer to return a non-nil error
// cancels the shared context, and Wait collects every observer's outcome.
type Supervisor struct {
	State *State

	cancel context.CancelFunc
	group  *errgroup.Group
	ctx    context.Context
}

// NewSupervisor constructs a Supervisor for st. It does not start any
// observers — call Start with the already-built Runner set for this
// target's enabled triggers (§4.2: exactly one observer per enabled
// trigger).
func NewSupervisor(st *State) *Supervisor {
	return &Supervisor{State: st}
}

// Start launches one goroutine per runner under a shared errgroup.Group and
// returns an error only when runners is empty. It has no synchronous launch
// step that can fail partway, so no partial observer set is left behind: a
// runner fails inside its own goroutine, which cancels the shared context
// for the others, and the error is reported by Wait. Start records the
// cancel function so Stop can cancel before the first Wait.
func (s *Supervisor) Start(ctx context.Context, runners []Runner) error {
	if len(runners) == 0 {
		return fmt.Errorf("target: supervisor started with no enabled observers")
	}
	gctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(gctx)

	s.ctx = gctx
	s.cancel = cancel
	s.group = group

	for _, r := range runners {
		r := r
		group.Go(func() error {
			return r.Run(gctx)
		})
	}
	return nil
}

// Wait blocks until every observer has returned, then reports whether any
// of them failed irrecoverably. A clean target disappearance is not an
// error — observers report that by setting State.Terminated and returning
// nil, per §4.3.1.
func (s *Supervisor) Wait() error {
	if s.group == nil {
		return nil
	}
	if err := s.group.Wait(); err != nil {
		return fmt.Errorf("target: observer failed: %w", err)
	}
	return nil
}

// Stop sets the quit flag and cancels the shared context, unparking every
// observer (§4.2, §5). It does not block; call Wait afterward to harvest.
func (s *Supervisor) Stop() {
	s.State.SetQuit()
	if s.cancel != nil {
		s.cancel()
	}
}
