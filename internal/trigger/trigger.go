// Package trigger implements the six observer kinds and the control
// skeleton shared by the polling ones (§4.3). Every observer runs as its own
// goroutine, bound to exactly one target.State. The five polling observers
// drive themselves through the same precheck/sample/evaluate/dump/sleep
// loop — only the sample and evaluate steps differ between them; the signal
// observer (signal.go) runs its own ptrace-driven loop.
package trigger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tripwire/procdump/internal/dumpwriter"
	"github.com/tripwire/procdump/internal/procfs"
	"github.com/tripwire/procdump/internal/target"
)

// Kind names a trigger tag used both for dump filenames and logging.
type Kind string

const (
	KindMemory  Kind = "memory"
	KindCPU     Kind = "cpu"
	KindThreads Kind = "threads"
	KindFD      Kind = "file_descriptor"
	KindSignal  Kind = "signal"
	KindTimer   Kind = "timer"
)

// evaluator samples the target and reports whether this observer's
// predicate currently holds. Returning procfs.ErrNoSuchProcess signals the
// target has vanished; the skeleton marks it terminated and returns.
type evaluator func(ctx context.Context) (bool, error)

// Observer runs one trigger kind against one target until
// should_continue_monitoring returns false.
type Observer struct {
	Kind   Kind
	State  *target.State
	Writer *dumpwriter.Writer
	Log    *slog.Logger

	eval evaluator
}

// Run executes the shared control skeleton (§4.3) until the target's state
// gate reports monitoring should stop, or ctx is cancelled.
func (o *Observer) Run(ctx context.Context) error {
	log := o.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("trigger", string(o.Kind), "pid", o.State.Pid)

	for {
		if ctx.Err() != nil {
			return nil
		}
		if !o.State.ShouldContinueMonitoring() {
			return nil
		}

		fired, err := o.eval(ctx)
		if err != nil {
			if errors.Is(err, procfs.ErrNoSuchProcess) {
				o.State.SetTerminated()
				return nil
			}
			// A malformed-record read (§7 ProcParseError): tolerate and
			// retry next period rather than treating the target as gone.
			log.Warn("sample failed", "err", err)
			if !park(ctx, o.State.Cfg.PollInterval) {
				return nil
			}
			continue
		}

		if fired {
			req := dumpwriter.Request{State: o.State, Trigger: string(o.Kind), Timestamp: time.Now()}
			path, err := o.Writer.Write(ctx, req)
			if err != nil {
				log.Warn("dump request failed", "err", err)
			} else {
				log.Info("dump written", "path", path, "count", o.State.DumpsCollected())
			}

			if !o.State.ShouldContinueMonitoring() {
				return nil
			}
			if !park(ctx, o.State.Cfg.Spacing) {
				return nil
			}
			continue
		}

		if !park(ctx, o.State.Cfg.PollInterval) {
			return nil
		}
	}
}

// park blocks for d or until ctx is cancelled, reporting false in the
// cancellation case so the caller can distinguish "woken early" from
// "timer elapsed" (§5). It substitutes for a condition-variable timed wait:
// the goroutine parks on a timer channel and unparks the instant another
// goroutine cancels ctx.
func park(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
