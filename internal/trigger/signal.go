package trigger

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tripwire/procdump/internal/dumpwriter"
	"github.com/tripwire/procdump/internal/target"
)

// SignalObserver implements the signal trigger (§4.3.2), the one observer
// whose control flow does not fit the shared precheck/sample/evaluate
// skeleton: instead of polling, it attaches to the target with ptrace and
// blocks in wait(2) for the kernel to report a signal-delivery-stop.
//
// ptrace state is per-thread on Linux, so the whole observer runs on one
// locked OS thread for its entire lifetime (runtime.LockOSThread):
// attaching on one thread and waiting on another produces ESRCH.
type SignalObserver struct {
	State  *target.State
	Writer *dumpwriter.Writer

	// pollIdle is how long the observer parks between two non-blocking
	// Wait4(WNOHANG) polls before re-checking ctx and the quit flag, so
	// stop() is still honored without a true interruptible wait (no
	// equivalent to a condition variable exists over ptrace's blocking wait
	// call).
	pollIdle time.Duration
}

// NewSignalObserver builds the signal observer for st. Writer is used to
// request the dump once the configured signal is intercepted.
func NewSignalObserver(st *target.State, w *dumpwriter.Writer) *SignalObserver {
	return &SignalObserver{State: st, Writer: w, pollIdle: 50 * time.Millisecond}
}

// Run attaches to the target, then alternates between letting it run and
// waiting (with polling so cancellation remains responsive) for the next
// stop. Attaching to a process precludes any other debugger and perturbs
// its timing — an unavoidable cost of this trigger (§9).
func (o *SignalObserver) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	pid := o.State.Pid
	sig := o.State.Cfg.Signal
	if sig == nil {
		return fmt.Errorf("trigger: signal observer started without a configured signal")
	}
	targetSig := *sig

	if err := unix.PtraceAttach(pid); err != nil {
		o.State.SetTerminated()
		return fmt.Errorf("trigger: ptrace attach pid %d: %w", pid, err)
	}
	defer func() {
		_ = unix.PtraceDetach(pid)
	}()

	if _, done, err := o.waitStop(ctx, pid); done || err != nil {
		return err
	}

	forward := 0
	for {
		if !o.State.ShouldContinueMonitoring() {
			return nil
		}
		if err := unix.PtraceCont(pid, forward); err != nil {
			o.State.SetTerminated()
			return nil
		}

		stopSig, done, err := o.waitStop(ctx, pid)
		if done || err != nil {
			return err
		}

		if stopSig != targetSig {
			forward = stopSig
			continue
		}
		forward = 0

		// Group-stop the target before detaching so it remains stopped for
		// the dump backend even once ptrace releases it.
		_ = unix.Kill(pid, unix.SIGSTOP)
		_ = unix.PtraceDetach(pid)

		req := dumpwriter.Request{State: o.State, Trigger: string(KindSignal), Timestamp: time.Now()}
		_, _ = o.Writer.Write(ctx, req)

		_ = unix.Kill(pid, unix.SIGCONT)
		_ = unix.Kill(pid, targetSig)

		if !o.State.ShouldContinueMonitoring() {
			return nil
		}
		if err := unix.PtraceAttach(pid); err != nil {
			o.State.SetTerminated()
			return nil
		}
		if _, done, err := o.waitStop(ctx, pid); done || err != nil {
			return err
		}
	}
}

// waitStop polls wait4(pid, WNOHANG) until the tracee reports a stop,
// returning its stop signal. done is true when the caller should return
// immediately: either the wait was cancelled (quit requested or ctx done)
// or the tracee has exited (in which case the target is marked terminated).
func (o *SignalObserver) waitStop(ctx context.Context, pid int) (stopSig int, done bool, err error) {
	var ws unix.WaitStatus
	for {
		if ctx.Err() != nil || o.State.Quit() {
			return 0, true, nil
		}

		wpid, werr := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
		if werr != nil {
			o.State.SetTerminated()
			return 0, true, fmt.Errorf("trigger: wait4 pid %d: %w", pid, werr)
		}
		if wpid == 0 {
			if !park(ctx, o.pollIdle) {
				return 0, true, nil
			}
			continue
		}
		if ws.Exited() || ws.Signaled() {
			o.State.SetTerminated()
			return 0, true, nil
		}
		if ws.Stopped() {
			return int(ws.StopSignal()), false, nil
		}
	}
}
