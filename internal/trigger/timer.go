package trigger

import (
	"context"

	"github.com/tripwire/procdump/internal/dumpwriter"
	"github.com/tripwire/procdump/internal/procfs"
	"github.com/tripwire/procdump/internal/target"
)

// NewTimerObserver builds the timer observer (§4.3.2): unconditionally
// fires every polling period, enabled implicitly whenever no threshold, fd,
// or signal trigger was configured (§3). Its sample step is a bare
// existence check, so a vanished target is still detected via
// NoSuchProcess rather than the observer firing into a stale pid.
func NewTimerObserver(st *target.State, w *dumpwriter.Writer, src *procfs.Source) *Observer {
	o := &Observer{Kind: KindTimer, State: st, Writer: w}
	o.eval = func(ctx context.Context) (bool, error) {
		if !src.Exists(st.Pid) {
			return false, &procfs.NoSuchProcessError{Pid: st.Pid}
		}
		return true, nil
	}
	return o
}
