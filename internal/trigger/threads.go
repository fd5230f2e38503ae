package trigger

import (
	"context"
	"fmt"

	"github.com/tripwire/procdump/internal/dumpwriter"
	"github.com/tripwire/procdump/internal/procfs"
	"github.com/tripwire/procdump/internal/target"
)

// NewThreadsObserver builds the thread-count observer (§4.3.2): fires when
// the stat record's thread count is at or above the configured threshold.
// Unlike cpu/memory there is no "below" direction — threads only ever
// triggers above (§3).
func NewThreadsObserver(st *target.State, w *dumpwriter.Writer, src *procfs.Source) *Observer {
	o := &Observer{Kind: KindThreads, State: st, Writer: w}
	o.eval = func(ctx context.Context) (bool, error) {
		stat, err := src.StatFields(st.Pid)
		if err != nil {
			return false, err
		}
		if st.Cfg.ThreadThreshold == nil {
			return false, fmt.Errorf("trigger: threads observer started without a thread threshold")
		}
		return stat.Threads >= int64(*st.Cfg.ThreadThreshold), nil
	}
	return o
}
