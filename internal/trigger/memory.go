package trigger

import (
	"context"
	"fmt"

	"github.com/tripwire/procdump/internal/config"
	"github.com/tripwire/procdump/internal/dumpwriter"
	"github.com/tripwire/procdump/internal/procfs"
	"github.com/tripwire/procdump/internal/target"
)

// NewMemoryObserver builds the memory-threshold observer (§4.3.2): total
// resident+swap memory, converted to MiB, compared against the configured
// threshold in the configured direction.
func NewMemoryObserver(st *target.State, w *dumpwriter.Writer, src *procfs.Source) *Observer {
	o := &Observer{Kind: KindMemory, State: st, Writer: w}
	o.eval = func(ctx context.Context) (bool, error) {
		stat, err := src.StatFields(st.Pid)
		if err != nil {
			return false, err
		}
		pageKiB := procfs.PageSizeKiB()
		totalMiB := float64((stat.RSSPages+stat.SwapPages)*pageKiB) / 1024.0

		th := st.Cfg.MemoryThresholdMB
		if th == nil {
			return false, fmt.Errorf("trigger: memory observer started without a memory threshold")
		}
		return compareThreshold(totalMiB, *th), nil
	}
	return o
}

// compareThreshold applies a threshold's direction to a sampled value. The
// above direction is inclusive of the boundary ("trigger when ... >=
// threshold", per the memory/cpu flag help text), matching threads.go and
// fd.go's always-inclusive comparisons.
func compareThreshold(value float64, th config.Threshold) bool {
	if th.Direction == config.Below {
		return value <= th.Value
	}
	return value >= th.Value
}
