package trigger

import (
	"context"
	"fmt"

	"github.com/tripwire/procdump/internal/dumpwriter"
	"github.com/tripwire/procdump/internal/procfs"
	"github.com/tripwire/procdump/internal/target"
)

// NewCPUObserver builds the cpu-threshold observer (§4.3.2). The percent is
// computed from the target's lifetime accumulated utime+stime against the
// process's elapsed wall-clock age — cumulative CPU%, not an interval
// delta (§9): a process that burned 50% of one core for its whole lifetime
// reads 50% whether it spiked a second ago or a year ago.
func NewCPUObserver(st *target.State, w *dumpwriter.Writer, src *procfs.Source) *Observer {
	o := &Observer{Kind: KindCPU, State: st, Writer: w}
	o.eval = func(ctx context.Context) (bool, error) {
		stat, err := src.StatFields(st.Pid)
		if err != nil {
			return false, err
		}
		clkTck, err := procfs.ClockTicksPerSec()
		if err != nil {
			return false, fmt.Errorf("trigger: read clock ticks: %w", err)
		}
		uptime, err := procfs.SystemUptimeSeconds()
		if err != nil {
			return false, fmt.Errorf("trigger: read system uptime: %w", err)
		}

		th := st.Cfg.CPUThreshold
		if th == nil {
			return false, fmt.Errorf("trigger: cpu observer started without a cpu threshold")
		}

		jiffies := float64(stat.UTime + stat.STime)
		totalSec := jiffies / float64(clkTck)
		elapsedSec := uptime - float64(stat.StartTime)/float64(clkTck)
		if elapsedSec <= 0 {
			return false, nil
		}
		percent := totalSec / elapsedSec * 100

		return compareThreshold(percent, *th), nil
	}
	return o
}
