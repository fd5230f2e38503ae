package procfs

import (
	"fmt"
	"sync"

	"github.com/shirou/gopsutil/v3/host"
	sysconf "github.com/tklauser/go-sysconf"
	"github.com/tklauser/numcpus"
)

// ClockTicksPerSec returns the kernel's USER_HZ value (SC_CLK_TCK), used to
// convert the utime/stime jiffie counters into seconds for the cpu-percent
// predicate (§4.3.2). Resolved once and cached: it is a host-wide constant
// for the lifetime of the process.
func ClockTicksPerSec() (int64, error) {
	clkTckOnce.Do(func() {
		v, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
		clkTckVal, clkTckErr = v, err
	})
	return clkTckVal, clkTckErr
}

var (
	clkTckOnce sync.Once
	clkTckVal  int64
	clkTckErr  error
)

// NumCPU returns the number of configured CPUs, used to scale the cpu
// threshold's valid upper bound (0..100*NumCPU, §3).
func NumCPU() (int, error) {
	numCPUOnce.Do(func() {
		v, err := numcpus.GetConfigured()
		numCPUVal, numCPUErr = v, err
	})
	return numCPUVal, numCPUErr
}

var (
	numCPUOnce sync.Once
	numCPUVal  int
	numCPUErr  error
)

// SystemUptimeSeconds returns the number of seconds since boot, used as the
// reference point for the cpu-percent predicate's elapsed_sec term
// (§4.3.2): elapsed_sec = system_uptime_sec - (starttime_ticks / clock_ticks_per_sec).
func SystemUptimeSeconds() (float64, error) {
	secs, err := host.Uptime()
	if err != nil {
		return 0, fmt.Errorf("procfs: read system uptime: %w", err)
	}
	return float64(secs), nil
}

// PageSizeKiB is the host's memory page size in KiB, used to convert
// rss/swap page counts into MiB (§4.3.2). Linux pages are 4 KiB on every
// architecture this agent targets; unlike ClockTicksPerSec and NumCPU this
// is not read from a syscall because os.Getpagesize already returns it
// cheaply and exactly.
func PageSizeKiB() int64 {
	return int64(pageSize()) / 1024
}
