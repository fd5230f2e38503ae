// Package fleet implements the Fleet Coordinator (§4.4): the top-level
// loop that owns the pid-to-Supervisor map, discovers new targets, detects
// PID reuse, evicts finished targets, and decides when the agent as a
// whole should terminate.
package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tripwire/procdump/internal/config"
	"github.com/tripwire/procdump/internal/dumpwriter"
	"github.com/tripwire/procdump/internal/procfs"
	"github.com/tripwire/procdump/internal/target"
	"github.com/tripwire/procdump/internal/trigger"
)

// entry tracks one live target alongside the Supervisor monitoring it.
type entry struct {
	sup   *target.Supervisor
	state *target.State
}

// Coordinator is the top-level loop described in §4.4. Construct with New
// and call Run, which blocks until the appropriate termination condition
// (§4.4.6) or ctx cancellation.
type Coordinator struct {
	cfg    *config.Config
	src    *procfs.Source
	writer *dumpwriter.Writer
	log    *slog.Logger

	mu      sync.Mutex
	targets map[int]*entry
}

// New builds a Coordinator for cfg, sampling process information from src
// and writing dumps through writer.
func New(cfg *config.Config, src *procfs.Source, writer *dumpwriter.Writer, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		cfg:     cfg,
		src:     src,
		writer:  writer,
		log:     log,
		targets: make(map[int]*entry),
	}
}

// Run dispatches to single- or multi-target mode per the selector kind
// (§4.4).
func (c *Coordinator) Run(ctx context.Context) error {
	switch c.cfg.Selector.Kind {
	case config.SelectorPid, config.SelectorName:
		return c.runSingleTarget(ctx)
	case config.SelectorPgid, config.SelectorNameWait:
		return c.runMultiTarget(ctx)
	default:
		return fmt.Errorf("fleet: unknown selector kind %v", c.cfg.Selector.Kind)
	}
}

// runSingleTarget resolves exactly one pid up front, monitors it to
// completion, and returns.
func (c *Coordinator) runSingleTarget(ctx context.Context) error {
	pid, err := c.resolveSingleTargetPid()
	if err != nil {
		c.log.Info("no matching target at startup", "err", err)
		return nil
	}

	e, err := c.attach(pid)
	if err != nil {
		c.log.Warn("failed to attach to target", "pid", pid, "err", err)
		return nil
	}

	stop := context.AfterFunc(ctx, e.sup.Stop)
	defer stop()

	e.sup.Wait()
	c.evict(pid)
	return nil
}

// resolveSingleTargetPid implements the pid/unique-name resolution step of
// single-target mode.
func (c *Coordinator) resolveSingleTargetPid() (int, error) {
	switch c.cfg.Selector.Kind {
	case config.SelectorPid:
		pid := c.cfg.Selector.Pid
		if !c.src.Exists(pid) {
			return 0, fmt.Errorf("fleet: pid %d does not exist", pid)
		}
		return pid, nil
	case config.SelectorName:
		return c.src.FindByName(c.cfg.Selector.Name)
	default:
		return 0, fmt.Errorf("fleet: resolveSingleTargetPid called for selector kind %v", c.cfg.Selector.Kind)
	}
}

// runMultiTarget is the polling loop for process-group and name-wait
// selectors (§4.4 steps 1-6).
func (c *Coordinator) runMultiTarget(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		accepted, liveGroupMembers := c.scanCandidates()
		for _, pid := range accepted {
			c.considerCandidate(pid)
		}

		c.reapFinished()

		if c.cfg.Selector.Kind == config.SelectorPgid {
			c.mu.Lock()
			empty := len(c.targets) == 0
			c.mu.Unlock()
			if empty && !liveGroupMembers {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			c.stopAll()
			return nil
		case <-ticker.C:
		}
	}
}

// scanCandidates enumerates /proc and returns the pids accepted by the
// configured selector, along with whether any live process currently
// belongs to the target process group (used for pgid-mode termination,
// §9: "exit only when both the map is empty AND no live pgid members
// exist at the current scan").
func (c *Coordinator) scanCandidates() (accepted []int, liveGroupMembers bool) {
	pids, err := c.src.ListPids()
	if err != nil {
		c.log.Warn("failed to enumerate /proc", "err", err)
		return nil, false
	}

	for _, pid := range pids {
		switch c.cfg.Selector.Kind {
		case config.SelectorPgid:
			pgid, err := c.src.Pgid(pid)
			if err != nil {
				continue
			}
			if pgid == c.cfg.Selector.Pgid {
				liveGroupMembers = true
				accepted = append(accepted, pid)
			}
		case config.SelectorNameWait:
			name, err := c.src.Name(pid)
			if err != nil || name == "" {
				continue
			}
			if name == c.cfg.Selector.Name {
				accepted = append(accepted, pid)
			}
		}
	}
	return accepted, liveGroupMembers
}

// considerCandidate implements §4.4 step 3: create, no-op, or evict-and-
// recreate (PID reuse) for one accepted pid.
func (c *Coordinator) considerCandidate(pid int) {
	c.mu.Lock()
	e, tracked := c.targets[pid]
	c.mu.Unlock()

	if !tracked {
		if _, err := c.attach(pid); err != nil {
			c.log.Warn("failed to start target", "pid", pid, "err", err)
		}
		return
	}

	if !e.state.Terminated() && !e.state.Quit() {
		return // already active, no-op
	}

	freshStart, err := c.src.StartTime(pid)
	if err != nil {
		return // vanished between the scan and here; the entry is left as it is
	}
	if freshStart != e.state.StartTime {
		c.log.Info("pid reuse detected", "pid", pid, "old_start", e.state.StartTime, "new_start", freshStart)
		c.evict(pid)
		if _, err := c.attach(pid); err != nil {
			c.log.Warn("failed to start target after pid reuse", "pid", pid, "err", err)
		}
	}
}

// reapFinished implements §4.4 step 4-5: evict every tracked target whose
// state reports quit or a reached dump budget.
func (c *Coordinator) reapFinished() {
	c.mu.Lock()
	var toEvict []int
	for pid, e := range c.targets {
		if e.state.Quit() || e.state.DumpsCollected() >= e.state.Cfg.DumpsToCollect {
			toEvict = append(toEvict, pid)
		}
	}
	c.mu.Unlock()

	for _, pid := range toEvict {
		c.evict(pid)
	}
}

// attach creates a Supervisor for a freshly observed pid: it samples the
// target's start-time and name, clones the configuration specialized to
// this pid, builds the enabled observer set, and starts the Supervisor.
func (c *Coordinator) attach(pid int) (*entry, error) {
	startTime, err := c.src.StartTime(pid)
	if err != nil {
		return nil, err
	}
	name, err := c.src.Name(pid)
	if err != nil {
		name = ""
	}

	cfg := c.cfg.CloneForPid(pid)
	st := target.New(pid, cfg, startTime, name)
	runners := c.buildRunners(st)

	sup := target.NewSupervisor(st)
	if err := sup.Start(context.Background(), runners); err != nil {
		return nil, err
	}

	e := &entry{sup: sup, state: st}
	c.mu.Lock()
	c.targets[pid] = e
	c.mu.Unlock()

	c.log.Info("target attached", "pid", pid, "name", name)
	return e, nil
}

// buildRunners constructs exactly one observer per enabled trigger (§4.2).
func (c *Coordinator) buildRunners(st *target.State) []target.Runner {
	var runners []target.Runner
	cfg := st.Cfg

	if cfg.Signal != nil {
		runners = append(runners, trigger.NewSignalObserver(st, c.writer))
		return runners
	}
	if cfg.MemoryThresholdMB != nil {
		runners = append(runners, trigger.NewMemoryObserver(st, c.writer, c.src))
	}
	if cfg.CPUThreshold != nil {
		runners = append(runners, trigger.NewCPUObserver(st, c.writer, c.src))
	}
	if cfg.ThreadThreshold != nil {
		runners = append(runners, trigger.NewThreadsObserver(st, c.writer, c.src))
	}
	if cfg.FDThreshold != nil {
		runners = append(runners, trigger.NewFDObserver(st, c.writer, c.src))
	}
	if cfg.TimerOnly() {
		runners = append(runners, trigger.NewTimerObserver(st, c.writer, c.src))
	}
	return runners
}

// evict stops and harvests the Supervisor for pid, then removes it from
// the map.
func (c *Coordinator) evict(pid int) {
	c.mu.Lock()
	e, ok := c.targets[pid]
	if ok {
		delete(c.targets, pid)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	e.sup.Stop()
	_ = e.sup.Wait()
}

// stopAll stops and evicts every currently tracked target, used when the
// coordinator itself is cancelled.
func (c *Coordinator) stopAll() {
	c.mu.Lock()
	pids := make([]int, 0, len(c.targets))
	for pid := range c.targets {
		pids = append(pids, pid)
	}
	c.mu.Unlock()
	for _, pid := range pids {
		c.evict(pid)
	}
}

// Status is a point-in-time health snapshot of every tracked target,
// printable on SIGUSR1 in place of a remote healthz endpoint (no control
// plane is in scope here).
type Status struct {
	Targets []TargetStatus
}

// TargetStatus summarizes one tracked target.
type TargetStatus struct {
	Pid            int
	Name           string
	DumpsCollected int
	DumpsToCollect int
	Terminated     bool
}

// Status returns a snapshot of every currently tracked target.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	var s Status
	for pid, e := range c.targets {
		s.Targets = append(s.Targets, TargetStatus{
			Pid:            pid,
			Name:           e.state.Name,
			DumpsCollected: e.state.DumpsCollected(),
			DumpsToCollect: e.state.Cfg.DumpsToCollect,
			Terminated:     e.state.Terminated(),
		})
	}
	return s
}
