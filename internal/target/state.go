// Package target implements the per-target shared state described in §3 and
// §4.2: the mutable record that every trigger observer for one target reads
// and mutates under a single mutual-exclusion gate. State is intentionally
// free of any knowledge of how observers are started or stopped — that is
// the Supervisor's job (supervisor.go), built on top of State.
package target

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tripwire/procdump/internal/config"
)

// State is the mutable record shared by every observer monitoring one
// target process. Create with New; the zero value is not usable.
//
// The immutable fields (Pid, Cfg, StartTime, Name) are safe to read without
// holding Mu — they never change after New returns. The mutable fields
// (dumpsCollected, terminated, quit) must only be read or written while
// holding Mu, and Mu must never be held across a blocking call (§5).
type State struct {
	// Pid is the target's process id, fixed for the lifetime of this State.
	Pid int
	// Cfg is the (possibly per-pid-specialized) configuration this target
	// is monitored under.
	Cfg *config.Config
	// StartTime is the target's /proc stat start-time (ticks since boot)
	// recorded at attach. A later sample returning a different value for
	// the same pid means the kernel has reused the pid (§3, §8).
	StartTime int64
	// Name is the process name resolved via cmdline at attach.
	Name string

	mu             sync.Mutex
	dumpsCollected int
	terminated     bool
	quit           bool
}

// New creates a State for a freshly attached target.
func New(pid int, cfg *config.Config, startTime int64, name string) *State {
	return &State{Pid: pid, Cfg: cfg, StartTime: startTime, Name: name}
}

// DumpsCollected returns the current dump count under the state gate.
func (s *State) DumpsCollected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dumpsCollected
}

// IncrementDumps atomically increments the dump counter and returns the new
// value. The dump writer calls this only after a dump has been confirmed
// successful (§4.5, §9: "increment after success").
func (s *State) IncrementDumps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dumpsCollected++
	return s.dumpsCollected
}

// Terminated reports whether the target has been marked as gone.
func (s *State) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// SetTerminated marks the target as gone. Idempotent.
func (s *State) SetTerminated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminated = true
}

// Quit reports whether Supervisor.Stop has been called for this target.
func (s *State) Quit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quit
}

// SetQuit sets the quit flag, read by every observer's should-continue
// check on its next iteration (§4.2 Supervisor.stop()).
func (s *State) SetQuit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quit = true
}

// ShouldContinueMonitoring implements §4.3.1: it returns false when the
// dump budget is exhausted, the target has already been marked terminated,
// quit has been requested, or a side-effect-free liveness probe against the
// target (pid or, for pgid selectors, the whole process group) fails. A
// failing probe sets terminated before returning false, so subsequent
// observers short-circuit without re-probing.
func (s *State) ShouldContinueMonitoring() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dumpsCollected >= s.Cfg.DumpsToCollect {
		return false
	}
	if s.terminated || s.quit {
		return false
	}
	if !s.probeLivenessLocked() {
		s.terminated = true
		return false
	}
	return true
}

// probeLivenessLocked sends signal 0 (a side-effect-free existence check,
// never a real signal) to the target pid, or to the target's whole process
// group when the selector is SelectorPgid. Must be called with mu held.
func (s *State) probeLivenessLocked() bool {
	if s.Cfg.Selector.Kind == config.SelectorPgid {
		// A negative pid argument to kill(2) targets the process group.
		return unix.Kill(-s.Cfg.Selector.Pgid, 0) == nil
	}
	return unix.Kill(s.Pid, 0) == nil
}
