package target

import (
	"os"
	"testing"
	"time"

	"github.com/tripwire/procdump/internal/config"
)

func selfCfg(t *testing.T, dumps int) *config.Config {
	t.Helper()
	return &config.Config{
		Selector:       config.Selector{Kind: config.SelectorPid, Pid: os.Getpid()},
		DumpsToCollect: dumps,
		Spacing:        10 * time.Second,
		PollInterval:   time.Second,
	}
}

func TestShouldContinueMonitoring_BudgetExhausted(t *testing.T) {
	s := New(os.Getpid(), selfCfg(t, 1), 0, "self")
	s.IncrementDumps()
	if s.ShouldContinueMonitoring() {
		t.Error("expected false once dump budget is reached")
	}
}

func TestShouldContinueMonitoring_Terminated(t *testing.T) {
	s := New(os.Getpid(), selfCfg(t, 5), 0, "self")
	s.SetTerminated()
	if s.ShouldContinueMonitoring() {
		t.Error("expected false once terminated")
	}
}

func TestShouldContinueMonitoring_Quit(t *testing.T) {
	s := New(os.Getpid(), selfCfg(t, 5), 0, "self")
	s.SetQuit()
	if s.ShouldContinueMonitoring() {
		t.Error("expected false once quit is requested")
	}
}

func TestShouldContinueMonitoring_LivePid(t *testing.T) {
	s := New(os.Getpid(), selfCfg(t, 5), 0, "self")
	if !s.ShouldContinueMonitoring() {
		t.Error("expected true for our own live pid under budget")
	}
	if s.Terminated() {
		t.Error("a live probe must not mark terminated")
	}
}

func TestShouldContinueMonitoring_DeadPidMarksTerminated(t *testing.T) {
	// A pid this large is vanishingly unlikely to be assigned on any real
	// system; kill(pid, 0) against it must fail with ESRCH.
	const almostCertainlyDeadPid = 1 << 30
	s := New(almostCertainlyDeadPid, selfCfg(t, 5), 0, "ghost")
	if s.ShouldContinueMonitoring() {
		t.Error("expected false for a pid with no live process")
	}
	if !s.Terminated() {
		t.Error("a failing liveness probe must mark the target terminated")
	}
}

func TestIncrementDumps(t *testing.T) {
	s := New(os.Getpid(), selfCfg(t, 5), 0, "self")
	if n := s.IncrementDumps(); n != 1 {
		t.Errorf("first IncrementDumps = %d, want 1", n)
	}
	if n := s.IncrementDumps(); n != 2 {
		t.Errorf("second IncrementDumps = %d, want 2", n)
	}
	if s.DumpsCollected() != 2 {
		t.Errorf("DumpsCollected = %d, want 2", s.DumpsCollected())
	}
}
