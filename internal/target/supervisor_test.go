package target

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

type fakeRunner struct {
	runFn func(ctx context.Context) error
}

func (r *fakeRunner) Run(ctx context.Context) error { return r.runFn(ctx) }

func blockUntilCancelled(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func TestSupervisor_WaitBlocksUntilAllRunnersReturn(t *testing.T) {
	st := New(os.Getpid(), selfCfg(t, 5), 0, "self")
	sup := NewSupervisor(st)

	r1 := &fakeRunner{runFn: blockUntilCancelled}
	r2 := &fakeRunner{runFn: blockUntilCancelled}

	if err := sup.Start(context.Background(), []Runner{r1, r2}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- sup.Wait() }()

	select {
	case <-done:
		t.Fatal("Wait returned before Stop was called")
	case <-time.After(50 * time.Millisecond):
	}

	sup.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after Stop")
	}
}

func TestSupervisor_WaitPropagatesRunnerFailure(t *testing.T) {
	st := New(os.Getpid(), selfCfg(t, 5), 0, "self")
	sup := NewSupervisor(st)

	boom := errors.New("boom")
	r := &fakeRunner{runFn: func(ctx context.Context) error { return boom }}

	if err := sup.Start(context.Background(), []Runner{r}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sup.Wait(); !errors.Is(err, boom) {
		t.Errorf("Wait() = %v, want wrapping %v", err, boom)
	}
}

func TestSupervisor_StopSetsQuitFlag(t *testing.T) {
	st := New(os.Getpid(), selfCfg(t, 5), 0, "self")
	sup := NewSupervisor(st)
	r := &fakeRunner{runFn: blockUntilCancelled}

	if err := sup.Start(context.Background(), []Runner{r}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sup.Stop()
	_ = sup.Wait()

	if !st.Quit() {
		t.Error("expected quit flag set after Stop")
	}
}

func TestSupervisor_StartRejectsEmptyRunnerSet(t *testing.T) {
	st := New(os.Getpid(), selfCfg(t, 5), 0, "self")
	sup := NewSupervisor(st)
	if err := sup.Start(context.Background(), nil); err == nil {
		t.Error("expected an error starting a supervisor with no observers")
	}
}
