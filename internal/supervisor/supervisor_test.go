package supervisor

import (
	"errors"
	"fmt"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/loykin/sketchd/internal/pane"
	"github.com/loykin/sketchd/internal/registry"
	"github.com/loykin/sketchd/internal/sketch"
)

func newFixture(t *testing.T) (*Supervisor, *registry.Registry) {
	t.Helper()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.json"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	s := New(reg, &pane.Headless{}, Config{StopGrace: time.Second}, nil)
	t.Cleanup(s.Shutdown)
	return s, reg
}

func readySketch(t *testing.T, reg *registry.Registry, name, cmd string) sketch.Sketch {
	t.Helper()
	sk := sketch.Sketch{Name: name, Kind: sketch.KindCompiled, Status: sketch.StatusReady, ArtifactRef: cmd}
	if err := reg.Put(sk); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, _ := reg.Get(name)
	return got
}

func TestStartRequiresReady(t *testing.T) {
	s, reg := newFixture(t)
	sk := sketch.Sketch{Name: "draft", Kind: sketch.KindCompiled, Status: sketch.StatusDraft}
	if err := reg.Put(sk); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.Start(sk); !errors.Is(err, ErrLaunch) {
		t.Fatalf("expected ErrLaunch for draft sketch, got %v", err)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	s, reg := newFixture(t)
	sk := readySketch(t, reg, "sleeper", "sleep 30")
	in, err := s.Start(sk)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if in.PID == 0 {
		t.Fatalf("no pid recorded")
	}
	rec, _ := reg.Get("sleeper")
	if rec.Status != sketch.StatusRunning {
		t.Fatalf("expected running, got %s", rec.Status)
	}
	if err := s.Stop("sleeper", time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	rec, _ = reg.Get("sleeper")
	if rec.Status != sketch.StatusStopped {
		t.Fatalf("expected stopped, got %s", rec.Status)
	}
	if _, ok := s.Instance("sleeper"); ok {
		t.Fatalf("instance not cleared after stop")
	}
	if alive, _ := processAlive(in.PID); alive {
		t.Fatalf("process %d still alive after stop", in.PID)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s, reg := newFixture(t)
	readySketch(t, reg, "idle", "sleep 30")
	// No instance at all: no-op success and status untouched.
	if err := s.Stop("idle", time.Second); err != nil {
		t.Fatalf("stop without instance: %v", err)
	}
	rec, _ := reg.Get("idle")
	if rec.Status != sketch.StatusReady {
		t.Fatalf("stop altered status of non-running sketch: %s", rec.Status)
	}
	// Unknown name is also a no-op success.
	if err := s.Stop("ghost", time.Second); err != nil {
		t.Fatalf("stop unknown: %v", err)
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	s, reg := newFixture(t)
	// Traps TERM so only SIGKILL can end it.
	sk := readySketch(t, reg, "stubborn", "trap '' TERM; sleep 60")
	in, err := s.Start(sk)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	start := time.Now()
	if err := s.Stop("stubborn", 300*time.Millisecond); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("escalation too slow: %v", elapsed)
	}
	if alive, _ := processAlive(in.PID); alive {
		t.Fatalf("process survived SIGKILL escalation")
	}
}

func TestReconcileDuringStopKeepsStopped(t *testing.T) {
	s, reg := newFixture(t)
	// Traps TERM so the stop spends the whole grace period terminating.
	sk := readySketch(t, reg, "winding-down", "trap '' TERM; sleep 60")
	in, err := s.Start(sk)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- s.Stop("winding-down", 2*time.Second) }()
	time.Sleep(300 * time.Millisecond)
	s.Reconcile()
	if err := <-done; err != nil {
		t.Fatalf("stop: %v", err)
	}
	rec, _ := reg.Get("winding-down")
	if rec.Status != sketch.StatusStopped {
		t.Fatalf("reconcile raced the stop, got %s", rec.Status)
	}
	if alive, _ := processAlive(in.PID); alive {
		t.Fatalf("process %d still alive after stop", in.PID)
	}
}

func TestRunReplacesRunningInstance(t *testing.T) {
	s, reg := newFixture(t)
	sk := readySketch(t, reg, "replace-me", "sleep 30")
	first, err := s.Start(sk)
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	cur, _ := reg.Get("replace-me")
	second, err := s.Start(cur)
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if first.PID == second.PID {
		t.Fatalf("expected a new process, both pids %d", first.PID)
	}
	if alive, _ := processAlive(first.PID); alive {
		t.Fatalf("previous instance %d still alive", first.PID)
	}
	in, ok := s.Instance("replace-me")
	if !ok || in.PID != second.PID {
		t.Fatalf("expected exactly the new instance, got %+v ok=%v", in, ok)
	}
}

func TestReconcileDetectsCrash(t *testing.T) {
	s, reg := newFixture(t)
	sk := readySketch(t, reg, "crasher", "sleep 30")
	in, err := s.Start(sk)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	// Kill out-of-band; the registry still says Running.
	if err := syscall.Kill(-in.PID, syscall.SIGKILL); err != nil {
		t.Fatalf("kill: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if alive, _ := processAlive(in.PID); !alive {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("process never died")
		}
		time.Sleep(10 * time.Millisecond)
	}
	obs := s.Reconcile()
	found := false
	for _, o := range obs {
		if o.Name == "crasher" && o.Status == sketch.StatusCrashed {
			found = true
		}
	}
	if !found {
		t.Fatalf("reconcile did not report crash: %+v", obs)
	}
	rec, _ := reg.Get("crasher")
	if rec.Status != sketch.StatusCrashed {
		t.Fatalf("expected crashed, got %s", rec.Status)
	}
	if rec.Diagnostics == "" {
		t.Fatalf("crash diagnostics missing")
	}
	if _, ok := s.Instance("crasher"); ok {
		t.Fatalf("crashed instance not cleared")
	}
}

func TestReconcileAfterRestartWithoutInstance(t *testing.T) {
	s, reg := newFixture(t)
	// Simulate a record persisted as Running by a previous daemon process.
	if err := reg.Put(sketch.Sketch{Name: "orphan", Kind: sketch.KindCompiled, Status: sketch.StatusRunning, ArtifactRef: "sleep 1"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	s.Reconcile()
	rec, _ := reg.Get("orphan")
	if rec.Status != sketch.StatusCrashed {
		t.Fatalf("persisted Running without live process must become crashed, got %s", rec.Status)
	}
}

func TestListReconcilesFirst(t *testing.T) {
	s, reg := newFixture(t)
	sk := readySketch(t, reg, "listed", "sleep 30")
	in, err := s.Start(sk)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	_ = syscall.Kill(-in.PID, syscall.SIGKILL)
	deadline := time.Now().Add(5 * time.Second)
	for {
		if alive, _ := processAlive(in.PID); !alive {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("process never died")
		}
		time.Sleep(10 * time.Millisecond)
	}
	for _, rec := range s.List() {
		if rec.Name == "listed" && rec.Status == sketch.StatusRunning {
			t.Fatalf("list reported stale Running")
		}
	}
}

type failingAdapter struct{}

func (failingAdapter) Open(name, launch string) (pane.Handle, error) {
	return pane.Handle{}, fmt.Errorf("%w: backend unavailable", pane.ErrAdapter)
}
func (failingAdapter) Close(pane.Handle) error { return nil }

func TestLaunchFailureLeavesReady(t *testing.T) {
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.json"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	s := New(reg, failingAdapter{}, Config{}, nil)
	sk := readySketch(t, reg, "unlucky", "sleep 1")
	if _, err := s.Start(sk); !errors.Is(err, ErrLaunch) {
		t.Fatalf("expected ErrLaunch, got %v", err)
	}
	rec, _ := reg.Get("unlucky")
	if rec.Status != sketch.StatusReady {
		t.Fatalf("launch failure must leave Ready, got %s", rec.Status)
	}
}
