package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loykin/sketchd/internal/builder"
	"github.com/loykin/sketchd/internal/history"
	"github.com/loykin/sketchd/internal/pane"
	"github.com/loykin/sketchd/internal/registry"
	"github.com/loykin/sketchd/internal/sketch"
	"github.com/loykin/sketchd/internal/supervisor"
)

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memSink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Close() error { return nil }

func (m *memSink) count(t history.EventType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (m *memSink) waitFor(t *testing.T, typ history.EventType, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.count(typ) >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("never saw %d %s events, got %d", want, typ, m.count(typ))
}

type fixture struct {
	orc  *Orchestrator
	reg  *registry.Registry
	sink *memSink
	dir  string
}

func newFixture(t *testing.T, cfg Config, bcfg builder.Config) *fixture {
	t.Helper()
	root := t.TempDir()
	reg, err := registry.Open(filepath.Join(root, "registry.json"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	if bcfg.CheckCommand == "" {
		bcfg.CheckCommand = "true"
	}
	bld := builder.New(reg, bcfg, nil)
	sup := supervisor.New(reg, &pane.Headless{}, supervisor.Config{StopGrace: time.Second, RunCommand: "sleep 30"}, nil)
	sink := &memSink{}
	cfg.SketchesDir = filepath.Join(root, "sketches")
	orc := New(reg, bld, sup, sink, cfg, nil)
	t.Cleanup(orc.Shutdown)
	return &fixture{orc: orc, reg: reg, sink: sink, dir: cfg.SketchesDir}
}

func TestCreateWritesSourceAndUpserts(t *testing.T) {
	f := newFixture(t, Config{}, builder.Config{})
	first, err := f.orc.Create("demo", "a demo", "print('one')\n", sketch.KindInterpreted)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.Status != sketch.StatusDraft {
		t.Fatalf("expected draft, got %s", first.Status)
	}
	src := filepath.Join(f.dir, "demo", "main.py")
	if first.SourcePath != src {
		t.Fatalf("unexpected source path %s", first.SourcePath)
	}
	data, err := os.ReadFile(src)
	if err != nil || string(data) != "print('one')\n" {
		t.Fatalf("source not written: %q %v", data, err)
	}

	second, err := f.orc.Create("demo", "", "print('two')\n", sketch.KindInterpreted)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("upsert changed CreatedAt: %v vs %v", second.CreatedAt, first.CreatedAt)
	}
	data, _ = os.ReadFile(src)
	if string(data) != "print('two')\n" {
		t.Fatalf("source not replaced: %q", data)
	}
	f.sink.waitFor(t, history.EventCreate, 2)
}

func TestCreateRejectsBadName(t *testing.T) {
	f := newFixture(t, Config{}, builder.Config{})
	// Dotted names would resolve to the sketches root or escape it.
	for _, name := range []string{"../escape", ".", "..", "a.b"} {
		if _, err := f.orc.Create(name, "", "x", sketch.KindInterpreted); err == nil {
			t.Fatalf("expected %q to be rejected", name)
		}
	}
}

func TestDeleteNeverTouchesOtherSketches(t *testing.T) {
	f := newFixture(t, Config{}, builder.Config{})
	if _, err := f.orc.Create("victim", "", "print('keep me')\n", sketch.KindInterpreted); err != nil {
		t.Fatalf("create victim: %v", err)
	}
	// A record whose source resolves to the sketches root itself, as a
	// corrupted or hand-edited snapshot could carry.
	rogue := sketch.Sketch{
		Name:       "rogue",
		Kind:       sketch.KindInterpreted,
		Status:     sketch.StatusDraft,
		SourcePath: filepath.Join(f.dir, "main.py"),
	}
	if err := f.reg.Put(rogue); err != nil {
		t.Fatalf("put rogue: %v", err)
	}
	if err := f.orc.Delete("rogue"); err != nil {
		t.Fatalf("delete rogue: %v", err)
	}
	if _, err := f.reg.Get("rogue"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("rogue record survived delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.dir, "victim", "main.py")); err != nil {
		t.Fatalf("delete of one sketch removed another's source: %v", err)
	}
}

func TestRunBuildsThenLaunches(t *testing.T) {
	f := newFixture(t, Config{}, builder.Config{})
	if _, err := f.orc.Create("runner", "", "import time; time.sleep(30)\n", sketch.KindInterpreted); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec, err := f.orc.Run(context.Background(), "runner")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rec.Status != sketch.StatusRunning {
		t.Fatalf("expected running, got %s", rec.Status)
	}
	if rec.ArtifactRef == "" {
		t.Fatal("artifact not recorded after build")
	}
	f.sink.waitFor(t, history.EventBuild, 1)
	f.sink.waitFor(t, history.EventStart, 1)

	stopped, err := f.orc.Stop("runner", time.Second)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped.Status != sketch.StatusStopped {
		t.Fatalf("expected stopped, got %s", stopped.Status)
	}
	f.sink.waitFor(t, history.EventStop, 1)
}

func TestRunBuildFailureSurfacesDiagnostics(t *testing.T) {
	f := newFixture(t, Config{}, builder.Config{CheckCommand: "echo syntax error on line 3; false"})
	if _, err := f.orc.Create("broken", "", "def oops(\n", sketch.KindInterpreted); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec, err := f.orc.Run(context.Background(), "broken")
	if !errors.Is(err, builder.ErrFailed) {
		t.Fatalf("expected ErrFailed, got %v", err)
	}
	if rec.Status != sketch.StatusBuildFailed {
		t.Fatalf("expected build_failed, got %s", rec.Status)
	}
	if rec.Diagnostics == "" {
		t.Fatal("diagnostics missing on build failure")
	}
}

func TestRunUnknownName(t *testing.T) {
	f := newFixture(t, Config{}, builder.Config{})
	if _, err := f.orc.Run(context.Background(), "ghost"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRunRejectPolicy(t *testing.T) {
	f := newFixture(t, Config{RunPolicy: PolicyReject}, builder.Config{})
	if _, err := f.orc.Create("solo", "", "import time; time.sleep(30)\n", sketch.KindInterpreted); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.orc.Run(context.Background(), "solo"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := f.orc.Run(context.Background(), "solo"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	rec, _ := f.orc.Get("solo")
	if rec.Status != sketch.StatusRunning {
		t.Fatalf("reject must keep the instance, got %s", rec.Status)
	}
}

func TestRunReplacePolicy(t *testing.T) {
	f := newFixture(t, Config{RunPolicy: PolicyReplace}, builder.Config{})
	if _, err := f.orc.Create("again", "", "import time; time.sleep(30)\n", sketch.KindInterpreted); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.orc.Run(context.Background(), "again"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	rec, err := f.orc.Run(context.Background(), "again")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if rec.Status != sketch.StatusRunning {
		t.Fatalf("expected running after replace, got %s", rec.Status)
	}
	f.sink.waitFor(t, history.EventStart, 2)
}

func TestRunDifferentNamesIndependent(t *testing.T) {
	f := newFixture(t, Config{}, builder.Config{
		CheckCommand:   "sleep 2",
		CompileCommand: "printf '#!/bin/sh\\nsleep 30\\n' > {out} && chmod +x {out}",
	})
	if _, err := f.orc.Create("slow", "", "print('hi')\n", sketch.KindInterpreted); err != nil {
		t.Fatalf("create slow: %v", err)
	}
	if _, err := f.orc.Create("quick", "", "package main\n", sketch.KindCompiled); err != nil {
		t.Fatalf("create quick: %v", err)
	}

	slowDone := make(chan struct{})
	go func() {
		defer close(slowDone)
		_, _ = f.orc.Run(context.Background(), "slow")
	}()
	deadline := time.Now().Add(3 * time.Second)
	for {
		rec, err := f.reg.Get("slow")
		if err == nil && rec.Status == sketch.StatusBuilding {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("slow build never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	start := time.Now()
	rec, err := f.orc.Run(context.Background(), "quick")
	if err != nil {
		t.Fatalf("run quick: %v", err)
	}
	if rec.Status != sketch.StatusRunning {
		t.Fatalf("expected running, got %s", rec.Status)
	}
	if elapsed := time.Since(start); elapsed > 1500*time.Millisecond {
		t.Fatalf("run of quick waited on slow's build: %v", elapsed)
	}
	<-slowDone
}

func TestStopUnknownName(t *testing.T) {
	f := newFixture(t, Config{}, builder.Config{})
	if _, err := f.orc.Stop("ghost", time.Second); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStopNonRunningIsNoop(t *testing.T) {
	f := newFixture(t, Config{}, builder.Config{})
	if _, err := f.orc.Create("calm", "", "pass\n", sketch.KindInterpreted); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec, err := f.orc.Stop("calm", time.Second)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if rec.Status != sketch.StatusDraft {
		t.Fatalf("stop altered a non-running sketch: %s", rec.Status)
	}
}

func TestDeleteRemovesEverything(t *testing.T) {
	f := newFixture(t, Config{}, builder.Config{})
	if _, err := f.orc.Create("gone", "", "import time; time.sleep(30)\n", sketch.KindInterpreted); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.orc.Run(context.Background(), "gone"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := f.orc.Delete("gone"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.reg.Get("gone"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("registry entry survived delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.dir, "gone")); !os.IsNotExist(err) {
		t.Fatalf("sketch dir survived delete: %v", err)
	}
	if err := f.orc.Delete("gone"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("second delete should be ErrNotFound, got %v", err)
	}
	f.sink.waitFor(t, history.EventDelete, 1)
}

func TestListReportsAll(t *testing.T) {
	f := newFixture(t, Config{}, builder.Config{})
	for _, name := range []string{"a", "b", "c"} {
		if _, err := f.orc.Create(name, "", "pass\n", sketch.KindInterpreted); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}
	got := f.orc.List()
	if len(got) != 3 {
		t.Fatalf("expected 3 sketches, got %d", len(got))
	}
}
