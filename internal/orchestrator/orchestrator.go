// Package orchestrator sequences sketch lifecycle operations. All mutating
// operations for one sketch name serialize on a per-name lock; operations on
// different names proceed concurrently.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/loykin/sketchd/internal/builder"
	"github.com/loykin/sketchd/internal/history"
	"github.com/loykin/sketchd/internal/metrics"
	"github.com/loykin/sketchd/internal/registry"
	"github.com/loykin/sketchd/internal/sketch"
	"github.com/loykin/sketchd/internal/supervisor"
)

// ErrAlreadyRunning rejects a run request for a live sketch under the reject
// policy. The replace policy never returns it.
var ErrAlreadyRunning = errors.New("sketch already running")

// RunPolicy decides what a run request does when the sketch is already live.
type RunPolicy string

const (
	// PolicyReplace stops the previous instance and starts a fresh one.
	PolicyReplace RunPolicy = "replace"
	// PolicyReject refuses the request and keeps the previous instance.
	PolicyReject RunPolicy = "reject"
)

// Config for the orchestrator.
type Config struct {
	// SketchesDir is the root under which each sketch gets its own directory.
	SketchesDir string `mapstructure:"sketches_dir"`
	// RunPolicy is consulted when run targets a Running sketch.
	RunPolicy RunPolicy `mapstructure:"run_policy"`
}

func (c Config) withDefaults() Config {
	if c.RunPolicy != PolicyReject {
		c.RunPolicy = PolicyReplace
	}
	return c
}

// Orchestrator wires the registry, builder and supervisor behind the
// operation surface the transport exposes.
type Orchestrator struct {
	reg    *registry.Registry
	bld    *builder.Builder
	sup    *supervisor.Supervisor
	sink   history.Sink
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(reg *registry.Registry, bld *builder.Builder, sup *supervisor.Supervisor, sink history.Sink, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		reg:    reg,
		bld:    bld,
		sup:    sup,
		sink:   sink,
		cfg:    cfg.withDefaults(),
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// nameLock returns the mutex serializing operations for one sketch name.
// Locks are never removed; the set of names is small and bounded by use.
func (o *Orchestrator) nameLock(name string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[name]
	if !ok {
		l = &sync.Mutex{}
		o.locks[name] = l
	}
	return l
}

// sourceFileName keeps one well-known entry file per kind inside the sketch
// directory.
func sourceFileName(kind sketch.Kind) string {
	if kind == sketch.KindCompiled {
		return "main.go"
	}
	return "main.py"
}

// Create registers a sketch, writing its source to disk. Same-name create is
// an upsert: the source is replaced and the status reset to Draft while
// CreatedAt is preserved. A live instance for the name is stopped first so the
// record never claims Running for a process executing stale source.
func (o *Orchestrator) Create(name, description, source string, kind sketch.Kind) (sketch.Sketch, error) {
	if err := sketch.ValidateName(name); err != nil {
		return sketch.Sketch{}, err
	}
	l := o.nameLock(name)
	l.Lock()
	defer l.Unlock()

	if _, running := o.sup.Instance(name); running {
		if err := o.sup.Stop(name, 0); err != nil {
			return sketch.Sketch{}, err
		}
	}

	dir := filepath.Join(o.cfg.SketchesDir, name)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return sketch.Sketch{}, fmt.Errorf("create sketch dir: %w", err)
	}
	src := filepath.Join(dir, sourceFileName(kind))
	if err := os.WriteFile(src, []byte(source), 0o600); err != nil {
		return sketch.Sketch{}, fmt.Errorf("write sketch source: %w", err)
	}

	rec := sketch.Sketch{
		Name:        name,
		Description: description,
		SourcePath:  src,
		Kind:        kind,
		Status:      sketch.StatusDraft,
	}
	if err := o.reg.Put(rec); err != nil {
		return sketch.Sketch{}, err
	}
	stored, err := o.reg.Get(name)
	if err != nil {
		return sketch.Sketch{}, err
	}
	o.logger.Info("sketch created", "sketch", name, "kind", kind)
	o.emit(history.Event{Type: history.EventCreate, Name: name, Status: stored.Status})
	return stored, nil
}

// Run builds the sketch when it is not Ready with an artifact, then launches
// it. On a live sketch the configured policy decides between replacing the
// instance and rejecting the request.
func (o *Orchestrator) Run(ctx context.Context, name string) (sketch.Sketch, error) {
	if err := sketch.ValidateName(name); err != nil {
		return sketch.Sketch{}, err
	}
	l := o.nameLock(name)
	l.Lock()
	defer l.Unlock()

	o.reconcile()
	rec, err := o.reg.Get(name)
	if err != nil {
		return sketch.Sketch{}, err
	}
	if rec.Status == sketch.StatusRunning {
		if o.cfg.RunPolicy == PolicyReject {
			return rec, fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
		}
		if err := o.sup.Stop(name, 0); err != nil {
			return sketch.Sketch{}, err
		}
		if rec, err = o.reg.Get(name); err != nil {
			return sketch.Sketch{}, err
		}
	}

	if rec.NeedsBuild() {
		start := time.Now()
		built, berr := o.bld.Build(ctx, rec)
		metrics.ObserveBuildDuration(name, time.Since(start).Seconds())
		switch {
		case errors.Is(berr, builder.ErrTimeout):
			metrics.IncBuild(name, "build_timeout")
		case berr != nil:
			metrics.IncBuild(name, "build_failed")
		default:
			metrics.IncBuild(name, "ready")
		}
		if berr != nil {
			if built.Name != "" {
				o.emit(history.Event{Type: history.EventBuild, Name: name, Status: built.Status, Detail: berr.Error()})
			}
			return built, berr
		}
		rec = built
		o.emit(history.Event{Type: history.EventBuild, Name: name, Status: rec.Status})
	}

	in, err := o.sup.Start(rec)
	if err != nil {
		return sketch.Sketch{}, err
	}
	started, err := o.reg.Get(name)
	if err != nil {
		return sketch.Sketch{}, err
	}
	o.emit(history.Event{Type: history.EventStart, Name: name, Status: started.Status, PID: in.PID})
	return started, nil
}

// Stop terminates the sketch's instance if one exists. Stopping a known but
// non-running sketch succeeds without touching it; an unknown name is an
// error.
func (o *Orchestrator) Stop(name string, grace time.Duration) (sketch.Sketch, error) {
	if err := sketch.ValidateName(name); err != nil {
		return sketch.Sketch{}, err
	}
	l := o.nameLock(name)
	l.Lock()
	defer l.Unlock()

	if _, err := o.reg.Get(name); err != nil {
		return sketch.Sketch{}, err
	}
	if err := o.sup.Stop(name, grace); err != nil {
		return sketch.Sketch{}, err
	}
	rec, err := o.reg.Get(name)
	if err != nil {
		return sketch.Sketch{}, err
	}
	o.emit(history.Event{Type: history.EventStop, Name: name, Status: rec.Status})
	return rec, nil
}

// Get reconciles and returns one record.
func (o *Orchestrator) Get(name string) (sketch.Sketch, error) {
	o.reconcile()
	return o.reg.Get(name)
}

// List reconciles liveness first so the report never carries a stale Running.
func (o *Orchestrator) List() []sketch.Sketch {
	o.reconcile()
	return o.reg.List()
}

// Delete stops the instance, removes the registry entry and then the sketch
// directory, in that order. It waits on the name lock, so a delete issued
// during an in-flight run blocks until that run (including its build)
// finishes.
func (o *Orchestrator) Delete(name string) error {
	if err := sketch.ValidateName(name); err != nil {
		return err
	}
	l := o.nameLock(name)
	l.Lock()
	defer l.Unlock()

	rec, err := o.reg.Get(name)
	if err != nil {
		return err
	}
	if err := o.sup.Stop(name, 0); err != nil {
		return err
	}
	if err := o.reg.Delete(name); err != nil {
		return err
	}
	if rec.SourcePath != "" {
		dir := filepath.Dir(rec.SourcePath)
		// Only a strict child of the sketches root may be removed; a record
		// whose source resolves to the root or outside it must not take other
		// sketches' files with it.
		rel, rerr := filepath.Rel(o.cfg.SketchesDir, dir)
		if rerr != nil || rel == "." || strings.HasPrefix(rel, "..") {
			o.logger.Warn("refusing to remove dir outside sketches root", "sketch", name, "dir", dir)
		} else if err := os.RemoveAll(dir); err != nil {
			o.logger.Warn("sketch dir removal failed", "sketch", name, "err", err)
		}
	}
	o.logger.Info("sketch deleted", "sketch", name)
	o.emit(history.Event{Type: history.EventDelete, Name: name})
	return nil
}

// Shutdown stops all instances and closes the history sink.
func (o *Orchestrator) Shutdown() {
	o.sup.Shutdown()
	if o.sink != nil {
		if err := o.sink.Close(); err != nil {
			o.logger.Warn("history sink close failed", "err", err)
		}
	}
}

// reconcile probes liveness and forwards crash observations to history.
func (o *Orchestrator) reconcile() {
	for _, obs := range o.sup.Reconcile() {
		if obs.Status == sketch.StatusCrashed {
			rec, err := o.reg.Get(obs.Name)
			detail := ""
			if err == nil {
				detail = rec.Diagnostics
			}
			o.emit(history.Event{Type: history.EventCrash, Name: obs.Name, Status: sketch.StatusCrashed, Detail: detail})
		}
	}
}

// emit delivers a history event off the request path. Failures are logged and
// otherwise ignored: history must never fail a lifecycle operation.
func (o *Orchestrator) emit(e history.Event) {
	if o.sink == nil {
		return
	}
	e.OccurredAt = time.Now().UTC()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.sink.Send(ctx, e); err != nil {
			o.logger.Warn("history event dropped", "type", e.Type, "sketch", e.Name, "err", err)
		}
	}()
}
