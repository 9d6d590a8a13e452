// Package supervisor launches, monitors and terminates sketch processes.
// Liveness is never trusted from persisted state: the daemon's own lifetime
// is shorter than the processes it supervises, so every observation goes
// through reconciliation against the actual process table.
package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/sketchd/internal/metrics"
	"github.com/loykin/sketchd/internal/pane"
	"github.com/loykin/sketchd/internal/registry"
	"github.com/loykin/sketchd/internal/sketch"
)

// ErrLaunch indicates the sketch process could not be spawned; the sketch
// stays Ready so a retry is safe.
var ErrLaunch = errors.New("launch error")

const (
	DefaultStopGrace = 3 * time.Second

	defaultRunCommand = "python3 {src}"
)

// Config controls launch and termination behavior.
type Config struct {
	// StopGrace is how long a SIGTERM'd process gets before SIGKILL.
	StopGrace time.Duration `mapstructure:"stop_grace"`
	// RunCommand launches interpreted sketches; {src}, {dir} and {name}
	// are substituted. Compiled sketches run their artifact directly.
	RunCommand string `mapstructure:"run_command"`
}

func (c Config) withDefaults() Config {
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	if c.RunCommand == "" {
		c.RunCommand = defaultRunCommand
	}
	return c
}

// Instance is the in-memory record of one running sketch. It is never
// persisted: process and pane handles mean nothing across daemon restarts.
type Instance struct {
	Name      string      `json:"name"`
	PID       int         `json:"pid"`
	Handle    pane.Handle `json:"pane"`
	StartedAt time.Time   `json:"started_at"`

	mu       sync.Mutex
	waitDone chan struct{} // closed by the monitor once the process is reaped
	exitErr  error
	stopping bool
}

// beginStop claims the stop; only the first caller proceeds.
func (in *Instance) beginStop() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.stopping {
		return false
	}
	in.stopping = true
	return true
}

// Stopping reports whether a Stop is in flight for this instance.
func (in *Instance) Stopping() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.stopping
}

func (in *Instance) markExited(err error) {
	in.mu.Lock()
	in.exitErr = err
	in.mu.Unlock()
	close(in.waitDone)
}

// ExitErr is valid once the monitor reaped the process.
func (in *Instance) ExitErr() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.exitErr
}

// Supervisor owns all running instances. At most one instance exists per
// sketch name; Start replaces any previous instance for the name.
type Supervisor struct {
	reg     *registry.Registry
	adapter pane.Adapter
	cfg     Config
	logger  *slog.Logger

	mu        sync.Mutex
	instances map[string]*Instance
}

func New(reg *registry.Registry, adapter pane.Adapter, cfg Config, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		reg:       reg,
		adapter:   adapter,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		instances: make(map[string]*Instance),
	}
}

// Instance returns the running instance for name, if any.
func (s *Supervisor) Instance(name string) (*Instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.instances[name]
	return in, ok
}

// launchCommand composes the shell line executed inside the pane.
func (s *Supervisor) launchCommand(sk sketch.Sketch) string {
	if sk.Kind == sketch.KindCompiled {
		return sk.ArtifactRef
	}
	repl := strings.NewReplacer(
		"{src}", sk.ArtifactRef,
		"{dir}", filepath.Dir(sk.ArtifactRef),
		"{name}", sk.Name,
	)
	return repl.Replace(s.cfg.RunCommand)
}

// Start launches a Ready sketch in a fresh pane and transitions it to
// Running. Any existing instance for the name is stopped first, so the
// latest run request always wins. A spawn or pane failure leaves the sketch
// Ready, never a hybrid state pointing at a nonexistent process.
func (s *Supervisor) Start(sk sketch.Sketch) (*Instance, error) {
	if _, running := s.Instance(sk.Name); running {
		if err := s.Stop(sk.Name, s.cfg.StopGrace); err != nil {
			return nil, fmt.Errorf("%w: replacing previous instance: %v", ErrLaunch, err)
		}
		// Stop moved the record to Stopped; bring it back to Ready so the
		// Running transition below stays legal.
		cur, err := s.reg.Update(sk.Name, func(rec *sketch.Sketch) error {
			rec.Status = sketch.StatusReady
			return nil
		})
		if err != nil {
			return nil, err
		}
		sk = cur
	}
	if sk.Status != sketch.StatusReady {
		return nil, fmt.Errorf("%w: sketch %s is %s, expected %s", ErrLaunch, sk.Name, sk.Status, sketch.StatusReady)
	}

	h, err := s.adapter.Open(sk.Name, s.launchCommand(sk))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	if _, err := s.reg.CompareAndUpdateStatus(sk.Name, sketch.StatusReady, sketch.StatusRunning); err != nil {
		_ = s.closeProcess(h)
		return nil, err
	}

	in := &Instance{
		Name:      sk.Name,
		PID:       h.PID,
		Handle:    h,
		StartedAt: time.Now().UTC(),
		waitDone:  make(chan struct{}),
	}
	s.mu.Lock()
	s.instances[sk.Name] = in
	n := len(s.instances)
	s.mu.Unlock()

	if cmd := h.Cmd(); cmd != nil {
		go func() { in.markExited(cmd.Wait()) }()
	} else {
		// Backend owns the process (tmux); nothing to reap here.
		close(in.waitDone)
	}

	metrics.IncStart(sk.Name)
	metrics.SetRunning(n)
	s.logger.Info("sketch started", "sketch", sk.Name, "pid", in.PID, "backend", h.Backend)
	return in, nil
}

// Stop terminates the instance for name: SIGTERM to the process group, a
// bounded grace period, then SIGKILL. Stopping a sketch with no instance is
// a no-op success. The registry moves Running -> Stopped when applicable.
func (s *Supervisor) Stop(name string, grace time.Duration) error {
	if grace <= 0 {
		grace = s.cfg.StopGrace
	}
	s.mu.Lock()
	in, ok := s.instances[name]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	// The instance stays registered, flagged as stopping, until the registry
	// transition below lands. Reconcile skips stopping instances, so a live
	// process mid-termination is never reclassified as crashed.
	if !in.beginStop() {
		return nil
	}

	if alive, _ := processAlive(in.PID); alive {
		_ = syscall.Kill(-in.PID, syscall.SIGTERM)
		if !s.awaitExit(in, grace) {
			_ = syscall.Kill(-in.PID, syscall.SIGKILL)
			s.awaitExit(in, 200*time.Millisecond)
			s.logger.Warn("stop escalated to SIGKILL", "sketch", name, "pid", in.PID)
		}
	}
	if err := s.adapter.Close(in.Handle); err != nil {
		s.logger.Warn("pane close failed", "sketch", name, "err", err)
	}

	_, err := s.reg.Update(name, func(rec *sketch.Sketch) error {
		if rec.Status == sketch.StatusRunning {
			rec.Status = sketch.StatusStopped
		}
		return nil
	})

	s.mu.Lock()
	delete(s.instances, name)
	n := len(s.instances)
	s.mu.Unlock()

	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		return err
	}
	metrics.IncStop(name)
	metrics.SetRunning(n)
	s.logger.Info("sketch stopped", "sketch", name)
	return nil
}

// awaitExit waits for the monitor to reap the process, falling back to
// polling the process table for backend-owned processes.
func (s *Supervisor) awaitExit(in *Instance, d time.Duration) bool {
	if in.Handle.Cmd() != nil {
		select {
		case <-in.waitDone:
			return true
		case <-time.After(d):
			return false
		}
	}
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if alive, _ := processAlive(in.PID); !alive {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

func (s *Supervisor) closeProcess(h pane.Handle) error {
	if h.PID != 0 {
		_ = syscall.Kill(-h.PID, syscall.SIGKILL)
	}
	if cmd := h.Cmd(); cmd != nil {
		_ = cmd.Wait()
	}
	return s.adapter.Close(h)
}

// Observation is one reconciliation result.
type Observation struct {
	Name   string        `json:"name"`
	Status sketch.Status `json:"status"`
}

// Reconcile compares every record the registry believes is Running against
// actual process liveness. Dead processes are reclassified Crashed with
// their exit recorded, and their instance cleared.
func (s *Supervisor) Reconcile() []Observation {
	var out []Observation
	for _, rec := range s.reg.List() {
		if rec.Status != sketch.StatusRunning {
			continue
		}
		in, ok := s.Instance(rec.Name)
		if ok && in.Stopping() {
			// Stop owns this name's transition until it completes.
			continue
		}
		alive := false
		if ok {
			alive, _ = processAlive(in.PID)
		}
		if alive {
			out = append(out, Observation{Name: rec.Name, Status: sketch.StatusRunning})
			continue
		}
		// Either the process died or the daemon restarted and the instance
		// was never rebuilt. Both are Crashed until re-run.
		exitMsg := "process no longer alive"
		if ok {
			if cmd := in.Handle.Cmd(); cmd != nil {
				select {
				case <-in.waitDone:
					if err := in.ExitErr(); err != nil {
						exitMsg = fmt.Sprintf("exited: %v", err)
					} else {
						exitMsg = "exited: status 0"
					}
				case <-time.After(time.Second):
				}
			}
			_ = s.adapter.Close(in.Handle)
			s.mu.Lock()
			delete(s.instances, rec.Name)
			metrics.SetRunning(len(s.instances))
			s.mu.Unlock()
		}
		updated, err := s.reg.Update(rec.Name, func(sk *sketch.Sketch) error {
			if sk.Status != sketch.StatusRunning {
				return nil
			}
			sk.Status = sketch.StatusCrashed
			sk.Diagnostics = exitMsg
			return nil
		})
		if err != nil {
			s.logger.Warn("reconcile update failed", "sketch", rec.Name, "err", err)
			continue
		}
		metrics.IncCrash(rec.Name)
		s.logger.Warn("sketch crashed", "sketch", rec.Name, "exit", exitMsg)
		out = append(out, Observation{Name: rec.Name, Status: updated.Status})
	}
	return out
}

// List reconciles first and then reports all records, so observers never see
// a stale Running for a process that already died.
func (s *Supervisor) List() []sketch.Sketch {
	s.Reconcile()
	return s.reg.List()
}

// Shutdown stops every running instance with the configured grace.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	names := make([]string, 0, len(s.instances))
	for name := range s.instances {
		names = append(names, name)
	}
	s.mu.Unlock()
	for _, name := range names {
		if err := s.Stop(name, s.cfg.StopGrace); err != nil {
			s.logger.Warn("shutdown stop failed", "sketch", name, "err", err)
		}
	}
}
