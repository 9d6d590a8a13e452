// Package builder coordinates building sketch artifacts by invoking the
// external toolchain as a subprocess. The toolchain is opaque: only the exit
// code and combined output are interpreted.
package builder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/sketchd/internal/registry"
	"github.com/loykin/sketchd/internal/sketch"
)

var (
	// ErrInProgress rejects a build request while one is active for the same
	// name. Requests are not queued so callers get immediate feedback.
	ErrInProgress = errors.New("build already in progress")
	// ErrFailed indicates the toolchain exited non-zero; diagnostics are on
	// the returned sketch record.
	ErrFailed = errors.New("build failed")
	// ErrTimeout indicates the build exceeded its wall-clock budget and the
	// subprocess was killed.
	ErrTimeout = errors.New("build timed out")
)

const (
	DefaultTimeout   = 60 * time.Second
	DefaultOutputCap = 64 * 1024

	defaultCompileCommand = "go build -o {out} ."
	defaultCheckCommand   = "python3 -m py_compile {src}"
)

// Config controls toolchain invocation. The command strings are shell lines
// with {dir}, {name}, {src} and {out} placeholders.
type Config struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	OutputCap      int           `mapstructure:"output_cap"`
	CompileCommand string        `mapstructure:"compile_command"`
	CheckCommand   string        `mapstructure:"check_command"`
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.OutputCap <= 0 {
		c.OutputCap = DefaultOutputCap
	}
	if c.CompileCommand == "" {
		c.CompileCommand = defaultCompileCommand
	}
	if c.CheckCommand == "" {
		c.CheckCommand = defaultCheckCommand
	}
	return c
}

// Builder runs at most one build per sketch name at a time.
type Builder struct {
	reg    *registry.Registry
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

func New(reg *registry.Registry, cfg Config, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		reg:      reg,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// ArtifactPath returns where the compiled binary for a sketch lands.
func ArtifactPath(s sketch.Sketch) string {
	return filepath.Join(filepath.Dir(s.SourcePath), "bin", s.Name)
}

// Build moves the sketch through Building and into Ready or BuildFailed.
// On failure the diagnostics carry the toolchain's combined output verbatim,
// summarized only past the configured cap.
func (b *Builder) Build(ctx context.Context, s sketch.Sketch) (sketch.Sketch, error) {
	b.mu.Lock()
	if _, busy := b.inflight[s.Name]; busy {
		b.mu.Unlock()
		return sketch.Sketch{}, fmt.Errorf("%w: %s", ErrInProgress, s.Name)
	}
	b.inflight[s.Name] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.inflight, s.Name)
		b.mu.Unlock()
	}()

	cur, err := b.reg.CompareAndUpdateStatus(s.Name, s.Status, sketch.StatusBuilding)
	if err != nil {
		return sketch.Sketch{}, err
	}

	if cur.Kind == sketch.KindCompiled {
		if err := os.MkdirAll(filepath.Dir(ArtifactPath(cur)), 0o750); err != nil {
			updated, uerr := b.markFailed(cur.Name, fmt.Sprintf("create artifact dir: %v", err))
			if uerr != nil {
				return sketch.Sketch{}, uerr
			}
			return updated, fmt.Errorf("%w: %s: %v", ErrFailed, cur.Name, err)
		}
	}

	cmdline := b.commandFor(cur)
	start := time.Now()
	b.logger.Info("build started", "sketch", cur.Name, "kind", cur.Kind)
	out, timedOut, exitErr := b.runToolchain(ctx, filepath.Dir(cur.SourcePath), cmdline)
	diag := capOutput(out, b.cfg.OutputCap)

	if timedOut {
		diag = fmt.Sprintf("build timed out after %s\n%s", b.cfg.Timeout, diag)
		updated, uerr := b.markFailed(cur.Name, diag)
		if uerr != nil {
			return sketch.Sketch{}, uerr
		}
		b.logger.Warn("build timed out", "sketch", cur.Name, "timeout", b.cfg.Timeout)
		return updated, fmt.Errorf("%w: %s", ErrTimeout, cur.Name)
	}
	if exitErr != nil {
		updated, uerr := b.markFailed(cur.Name, diag)
		if uerr != nil {
			return sketch.Sketch{}, uerr
		}
		b.logger.Warn("build failed", "sketch", cur.Name, "err", exitErr)
		return updated, fmt.Errorf("%w: %s: %v", ErrFailed, cur.Name, exitErr)
	}

	artifact := cur.SourcePath
	if cur.Kind == sketch.KindCompiled {
		artifact = ArtifactPath(cur)
	}
	updated, err := b.reg.Update(cur.Name, func(sk *sketch.Sketch) error {
		if sk.Status != sketch.StatusBuilding {
			return fmt.Errorf("%w: %s is %s, expected %s", registry.ErrStaleState, sk.Name, sk.Status, sketch.StatusBuilding)
		}
		sk.Status = sketch.StatusReady
		sk.ArtifactRef = artifact
		sk.Diagnostics = diag
		return nil
	})
	if err != nil {
		return sketch.Sketch{}, err
	}
	b.logger.Info("build succeeded", "sketch", cur.Name, "artifact", artifact, "elapsed", time.Since(start))
	return updated, nil
}

// InFlight reports whether a build is currently running for name.
func (b *Builder) InFlight(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.inflight[name]
	return ok
}

func (b *Builder) commandFor(s sketch.Sketch) string {
	tmpl := b.cfg.CompileCommand
	if s.Kind == sketch.KindInterpreted {
		tmpl = b.cfg.CheckCommand
	}
	repl := strings.NewReplacer(
		"{dir}", filepath.Dir(s.SourcePath),
		"{name}", s.Name,
		"{src}", s.SourcePath,
		"{out}", ArtifactPath(s),
	)
	return repl.Replace(tmpl)
}

// runToolchain executes cmdline under /bin/sh in dir, enforcing the timeout by
// killing the whole process group. It returns the combined output, whether the
// timeout fired, and the exit error (nil on success).
func (b *Builder) runToolchain(ctx context.Context, dir, cmdline string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	// #nosec G204 -- cmdline is composed from operator-configured templates
	cmd := exec.Command("/bin/sh", "-c", cmdline)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return buf.String(), false, err
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		return buf.String(), false, err
	case <-ctx.Done():
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		return buf.String(), true, ctx.Err()
	}
}

func (b *Builder) markFailed(name, diag string) (sketch.Sketch, error) {
	return b.reg.Update(name, func(sk *sketch.Sketch) error {
		if sk.Status != sketch.StatusBuilding {
			return fmt.Errorf("%w: %s is %s, expected %s", registry.ErrStaleState, sk.Name, sk.Status, sketch.StatusBuilding)
		}
		sk.Status = sketch.StatusBuildFailed
		sk.Diagnostics = diag
		return nil
	})
}

// capOutput keeps the head and tail of oversized toolchain output with an
// explicit elision marker; output under the cap is returned verbatim.
func capOutput(s string, max int) string {
	if len(s) <= max {
		return s
	}
	half := max / 2
	elided := len(s) - 2*half
	return s[:half] + fmt.Sprintf("\n... [%d bytes elided] ...\n", elided) + s[len(s)-half:]
}
