// Package sketchd manages the lifecycle of sketches: small single-purpose
// terminal programs that are registered, built and run in terminal panes.
// This package is the embeddable facade; the sketchd binary under cmd/ is a
// thin wrapper around it.
package sketchd

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/sketchd/internal/builder"
	cfg "github.com/loykin/sketchd/internal/config"
	"github.com/loykin/sketchd/internal/history"
	"github.com/loykin/sketchd/internal/history/factory"
	"github.com/loykin/sketchd/internal/metrics"
	"github.com/loykin/sketchd/internal/orchestrator"
	"github.com/loykin/sketchd/internal/pane"
	"github.com/loykin/sketchd/internal/registry"
	iapi "github.com/loykin/sketchd/internal/server"
	"github.com/loykin/sketchd/internal/sketch"
	"github.com/loykin/sketchd/internal/supervisor"
)

// Re-export core types for external consumers.

type Sketch = sketch.Sketch

type Status = sketch.Status

type Kind = sketch.Kind

const (
	StatusDraft       = sketch.StatusDraft
	StatusBuilding    = sketch.StatusBuilding
	StatusBuildFailed = sketch.StatusBuildFailed
	StatusReady       = sketch.StatusReady
	StatusRunning     = sketch.StatusRunning
	StatusStopped     = sketch.StatusStopped
	StatusCrashed     = sketch.StatusCrashed

	KindCompiled    = sketch.KindCompiled
	KindInterpreted = sketch.KindInterpreted
)

type Config = cfg.Config

type HistorySink = history.Sink

// Orchestrator is a thin facade over the internal orchestrator. It provides
// a stable public API for embedding.
type Orchestrator struct{ inner *orchestrator.Orchestrator }

// New assembles a full orchestrator from config: registry, builder,
// supervisor with an auto-detected pane backend, and the history sink
// selected by HistoryDSN.
func New(c Config) (*Orchestrator, error) {
	reg, err := registry.Open(c.RegistryPath)
	if err != nil {
		return nil, err
	}
	sink, err := factory.NewSinkFromDSN(context.Background(), c.HistoryDSN)
	if err != nil {
		return nil, err
	}
	bld := builder.New(reg, c.Builder, nil)
	adapter := pane.Detect(pane.Headless{Log: c.Log})
	sup := supervisor.New(reg, adapter, c.Supervisor, nil)
	return &Orchestrator{inner: orchestrator.New(reg, bld, sup, sink, c.Orchestrator(), nil)}, nil
}

func (o *Orchestrator) Create(name, description, source string, kind Kind) (Sketch, error) {
	return o.inner.Create(name, description, source, kind)
}
func (o *Orchestrator) Run(ctx context.Context, name string) (Sketch, error) {
	return o.inner.Run(ctx, name)
}
func (o *Orchestrator) Stop(name string, wait time.Duration) (Sketch, error) {
	return o.inner.Stop(name, wait)
}
func (o *Orchestrator) Get(name string) (Sketch, error) { return o.inner.Get(name) }
func (o *Orchestrator) List() []Sketch                  { return o.inner.List() }
func (o *Orchestrator) Delete(name string) error        { return o.inner.Delete(name) }
func (o *Orchestrator) Shutdown()                       { o.inner.Shutdown() }

// LoadConfig reads a TOML config file; an empty path yields defaults.
func LoadConfig(path string) (Config, error) { return cfg.Load(path) }

// DefaultConfig returns a runnable config rooted at dataDir.
func DefaultConfig(dataDir string) Config { return cfg.Default(dataDir) }

// NewHTTPServer starts an HTTP server exposing the API using the given
// orchestrator.
func NewHTTPServer(addr, basePath string, o *Orchestrator) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, o.inner)
}

// HTTPHandler returns the API handler for mounting into an existing server.
func HTTPHandler(basePath string, o *Orchestrator) http.Handler {
	return iapi.NewRouter(o.inner, basePath).Handler()
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.RegisterDefault() }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the
// default registry. It blocks in the caller goroutine.
func ServeMetrics(addr string) error { return metrics.Serve(addr) }
