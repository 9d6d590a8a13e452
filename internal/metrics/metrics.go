// Package metrics exposes Prometheus collectors for sketch lifecycle events.
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level collectors, registered via Register. Helpers below no-op
// until registration succeeds so library embedders are not forced to opt in.
var (
	regOK atomic.Bool

	builds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sketchd",
			Subsystem: "sketch",
			Name:      "builds_total",
			Help:      "Number of finished builds by result (ready, build_failed, build_timeout).",
		}, []string{"name", "result"},
	)
	buildDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sketchd",
			Subsystem: "sketch",
			Name:      "build_duration_seconds",
			Help:      "Wall-clock build duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"},
	)
	starts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sketchd",
			Subsystem: "sketch",
			Name:      "starts_total",
			Help:      "Number of successful sketch launches.",
		}, []string{"name"},
	)
	stops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sketchd",
			Subsystem: "sketch",
			Name:      "stops_total",
			Help:      "Number of stops (graceful or escalated to kill).",
		}, []string{"name"},
	)
	crashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sketchd",
			Subsystem: "sketch",
			Name:      "crashes_total",
			Help:      "Number of sketches reclassified as crashed by reconciliation.",
		}, []string{"name"},
	)
	running = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sketchd",
			Subsystem: "sketch",
			Name:      "running",
			Help:      "Current number of running sketch instances.",
		},
	)
)

// Register registers all collectors with r. Safe to call multiple times;
// AlreadyRegisteredError from a previous registration is ignored.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{builds, buildDuration, starts, stops, crashes, running}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// RegisterDefault registers with the default Prometheus registry.
func RegisterDefault() error { return Register(prometheus.DefaultRegisterer) }

// Handler serves the DefaultGatherer; the caller wires the route and server.
func Handler() http.Handler { return promhttp.Handler() }

// Serve runs a standalone metrics listener on addr with /metrics mounted.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return srv.ListenAndServe()
}

func IncBuild(name, result string) {
	if regOK.Load() {
		builds.WithLabelValues(name, result).Inc()
	}
}

func ObserveBuildDuration(name string, seconds float64) {
	if regOK.Load() {
		buildDuration.WithLabelValues(name).Observe(seconds)
	}
}

func IncStart(name string) {
	if regOK.Load() {
		starts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		stops.WithLabelValues(name).Inc()
	}
}

func IncCrash(name string) {
	if regOK.Load() {
		crashes.WithLabelValues(name).Inc()
	}
}

func SetRunning(n int) {
	if regOK.Load() {
		running.Set(float64(n))
	}
}
