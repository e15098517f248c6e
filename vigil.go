package vigil

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/vigil/internal/health"
	"github.com/loykin/vigil/internal/history"
	"github.com/loykin/vigil/internal/launcher"
	"github.com/loykin/vigil/internal/metrics"
	"github.com/loykin/vigil/internal/pidstore"
	"github.com/loykin/vigil/internal/probe"
	"github.com/loykin/vigil/internal/progress"
	iapi "github.com/loykin/vigil/internal/server"
	"github.com/loykin/vigil/internal/service"
	"github.com/loykin/vigil/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = service.Spec

type Status = service.Status

type Backoff = service.Backoff

type Limits = service.Limits

type Monitor = progress.Monitor

type MonitorConfig = progress.Config

type ProgressToken = progress.Token

type Verdict = health.Verdict

type HistorySink = history.Sink

type Launcher = launcher.Launcher

type Session = launcher.Session

// Supervisor is a thin facade over internal/supervisor.Supervisor.
// It provides a stable public API for embedding.
type Supervisor struct{ inner *supervisor.Supervisor }

// Options configure an embedded supervisor. Zero-value collaborators get
// production defaults (file PID store, exec launcher, OS prober).
type Options struct {
	PIDDir   string
	Launcher launcher.Launcher
	Sinks    []history.Sink
}

// New creates an embedded supervisor keeping PID records under pidDir.
func New(pidDir string) (*Supervisor, error) {
	return NewWithOptions(Options{PIDDir: pidDir})
}

// NewWithOptions creates an embedded supervisor from explicit options.
func NewWithOptions(opts Options) (*Supervisor, error) {
	store, err := pidstore.New(opts.PIDDir)
	if err != nil {
		return nil, err
	}
	inner, err := supervisor.New(supervisor.Options{
		Store:    store,
		Launcher: opts.Launcher,
		Prober:   probe.OSProber{},
		Sinks:    opts.Sinks,
	})
	if err != nil {
		return nil, err
	}
	return &Supervisor{inner: inner}, nil
}

func (s *Supervisor) Register(spec Spec) error { return s.inner.Register(spec) }

func (s *Supervisor) Start(name string) error { return s.inner.Start(name) }

func (s *Supervisor) Stop(name string, force bool) error { return s.inner.Stop(name, force) }

func (s *Supervisor) Restart(name string, force bool) error { return s.inner.Restart(name, force) }

func (s *Supervisor) ResetFailure(name string) error { return s.inner.ResetFailure(name) }

func (s *Supervisor) Status(name string) Status { return s.inner.Status(name) }

func (s *Supervisor) StatusAll() []Status { return s.inner.StatusAll() }

func (s *Supervisor) ListActive() []string { return s.inner.ListActive() }

func (s *Supervisor) LogsSince(name string, since time.Time) ([]string, error) {
	return s.inner.LogsSince(name, since)
}

// Recover rebuilds runtime state from the PID store, typically right after
// construction on daemon startup.
func (s *Supervisor) Recover() { s.inner.Recover() }

func (s *Supervisor) Shutdown() { s.inner.Shutdown() }

// HTTPHandler returns the control-surface handler mounted at basePath,
// suitable for embedding into any mux or framework.
func (s *Supervisor) HTTPHandler(basePath string) http.Handler {
	return iapi.NewRouter(s.inner, basePath).Handler()
}

// RegisterMetrics registers the supervision metrics with r
// (e.g. prometheus.DefaultRegisterer).
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// MetricsHandler serves Prometheus metrics for the default gatherer.
func MetricsHandler() http.Handler { return metrics.Handler() }
