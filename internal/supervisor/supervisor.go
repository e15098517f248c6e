// Package supervisor owns the set of watched services: it runs one polling
// task per service, fans verdicts into that service's restart controller and
// exposes the external control surface. Services are independent state
// machines; there is no cross-service ordering and no global stop-the-world.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loykin/vigil/internal/controller"
	"github.com/loykin/vigil/internal/health"
	"github.com/loykin/vigil/internal/history"
	"github.com/loykin/vigil/internal/launcher"
	"github.com/loykin/vigil/internal/pidstore"
	"github.com/loykin/vigil/internal/probe"
	"github.com/loykin/vigil/internal/progress"
	"github.com/loykin/vigil/internal/service"
)

// Supervisor coordinates controllers and their polling loops.
type Supervisor struct {
	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool

	store  *pidstore.Store
	lch    launcher.Launcher
	eval   *health.Evaluator
	sinks  []history.Sink
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type entry struct {
	ctrl    *controller.Controller
	monitor progress.Monitor
	cancel  context.CancelFunc

	// refresh nudges the poll loop after re-registration so a changed
	// cadence takes effect without waiting out the old interval.
	refresh chan struct{}
}

// Options configure a Supervisor.
type Options struct {
	Store    *pidstore.Store
	Launcher launcher.Launcher
	Prober   probe.Prober
	Sinks    []history.Sink
	Logger   *slog.Logger
}

// New creates a supervisor. Prober defaults to the OS prober and Launcher to
// the exec launcher.
func New(opts Options) (*Supervisor, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("supervisor: pid store is required")
	}
	if opts.Prober == nil {
		opts.Prober = probe.OSProber{}
	}
	if opts.Launcher == nil {
		opts.Launcher = launcher.NewExecLauncher()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		entries: make(map[string]*entry),
		store:   opts.Store,
		lch:     opts.Launcher,
		eval:    health.NewEvaluator(opts.Prober, opts.Logger),
		sinks:   opts.Sinks,
		logger:  opts.Logger,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Register adds a service or, for an existing name, replaces its
// configuration without touching in-flight runtime state.
func (s *Supervisor) Register(spec service.Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	spec.Normalize()
	mon, err := spec.Monitor.Build()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("supervisor is shut down")
	}
	if e, ok := s.entries[spec.Name]; ok {
		e.monitor = mon
		if err := e.ctrl.UpdateSpec(spec); err != nil {
			return err
		}
		select {
		case e.refresh <- struct{}{}:
		default:
		}
		return nil
	}

	ctrl := controller.New(spec, controller.Deps{
		Launcher: s.lch,
		Store:    s.store,
		Prober:   s.eval.Prober,
		Sinks:    s.sinks,
		Logger:   s.logger,
	})
	e := &entry{ctrl: ctrl, monitor: mon, refresh: make(chan struct{}, 1)}
	s.entries[spec.Name] = e

	pctx, pcancel := context.WithCancel(s.ctx)
	e.cancel = pcancel
	s.wg.Add(1)
	go s.pollLoop(pctx, e)
	return nil
}

// Recover rebuilds runtime state for every registered service that still has
// a PID entry from a previous supervisor incarnation.
func (s *Supervisor) Recover() {
	for _, e := range s.snapshotEntries() {
		if err := e.ctrl.Recover(); err != nil {
			s.logger.Warn("recover failed", "service", e.ctrl.Spec().Name, "err", err)
		}
	}
}

// Start launches the named service.
func (s *Supervisor) Start(name string) error {
	e, err := s.entry(name)
	if err != nil {
		return err
	}
	return e.ctrl.Start()
}

// Stop terminates the named service. Idempotent.
func (s *Supervisor) Stop(name string, force bool) error {
	e, err := s.entry(name)
	if err != nil {
		return err
	}
	return e.ctrl.Stop(force)
}

// Restart stops then starts the named service.
func (s *Supervisor) Restart(name string, force bool) error {
	e, err := s.entry(name)
	if err != nil {
		return err
	}
	return e.ctrl.Restart(force)
}

// ResetFailure clears a permanent failure back to stopped.
func (s *Supervisor) ResetFailure(name string) error {
	e, err := s.entry(name)
	if err != nil {
		return err
	}
	return e.ctrl.Reset()
}

// Status reports the named service. A missing service yields state "unknown"
// rather than an error so status surfaces are always answerable.
func (s *Supervisor) Status(name string) service.Status {
	e, err := s.entry(name)
	if err != nil {
		return service.Status{Name: name, State: "unknown"}
	}
	return e.ctrl.Status()
}

// StatusAll reports every registered service, ordered by name.
func (s *Supervisor) StatusAll() []service.Status {
	entries := s.snapshotEntries()
	out := make([]service.Status, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ctrl.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListActive returns the sorted names of services currently not stopped and
// not failed permanently.
func (s *Supervisor) ListActive() []string {
	var out []string
	for _, e := range s.snapshotEntries() {
		if e.ctrl.State().Active() {
			out = append(out, e.ctrl.Spec().Name)
		}
	}
	sort.Strings(out)
	return out
}

// Shutdown drains the supervisor: polling stops, in-flight transitions settle
// and controllers exit. Supervised processes keep running; state is rebuilt
// from the PID store on the next startup.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	for _, e := range entries {
		_ = e.ctrl.Shutdown()
	}
	for _, sink := range s.sinks {
		_ = sink.Close()
	}
}

func (s *Supervisor) entry(name string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[name]
	if !ok {
		return nil, fmt.Errorf("unknown service %q", name)
	}
	return e, nil
}

func (s *Supervisor) snapshotEntries() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}

// pollLoop is the per-service health cadence: evaluate, then apply the
// verdict synchronously so poll k+1 never overtakes poll k's transition.
func (s *Supervisor) pollLoop(ctx context.Context, e *entry) {
	defer s.wg.Done()

	var tracker health.Tracker
	lastPID := 0

	spec := e.ctrl.Spec()
	ticker := time.NewTicker(spec.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.refresh:
			// Re-registration replaced the spec; adopt a changed cadence
			// immediately instead of waiting out the old interval.
			next := e.ctrl.Spec()
			if next.PollInterval != spec.PollInterval {
				ticker.Reset(next.PollInterval)
			}
			spec = next
			continue
		case <-ticker.C:
		}

		spec = e.ctrl.Spec()

		if e.ctrl.State() != controller.StateRunning {
			continue
		}
		st := e.ctrl.Status()
		if st.PID != lastPID {
			// New run: fresh progress baseline and spike counters.
			tracker.Reset()
			lastPID = st.PID
		}

		s.mu.RLock()
		mon := e.monitor
		s.mu.RUnlock()

		procEntry, present := s.store.Read(spec.Name, pidstore.KindProc)
		verdict := s.eval.Evaluate(ctx, spec, procEntry, present, mon, &tracker)
		if verdict == health.Unknown {
			continue
		}
		if err := e.ctrl.ApplyVerdict(verdict); err != nil {
			return // controller shut down
		}
	}
}
