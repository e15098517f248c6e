// Package controller implements the per-service restart state machine. Each
// controller owns exactly one service's runtime state; all mutations funnel
// through a single goroutine fed by a command channel, so transitions are
// serialized and a verdict for poll k+1 is never applied before poll k's
// transition completes.
package controller

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/vigil/internal/health"
	"github.com/loykin/vigil/internal/history"
	"github.com/loykin/vigil/internal/launcher"
	"github.com/loykin/vigil/internal/pidstore"
	"github.com/loykin/vigil/internal/probe"
	"github.com/loykin/vigil/internal/service"
)

// State is the supervision state of one service.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateDegraded
	StateRestarting
	// StateFailed is terminal: the consecutive-failure budget is exhausted
	// and only an explicit reset returns the service to StateStopped.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDegraded:
		return "degraded"
	case StateRestarting:
		return "restarting"
	case StateFailed:
		return "failed_permanently"
	default:
		return "unknown"
	}
}

// Active reports whether the service counts as active for listing purposes.
func (s State) Active() bool { return s != StateStopped && s != StateFailed }

// maxRestartHistory bounds the retained restart timestamps.
const maxRestartHistory = 32

// defaultLaunchTimeout bounds a single Launch invocation so a wedged launcher
// cannot block the state machine indefinitely.
const defaultLaunchTimeout = 10 * time.Second

type action int

const (
	actionStart action = iota
	actionStop
	actionRestart
	actionReset
	actionVerdict
	actionUpdateSpec
	actionRecover
	actionShutdown
)

type command struct {
	action  action
	force   bool
	verdict health.Verdict
	spec    service.Spec
	reply   chan error
}

// Deps are the collaborators a controller needs.
type Deps struct {
	Launcher launcher.Launcher
	Store    *pidstore.Store
	Prober   probe.Prober
	Sinks    []history.Sink
	Logger   *slog.Logger
}

// Controller runs the restart policy for a single service.
type Controller struct {
	mu            sync.RWMutex
	spec          service.Spec
	state         State
	failures      int // consecutive failures; reset on confirmed healthy tick
	restarts      int // total restarts this incarnation
	restartHist   []time.Time
	session       launcher.Session
	haveSession   bool
	startedAt     time.Time
	lastVerdict   health.Verdict
	lastVerdictAt time.Time

	lch    launcher.Launcher
	store  *pidstore.Store
	prober probe.Prober
	sinks  []history.Sink
	logger *slog.Logger

	cmdCh  chan command
	doneCh chan struct{}

	// run-loop-local backoff timer; touched only by the state machine
	// goroutine, never under mu.
	backoffT  *time.Timer
	backoffCh <-chan time.Time

	// pending holds a command intercepted during the start grace wait so the
	// run loop can process it right after the start attempt. Run-goroutine
	// local, like the backoff timer.
	pending *command
}

// New creates a controller in StateStopped and starts its state machine.
func New(spec service.Spec, deps Deps) *Controller {
	spec.Normalize()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		spec:   spec,
		state:  StateStopped,
		lch:    deps.Launcher,
		store:  deps.Store,
		prober: deps.Prober,
		sinks:  deps.Sinks,
		logger: logger.With("service", spec.Name),
		cmdCh:  make(chan command, 16),
		doneCh: make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *Controller) send(cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case c.cmdCh <- cmd:
	case <-c.doneCh:
		return c.errShutDown()
	}
	// The command is enqueued, but the state machine may exit before reaching
	// it. Watch doneCh while waiting so a caller racing a shutdown never
	// blocks forever; a reply that landed first still wins.
	select {
	case err := <-cmd.reply:
		return err
	case <-c.doneCh:
		select {
		case err := <-cmd.reply:
			return err
		default:
			return c.errShutDown()
		}
	}
}

func (c *Controller) errShutDown() error {
	return fmt.Errorf("controller for %q is shut down", c.Spec().Name)
}

// Start launches the service. Valid from Stopped (fresh start, failure
// counter cleared) and from Restarting (pre-empts the backoff wait).
func (c *Controller) Start() error { return c.send(command{action: actionStart}) }

// Stop terminates the service and removes its PID entries. Idempotent:
// stopping an already stopped service is a no-op.
func (c *Controller) Stop(force bool) error {
	return c.send(command{action: actionStop, force: force})
}

// Restart is a stop followed by a fresh start.
func (c *Controller) Restart(force bool) error {
	return c.send(command{action: actionRestart, force: force})
}

// Reset clears StateFailed back to StateStopped.
func (c *Controller) Reset() error { return c.send(command{action: actionReset}) }

// ApplyVerdict feeds one health verdict into the state machine. It blocks
// until the resulting transition completes, which is what serializes verdicts
// in poll order.
func (c *Controller) ApplyVerdict(v health.Verdict) error {
	return c.send(command{action: actionVerdict, verdict: v})
}

// UpdateSpec replaces the configuration without touching runtime state.
// The new spec takes full effect on the next launch.
func (c *Controller) UpdateSpec(spec service.Spec) error {
	spec.Normalize()
	return c.send(command{action: actionUpdateSpec, spec: spec})
}

// Recover rebuilds runtime state from the PID store after supervisor startup.
// The verdict stays Unknown until the first poll completes.
func (c *Controller) Recover() error { return c.send(command{action: actionRecover}) }

// Shutdown stops the state machine goroutine without touching the process;
// a supervised worker survives a supervisor restart.
func (c *Controller) Shutdown() error { return c.send(command{action: actionShutdown}) }

// State returns the current supervision state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Spec returns a copy of the current configuration.
func (c *Controller) Spec() service.Spec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.spec
}

// Status returns a point-in-time snapshot. It never blocks on the state
// machine or on a live probe; verdict data is the cached result of the last
// completed poll, marked stale when older than two poll intervals.
func (c *Controller) Status() service.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := service.Status{
		Name:           c.spec.Name,
		State:          c.state.String(),
		Restarts:       c.restarts,
		Failures:       c.failures,
		Verdict:        c.lastVerdict.String(),
		VerdictAt:      c.lastVerdictAt,
		RestartHistory: append([]time.Time(nil), c.restartHist...),
	}
	if c.haveSession {
		st.PID = c.session.PID
		st.StartedAt = c.startedAt
		st.Uptime = time.Since(c.startedAt)
	}
	if c.state == StateRunning {
		if c.lastVerdictAt.IsZero() || time.Since(c.lastVerdictAt) > 2*c.spec.PollInterval {
			st.Stale = true
		}
	}
	return st
}
