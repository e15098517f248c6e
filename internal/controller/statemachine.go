package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/loykin/vigil/internal/health"
	"github.com/loykin/vigil/internal/history"
	"github.com/loykin/vigil/internal/launcher"
	"github.com/loykin/vigil/internal/metrics"
	"github.com/loykin/vigil/internal/pidstore"
	"github.com/loykin/vigil/internal/probe"
)

// run is the state machine goroutine. It is the only writer of state
// transitions; commands arrive serialized through cmdCh and the backoff timer
// is a run-local concern so a stop request can pre-empt it.
func (c *Controller) run() {
	defer close(c.doneCh)
	for {
		select {
		case cmd := <-c.cmdCh:
			if c.handleCommand(cmd) {
				c.drainCommands()
				return
			}
		case <-c.backoffCh:
			c.backoffT = nil
			c.backoffCh = nil
			if c.State() == StateRestarting {
				c.attemptStart()
			}
		}
		// A stop, restart or shutdown intercepted during the start grace
		// wait runs before any newly queued command.
		for c.pending != nil {
			cmd := *c.pending
			c.pending = nil
			if c.handleCommand(cmd) {
				c.drainCommands()
				return
			}
		}
	}
}

// handleCommand returns true when the state machine should exit.
func (c *Controller) handleCommand(cmd command) bool {
	var err error
	switch cmd.action {
	case actionStart:
		err = c.handleStart()
	case actionStop:
		c.stopBackoff()
		err = c.handleStop(cmd.force)
	case actionRestart:
		c.stopBackoff()
		if err = c.handleStop(cmd.force); err == nil {
			err = c.handleStart()
		}
	case actionReset:
		err = c.handleReset()
	case actionVerdict:
		c.handleVerdict(cmd.verdict)
	case actionUpdateSpec:
		c.mu.Lock()
		c.spec = cmd.spec
		c.mu.Unlock()
	case actionRecover:
		c.handleRecover()
	case actionShutdown:
		c.stopBackoff()
		cmd.reply <- nil
		return true
	}
	cmd.reply <- err
	return false
}

// drainCommands rejects commands still queued behind a shutdown so their
// callers are not left waiting on replies that would never come.
func (c *Controller) drainCommands() {
	for {
		select {
		case cmd := <-c.cmdCh:
			cmd.reply <- c.errShutDown()
		default:
			return
		}
	}
}

func (c *Controller) stopBackoff() {
	if c.backoffT != nil {
		c.backoffT.Stop()
		c.backoffT = nil
		c.backoffCh = nil
	}
}

func (c *Controller) armBackoff(d time.Duration) {
	c.stopBackoff()
	c.backoffT = time.NewTimer(d)
	c.backoffCh = c.backoffT.C
}

func (c *Controller) handleStart() error {
	switch c.State() {
	case StateStopped:
		// Fresh external start: a clean slate for the failure budget.
		c.mu.Lock()
		c.failures = 0
		c.mu.Unlock()
		return c.attemptStart()
	case StateRestarting:
		// Pre-empt the backoff wait.
		c.stopBackoff()
		return c.attemptStart()
	case StateFailed:
		return fmt.Errorf("service %q failed permanently; reset required", c.Spec().Name)
	case StateStarting:
		return fmt.Errorf("service %q is already starting", c.Spec().Name)
	default:
		return fmt.Errorf("service %q is already running", c.Spec().Name)
	}
}

// attemptStart performs one launch attempt. A failed attempt (launch error or
// early exit within the start grace window) consumes one restart-budget slot.
func (c *Controller) attemptStart() error {
	spec := c.Spec()
	c.setState(StateStarting)

	ctx, cancel := context.WithTimeout(context.Background(), defaultLaunchTimeout)
	sess, err := c.lch.Launch(ctx, spec)
	cancel()
	if err != nil {
		c.logger.Warn("launch failed", "err", err)
		return c.onStartFailure(err)
	}

	c.writeEntries(sess)

	if err := c.enforceStartGrace(sess, spec.StartGrace); err != nil {
		_ = c.store.RemoveAll(spec.Name)
		return c.onStartFailure(err)
	}

	c.mu.Lock()
	c.session = sess
	c.haveSession = true
	c.startedAt = time.Now()
	c.lastVerdict = health.Unknown
	c.lastVerdictAt = time.Time{}
	c.mu.Unlock()

	c.setState(StateRunning)
	metrics.IncStart(spec.Name)
	c.emit(history.Event{Type: history.EventStart, Service: spec.Name, PID: sess.PID})
	c.logger.Info("service started", "pid", sess.PID, "session", sess.Handle)
	return nil
}

// onStartFailure applies the failure budget after a failed launch attempt.
func (c *Controller) onStartFailure(cause error) error {
	spec := c.Spec()
	if c.budgetLeft() {
		c.recordRestartAttempt()
		c.setState(StateRestarting)
		c.armBackoff(spec.Backoff.Delay(c.consecutiveFailures()))
		return cause
	}
	_ = c.store.RemoveAll(spec.Name)
	c.setState(StateFailed)
	c.emit(history.Event{
		Type:    history.EventTransition,
		Service: spec.Name,
		ToState: StateFailed.String(),
		Detail:  fmt.Sprintf("restart budget exhausted after launch failure: %v", cause),
	})
	return cause
}

// enforceStartGrace requires the new process to stay alive for the grace
// window; zero grace means a single immediate probe. The wait keeps serving
// the command channel so callers never queue behind it: a stop, restart or
// shutdown cuts the wait short and is handed back to the run loop via
// c.pending, everything else is answered in place.
func (c *Controller) enforceStartGrace(sess launcher.Session, grace time.Duration) error {
	entry := entryFromSession(sess)
	deadline := time.Now().Add(grace)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		if c.prober.Probe(entry) == probe.Dead {
			return fmt.Errorf("process %d exited before start grace %s", sess.PID, grace)
		}
		if !time.Now().Before(deadline) {
			return nil
		}
		select {
		case cmd := <-c.cmdCh:
			switch cmd.action {
			case actionStop, actionRestart, actionShutdown:
				c.pending = &cmd
				return nil
			default:
				c.answerDuringGrace(cmd)
			}
		case <-tick.C:
		}
	}
}

// answerDuringGrace serves commands that arrive mid-grace without disturbing
// the start in flight.
func (c *Controller) answerDuringGrace(cmd command) {
	switch cmd.action {
	case actionStart:
		cmd.reply <- fmt.Errorf("service %q is already starting", c.Spec().Name)
	case actionReset:
		cmd.reply <- fmt.Errorf("service %q is not failed permanently", c.Spec().Name)
	case actionVerdict:
		c.handleVerdict(cmd.verdict)
		cmd.reply <- nil
	case actionUpdateSpec:
		c.mu.Lock()
		c.spec = cmd.spec
		c.mu.Unlock()
		cmd.reply <- nil
	default:
		// Recover has nothing to adopt while a start is in flight.
		cmd.reply <- nil
	}
}

func (c *Controller) handleVerdict(v health.Verdict) {
	spec := c.Spec()
	c.mu.Lock()
	c.lastVerdict = v
	c.lastVerdictAt = time.Now()
	state := c.state
	c.mu.Unlock()

	metrics.IncVerdict(spec.Name, v.String())

	// Verdicts only drive transitions out of Running; anything else is a
	// leftover from a poll that raced with an explicit command.
	if state != StateRunning {
		return
	}

	if v == health.Healthy {
		c.mu.Lock()
		c.failures = 0
		c.mu.Unlock()
		return
	}
	if !v.Failure() {
		return
	}

	c.logger.Warn("unhealthy verdict", "verdict", v.String())
	c.setState(StateDegraded)
	c.emit(history.Event{
		Type:    history.EventVerdict,
		Service: spec.Name,
		PID:     c.pid(),
		Verdict: v.String(),
	})

	// Tear down the degraded run before deciding on a restart.
	c.terminateSession(false)

	if !c.budgetLeft() {
		c.setState(StateFailed)
		c.emit(history.Event{
			Type:    history.EventTransition,
			Service: spec.Name,
			ToState: StateFailed.String(),
			Verdict: v.String(),
			Detail:  "restart budget exhausted",
		})
		c.logger.Error("service failed permanently", "verdict", v.String(), "failures", c.consecutiveFailures())
		return
	}

	c.recordRestartAttempt()
	metrics.IncRestart(spec.Name)
	c.emit(history.Event{Type: history.EventRestart, Service: spec.Name, Verdict: v.String()})
	c.setState(StateRestarting)
	c.armBackoff(spec.Backoff.Delay(c.consecutiveFailures()))
}

func (c *Controller) handleStop(force bool) error {
	switch c.State() {
	case StateStopped:
		return nil
	case StateFailed:
		// An explicit stop acknowledges the failure and returns the service
		// to a startable state.
		c.mu.Lock()
		c.failures = 0
		c.mu.Unlock()
		c.setState(StateStopped)
		return nil
	}

	spec := c.Spec()
	c.terminateSession(force)
	c.setState(StateStopped)
	metrics.IncStop(spec.Name)
	c.emit(history.Event{Type: history.EventStop, Service: spec.Name})
	c.logger.Info("service stopped", "force", force)
	return nil
}

func (c *Controller) handleReset() error {
	if c.State() != StateFailed {
		return fmt.Errorf("service %q is not failed permanently", c.Spec().Name)
	}
	c.mu.Lock()
	c.failures = 0
	c.mu.Unlock()
	c.setState(StateStopped)
	c.logger.Info("permanent failure reset")
	return nil
}

// handleRecover seeds runtime state from the PID store at supervisor startup.
func (c *Controller) handleRecover() {
	spec := c.Spec()
	entry, ok := c.store.Read(spec.Name, pidstore.KindProc)
	if !ok {
		return
	}
	if c.prober.Probe(entry) == probe.Dead {
		// Stale record from a previous incarnation; fail safe toward absent.
		_ = c.store.RemoveAll(spec.Name)
		return
	}
	sess := launcher.Session{PID: entry.PID, StartUnix: entry.StartUnix, Command: entry.Command}
	if se, ok := c.store.Read(spec.Name, pidstore.KindSession); ok {
		sess.Handle = fmt.Sprintf("pg:%d", se.PID)
	} else {
		sess.Handle = fmt.Sprintf("pg:%d", entry.PID)
	}
	c.mu.Lock()
	c.session = sess
	c.haveSession = true
	c.startedAt = entry.RecordedAt
	c.lastVerdict = health.Unknown
	c.lastVerdictAt = time.Time{}
	c.mu.Unlock()
	c.setState(StateRunning)
	c.logger.Info("recovered running service", "pid", entry.PID)
}

// terminateSession runs the graceful-stop sequence (signal, bounded wait,
// force-kill) and removes the PID entries so the store never points at a PID
// known to be free.
func (c *Controller) terminateSession(force bool) {
	spec := c.Spec()
	c.mu.RLock()
	sess := c.session
	have := c.haveSession
	c.mu.RUnlock()

	if have {
		if force {
			_ = c.lch.Terminate(sess, launcher.SignalKill)
			c.awaitSessionGone(sess, 500*time.Millisecond)
		} else {
			_ = c.lch.Terminate(sess, launcher.SignalTerm)
			if !c.awaitSessionGone(sess, spec.GracePeriod) {
				c.logger.Warn("grace period elapsed, killing session", "session", sess.Handle)
				_ = c.lch.Terminate(sess, launcher.SignalKill)
				c.awaitSessionGone(sess, 500*time.Millisecond)
			}
		}
	}

	_ = c.store.RemoveAll(spec.Name)
	c.mu.Lock()
	c.haveSession = false
	c.session = launcher.Session{}
	c.mu.Unlock()
}

// awaitSessionGone polls until the session has no live members, bounded by d.
func (c *Controller) awaitSessionGone(sess launcher.Session, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if !c.lch.IsSessionAlive(sess) {
			return true
		}
		time.Sleep(25 * time.Millisecond)
	}
	return !c.lch.IsSessionAlive(sess)
}

func (c *Controller) writeEntries(sess launcher.Session) {
	spec := c.Spec()
	now := time.Now().UTC()
	if err := c.store.Write(spec.Name, pidstore.KindProc, pidstore.Entry{
		PID: sess.PID, StartUnix: sess.StartUnix, Command: sess.Command, RecordedAt: now,
	}); err != nil {
		c.logger.Warn("pid store write failed", "err", err)
	}
	if err := c.store.Write(spec.Name, pidstore.KindSession, pidstore.Entry{
		PID: sess.PID, StartUnix: sess.StartUnix, Command: sess.Handle, RecordedAt: now,
	}); err != nil {
		c.logger.Warn("pid store write failed", "err", err)
	}
}

func (c *Controller) budgetLeft() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.failures < c.spec.MaxRestarts
}

func (c *Controller) consecutiveFailures() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.failures
}

func (c *Controller) pid() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.haveSession {
		return 0
	}
	return c.session.PID
}

func (c *Controller) recordRestartAttempt() {
	c.mu.Lock()
	c.failures++
	c.restarts++
	c.restartHist = append(c.restartHist, time.Now())
	if len(c.restartHist) > maxRestartHistory {
		c.restartHist = c.restartHist[len(c.restartHist)-maxRestartHistory:]
	}
	c.mu.Unlock()
}

func (c *Controller) setState(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	name := c.spec.Name
	c.mu.Unlock()
	if from == to {
		return
	}
	metrics.RecordStateTransition(name, from.String(), to.String())
	metrics.SetCurrentState(name, from.String(), false)
	metrics.SetCurrentState(name, to.String(), true)
	c.logger.Debug("state transition", "from", from.String(), "to", to.String())
	c.emit(history.Event{
		Type:      history.EventTransition,
		Service:   name,
		FromState: from.String(),
		ToState:   to.String(),
	})
}

func (c *Controller) emit(e history.Event) {
	if len(c.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, s := range c.sinks {
		if err := s.Send(ctx, e); err != nil {
			c.logger.Debug("history sink send failed", "err", err)
		}
	}
}

func entryFromSession(sess launcher.Session) pidstore.Entry {
	return pidstore.Entry{PID: sess.PID, StartUnix: sess.StartUnix, Command: sess.Command}
}
