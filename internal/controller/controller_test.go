package controller

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/vigil/internal/health"
	"github.com/loykin/vigil/internal/launcher"
	"github.com/loykin/vigil/internal/pidstore"
	"github.com/loykin/vigil/internal/probe"
	"github.com/loykin/vigil/internal/service"
)

// fakeLauncher hands out fake sessions and tracks which are alive so tests can
// simulate crashes without real processes.
type fakeLauncher struct {
	mu           sync.Mutex
	nextPID      int
	alive        map[int]bool
	launches     int
	failLaunches int           // first N Launch calls fail
	launchDelay  time.Duration // simulates a slow launch occupying the state machine
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{nextPID: 1000, alive: make(map[int]bool)}
}

func (f *fakeLauncher) Launch(_ context.Context, spec service.Spec) (launcher.Session, error) {
	f.mu.Lock()
	f.launches++
	if f.launches <= f.failLaunches {
		n := f.launches
		f.mu.Unlock()
		return launcher.Session{}, fmt.Errorf("simulated launch failure %d", n)
	}
	f.nextPID++
	pid := f.nextPID
	f.alive[pid] = true
	delay := f.launchDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return launcher.Session{
		Handle:    fmt.Sprintf("pg:%d", pid),
		PID:       pid,
		StartUnix: time.Now().Unix(),
		Command:   spec.Command,
	}, nil
}

func (f *fakeLauncher) Terminate(sess launcher.Session, _ launcher.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[sess.PID] = false
	return nil
}

func (f *fakeLauncher) IsSessionAlive(sess launcher.Session) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[sess.PID]
}

func (f *fakeLauncher) crash(pid int) {
	f.mu.Lock()
	f.alive[pid] = false
	f.mu.Unlock()
}

func (f *fakeLauncher) launchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launches
}

// launcherProber reports liveness from the fake launcher's alive table.
type launcherProber struct{ l *fakeLauncher }

func (p launcherProber) Probe(e pidstore.Entry) probe.Result {
	p.l.mu.Lock()
	defer p.l.mu.Unlock()
	if p.l.alive[e.PID] {
		return probe.Running
	}
	return probe.Dead
}

func testDeps(t *testing.T, f *fakeLauncher) Deps {
	t.Helper()
	store, err := pidstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("pidstore.New: %v", err)
	}
	return Deps{Launcher: f, Store: store, Prober: launcherProber{l: f}}
}

func testSpec(name string) service.Spec {
	return service.Spec{
		Name:         name,
		Command:      "sleep 60",
		PollInterval: 50 * time.Millisecond,
		MaxRestarts:  2,
		Backoff:      service.Backoff{Base: 20 * time.Millisecond, Max: 100 * time.Millisecond},
		GracePeriod:  200 * time.Millisecond,
	}
}

func waitUntil(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %v", d)
}

func TestStartStopLifecycle(t *testing.T) {
	f := newFakeLauncher()
	deps := testDeps(t, f)
	c := New(testSpec("web"), deps)
	defer func() { _ = c.Shutdown() }()

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if c.State() != StateRunning {
		t.Fatalf("state after start: %v", c.State())
	}
	st := c.Status()
	if st.PID == 0 || st.State != "running" {
		t.Fatalf("unexpected status: %+v", st)
	}
	if _, ok := deps.Store.Read("web", pidstore.KindProc); !ok {
		t.Fatalf("proc entry missing after start")
	}
	if _, ok := deps.Store.Read("web", pidstore.KindSession); !ok {
		t.Fatalf("session entry missing after start")
	}

	if err := c.Stop(false); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c.State() != StateStopped {
		t.Fatalf("state after stop: %v", c.State())
	}
	if _, ok := deps.Store.Read("web", pidstore.KindProc); ok {
		t.Fatalf("proc entry survived stop")
	}
	// Idempotent: a second stop is a no-op, not an error.
	if err := c.Stop(false); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestStartWhileRunningIsRejected(t *testing.T) {
	f := newFakeLauncher()
	c := New(testSpec("web"), testDeps(t, f))
	defer func() { _ = c.Shutdown() }()

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Start(); err == nil {
		t.Fatalf("second start should be rejected")
	}
}

func TestCrashVerdictTriggersRestart(t *testing.T) {
	f := newFakeLauncher()
	c := New(testSpec("web"), testDeps(t, f))
	defer func() { _ = c.Shutdown() }()

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	firstPID := c.Status().PID
	f.crash(firstPID)

	if err := c.ApplyVerdict(health.Crashed); err != nil {
		t.Fatalf("ApplyVerdict: %v", err)
	}
	if s := c.State(); s != StateRestarting && s != StateRunning {
		t.Fatalf("state after crash verdict: %v", s)
	}
	waitUntil(t, 2*time.Second, func() bool { return c.State() == StateRunning })

	st := c.Status()
	if st.PID == firstPID {
		t.Fatalf("restart reused the dead run")
	}
	if st.Restarts != 1 || st.Failures != 1 {
		t.Fatalf("restart accounting: %+v", st)
	}
	if len(st.RestartHistory) != 1 {
		t.Fatalf("restart history: %v", st.RestartHistory)
	}

	// A confirmed healthy poll refunds the whole failure budget.
	if err := c.ApplyVerdict(health.Healthy); err != nil {
		t.Fatalf("ApplyVerdict healthy: %v", err)
	}
	if st := c.Status(); st.Failures != 0 {
		t.Fatalf("failures not reset on healthy: %+v", st)
	}
}

// Exhausting the consecutive-failure budget ends in permanent failure with
// PID entries removed; only an explicit reset allows a new start.
func TestBudgetExhaustionFailsPermanently(t *testing.T) {
	f := newFakeLauncher()
	deps := testDeps(t, f)
	c := New(testSpec("web"), deps) // MaxRestarts: 2
	defer func() { _ = c.Shutdown() }()

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 1; i <= 2; i++ {
		f.crash(c.Status().PID)
		if err := c.ApplyVerdict(health.Crashed); err != nil {
			t.Fatalf("crash %d: %v", i, err)
		}
		waitUntil(t, 2*time.Second, func() bool { return c.State() == StateRunning })
	}

	// Third consecutive crash exceeds a budget of two restarts.
	f.crash(c.Status().PID)
	if err := c.ApplyVerdict(health.Crashed); err != nil {
		t.Fatalf("final crash: %v", err)
	}
	if s := c.State(); s != StateFailed {
		t.Fatalf("state after budget exhaustion: %v", s)
	}
	if _, ok := deps.Store.Read("web", pidstore.KindProc); ok {
		t.Fatalf("pid entry survived permanent failure")
	}

	err := c.Start()
	if err == nil || !strings.Contains(err.Error(), "reset required") {
		t.Fatalf("start from failed state: %v", err)
	}

	if err := c.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if c.State() != StateStopped {
		t.Fatalf("state after reset: %v", c.State())
	}
	if err := c.Start(); err != nil {
		t.Fatalf("start after reset: %v", err)
	}
	if st := c.Status(); st.Failures != 0 {
		t.Fatalf("failures after reset+start: %+v", st)
	}
}

func TestResetOnlyFromFailed(t *testing.T) {
	f := newFakeLauncher()
	c := New(testSpec("web"), testDeps(t, f))
	defer func() { _ = c.Shutdown() }()

	if err := c.Reset(); err == nil {
		t.Fatalf("reset from stopped should be rejected")
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Reset(); err == nil {
		t.Fatalf("reset from running should be rejected")
	}
}

// Stop must pre-empt a pending backoff wait: no relaunch may happen after it.
func TestStopPreemptsBackoff(t *testing.T) {
	f := newFakeLauncher()
	spec := testSpec("web")
	spec.Backoff = service.Backoff{Base: 10 * time.Second, Max: 20 * time.Second}
	c := New(spec, testDeps(t, f))
	defer func() { _ = c.Shutdown() }()

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.crash(c.Status().PID)
	if err := c.ApplyVerdict(health.Crashed); err != nil {
		t.Fatalf("ApplyVerdict: %v", err)
	}
	if c.State() != StateRestarting {
		t.Fatalf("state: %v", c.State())
	}

	launchesBefore := f.launchCount()
	if err := c.Stop(false); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c.State() != StateStopped {
		t.Fatalf("state after stop: %v", c.State())
	}
	time.Sleep(100 * time.Millisecond)
	if got := f.launchCount(); got != launchesBefore {
		t.Fatalf("backoff relaunch happened after stop: %d -> %d", launchesBefore, got)
	}
}

// An explicit start during the backoff wait launches immediately instead of
// waiting out the delay.
func TestStartPreemptsBackoff(t *testing.T) {
	f := newFakeLauncher()
	spec := testSpec("web")
	spec.Backoff = service.Backoff{Base: 10 * time.Second, Max: 20 * time.Second}
	c := New(spec, testDeps(t, f))
	defer func() { _ = c.Shutdown() }()

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.crash(c.Status().PID)
	if err := c.ApplyVerdict(health.Crashed); err != nil {
		t.Fatalf("ApplyVerdict: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("start during backoff: %v", err)
	}
	if c.State() != StateRunning {
		t.Fatalf("state after pre-empting start: %v", c.State())
	}
}

// An explicit stop acknowledges a permanent failure and clears the budget.
func TestStopFromFailedReturnsToStopped(t *testing.T) {
	f := newFakeLauncher()
	spec := testSpec("web")
	spec.MaxRestarts = 1
	f.failLaunches = 100
	c := New(spec, testDeps(t, f))
	defer func() { _ = c.Shutdown() }()

	// First attempt fails, consumes the single budget slot, schedules a
	// retry; the retry fails too and exhausts the budget.
	if err := c.Start(); err == nil {
		t.Fatalf("expected launch failure")
	}
	waitUntil(t, 2*time.Second, func() bool { return c.State() == StateFailed })

	if err := c.Stop(false); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c.State() != StateStopped {
		t.Fatalf("state after stop: %v", c.State())
	}
	if st := c.Status(); st.Failures != 0 {
		t.Fatalf("failures not cleared: %+v", st)
	}
}

func TestLaunchFailureConsumesBudget(t *testing.T) {
	f := newFakeLauncher()
	f.failLaunches = 1
	c := New(testSpec("web"), testDeps(t, f))
	defer func() { _ = c.Shutdown() }()

	if err := c.Start(); err == nil {
		t.Fatalf("expected first launch to fail")
	}
	if s := c.State(); s != StateRestarting && s != StateRunning {
		t.Fatalf("state after failed launch: %v", s)
	}
	waitUntil(t, 2*time.Second, func() bool { return c.State() == StateRunning })
	if st := c.Status(); st.Failures != 1 {
		t.Fatalf("failed launch should consume budget: %+v", st)
	}
}

func TestRestartCycles(t *testing.T) {
	f := newFakeLauncher()
	c := New(testSpec("web"), testDeps(t, f))
	defer func() { _ = c.Shutdown() }()

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := c.Status().PID
	if err := c.Restart(false); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if c.State() != StateRunning {
		t.Fatalf("state after restart: %v", c.State())
	}
	if pid := c.Status().PID; pid == first {
		t.Fatalf("restart did not produce a fresh run")
	}
}

func TestVerdictOutsideRunningIsRecordedOnly(t *testing.T) {
	f := newFakeLauncher()
	c := New(testSpec("web"), testDeps(t, f))
	defer func() { _ = c.Shutdown() }()

	if err := c.ApplyVerdict(health.Crashed); err != nil {
		t.Fatalf("ApplyVerdict: %v", err)
	}
	if c.State() != StateStopped {
		t.Fatalf("verdict moved a stopped service: %v", c.State())
	}
	if st := c.Status(); st.Verdict != "crashed" {
		t.Fatalf("verdict not recorded: %+v", st)
	}
}

func TestRecoverAdoptsLiveProcess(t *testing.T) {
	f := newFakeLauncher()
	deps := testDeps(t, f)
	f.alive[7777] = true
	if err := deps.Store.Write("web", pidstore.KindProc, pidstore.Entry{PID: 7777, StartUnix: 42, Command: "sleep 60"}); err != nil {
		t.Fatalf("store write: %v", err)
	}

	c := New(testSpec("web"), deps)
	defer func() { _ = c.Shutdown() }()

	if err := c.Recover(); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if c.State() != StateRunning {
		t.Fatalf("state after recover: %v", c.State())
	}
	st := c.Status()
	if st.PID != 7777 {
		t.Fatalf("recovered pid: %+v", st)
	}
	if st.Verdict != "unknown" {
		t.Fatalf("verdict should stay unknown until the first poll: %+v", st)
	}
}

func TestRecoverDropsStaleEntry(t *testing.T) {
	f := newFakeLauncher()
	deps := testDeps(t, f)
	if err := deps.Store.Write("web", pidstore.KindProc, pidstore.Entry{PID: 7777}); err != nil {
		t.Fatalf("store write: %v", err)
	}

	c := New(testSpec("web"), deps)
	defer func() { _ = c.Shutdown() }()

	if err := c.Recover(); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if c.State() != StateStopped {
		t.Fatalf("stale entry adopted: %v", c.State())
	}
	if _, ok := deps.Store.Read("web", pidstore.KindProc); ok {
		t.Fatalf("stale entry not removed")
	}
}

func TestUpdateSpecKeepsRuntimeState(t *testing.T) {
	f := newFakeLauncher()
	c := New(testSpec("web"), testDeps(t, f))
	defer func() { _ = c.Shutdown() }()

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	pid := c.Status().PID

	next := testSpec("web")
	next.MaxRestarts = 9
	if err := c.UpdateSpec(next); err != nil {
		t.Fatalf("UpdateSpec: %v", err)
	}
	if c.State() != StateRunning || c.Status().PID != pid {
		t.Fatalf("update disturbed runtime state: %v %+v", c.State(), c.Status())
	}
	if c.Spec().MaxRestarts != 9 {
		t.Fatalf("spec not updated: %+v", c.Spec())
	}
}

// A command that enters the queue behind a shutdown must still get an
// answer; no caller may block forever on an abandoned reply. The slow launch
// occupies the state machine so the commands below queue up behind each
// other.
func TestStopBehindShutdownGetsError(t *testing.T) {
	f := newFakeLauncher()
	f.launchDelay = 300 * time.Millisecond
	c := New(testSpec("web"), testDeps(t, f))

	startErr := make(chan error, 1)
	go func() { startErr <- c.Start() }()
	waitUntil(t, 2*time.Second, func() bool { return f.launchCount() == 1 })

	shutErr := make(chan error, 1)
	go func() { shutErr <- c.Shutdown() }()
	time.Sleep(20 * time.Millisecond)

	stopErr := make(chan error, 1)
	go func() { stopErr <- c.Stop(false) }()

	select {
	case err := <-stopErr:
		if err == nil || !strings.Contains(err.Error(), "shut down") {
			t.Fatalf("stop behind shutdown: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Stop hung behind Shutdown")
	}
	if err := <-shutErr; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-startErr; err != nil {
		t.Fatalf("Start: %v", err)
	}
}

// A stop issued during the start grace window must pre-empt the wait instead
// of queueing behind it.
func TestStopPreemptsStartGrace(t *testing.T) {
	f := newFakeLauncher()
	deps := testDeps(t, f)
	spec := testSpec("web")
	spec.StartGrace = 5 * time.Second
	c := New(spec, deps)
	defer func() { _ = c.Shutdown() }()

	startErr := make(chan error, 1)
	go func() { startErr <- c.Start() }()
	waitUntil(t, 2*time.Second, func() bool {
		_, ok := deps.Store.Read("web", pidstore.KindProc)
		return ok
	})
	entry, _ := deps.Store.Read("web", pidstore.KindProc)

	stopped := make(chan error, 1)
	go func() { stopped <- c.Stop(false) }()

	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop queued behind the start grace wait")
	}
	if err := <-startErr; err != nil {
		t.Fatalf("Start: %v", err)
	}
	if c.State() != StateStopped {
		t.Fatalf("state after stop: %v", c.State())
	}
	if f.IsSessionAlive(launcher.Session{PID: entry.PID}) {
		t.Fatalf("process survived a stop issued mid-grace")
	}
	if _, ok := deps.Store.Read("web", pidstore.KindProc); ok {
		t.Fatalf("pid entry survived stop")
	}
}

func TestCommandsAfterShutdownFail(t *testing.T) {
	f := newFakeLauncher()
	c := New(testSpec("web"), testDeps(t, f))
	if err := c.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := c.Start(); err == nil {
		t.Fatalf("start after shutdown should fail")
	}
}

func TestStateStrings(t *testing.T) {
	want := map[State]string{
		StateStopped:    "stopped",
		StateStarting:   "starting",
		StateRunning:    "running",
		StateDegraded:   "degraded",
		StateRestarting: "restarting",
		StateFailed:     "failed_permanently",
	}
	for s, str := range want {
		if s.String() != str {
			t.Fatalf("%d.String() = %q, want %q", s, s.String(), str)
		}
	}
	if StateStopped.Active() || StateFailed.Active() {
		t.Fatalf("stopped/failed should not be active")
	}
	if !StateRunning.Active() || !StateRestarting.Active() {
		t.Fatalf("running/restarting should be active")
	}
}
