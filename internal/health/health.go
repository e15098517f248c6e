// Package health turns the raw signals for one service (liveness probe,
// progress token, resource sample) into a single verdict per poll. All
// per-tick errors are absorbed here; nothing raises out of the poll loop.
package health

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loykin/vigil/internal/metrics"
	"github.com/loykin/vigil/internal/pidstore"
	"github.com/loykin/vigil/internal/probe"
	"github.com/loykin/vigil/internal/progress"
	"github.com/loykin/vigil/internal/service"
)

// Verdict is the combined health outcome for one poll.
type Verdict int

const (
	// Unknown: no poll has completed yet (e.g. right after supervisor
	// startup) or the sample was skipped entirely.
	Unknown Verdict = iota
	Healthy
	Stalled
	Crashed
	ResourceExceeded
)

func (v Verdict) String() string {
	switch v {
	case Healthy:
		return "healthy"
	case Stalled:
		return "stalled"
	case Crashed:
		return "crashed"
	case ResourceExceeded:
		return "resource_exceeded"
	default:
		return "unknown"
	}
}

// Failure reports whether the verdict should consume restart budget.
func (v Verdict) Failure() bool {
	return v == Stalled || v == Crashed || v == ResourceExceeded
}

// Tracker is the per-service evaluation memory: last progress observation and
// the consecutive over-ceiling tick count. It is owned by the single polling
// goroutine for the service and needs no locking.
type Tracker struct {
	lastToken   progress.Token
	lastTokenAt time.Time
	overTicks   int
	ambiguous   bool
}

// Reset clears the tracker, e.g. after a restart launches a fresh process.
func (t *Tracker) Reset() {
	t.lastToken = progress.NoToken
	t.lastTokenAt = time.Time{}
	t.overTicks = 0
	t.ambiguous = false
}

// Ambiguous reports whether the last probe could not confirm process
// identity (degraded confidence, assumed running).
func (t *Tracker) Ambiguous() bool { return t.ambiguous }

// Evaluator combines prober, progress monitor and resource sampler.
type Evaluator struct {
	Prober probe.Prober
	Logger *slog.Logger

	res resourceSampler
}

func NewEvaluator(p probe.Prober, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{Prober: p, Logger: logger}
}

// Evaluate runs the checks in authority order: liveness first, then resource
// ceilings (which precede stall detection so exhaustion is not masked by the
// longer stall window), then progress.
func (e *Evaluator) Evaluate(ctx context.Context, spec service.Spec, entry pidstore.Entry, present bool, mon progress.Monitor, tr *Tracker) Verdict {
	if !present {
		// The store never points at a PID known to be free; an absent entry
		// for a service believed running means the run is gone.
		return Crashed
	}

	switch e.Prober.Probe(entry) {
	case probe.Dead:
		return Crashed
	case probe.Ambiguous:
		// Assume running, never restart on ambiguity, but skip resource
		// sampling: the PID's identity is not confirmed.
		tr.ambiguous = true
		return e.checkProgress(ctx, spec, mon, tr)
	default:
		tr.ambiguous = false
	}

	if spec.Limits.Enabled() {
		if v := e.checkResources(spec, entry.PID, tr); v != Unknown {
			return v
		}
	}

	return e.checkProgress(ctx, spec, mon, tr)
}

func (e *Evaluator) checkResources(spec service.Spec, pid int, tr *Tracker) Verdict {
	cpu, memMB, err := e.res.sample(pid)
	if err != nil {
		// Transient sampling failure; not a health signal.
		e.Logger.Debug("resource sample failed", "service", spec.Name, "pid", pid, "err", err)
		return Unknown
	}
	metrics.SetResourceUsage(spec.Name, cpu, memMB)

	over := (spec.Limits.CPUPercent > 0 && cpu > spec.Limits.CPUPercent) ||
		(spec.Limits.MemoryMB > 0 && memMB > spec.Limits.MemoryMB)
	if !over {
		tr.overTicks = 0
		return Unknown
	}
	tr.overTicks++
	if tr.overTicks >= spec.Limits.Ticks {
		return ResourceExceeded
	}
	return Unknown
}

func (e *Evaluator) checkProgress(ctx context.Context, spec service.Spec, mon progress.Monitor, tr *Tracker) Verdict {
	if mon == nil || spec.ProgressTimeout <= 0 {
		return Healthy
	}

	sctx, cancel := context.WithTimeout(ctx, spec.SampleTimeout)
	defer cancel()
	token, err := mon.Sample(sctx, spec.Name)
	if err != nil {
		// A slow or failed sample is missing for this tick, never zero
		// progress; the stall clock is left untouched and we retry next poll.
		if !errors.Is(err, progress.ErrSampleTimeout) {
			e.Logger.Debug("progress sample failed", "service", spec.Name, "monitor", mon.Describe(), "err", err)
		}
		return Healthy
	}

	now := time.Now()
	if tr.lastTokenAt.IsZero() || token != tr.lastToken {
		tr.lastToken = token
		tr.lastTokenAt = now
		return Healthy
	}
	if now.Sub(tr.lastTokenAt) >= spec.ProgressTimeout {
		return Stalled
	}
	return Healthy
}
