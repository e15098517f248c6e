// Package probe answers the question "is the process we launched still the
// process behind this PID". A bare numeric PID is not enough: the OS reuses
// them, and a stale store entry must never be mistaken for a running worker.
package probe

import (
	"strings"

	"github.com/loykin/vigil/internal/pidstore"
)

// Result is the outcome of a liveness probe.
type Result int

const (
	// Dead: no such process, or the PID now belongs to an unrelated process
	// (fingerprint mismatch). Never reported as running.
	Dead Result = iota
	// Running: the process exists and its fingerprint matches the entry.
	Running
	// Ambiguous: the process exists but its fingerprint cannot be obtained
	// (permission denied, platform limitation). Callers must assume running
	// and must not restart, but should surface degraded confidence.
	Ambiguous
)

func (r Result) String() string {
	switch r {
	case Running:
		return "running"
	case Dead:
		return "dead"
	case Ambiguous:
		return "ambiguous"
	default:
		return "unknown"
	}
}

// Prober checks a stored entry against the live process table.
// Implementations must be safe for concurrent use.
type Prober interface {
	Probe(e pidstore.Entry) Result
}

// OSProber probes the local process table using kill(pid, 0) plus a
// start-time / command-line fingerprint comparison.
type OSProber struct{}

func (OSProber) Probe(e pidstore.Entry) Result {
	if e.PID <= 0 {
		return Dead
	}
	exists, permDenied := pidExists(e.PID)
	if !exists {
		return Dead
	}
	if cur := StartTimeUnix(e.PID); cur > 0 && e.StartUnix > 0 {
		if cur != e.StartUnix {
			return Dead // PID reused by an unrelated process
		}
		return Running
	}
	// Start time unavailable on one side; fall back to the command signature.
	if cl := CommandLine(e.PID); cl != "" && e.Command != "" {
		if commandMatches(cl, e.Command) {
			return Running
		}
		return Dead
	}
	_ = permDenied
	return Ambiguous
}

// Fingerprint captures the identity of a live process right after launch.
// StartUnix is 0 when the platform does not expose it.
func Fingerprint(pid int) (startUnix int64, commandLine string) {
	return StartTimeUnix(pid), CommandLine(pid)
}

// commandMatches reports whether the live command line plausibly belongs to
// the stored command. The live line may be shell-wrapped, so we look for the
// stored command's leading token inside it.
func commandMatches(live, stored string) bool {
	fields := strings.Fields(stored)
	if len(fields) == 0 {
		return false
	}
	tok := fields[0]
	if tok == "sh" || tok == "/bin/sh" || tok == "/usr/bin/sh" {
		// shell wrapper; match on the script payload instead
		if len(fields) >= 3 && fields[1] == "-c" {
			tok = fields[2]
		}
	}
	return strings.Contains(live, strings.Trim(tok, `'"`))
}
