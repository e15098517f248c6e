// Package launcher starts worker commands inside detached sessions and hands
// back the identity the supervisor needs to track them. The supervisor core
// consumes only the Launcher interface; ExecLauncher is the production
// implementation.
package launcher

import (
	"context"
	"fmt"

	"github.com/loykin/vigil/internal/service"
)

// Signal is the termination signal kind passed to Terminate.
type Signal int

const (
	// SignalTerm requests a graceful shutdown (SIGTERM on unix).
	SignalTerm Signal = iota
	// SignalKill force-kills the session (SIGKILL on unix).
	SignalKill
)

// Session identifies one launched run: the detached session handle plus the
// worker's PID and liveness fingerprint.
type Session struct {
	Handle    string // opaque session handle; on unix "pg:<pgid>"
	PID       int
	StartUnix int64  // start-time fingerprint; 0 when unobtainable
	Command   string // command signature at launch
}

// Launcher starts commands in detached sessions and controls them.
// Implementations must be safe for concurrent use.
type Launcher interface {
	// Launch starts the spec's command and returns the session. The context
	// bounds the launch itself, not the process lifetime.
	Launch(ctx context.Context, spec service.Spec) (Session, error)
	// Terminate delivers a signal to the whole session.
	Terminate(s Session, sig Signal) error
	// IsSessionAlive reports whether anything in the session still runs.
	IsSessionAlive(s Session) bool
}

// LaunchError wraps a failure to start a command. It is fatal for that
// attempt and consumes one restart-budget slot.
type LaunchError struct {
	Name string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Name, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }
