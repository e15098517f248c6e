package progress

import (
	"context"
	"errors"
	"fmt"
)

// Token is an opaque progress marker for a service. Two samples that compare
// equal mean no observable forward progress between them. Content is
// monitor-specific (a counter, a hash, a size).
type Token string

// NoToken is returned alongside an error.
const NoToken Token = ""

// ErrSampleTimeout marks a sample that exceeded its deadline. A timed-out
// sample is treated as missing for the tick, never as zero progress.
var ErrSampleTimeout = errors.New("progress sample timed out")

// Monitor is a strategy that reports how far a service has advanced.
// Sample must be side-effect-free and must honor ctx cancellation.
// Implementations must be safe for concurrent use.
type Monitor interface {
	// Sample returns the current progress token for the named service.
	Sample(ctx context.Context, service string) (Token, error)
	// Describe returns a human-readable description of the sampling method.
	Describe() string
}

// Static always reports the same token: progress checking is effectively
// disabled and only liveness/resource signals apply. This is the default
// monitor for services registered without one.
type Static struct{ Value Token }

func (s Static) Sample(_ context.Context, _ string) (Token, error) {
	if s.Value == NoToken {
		return Token("static"), nil
	}
	return s.Value, nil
}

func (s Static) Describe() string { return "static" }

// Config represents a monitor configuration parseable from config files.
type Config struct {
	Type    string `json:"type" mapstructure:"type"`
	Command string `json:"command" mapstructure:"command"`
	Path    string `json:"path" mapstructure:"path"`
}

// Build constructs the Monitor described by the config. An empty type yields
// the Static default.
func (c Config) Build() (Monitor, error) {
	switch c.Type {
	case "", "static":
		return Static{}, nil
	case "command":
		if c.Command == "" {
			return nil, errors.New("command monitor requires a command")
		}
		return CommandMonitor{Command: c.Command}, nil
	case "file":
		if c.Path == "" {
			return nil, errors.New("file monitor requires a path")
		}
		return FileMonitor{Path: c.Path}, nil
	default:
		return nil, fmt.Errorf("unknown monitor type: %q", c.Type)
	}
}
