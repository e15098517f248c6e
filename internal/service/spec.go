package service

import (
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/loykin/vigil/internal/logger"
	"github.com/loykin/vigil/internal/progress"
)

// Default configuration values applied by Normalize.
const (
	DefaultPollInterval  = 2 * time.Second
	DefaultMaxRestarts   = 3
	DefaultBackoffBase   = 1 * time.Second
	DefaultBackoffMax    = 60 * time.Second
	DefaultGracePeriod   = 5 * time.Second
	DefaultSampleTimeout = 2 * time.Second
	DefaultLimitTicks    = 3
)

// Backoff is an exponential restart delay with a cap:
// delay = min(base * 2^(failures-1), max).
type Backoff struct {
	Base time.Duration `json:"base" mapstructure:"base"`
	Max  time.Duration `json:"max" mapstructure:"max"`
}

// Delay computes the wait before restart attempt number failures (1-based).
func (b Backoff) Delay(failures int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = DefaultBackoffBase
	}
	maxD := b.Max
	if maxD <= 0 {
		maxD = DefaultBackoffMax
	}
	if failures < 1 {
		failures = 1
	}
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= maxD {
			return maxD
		}
	}
	if d > maxD {
		return maxD
	}
	return d
}

// Limits are observe-and-alert resource ceilings. Zero values disable the
// corresponding check. A ceiling must be exceeded for Ticks consecutive polls
// before it is acted upon, to absorb transient spikes.
type Limits struct {
	CPUPercent float64 `json:"cpu_percent" mapstructure:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb" mapstructure:"memory_mb"`
	Ticks      int     `json:"ticks" mapstructure:"ticks"`
}

// Enabled reports whether any ceiling is configured.
func (l Limits) Enabled() bool { return l.CPUPercent > 0 || l.MemoryMB > 0 }

// Spec describes one supervised service. Configuration is immutable after
// registration; re-registering the same name replaces the spec but not the
// in-flight runtime state.
type Spec struct {
	Name    string   `json:"name" mapstructure:"name"`
	Command string   `json:"command" mapstructure:"command"`
	WorkDir string   `json:"work_dir" mapstructure:"work_dir"`
	Env     []string `json:"env" mapstructure:"env"`

	PollInterval    time.Duration `json:"poll_interval" mapstructure:"poll_interval"`
	ProgressTimeout time.Duration `json:"progress_timeout" mapstructure:"progress_timeout"`
	SampleTimeout   time.Duration `json:"sample_timeout" mapstructure:"sample_timeout"`
	MaxRestarts     int           `json:"max_restarts" mapstructure:"max_restarts"`
	Backoff         Backoff       `json:"backoff" mapstructure:"backoff"`
	Limits          Limits        `json:"limits" mapstructure:"limits"`

	// StartGrace is how long a freshly launched process must stay alive for
	// the start to count. GracePeriod bounds the SIGTERM wait before SIGKILL.
	StartGrace  time.Duration `json:"start_grace" mapstructure:"start_grace"`
	GracePeriod time.Duration `json:"grace_period" mapstructure:"grace_period"`

	AutoStart bool `json:"auto_start" mapstructure:"auto_start"`

	Monitor progress.Config `json:"monitor" mapstructure:"monitor"`
	Log     logger.Config   `json:"log" mapstructure:"log"`
}

// Validate checks the fields a registration must get right up front.
func (s *Spec) Validate() error {
	if !IsSafeName(s.Name) {
		return fmt.Errorf("invalid service name %q: allowed [A-Za-z0-9._-], no path separators", s.Name)
	}
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("service %q: command is required", s.Name)
	}
	if _, err := s.Monitor.Build(); err != nil {
		return fmt.Errorf("service %q: %w", s.Name, err)
	}
	return nil
}

// Normalize fills defaults for unset durations and counters.
func (s *Spec) Normalize() {
	if s.PollInterval <= 0 {
		s.PollInterval = DefaultPollInterval
	}
	if s.SampleTimeout <= 0 {
		s.SampleTimeout = DefaultSampleTimeout
	}
	if s.MaxRestarts <= 0 {
		s.MaxRestarts = DefaultMaxRestarts
	}
	if s.Backoff.Base <= 0 {
		s.Backoff.Base = DefaultBackoffBase
	}
	if s.Backoff.Max <= 0 {
		s.Backoff.Max = DefaultBackoffMax
	}
	if s.GracePeriod <= 0 {
		s.GracePeriod = DefaultGracePeriod
	}
	if s.Limits.Enabled() && s.Limits.Ticks <= 0 {
		s.Limits.Ticks = DefaultLimitTicks
	}
}

// IsSafeName reports whether a service name is safe for use in file names
// and URLs: [A-Za-z0-9._-], non-empty, no "..".
func IsSafeName(name string) bool {
	if name == "" || strings.Contains(name, "..") {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

// BuildCommand constructs an *exec.Cmd for the spec's command string.
// It avoids invoking a shell when not necessary and honors an explicit shell
// invocation already present in the command (e.g. "sh -c 'echo hi'") without
// double-wrapping.
func (s *Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	if afterC, ok := parseExplicitShell(cmdStr); ok {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	name := parts[0]
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	// #nosec G204
	return exec.Command(name, args...)
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns the
// argument after -c with one layer of surrounding quotes stripped.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return after, true
		}
	}
	return "", false
}
