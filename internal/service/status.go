package service

import "time"

// Status is a point-in-time view of one supervised service, safe to serialize.
// Verdict/VerdictAt come from the last completed health poll; Stale marks a
// verdict older than two poll intervals (e.g. a probe that keeps timing out).
type Status struct {
	Name      string        `json:"name"`
	State     string        `json:"state"`
	PID       int           `json:"pid,omitempty"`
	StartedAt time.Time     `json:"started_at,omitzero"`
	Uptime    time.Duration `json:"uptime,omitempty"`
	Restarts  int           `json:"restarts"`
	Failures  int           `json:"consecutive_failures"`
	Verdict   string        `json:"last_verdict,omitempty"`
	VerdictAt time.Time     `json:"verdict_at,omitzero"`
	Stale     bool          `json:"stale,omitempty"`

	// RestartHistory holds recent restart timestamps, newest last, for
	// postmortems after a permanent failure.
	RestartHistory []time.Time `json:"restart_history,omitempty"`
}
