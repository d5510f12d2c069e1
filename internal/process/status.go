package process

import "time"

// Status is a point-in-time view of one process run.
type Status struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`
	// ExitCode is -1 while running or when killed by a signal.
	ExitCode int    `json:"exit_code"`
	ExitErr  string `json:"exit_error,omitempty"`
}

// Uptime is the run duration so far, or the total run time once exited.
func (s Status) Uptime() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	if s.Running || s.StoppedAt.IsZero() {
		return time.Since(s.StartedAt)
	}
	return s.StoppedAt.Sub(s.StartedAt)
}
