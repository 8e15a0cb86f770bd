package types

import "time"

// TagEntry is one image version as reported by the registry.
type TagEntry struct {
	// Tag name.
	// example: 1.4.2
	Tag string `json:"tag" example:"1.4.2"`
	// Manifest digest the tag points at.
	// example: sha256:4f1c...
	Digest string `json:"digest" example:"sha256:4f1c"`
}

// Instance states reported by status.
const (
	StateNotRunning       = "not_running"
	StateRunning          = "running"
	StateRunningUnhealthy = "running_unhealthy"
)

// StatusReport describes the supervised instance as recovered from the
// container runtime.
type StatusReport struct {
	// One of not_running, running, running_unhealthy.
	State string `json:"state"`
	// Well-known container name the instance was looked up by.
	Name        string    `json:"name"`
	ContainerID string    `json:"container_id,omitempty"`
	Image       string    `json:"image,omitempty"`
	Host        string    `json:"host,omitempty"`
	Port        int       `json:"port,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	// Uptime in seconds at the time of the report.
	UptimeSeconds int64 `json:"uptime_seconds,omitempty"`
	// Result of the last health poll: healthy, unhealthy, unknown.
	Health string `json:"health"`
	// Restarts performed by the supervisor that produced this report. Only
	// known to a live supervisor; zero from a one-shot status query.
	Restarts int `json:"restarts"`
	// Container status when it exists but is not running (e.g. exited).
	RuntimeStatus string    `json:"runtime_status,omitempty"`
	ExitCode      int       `json:"exit_code,omitempty"`
	FinishedAt    time.Time `json:"finished_at,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}
