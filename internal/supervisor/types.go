package supervisor

import "time"

// State is the supervisor's view of the instance lifecycle.
type State string

const (
	StateStopped    State = "stopped"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateCrashed    State = "crashed"
	StateRestarting State = "restarting"
	StateStopping   State = "stopping"
)

// Health is the last known health of the instance.
type Health string

const (
	HealthUnknown   Health = "unknown"
	HealthStarting  Health = "starting"
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
	HealthStopped   Health = "stopped"
)

// InstanceState is owned by the Supervisor and lives only as long as the
// controlling process.
type InstanceState struct {
	State        State
	ContainerID  string
	Name         string
	Session      string
	DesiredUp    bool
	StartedAt    time.Time
	HealthyAt    time.Time
	Restarts     int
	Health       Health
	LastExitCode int64
	LastCrash    string
}

// StopResult describes what Stop did.
type StopResult struct {
	ContainerID    string
	AlreadyStopped bool
	Removed        bool
}
