package supervisor

import (
	"time"

	"onprem/internal/config"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultStopGrace   = 30 * time.Second
	defaultStopSettle  = 3 * time.Second
	defaultLogTail     = 50
	defaultPollTimeout = 5 * time.Second
	defaultJitter      = 0.2
)

// Config encapsulates the tunables of a Supervisor.
type Config struct {
	Run config.Run
	// StopGrace is how long a stopped container gets before it is killed.
	StopGrace time.Duration
	// StopSettle is how long after an exit the supervisor watches for the
	// container to be removed, which marks an operator stop.
	StopSettle time.Duration
	// LogTail is the number of log lines kept for crash reports.
	LogTail int
	// PollTimeout bounds a single health poll.
	PollTimeout time.Duration
	// Jitter is the randomization factor of exponential backoff; negative
	// disables it.
	Jitter float64
}

func (c Config) withDefaults() Config {
	if c.StopGrace <= 0 {
		c.StopGrace = defaultStopGrace
	}
	if c.StopSettle <= 0 {
		c.StopSettle = defaultStopSettle
	}
	if c.LogTail <= 0 {
		c.LogTail = defaultLogTail
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = defaultPollTimeout
	}
	if c.Jitter == 0 {
		c.Jitter = defaultJitter
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	return c
}
