package supervisor

import (
	"fmt"
	"strings"

	"onprem/internal/runtime"
)

// Crash is the classification of an unexpected exit.
type Crash struct {
	ExitCode    int64
	Reason      string
	Recoverable bool
}

// Markers in the service log that indicate a license or authorization
// failure. Restarting does not fix those.
var licenseMarkers = []string{
	"invalid license",
	"license expired",
	"license is expired",
	"license key is invalid",
	"license validation failed",
	"license verification failed",
	"license server rejected",
	"unauthorized license",
	"no valid license",
	"maximum number of instances",
}

// Classify decides whether an exit is worth a restart.
func Classify(exit runtime.ExitStatus, oomKilled bool, logTail string) Crash {
	c := Crash{ExitCode: exit.Code, Recoverable: true}
	lower := strings.ToLower(logTail)
	for _, m := range licenseMarkers {
		if strings.Contains(lower, m) {
			c.Recoverable = false
			c.Reason = "license failure: " + lastLineContaining(logTail, m)
			return c
		}
	}
	switch {
	case oomKilled:
		c.Reason = "killed by the kernel OOM killer"
	case exit.Code > 128:
		c.Reason = fmt.Sprintf("terminated by signal %d", exit.Code-128)
	case exit.Error != "":
		c.Reason = exit.Error
	default:
		c.Reason = fmt.Sprintf("exited with status %d", exit.Code)
	}
	return c
}

func lastLineContaining(s, marker string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.Contains(strings.ToLower(lines[i]), marker) {
			return strings.TrimSpace(lines[i])
		}
	}
	return marker
}
