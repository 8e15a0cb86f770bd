package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"onprem/internal/apperr"
	"onprem/pkg/types"
)

// printError writes an actionable error report: what failed, the underlying
// cause and what to try next.
func printError(w io.Writer, err error) {
	var e *apperr.Error
	if !errors.As(err, &e) {
		fmt.Fprintf(w, "error: %v\n", err)
		return
	}
	what := e.Msg
	if e.Op != "" {
		what = e.Op + ": " + what
	}
	fmt.Fprintf(w, "error: %s: %s\n", e.Kind, what)
	if e.Err != nil {
		cause := strings.TrimSpace(e.Err.Error())
		fmt.Fprintf(w, "cause: %s\n", strings.ReplaceAll(cause, "\n", "\n       "))
	}
	if e.Hint != "" {
		fmt.Fprintf(w, "hint:  %s\n", e.Hint)
	}
}

// printStatus writes a status report in key: value form.
func printStatus(w io.Writer, r types.StatusReport) {
	fmt.Fprintf(w, "name:      %s\n", r.Name)
	fmt.Fprintf(w, "state:     %s\n", r.State)
	if r.ContainerID != "" {
		id := r.ContainerID
		if len(id) > 12 {
			id = id[:12]
		}
		fmt.Fprintf(w, "container: %s\n", id)
	}
	if r.Image != "" {
		fmt.Fprintf(w, "image:     %s\n", r.Image)
	}
	if r.Port != 0 {
		fmt.Fprintf(w, "endpoint:  %s:%d\n", r.Host, r.Port)
	}
	if r.UptimeSeconds > 0 {
		fmt.Fprintf(w, "uptime:    %ds\n", r.UptimeSeconds)
	}
	fmt.Fprintf(w, "health:    %s\n", r.Health)
	if r.RuntimeStatus != "" {
		fmt.Fprintf(w, "runtime:   %s (exit %d)\n", r.RuntimeStatus, r.ExitCode)
	}
	if !r.FinishedAt.IsZero() {
		fmt.Fprintf(w, "finished:  %s\n", r.FinishedAt.UTC().Format(time.RFC3339))
	}
	if r.LastError != "" {
		fmt.Fprintf(w, "detail:    %s\n", r.LastError)
	}
}
