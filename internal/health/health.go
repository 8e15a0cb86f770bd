// Package health polls the service's health endpoint.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"onprem/internal/apperr"
)

// Path is the endpoint exposed by the service.
const Path = "/health_check"

// Status of a single poll.
type Status string

const (
	Healthy   Status = "healthy"
	Unhealthy Status = "unhealthy"
)

// Result is the outcome of one poll.
type Result struct {
	Status Status
	Time   time.Time
	Detail string
}

func (r Result) Healthy() bool { return r.Status == Healthy }

type payload struct {
	Status string `json:"status"`
}

// Monitor polls one endpoint.
type Monitor struct {
	Client *http.Client
	Log    zerolog.Logger
}

// New returns a monitor with its own client. Timeouts are applied per request.
func New(log zerolog.Logger) *Monitor {
	return &Monitor{Client: &http.Client{Timeout: 0}, Log: log}
}

// URL returns the health endpoint for host:port. Wildcard bind addresses are
// reached through loopback.
func URL(host string, port int) string {
	h := strings.Trim(host, "[]")
	switch h {
	case "", "0.0.0.0":
		h = "127.0.0.1"
	case "::":
		h = "::1"
	}
	return "http://" + net.JoinHostPort(h, strconv.Itoa(port)) + Path
}

// Poll performs one GET bounded by timeout. Anything other than a 2xx with
// {"status":"healthy"} is unhealthy; Poll never returns an error.
func (m *Monitor) Poll(ctx context.Context, host string, port int, timeout time.Duration) Result {
	res := Result{Status: Unhealthy, Time: time.Now()}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(cctx, http.MethodGet, URL(host, port), nil)
	if err != nil {
		res.Detail = err.Error()
		return res
	}
	client := m.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		res.Detail = err.Error()
		return res
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		res.Detail = "read body: " + err.Error()
		return res
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		res.Detail = fmt.Sprintf("http %d", resp.StatusCode)
		return res
	}
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		res.Detail = "malformed payload: " + err.Error()
		return res
	}
	if p.Status != string(Healthy) {
		res.Detail = fmt.Sprintf("status %q", p.Status)
		return res
	}
	res.Status = Healthy
	return res
}

// WaitOptions configures WaitHealthy.
type WaitOptions struct {
	Interval time.Duration
	Deadline time.Duration
	// Alive, when set, is consulted before each poll. A non-nil error aborts
	// the wait and is returned as is.
	Alive func(ctx context.Context) error
}

// WaitHealthy polls at a fixed interval until the endpoint is healthy, the
// deadline passes (StartupTimeoutError) or Alive reports the process gone.
func (m *Monitor) WaitHealthy(ctx context.Context, host string, port int, opts WaitOptions) (Result, error) {
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Second
	}
	deadline := time.Now().Add(opts.Deadline)
	pollTimeout := interval
	if pollTimeout > 5*time.Second {
		pollTimeout = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	attempts := 0
	var last Result
	for {
		if opts.Alive != nil {
			if err := opts.Alive(ctx); err != nil {
				return last, err
			}
		}
		attempts++
		last = m.Poll(ctx, host, port, pollTimeout)
		if last.Healthy() {
			m.Log.Info().Str("event", "healthy").Int("attempts", attempts).Msg("service is healthy")
			return last, nil
		}
		m.Log.Debug().Str("event", "health_poll").Int("attempt", attempts).Str("detail", last.Detail).Msg("not healthy yet")
		if !time.Now().Before(deadline) {
			return last, apperr.StartupTimeout("start",
				fmt.Sprintf("service did not become healthy within %s (last: %s); the container is still running", opts.Deadline, last.Detail))
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}
