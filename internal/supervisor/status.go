package supervisor

import (
	"context"
	"time"

	"onprem/internal/apperr"
	"onprem/internal/runtime"
	"onprem/pkg/types"
)

// Status queries the runtime for the instance and polls its health endpoint
// once. It has no side effects; the host and port polled are the ones the
// container actually publishes.
func (s *Supervisor) Status(ctx context.Context) (types.StatusReport, error) {
	rep := types.StatusReport{State: types.StateNotRunning, Name: s.name(), Health: string(HealthUnknown)}
	c, err := s.rt.Find(ctx, s.name())
	if err != nil {
		return rep, apperr.Launch("status", "could not query the container runtime", err)
	}
	if c == nil {
		rep.Health = string(HealthStopped)
		return rep, nil
	}
	rep.ContainerID = c.ID
	rep.Image = c.Image
	if !c.Running {
		rep.Health = string(HealthStopped)
		rep.RuntimeStatus = c.Status
		rep.ExitCode = c.ExitCode
		rep.FinishedAt = c.FinishedAt
		if c.OOMKilled {
			rep.LastError = "killed by the kernel OOM killer"
		}
		return rep, nil
	}
	rep.StartedAt = c.StartedAt
	if !c.StartedAt.IsZero() {
		rep.UptimeSeconds = int64(time.Since(c.StartedAt).Seconds())
	}
	host, port := s.endpoint(c)
	rep.Host, rep.Port = host, port
	res := s.health.Poll(ctx, host, port, s.cfg.PollTimeout)
	if res.Healthy() {
		rep.State = types.StateRunning
		rep.Health = string(HealthHealthy)
	} else {
		rep.State = types.StateRunningUnhealthy
		rep.Health = string(HealthUnhealthy)
		rep.LastError = res.Detail
	}
	return rep, nil
}

// Report is Status enriched with what only a live supervisor knows.
func (s *Supervisor) Report(ctx context.Context) (types.StatusReport, error) {
	rep, err := s.Status(ctx)
	st := s.Snapshot()
	rep.Restarts = st.Restarts
	if rep.LastError == "" {
		rep.LastError = st.LastCrash
	}
	return rep, err
}

// endpoint recovers where the service listens from the container's port
// bindings, falling back to the configured values.
func (s *Supervisor) endpoint(c *runtime.Container) (string, int) {
	b, ok := c.Published(s.cfg.Run.Port)
	if !ok {
		b, ok = c.FirstPublished()
	}
	if !ok {
		return s.cfg.Run.Host, s.cfg.Run.Port
	}
	host := b.HostIP
	if host == "" {
		host = "0.0.0.0"
	}
	return host, b.HostPort
}
