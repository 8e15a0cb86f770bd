package supervisor

import (
	"context"

	"onprem/internal/apperr"
)

// Stop gracefully stops and removes the instance. Stopping an instance that
// does not exist succeeds with AlreadyStopped set.
func (s *Supervisor) Stop(ctx context.Context) (StopResult, error) {
	res, err := s.stop(ctx)
	if apperr.IsNotRunning(err) {
		s.log.Info().Str("event", "stop").Str("name", s.name()).Msg("instance is not running; nothing to stop")
		return StopResult{AlreadyStopped: true}, nil
	}
	return res, err
}

func (s *Supervisor) stop(ctx context.Context) (StopResult, error) {
	c, err := s.rt.Find(ctx, s.name())
	if err != nil {
		return StopResult{}, apperr.Launch("stop", "could not query the container runtime", err)
	}
	if c == nil {
		return StopResult{}, apperr.NotRunning("stop", "no instance named "+s.name())
	}
	res := StopResult{ContainerID: c.ID, AlreadyStopped: !c.Running}
	s.update(func(st *InstanceState) {
		st.State = StateStopping
		st.DesiredUp = false
	})
	if c.Running {
		s.log.Info().Str("event", "stop").Str("container", shortID(c.ID)).Dur("grace", s.cfg.StopGrace).Msg("stopping instance")
		if err := s.rt.Stop(ctx, c.ID, s.cfg.StopGrace); err != nil {
			return res, apperr.Launch("stop", "could not stop container "+shortID(c.ID), err)
		}
	}
	if err := s.rt.Remove(ctx, c.ID); err != nil {
		return res, apperr.Launch("stop", "could not remove container "+shortID(c.ID), err)
	}
	res.Removed = true
	s.update(func(st *InstanceState) {
		st.State = StateStopped
		st.Health = HealthStopped
	})
	s.publish(EventStop, map[string]any{"container": c.ID, "was_running": c.Running})
	return res, nil
}

// Logs returns the last tail lines of the instance's output, also for an
// exited container that has not been removed yet.
func (s *Supervisor) Logs(ctx context.Context, tail int) (string, error) {
	c, err := s.rt.Find(ctx, s.name())
	if err != nil {
		return "", apperr.Launch("logs", "could not query the container runtime", err)
	}
	if c == nil {
		return "", apperr.NotRunning("logs", "no instance named "+s.name())
	}
	return s.rt.Logs(ctx, c.ID, tail)
}
