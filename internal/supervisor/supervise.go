package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"onprem/internal/apperr"
	"onprem/internal/runtime"
)

// Supervise watches a started instance and restarts it after unexpected
// exits until ctx is cancelled or an operator stops it. On cancellation the
// instance is stopped and removed. It returns a CrashError when the exit is
// not recoverable or the restart ceiling is reached.
func (s *Supervisor) Supervise(ctx context.Context) error {
	b := newBackOff(s.cfg.Run.Restart, s.cfg.Jitter)
	for {
		c, err := s.rt.Find(ctx, s.name())
		if err != nil {
			if ctx.Err() != nil {
				return s.shutdown()
			}
			return apperr.Launch("supervise", "could not query the container runtime", err)
		}
		if c == nil {
			s.operatorStopped("")
			return nil
		}

		exit := runtime.ExitStatus{Code: int64(c.ExitCode)}
		if c.Running {
			s.update(func(st *InstanceState) {
				st.ContainerID = c.ID
				if st.StartedAt.IsZero() {
					st.StartedAt = c.StartedAt
				}
			})
			exit, err = s.rt.Wait(ctx, c.ID)
			if ctx.Err() != nil {
				return s.shutdown()
			}
			if errors.Is(err, runtime.ErrNotFound) {
				s.operatorStopped(c.ID)
				return nil
			}
			if err != nil {
				return apperr.Launch("supervise", "lost track of container "+shortID(c.ID), err)
			}
		}
		if s.removedWithin(ctx, s.cfg.StopSettle) {
			s.operatorStopped(c.ID)
			return nil
		}
		if ctx.Err() != nil {
			return s.shutdown()
		}

		after, _ := s.rt.Find(ctx, s.name())
		oom := after != nil && after.OOMKilled
		logs, _ := s.rt.Logs(ctx, c.ID, s.cfg.LogTail)
		crash := Classify(exit, oom, logs)
		st := s.Snapshot()
		s.update(func(is *InstanceState) {
			is.State = StateCrashed
			is.Health = HealthStopped
			is.LastExitCode = exit.Code
			is.LastCrash = crash.Reason
		})
		s.publish(EventExit, map[string]any{"container": c.ID, "code": exit.Code, "reason": crash.Reason, "recoverable": crash.Recoverable})
		s.log.Warn().Str("event", "exit").Str("container", shortID(c.ID)).Int64("code", exit.Code).
			Str("reason", crash.Reason).Bool("recoverable", crash.Recoverable).Msg("instance exited unexpectedly")
		if !crash.Recoverable {
			s.publish(EventGiveUp, map[string]any{"reason": crash.Reason})
			return apperr.Crash("supervise", crash.Reason, nil)
		}
		if stableFor(st.HealthyAt, time.Now(), s.cfg.Run.Restart.StablePeriod) {
			b.Reset()
		}
		if err := s.restart(ctx, b, after); err != nil {
			if errors.Is(err, errOperatorStop) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return s.shutdown()
		}
	}
}

// restart re-runs the start sequence with backoff until an attempt leaves a
// running container behind. stale is the exited container to replace. It
// returns errOperatorStop when the instance is stopped and removed meanwhile.
func (s *Supervisor) restart(ctx context.Context, b backoff.BackOff, stale *runtime.Container) error {
	policy := s.cfg.Run.Restart
	for {
		n := s.Snapshot().Restarts + 1
		if policy.MaxRestarts > 0 && n > policy.MaxRestarts {
			s.publish(EventGiveUp, map[string]any{"restarts": n - 1})
			return apperr.Crash("supervise", fmt.Sprintf("restart limit of %d reached", policy.MaxRestarts), nil).
				WithHint("inspect the instance with --logs; raise --max-restarts or fix the cause and start again")
		}
		if policy.WarnAfter > 0 && n > policy.WarnAfter {
			s.log.Warn().Str("event", "restart").Int("restarts", n).Msg("instance keeps crashing")
		}
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			s.publish(EventGiveUp, map[string]any{"restarts": n - 1})
			return apperr.Crash("supervise", "backoff exhausted", nil)
		}
		s.update(func(st *InstanceState) {
			st.Restarts = n
			st.State = StateRestarting
		})
		s.publish(EventRestart, map[string]any{"attempt": n, "delay": delay})
		s.log.Info().Str("event", "restart").Int("attempt", n).Dur("delay", delay).Msg("restarting instance")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		// The exited container vanishing during the delay is a --stop.
		if stale != nil {
			if c, err := s.rt.Find(ctx, s.name()); err == nil && c == nil {
				s.operatorStopped(stale.ID)
				return errOperatorStop
			}
		}

		err := s.startSequence(ctx, stale)
		stale = nil
		switch {
		case err == nil, apperr.IsStartupTimeout(err):
			return nil
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, errOperatorStop):
			return err
		case apperr.IsCrash(err), apperr.IsConfig(err), apperr.IsAuth(err):
			s.publish(EventGiveUp, map[string]any{"error": err.Error()})
			return err
		}
		s.log.Warn().Str("event", "restart").Int("attempt", n).Err(err).Msg("restart attempt failed")
		// A container that died during startup still holds the name.
		if c, ferr := s.rt.Find(ctx, s.name()); ferr == nil && c != nil && !c.Running {
			stale = c
		}
	}
}

// removedWithin reports whether the instance disappears within d. A stop
// issued by an operator removes the container right after it exits.
func (s *Supervisor) removedWithin(ctx context.Context, d time.Duration) bool {
	deadline := time.Now().Add(d)
	step := d / 10
	if step < 10*time.Millisecond {
		step = 10 * time.Millisecond
	}
	for {
		c, err := s.rt.Find(ctx, s.name())
		if err == nil && c == nil {
			return true
		}
		if ctx.Err() != nil || !time.Now().Before(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(step):
		}
	}
}

func (s *Supervisor) operatorStopped(id string) {
	s.update(func(st *InstanceState) {
		st.State = StateStopped
		st.Health = HealthStopped
		st.DesiredUp = false
	})
	s.publish(EventStop, map[string]any{"container": id, "operator": true})
	s.log.Info().Str("event", "stop").Str("name", s.name()).Msg("instance stopped by operator; not restarting")
}

// shutdown stops the instance when the controlling process is told to exit.
func (s *Supervisor) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopGrace+10*time.Second)
	defer cancel()
	s.log.Info().Str("event", "stop").Str("name", s.name()).Msg("supervisor interrupted; stopping instance")
	if _, err := s.Stop(ctx); err != nil {
		return err
	}
	return nil
}
