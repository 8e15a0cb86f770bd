package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"onprem/internal/apperr"
	"onprem/internal/health"
	"onprem/internal/launcher"
	"onprem/internal/runtime"
)

// Start launches the instance detached and waits until it is healthy. It
// fails with AlreadyRunningError, without pulling or launching, when a
// running container already holds the instance name. A StartupTimeoutError
// leaves the container running.
func (s *Supervisor) Start(ctx context.Context) error {
	c, err := s.rt.Find(ctx, s.name())
	if err != nil {
		return apperr.Launch("start", "could not query the container runtime", err)
	}
	if c != nil && c.Running {
		return apperr.AlreadyRunning("start",
			fmt.Sprintf("instance %s is already running (container %s)", s.name(), shortID(c.ID)))
	}
	err = s.startSequence(ctx, c)
	if errors.Is(err, errOperatorStop) {
		return apperr.NotRunning("start", "instance "+s.name()+" was stopped before it became healthy")
	}
	return err
}

// errOperatorStop marks a container removed by an operator while the start
// sequence was waiting for it.
var errOperatorStop = errors.New("instance stopped by operator")

// startSequence runs pull, launch and the health gate. stale is an exited
// container still holding the name, removed before launching.
func (s *Supervisor) startSequence(ctx context.Context, stale *runtime.Container) error {
	if s.images == nil || s.launcher == nil {
		return errors.New("supervisor cannot start instances without an image puller and launcher")
	}
	began := time.Now()
	s.update(func(st *InstanceState) {
		st.State = StateStarting
		st.Health = HealthStarting
		st.DesiredUp = true
		st.ContainerID = ""
	})
	s.publish(EventStart, nil)
	if stale != nil {
		s.log.Info().Str("event", "remove_stale").Str("container", shortID(stale.ID)).Str("status", stale.Status).Msg("removing exited container")
		if err := s.rt.Remove(ctx, stale.ID); err != nil {
			return apperr.Launch("start", "could not remove the exited container "+stale.Name, err)
		}
	}

	ref := s.cfg.Run.Image()
	s.publish(EventPull, map[string]any{"image": ref.String()})
	if err := s.images.Pull(ctx, ref); err != nil {
		s.failed(err)
		return err
	}
	h, err := s.launcher.Launch(ctx, s.cfg.Run, ref, s.caps, launcher.Detached)
	if err != nil {
		s.failed(err)
		return err
	}
	now := time.Now()
	s.update(func(st *InstanceState) {
		st.ContainerID = h.ContainerID
		st.Session = h.Session
		st.StartedAt = now
	})
	s.publish(EventLaunch, map[string]any{"container": h.ContainerID, "session": h.Session})

	res, err := s.waitHealthy(ctx, h.ContainerID)
	switch {
	case err == nil:
		s.update(func(st *InstanceState) {
			st.State = StateRunning
			st.Health = HealthHealthy
			st.HealthyAt = res.Time
		})
		d := time.Since(began)
		s.publish(EventHealthy, map[string]any{"container": h.ContainerID, "duration": d})
		s.log.Info().Str("event", "healthy").Str("container", shortID(h.ContainerID)).Dur("took", d).
			Str("url", health.URL(s.cfg.Run.Host, s.cfg.Run.Port)).Msg("instance is serving")
		return nil
	case apperr.IsStartupTimeout(err):
		s.update(func(st *InstanceState) {
			st.State = StateRunning
			st.Health = HealthUnhealthy
		})
		s.publish(EventTimeout, map[string]any{"container": h.ContainerID, "detail": res.Detail})
		s.log.Warn().Str("event", "timeout").Str("container", shortID(h.ContainerID)).Msg("startup deadline passed; container left running")
		return err
	case errors.Is(err, errOperatorStop):
		return err
	default:
		s.failed(err)
		return err
	}
}

func (s *Supervisor) failed(err error) {
	s.update(func(st *InstanceState) {
		st.State = StateCrashed
		st.Health = HealthUnknown
		st.LastCrash = err.Error()
	})
}

// waitHealthy gates on the health endpoint while watching for the container
// to exit.
func (s *Supervisor) waitHealthy(ctx context.Context, id string) (health.Result, error) {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	exited := make(chan runtime.ExitStatus, 1)
	go func() {
		st, err := s.rt.Wait(wctx, id)
		if err == nil {
			exited <- st
			return
		}
		if errors.Is(err, runtime.ErrNotFound) {
			exited <- runtime.ExitStatus{Code: -1, Error: "container removed"}
		}
	}()
	return s.health.WaitHealthy(ctx, s.cfg.Run.Host, s.cfg.Run.Port, health.WaitOptions{
		Interval: s.cfg.Run.PollInterval,
		Deadline: s.cfg.Run.StartupTimeout,
		Alive: func(ctx context.Context) error {
			select {
			case st := <-exited:
				return s.startupExit(ctx, id, st)
			default:
				return nil
			}
		},
	})
}

// startupExit reports a container that died before becoming healthy. A
// container that is also removed was stopped by an operator.
func (s *Supervisor) startupExit(ctx context.Context, id string, st runtime.ExitStatus) error {
	if s.removedWithin(ctx, s.cfg.StopSettle) {
		s.operatorStopped(id)
		return errOperatorStop
	}
	logs, _ := s.rt.Logs(ctx, id, s.cfg.LogTail)
	crash := Classify(st, false, logs)
	s.update(func(is *InstanceState) { is.LastExitCode = st.Code })
	s.publish(EventExit, map[string]any{"container": id, "code": st.Code, "reason": crash.Reason, "during_startup": true})
	tail := strings.TrimSpace(logs)
	if !crash.Recoverable {
		return apperr.Crash("start", crash.Reason, errors.New(tail))
	}
	return apperr.Launch("start", "container exited before becoming healthy: "+crash.Reason,
		fmt.Errorf("log tail:\n%s", tail)).
		WithHint("inspect the log tail above; check the license key, port availability and DOCKER_EXTRA_ARGS")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
