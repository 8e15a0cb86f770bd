// Package launcher starts the inference container through the runtime CLI.
//
// The container is started with `docker run` rather than the engine API so
// that operator-supplied DOCKER_EXTRA_ARGS keep their CLI meaning.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"onprem/internal/apperr"
	"onprem/internal/config"
	"onprem/internal/gpu"
	"onprem/internal/image"
	"onprem/internal/runtime"
)

// Mode selects attached or detached execution.
type Mode int

const (
	Attached Mode = iota
	Detached
)

func (m Mode) String() string {
	if m == Detached {
		return "detached"
	}
	return "attached"
}

const stderrTailBytes = 4096

// Exit statuses the docker CLI uses for its own failures, as opposed to the
// container's exit status.
const (
	exitDockerError   = 125
	exitCannotInvoke  = 126
	exitNotFoundInCtr = 127
)

// Handle identifies a launched instance.
type Handle struct {
	ContainerID string
	Name        string
	Session     string
	Mode        Mode
	// ExitCode is set once an attached run has returned.
	ExitCode int
}

// Launcher runs the service container.
type Launcher struct {
	Docker string // runtime CLI, default "docker"
	Runner Runner
	Stdout io.Writer
	Stderr io.Writer
	Log    zerolog.Logger
}

// New returns a launcher using the docker CLI from PATH.
func New(log zerolog.Logger) *Launcher {
	return &Launcher{Docker: "docker", Runner: ExecRunner{}, Stdout: os.Stdout, Stderr: os.Stderr, Log: log}
}

var fnNewSession = uuid.NewString

// BuildArgs returns the runtime CLI arguments. The result depends only on its
// inputs.
func BuildArgs(cfg config.Run, ref image.Reference, caps gpu.Capabilities, mode Mode, session string) []string {
	args := []string{"run"}
	if mode == Detached {
		args = append(args, "-d")
	} else {
		args = append(args, "--rm")
	}
	args = append(args,
		"--name", cfg.InstanceName(),
		"--label", runtime.LabelManaged+"=true",
		"--label", runtime.LabelSession+"="+session,
		"--label", runtime.LabelVersion+"="+ref.Tag,
	)
	if caps.Available {
		args = append(args, "--gpus", "all")
	}
	port := strconv.Itoa(cfg.Port)
	args = append(args,
		"-p", cfg.Host+":"+port+":"+port,
		"-e", "INFERENCE_PORT="+port,
		"-e", "DATALAB_LICENSE_KEY="+cfg.LicenseKey,
	)
	if cfg.LicenseServer != "" {
		args = append(args, "-e", "DATALAB_LICENSE_SERVER="+cfg.LicenseServer)
	}
	args = append(args, cfg.ExtraArgs...)
	return append(args, ref.String())
}

// redactArgs masks the license key for logging.
func redactArgs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if strings.HasPrefix(a, "DATALAB_LICENSE_KEY=") {
			a = "DATALAB_LICENSE_KEY=[REDACTED]"
		}
		out[i] = a
	}
	return out
}

func exposed(host string) bool {
	h := strings.Trim(host, "[]")
	return h == "0.0.0.0" || h == "::"
}

// Launch starts the container. In Attached mode it blocks until the container
// exits or ctx is cancelled; cancellation is forwarded as SIGTERM and the
// container gets to shut down gracefully. In Detached mode it returns once the
// runtime has printed the container id.
func (l *Launcher) Launch(ctx context.Context, cfg config.Run, ref image.Reference, caps gpu.Capabilities, mode Mode) (*Handle, error) {
	if exposed(cfg.Host) {
		l.Log.Warn().Str("event", "launch").Str("host", cfg.Host).Int("port", cfg.Port).
			Msg("binding to all interfaces: the service is reachable from the network")
	}
	session := fnNewSession()
	args := BuildArgs(cfg, ref, caps, mode, session)
	h := &Handle{Name: cfg.InstanceName(), Session: session, Mode: mode}
	l.Log.Info().Str("event", "launch").Str("mode", mode.String()).Str("name", h.Name).
		Str("image", ref.String()).Bool("gpu", caps.Available).Msg("starting container")
	l.Log.Debug().Str("event", "launch").Strs("args", redactArgs(args)).Msg("runtime invocation")

	if mode == Detached {
		return h, l.runDetached(ctx, args, h)
	}
	return h, l.runAttached(ctx, args, h)
}

func (l *Launcher) docker() string {
	if l.Docker == "" {
		return "docker"
	}
	return l.Docker
}

func (l *Launcher) runDetached(ctx context.Context, args []string, h *Handle) error {
	stdout, stderr, err := l.Runner.Output(ctx, Cmd{Path: l.docker(), Args: args})
	if err != nil {
		return apperr.Launch("launch", fmt.Sprintf("runtime rejected the invocation (exit %d)", exitCode(err)),
			fmt.Errorf("%w; stderr tail: %s", err, tail(stderr, stderrTailBytes)))
	}
	lines := strings.Fields(string(stdout))
	if len(lines) == 0 {
		return apperr.Launch("launch", "runtime did not report a container id", errors.New(tail(stderr, stderrTailBytes)))
	}
	h.ContainerID = lines[len(lines)-1]
	l.Log.Info().Str("event", "launched").Str("name", h.Name).Str("container", shortID(h.ContainerID)).Msg("container started")
	return nil
}

func (l *Launcher) runAttached(ctx context.Context, args []string, h *Handle) error {
	errTail := &tailBuffer{max: stderrTailBytes}
	stderr := io.Writer(errTail)
	if l.Stderr != nil {
		stderr = io.MultiWriter(l.Stderr, errTail)
	}
	proc, err := l.Runner.Start(Cmd{Path: l.docker(), Args: args, Stdout: l.Stdout, Stderr: stderr})
	if err != nil {
		return apperr.Launch("launch", "could not execute "+l.docker(), err)
	}
	done := make(chan error, 1)
	go func() { done <- proc.Wait() }()

	var werr error
	stopped := false
	select {
	case werr = <-done:
	case <-ctx.Done():
		stopped = true
		l.Log.Info().Str("event", "stop").Str("name", h.Name).Msg("forwarding SIGTERM to the container")
		_ = proc.Signal(syscall.SIGTERM)
		werr = <-done
	}
	if werr == nil {
		return nil
	}
	h.ExitCode = exitCode(werr)
	if stopped {
		l.Log.Info().Str("event", "exit").Int("code", h.ExitCode).Msg("container stopped")
		return nil
	}
	switch h.ExitCode {
	case exitDockerError, exitCannotInvoke, exitNotFoundInCtr, -1:
		return apperr.Launch("launch", fmt.Sprintf("runtime rejected the invocation (exit %d)", h.ExitCode),
			fmt.Errorf("%w; stderr tail: %s", werr, strings.TrimSpace(errTail.String())))
	}
	return apperr.Launch("run", fmt.Sprintf("service exited with status %d", h.ExitCode),
		fmt.Errorf("stderr tail: %s", strings.TrimSpace(errTail.String()))).
		WithHint("check the service output above; verify the license key and license server")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
