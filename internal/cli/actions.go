package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"onprem/internal/apperr"
	"onprem/internal/config"
	"onprem/internal/gpu"
	"onprem/internal/health"
	"onprem/internal/httpapi"
	"onprem/internal/image"
	"onprem/internal/launcher"
	"onprem/internal/registry"
	"onprem/internal/runtime"
	"onprem/internal/supervisor"
	"onprem/pkg/types"
)

// Indirection layer to allow stubbing in tests
var (
	fnRunAttached  = runAttached
	fnStartDaemon  = startDaemon
	fnShowStatus   = showStatus
	fnStopInstance = stopInstance
	fnShowLogs     = showLogs
	fnListTags     = listTags

	fnNewRuntime = func(log zerolog.Logger) (runtime.Runtime, error) { return runtime.NewDocker(log) }
)

// App carries what every action needs.
type App struct {
	Cfg    config.Run
	Log    zerolog.Logger
	Stdout io.Writer
	Stderr io.Writer

	Supervise bool
	JSON      bool
	Tail      int
}

// signalContext is cancelled by SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func openRuntime(a *App) (runtime.Runtime, error) {
	rt, err := fnNewRuntime(a.Log)
	if err != nil {
		return nil, apperr.Launch("runtime", "cannot reach the container runtime", err)
	}
	return rt, nil
}

// prepare authenticates, connects to the runtime and probes the GPU.
func prepare(ctx context.Context, a *App) (*image.Resolver, runtime.Runtime, gpu.Capabilities, error) {
	session, err := (&registry.Client{Log: a.Log}).Authenticate(ctx, a.Cfg.CredentialsFile)
	if err != nil {
		return nil, nil, gpu.Capabilities{}, err
	}
	rt, err := openRuntime(a)
	if err != nil {
		return nil, nil, gpu.Capabilities{}, err
	}
	caps := gpu.Probe(ctx, gpu.ProviderFor(a.Cfg.GPU), a.Log)
	var progress io.Writer
	if isTerminal(a.Stderr) {
		progress = a.Stderr
	}
	res := &image.Resolver{
		Puller:      rt,
		Credentials: session.ForRegistry(image.RegistryHost),
		Progress:    progress,
		Log:         a.Log,
	}
	return res, rt, caps, nil
}

func newSupervisor(a *App, rt runtime.Runtime, res *image.Resolver, caps gpu.Capabilities, pub supervisor.EventPublisher) *supervisor.Supervisor {
	d := supervisor.Deps{
		Runtime:   rt,
		Health:    health.New(a.Log),
		GPU:       caps,
		Publisher: pub,
		Log:       a.Log,
	}
	if res != nil {
		d.Images = res
		l := launcher.New(a.Log)
		l.Stdout, l.Stderr = a.Stdout, a.Stderr
		d.Launcher = l
	}
	return supervisor.New(supervisor.Config{Run: a.Cfg}, d)
}

// runAttached pulls and runs the service in the foreground.
func runAttached(ctx context.Context, a *App) error {
	res, rt, caps, err := prepare(ctx, a)
	if err != nil {
		return err
	}
	defer rt.Close()
	if err := claimName(ctx, a, rt); err != nil {
		return err
	}
	ref := a.Cfg.Image()
	if err := res.Pull(ctx, ref); err != nil {
		return err
	}
	l := launcher.New(a.Log)
	l.Stdout, l.Stderr = a.Stdout, a.Stderr
	_, err = l.Launch(ctx, a.Cfg, ref, caps, launcher.Attached)
	return err
}

// claimName makes sure no container holds the instance name, removing an
// exited one left behind by an earlier run.
func claimName(ctx context.Context, a *App, rt runtime.Runtime) error {
	name := a.Cfg.InstanceName()
	c, err := rt.Find(ctx, name)
	if err != nil {
		return apperr.Launch("run", "could not query the container runtime", err)
	}
	if c == nil {
		return nil
	}
	if c.Running {
		return apperr.AlreadyRunning("run", fmt.Sprintf("instance %s is already running", name))
	}
	a.Log.Info().Str("event", "remove_stale").Str("container", c.ID).Str("status", c.Status).Msg("removing exited container")
	if err := rt.Remove(ctx, c.ID); err != nil {
		return apperr.Launch("run", "could not remove the exited container "+name, err)
	}
	return nil
}

// interruptedStart reports a start cancelled by a signal, saying whether a
// container was left behind.
func interruptedStart(a *App, rt runtime.Runtime, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	name := a.Cfg.InstanceName()
	if c, err := rt.Find(ctx, name); err == nil && c != nil && c.Running {
		return apperr.Launch("start", "interrupted before "+name+" became healthy; the container was left running", cause).
			WithHint("check it with --status and --logs, or remove it with --stop")
	}
	return apperr.Launch("start", "interrupted before "+name+" was launched", cause).
		WithHint("nothing was left running; run the command again")
}

// startDaemon starts the instance in the background and, with --supervise,
// keeps watching it.
func startDaemon(ctx context.Context, a *App) error {
	res, rt, caps, err := prepare(ctx, a)
	if err != nil {
		return err
	}
	defer rt.Close()
	pub := supervisor.MultiPublisher{supervisor.LogPublisher{Log: a.Log}}
	if a.Supervise && a.Cfg.MetricsAddr != "" {
		pub = append(pub, httpapi.MetricsPublisher{})
	}
	sup := newSupervisor(a, rt, res, caps, pub)

	err = sup.Start(ctx)
	switch {
	case err == nil:
		fmt.Fprintf(a.Stdout, "%s is healthy at %s\n", a.Cfg.InstanceName(), health.URL(a.Cfg.Host, a.Cfg.Port))
	case ctx.Err() != nil:
		return interruptedStart(a, rt, err)
	case a.Supervise && (apperr.IsAlreadyRunning(err) || apperr.IsStartupTimeout(err)):
		a.Log.Warn().Str("event", "supervise").Err(err).Msg("supervising the existing container")
	default:
		return err
	}
	if !a.Supervise {
		return nil
	}

	if a.Cfg.MetricsAddr != "" {
		httpapi.SetLogger(a.Log)
		go func() {
			if err := httpapi.Serve(ctx, a.Cfg.MetricsAddr, httpapi.NewMux(sup)); err != nil {
				a.Log.Error().Str("event", "listen").Err(err).Msg("status endpoint failed")
			}
		}()
	}
	return sup.Supervise(ctx)
}

func showStatus(ctx context.Context, a *App) error {
	rt, err := openRuntime(a)
	if err != nil {
		return err
	}
	defer rt.Close()
	rep, err := newSupervisor(a, rt, nil, gpu.Capabilities{}, nil).Status(ctx)
	if err != nil {
		return err
	}
	if err := writeStatus(a, rep); err != nil {
		return err
	}
	if rep.State == types.StateNotRunning {
		return apperr.NotRunning("status", a.Cfg.InstanceName()+" is not running")
	}
	return nil
}

func writeStatus(a *App, rep types.StatusReport) error {
	if a.JSON {
		enc := json.NewEncoder(a.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	printStatus(a.Stdout, rep)
	return nil
}

func stopInstance(ctx context.Context, a *App) error {
	rt, err := openRuntime(a)
	if err != nil {
		return err
	}
	defer rt.Close()
	res, err := newSupervisor(a, rt, nil, gpu.Capabilities{}, nil).Stop(ctx)
	if err != nil {
		return err
	}
	if res.AlreadyStopped && !res.Removed {
		fmt.Fprintf(a.Stdout, "%s is not running\n", a.Cfg.InstanceName())
		return nil
	}
	fmt.Fprintf(a.Stdout, "%s stopped\n", a.Cfg.InstanceName())
	return nil
}

func showLogs(ctx context.Context, a *App) error {
	rt, err := openRuntime(a)
	if err != nil {
		return err
	}
	defer rt.Close()
	out, err := newSupervisor(a, rt, nil, gpu.Capabilities{}, nil).Logs(ctx, a.Tail)
	if err != nil {
		return err
	}
	_, err = io.WriteString(a.Stdout, out)
	return err
}

// listTags authenticates and prints the available image versions.
func listTags(ctx context.Context, log zerolog.Logger, keyFile string, f registry.Format, w io.Writer) error {
	c := &registry.Client{Log: log}
	s, err := c.Authenticate(ctx, keyFile)
	if err != nil {
		return err
	}
	tags, err := c.ListTags(ctx, s, image.RepositoryPath())
	if err != nil {
		return err
	}
	return registry.Write(w, tags, f)
}
