package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"onprem/internal/apperr"
	"onprem/internal/config"
	"onprem/internal/gpu"
	"onprem/internal/health"
	"onprem/internal/image"
	"onprem/internal/launcher"
	"onprem/internal/runtime"
)

type fakeContainer struct {
	c       runtime.Container
	done    chan struct{}
	removed bool
	logs    string
}

// fakeRuntime keeps containers in memory and lets tests make them exit.
type fakeRuntime struct {
	mu     sync.Mutex
	byName map[string]*fakeContainer
	seq    int
	stops  int
}

func newFakeRuntime() *fakeRuntime { return &fakeRuntime{byName: map[string]*fakeContainer{}} }

func (f *fakeRuntime) add(name string, port int, running bool, logs string) *runtime.Container {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	fc := &fakeContainer{
		c: runtime.Container{
			ID:        fmt.Sprintf("c%02d0123456789abcdef", f.seq),
			Name:      name,
			Image:     image.Resolve("").String(),
			Status:    "running",
			Running:   running,
			StartedAt: time.Now(),
			Ports:     []runtime.PortBinding{{HostIP: "127.0.0.1", HostPort: port, ContainerPort: port, Proto: "tcp"}},
		},
		done: make(chan struct{}),
		logs: logs,
	}
	if !running {
		fc.c.Status = "exited"
		close(fc.done)
	}
	f.byName[name] = fc
	c := fc.c
	return &c
}

func (f *fakeRuntime) byID(id string) *fakeContainer {
	for _, fc := range f.byName {
		if fc.c.ID == id {
			return fc
		}
	}
	return nil
}

// exit makes the container stop on its own with code.
func (f *fakeRuntime) exit(name string, code int, logs string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fc := f.byName[name]
	if fc == nil || !fc.c.Running {
		return
	}
	fc.c.Running = false
	fc.c.Status = "exited"
	fc.c.ExitCode = code
	fc.c.FinishedAt = time.Now()
	if logs != "" {
		fc.logs = logs
	}
	close(fc.done)
}

func (f *fakeRuntime) running(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	fc := f.byName[name]
	return fc != nil && fc.c.Running
}

func (f *fakeRuntime) Find(ctx context.Context, name string) (*runtime.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fc := f.byName[name]
	if fc == nil {
		return nil, nil
	}
	c := fc.c
	return &c, nil
}

func (f *fakeRuntime) Wait(ctx context.Context, id string) (runtime.ExitStatus, error) {
	f.mu.Lock()
	fc := f.byID(id)
	f.mu.Unlock()
	if fc == nil {
		return runtime.ExitStatus{}, runtime.ErrNotFound
	}
	select {
	case <-fc.done:
	case <-ctx.Done():
		return runtime.ExitStatus{}, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return runtime.ExitStatus{Code: int64(fc.c.ExitCode)}, nil
}

func (f *fakeRuntime) Stop(ctx context.Context, id string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	fc := f.byID(id)
	if fc == nil || !fc.c.Running {
		return nil
	}
	fc.c.Running = false
	fc.c.Status = "exited"
	fc.c.ExitCode = 143
	fc.c.FinishedAt = time.Now()
	close(fc.done)
	return nil
}

func (f *fakeRuntime) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, fc := range f.byName {
		if fc.c.ID == id {
			if fc.c.Running {
				close(fc.done)
			}
			delete(f.byName, name)
		}
	}
	return nil
}

func (f *fakeRuntime) Logs(ctx context.Context, id string, tail int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fc := f.byID(id); fc != nil {
		return fc.logs, nil
	}
	return "", errors.New("no such container")
}

func (f *fakeRuntime) Pull(ctx context.Context, ref string, creds runtime.Credentials, progress io.Writer) error {
	return nil
}

func (f *fakeRuntime) Close() error { return nil }

type fakePuller struct {
	mu    sync.Mutex
	pulls int
	err   error
}

func (p *fakePuller) Pull(ctx context.Context, ref image.Reference) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pulls++
	return p.err
}

func (p *fakePuller) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pulls
}

// fakeLauncher registers a running container in the fake runtime.
type fakeLauncher struct {
	mu       sync.Mutex
	rt       *fakeRuntime
	launches int
	err      error
	// dieWith, when set, makes every launched container exit right away.
	dieWith *int
	logs    string
}

func (l *fakeLauncher) Launch(ctx context.Context, cfg config.Run, ref image.Reference, caps gpu.Capabilities, mode launcher.Mode) (*launcher.Handle, error) {
	l.mu.Lock()
	l.launches++
	err, die, logs := l.err, l.dieWith, l.logs
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c := l.rt.add(cfg.InstanceName(), cfg.Port, true, logs)
	if die != nil {
		l.rt.exit(cfg.InstanceName(), *die, "")
	}
	return &launcher.Handle{ContainerID: c.ID, Name: c.Name, Session: "sess", Mode: mode}, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

// fakeHealth answers from a fixed verdict and records where it polled.
type fakeHealth struct {
	mu       sync.Mutex
	healthy  bool
	timeout  bool
	polledAt []string
	// hold, when set, keeps WaitHealthy watching Alive until it is closed.
	hold chan struct{}
}

func (h *fakeHealth) holdUntil(c chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hold = c
}

func (h *fakeHealth) Poll(ctx context.Context, host string, port int, timeout time.Duration) health.Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.polledAt = append(h.polledAt, fmt.Sprintf("%s:%d", host, port))
	if h.healthy {
		return health.Result{Status: health.Healthy, Time: time.Now()}
	}
	return health.Result{Status: health.Unhealthy, Time: time.Now(), Detail: "connection refused"}
}

func (h *fakeHealth) WaitHealthy(ctx context.Context, host string, port int, opts health.WaitOptions) (health.Result, error) {
	h.mu.Lock()
	hold := h.hold
	h.mu.Unlock()
	for hold != nil {
		if err := opts.Alive(ctx); err != nil {
			return health.Result{Status: health.Unhealthy}, err
		}
		select {
		case <-hold:
			hold = nil
		case <-ctx.Done():
			return health.Result{Status: health.Unhealthy}, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	// Give an exit watcher the chance to observe an immediate exit.
	for i := 0; i < 50; i++ {
		if opts.Alive != nil {
			if err := opts.Alive(ctx); err != nil {
				return health.Result{Status: health.Unhealthy}, err
			}
		}
		time.Sleep(time.Millisecond)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.timeout {
		return health.Result{Status: health.Unhealthy, Detail: "connection refused"}, apperr.StartupTimeout("start", "not healthy in time")
	}
	return health.Result{Status: health.Healthy, Time: time.Now()}, nil
}

type harness struct {
	cfg    config.Run
	rt     *fakeRuntime
	puller *fakePuller
	launch *fakeLauncher
	health *fakeHealth
	pub    *MemoryPublisher
	sup    *Supervisor
}

func newHarness(mut func(*config.Run)) *harness {
	run := config.Defaults()
	run.LicenseKey = "lic"
	run.Restart.InitialDelay = time.Millisecond
	run.Restart.MaxDelay = 2 * time.Millisecond
	if mut != nil {
		mut(&run)
	}
	rt := newFakeRuntime()
	h := &harness{
		cfg:    run,
		rt:     rt,
		puller: &fakePuller{},
		launch: &fakeLauncher{rt: rt},
		health: &fakeHealth{healthy: true},
		pub:    NewMemoryPublisher(),
	}
	h.sup = h.supervisor()
	return h
}

// supervisor returns a new Supervisor over the same runtime, as a separate
// invocation of the tool would build.
func (h *harness) supervisor() *Supervisor {
	cfg := Config{Run: h.cfg, StopSettle: 30 * time.Millisecond, Jitter: -1}
	return New(cfg, Deps{
		Runtime:   h.rt,
		Images:    h.puller,
		Launcher:  h.launch,
		Health:    h.health,
		Publisher: h.pub,
		Log:       zerolog.Nop(),
	})
}
