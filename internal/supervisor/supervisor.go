package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"onprem/internal/config"
	"onprem/internal/gpu"
	"onprem/internal/health"
	"onprem/internal/image"
	"onprem/internal/launcher"
	"onprem/internal/runtime"
)

// ImagePuller pulls a resolved reference. *image.Resolver implements it.
type ImagePuller interface {
	Pull(ctx context.Context, ref image.Reference) error
}

// Launcher starts the container. *launcher.Launcher implements it.
type Launcher interface {
	Launch(ctx context.Context, cfg config.Run, ref image.Reference, caps gpu.Capabilities, mode launcher.Mode) (*launcher.Handle, error)
}

// HealthChecker polls the service. *health.Monitor implements it.
type HealthChecker interface {
	Poll(ctx context.Context, host string, port int, timeout time.Duration) health.Result
	WaitHealthy(ctx context.Context, host string, port int, opts health.WaitOptions) (health.Result, error)
}

// Supervisor starts, inspects, stops and restarts one instance.
type Supervisor struct {
	cfg      Config
	rt       runtime.Runtime
	images   ImagePuller
	launcher Launcher
	health   HealthChecker
	caps     gpu.Capabilities
	pub      EventPublisher
	log      zerolog.Logger

	mu    sync.RWMutex
	state InstanceState
}

// Deps are the collaborators of a Supervisor. Images and Launcher may be nil
// for supervisors that only query or stop.
type Deps struct {
	Runtime   runtime.Runtime
	Images    ImagePuller
	Launcher  Launcher
	Health    HealthChecker
	GPU       gpu.Capabilities
	Publisher EventPublisher
	Log       zerolog.Logger
}

// New constructs a Supervisor, applying Config defaults.
func New(cfg Config, d Deps) *Supervisor {
	s := &Supervisor{
		cfg:      cfg.withDefaults(),
		rt:       d.Runtime,
		images:   d.Images,
		launcher: d.Launcher,
		health:   d.Health,
		caps:     d.GPU,
		pub:      d.Publisher,
		log:      d.Log.With().Str("component", "supervisor").Logger(),
	}
	if s.pub == nil {
		s.pub = noopPublisher{}
	}
	if s.health == nil {
		s.health = health.New(d.Log)
	}
	s.state = InstanceState{State: StateStopped, Name: s.name(), Health: HealthUnknown}
	return s
}

func (s *Supervisor) name() string { return s.cfg.Run.InstanceName() }

// Snapshot returns a copy of the in-process instance state.
func (s *Supervisor) Snapshot() InstanceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Supervisor) update(fn func(*InstanceState)) {
	s.mu.Lock()
	fn(&s.state)
	s.mu.Unlock()
}

func (s *Supervisor) publish(name string, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	s.pub.Publish(Event{Name: name, Instance: s.name(), Fields: fields})
}
