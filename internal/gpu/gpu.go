// Package gpu detects whether the host can hand GPUs to the container runtime.
package gpu

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Capability is the result of a detection: either Available or Unavailable.
type Capability interface {
	capability()
}

// Available reports usable GPUs. Names are informational.
type Available struct {
	Count int
	Names []string
}

// Unavailable reports why no GPU will be requested.
type Unavailable struct {
	Reason string
}

func (Available) capability()   {}
func (Unavailable) capability() {}

// Capabilities is the flattened view consumed by the launcher.
type Capabilities struct {
	Available bool
	Count     int
	Names     []string
	Reason    string
}

// Provider detects GPU capability. Detect must not fail; problems are
// reported as Unavailable.
type Provider interface {
	Detect(ctx context.Context) Capability
}

// Probe runs p once and flattens the result.
func Probe(ctx context.Context, p Provider, log zerolog.Logger) Capabilities {
	var caps Capabilities
	switch c := p.Detect(ctx).(type) {
	case Available:
		caps = Capabilities{Available: true, Count: c.Count, Names: c.Names}
		log.Info().Str("event", "gpu_probe").Int("count", c.Count).Strs("names", c.Names).Msg("GPU acceleration enabled")
	case Unavailable:
		caps = Capabilities{Reason: c.Reason}
		log.Info().Str("event", "gpu_probe").Str("reason", c.Reason).Msg("no GPU detected, running on CPU")
	default:
		caps = Capabilities{Reason: "unknown capability"}
	}
	return caps
}

// Static returns a fixed answer, for --gpu=on and --gpu=off. A forced GPU is
// counted as one device since nothing was probed.
type Static struct {
	Enabled bool
}

func (s Static) Detect(context.Context) Capability {
	if s.Enabled {
		return Available{Count: 1}
	}
	return Unavailable{Reason: "disabled by configuration"}
}

const defaultProbeTimeout = 5 * time.Second

// runFunc executes a command and returns its stdout.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil && stderr.Len() > 0 {
		return out, errors.New(strings.TrimSpace(stderr.String()))
	}
	return out, err
}

// NvidiaSMI detects GPUs by listing them with nvidia-smi.
type NvidiaSMI struct {
	Binary  string
	Timeout time.Duration
	run     runFunc
}

// NewNvidiaSMI returns a provider using nvidia-smi from PATH.
func NewNvidiaSMI() *NvidiaSMI {
	return &NvidiaSMI{Binary: "nvidia-smi", Timeout: defaultProbeTimeout, run: execOutput}
}

func (n *NvidiaSMI) Detect(ctx context.Context) Capability {
	run := n.run
	if run == nil {
		run = execOutput
	}
	bin := n.Binary
	if bin == "" {
		bin = "nvidia-smi"
	}
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := run(cctx, bin, "--query-gpu=name", "--format=csv,noheader")
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return Unavailable{Reason: bin + " not found"}
		}
		return Unavailable{Reason: bin + " failed: " + err.Error()}
	}
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		if l := strings.TrimSpace(line); l != "" {
			names = append(names, l)
		}
	}
	if len(names) == 0 {
		return Unavailable{Reason: bin + " reported no devices"}
	}
	return Available{Count: len(names), Names: names}
}

// ProviderFor maps a --gpu mode (auto, on, off) to a provider.
func ProviderFor(mode string) Provider {
	switch mode {
	case "on":
		return Static{Enabled: true}
	case "off":
		return Static{Enabled: false}
	default:
		return NewNvidiaSMI()
	}
}
