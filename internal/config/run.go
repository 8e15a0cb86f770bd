// Package config builds the immutable run configuration from defaults, an
// optional config file and the environment. Flags are applied on top by the
// CLI before Validate.
package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"onprem/internal/apperr"
	"onprem/internal/common/fsutil"
	"onprem/internal/image"
)

// Environment variables read by ApplyEnv.
const (
	EnvLicenseKey    = "DATALAB_LICENSE_KEY"
	EnvCredentials   = "SERVICE_ACCOUNT_KEY_FILE"
	EnvVersion       = "CONTAINER_VERSION"
	EnvPort          = "INFERENCE_PORT"
	EnvHost          = "INFERENCE_HOST"
	EnvExtraArgs     = "DOCKER_EXTRA_ARGS"
	EnvLicenseServer = "DATALAB_LICENSE_SERVER"
	EnvLogLevel      = "ONPREM_LOG_LEVEL"
	EnvConfigFile    = "ONPREM_CONFIG"
)

// Backoff strategies.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// GPU modes.
const (
	GPUAuto = "auto"
	GPUOn   = "on"
	GPUOff  = "off"
)

// Defaults.
const (
	DefaultPort           = 8000
	DefaultHost           = "127.0.0.1"
	DefaultStartupTimeout = 10 * time.Minute
	DefaultPollInterval   = 5 * time.Second
	DefaultWarnAfter      = 5
	DefaultInitialDelay   = 2 * time.Second
	DefaultMaxDelay       = time.Minute
	DefaultStablePeriod   = 5 * time.Minute
)

// Restart is the supervisor's restart policy. MaxRestarts 0 means unlimited.
type Restart struct {
	MaxRestarts  int
	WarnAfter    int
	Strategy     string
	InitialDelay time.Duration
	MaxDelay     time.Duration
	StablePeriod time.Duration
}

// Run is the configuration of one invocation.
type Run struct {
	LicenseKey      string
	CredentialsFile string
	Version         string
	Port            int
	Host            string
	ExtraArgs       []string
	LicenseServer   string
	Name            string
	StartupTimeout  time.Duration
	PollInterval    time.Duration
	Restart         Restart
	MetricsAddr     string
	GPU             string
	LogLevel        string
}

// Defaults returns a Run with every optional field set.
func Defaults() Run {
	return Run{
		Version:        image.DefaultVersion,
		Port:           DefaultPort,
		Host:           DefaultHost,
		StartupTimeout: DefaultStartupTimeout,
		PollInterval:   DefaultPollInterval,
		GPU:            GPUAuto,
		LogLevel:       "info",
		Restart: Restart{
			WarnAfter:    DefaultWarnAfter,
			Strategy:     BackoffExponential,
			InitialDelay: DefaultInitialDelay,
			MaxDelay:     DefaultMaxDelay,
			StablePeriod: DefaultStablePeriod,
		},
	}
}

// InstanceName is the well-known container name of the managed instance.
func (r Run) InstanceName() string {
	if r.Name != "" {
		return r.Name
	}
	return fmt.Sprintf("%s-%d", image.Name, r.Port)
}

// Image is the resolved reference for the configured version.
func (r Run) Image() image.Reference { return image.Resolve(r.Version) }

// ApplyFile overlays the non-zero fields of f.
func (r *Run) ApplyFile(f File) error {
	setStr(&r.LicenseKey, f.LicenseKey)
	setStr(&r.CredentialsFile, f.CredentialsFile)
	setStr(&r.Version, f.Version)
	setStr(&r.Host, f.Host)
	setStr(&r.LicenseServer, f.LicenseServer)
	setStr(&r.Name, f.Name)
	setStr(&r.MetricsAddr, f.MetricsAddr)
	setStr(&r.GPU, f.GPU)
	setStr(&r.LogLevel, f.LogLevel)
	setStr(&r.Restart.Strategy, f.Restart.Backoff)
	if f.Port != 0 {
		r.Port = f.Port
	}
	if len(f.ExtraArgs) > 0 {
		r.ExtraArgs = append([]string(nil), f.ExtraArgs...)
	}
	if f.Restart.MaxRestarts != nil {
		r.Restart.MaxRestarts = *f.Restart.MaxRestarts
	}
	if f.Restart.WarnAfter != 0 {
		r.Restart.WarnAfter = f.Restart.WarnAfter
	}
	durs := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"startup_timeout", f.StartupTimeout, &r.StartupTimeout},
		{"poll_interval", f.PollInterval, &r.PollInterval},
		{"restart.initial_delay", f.Restart.InitialDelay, &r.Restart.InitialDelay},
		{"restart.max_delay", f.Restart.MaxDelay, &r.Restart.MaxDelay},
		{"restart.stable_period", f.Restart.StablePeriod, &r.Restart.StablePeriod},
	}
	for _, d := range durs {
		if d.val == "" {
			continue
		}
		v, err := time.ParseDuration(d.val)
		if err != nil {
			return apperr.Config("config", fmt.Sprintf("invalid %s %q", d.key, d.val), err)
		}
		*d.dst = v
	}
	return nil
}

// ApplyEnv overlays the variables that lookup reports as set and non-empty.
func (r *Run) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(k string) string {
		v, ok := lookup(k)
		if !ok {
			return ""
		}
		return strings.TrimSpace(v)
	}
	setStr(&r.LicenseKey, get(EnvLicenseKey))
	setStr(&r.CredentialsFile, get(EnvCredentials))
	setStr(&r.Version, get(EnvVersion))
	setStr(&r.Host, get(EnvHost))
	setStr(&r.LicenseServer, get(EnvLicenseServer))
	setStr(&r.LogLevel, get(EnvLogLevel))
	if v := get(EnvPort); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return apperr.Config("config", fmt.Sprintf("%s must be an integer, got %q", EnvPort, v), nil)
		}
		r.Port = p
	}
	// Unquoted word splitting, as a shell would expand $DOCKER_EXTRA_ARGS.
	if v := get(EnvExtraArgs); v != "" {
		r.ExtraArgs = strings.Fields(v)
	}
	return nil
}

// ValidateIdentity checks the fields needed to address an existing instance
// (status, stop, logs).
func (r Run) ValidateIdentity() error {
	if r.Port < 1 || r.Port > 65535 {
		return apperr.Config("config", fmt.Sprintf("port %d out of range 1-65535", r.Port), nil)
	}
	return nil
}

// Validate checks everything needed before starting the service. The
// credential file is resolved to an absolute path in place.
func (r *Run) Validate() error {
	if strings.TrimSpace(r.LicenseKey) == "" {
		return apperr.Config("config", EnvLicenseKey+" is required", nil)
	}
	if strings.TrimSpace(r.CredentialsFile) == "" {
		return apperr.Config("config", EnvCredentials+" is required", nil)
	}
	p, err := fsutil.ResolveFile(r.CredentialsFile)
	if err != nil {
		return apperr.Config("config", "credential file "+r.CredentialsFile+" is not readable", err)
	}
	r.CredentialsFile = p
	if err := r.ValidateIdentity(); err != nil {
		return err
	}
	if strings.TrimSpace(r.Host) == "" {
		return apperr.Config("config", "bind host is empty", nil)
	}
	if err := image.ValidateVersion(r.Version); err != nil {
		return apperr.Config("config", "invalid "+EnvVersion, err)
	}
	if r.LicenseServer != "" {
		u, err := url.Parse(r.LicenseServer)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return apperr.Config("config", fmt.Sprintf("%s must be an absolute URL, got %q", EnvLicenseServer, r.LicenseServer), err)
		}
	}
	switch r.GPU {
	case GPUAuto, GPUOn, GPUOff:
	default:
		return apperr.Config("config", fmt.Sprintf("gpu mode must be auto, on or off, got %q", r.GPU), nil)
	}
	switch r.Restart.Strategy {
	case BackoffFixed, BackoffExponential:
	default:
		return apperr.Config("config", fmt.Sprintf("backoff must be fixed or exponential, got %q", r.Restart.Strategy), nil)
	}
	if r.Restart.MaxRestarts < 0 {
		return apperr.Config("config", "max restarts must not be negative", nil)
	}
	if r.StartupTimeout <= 0 || r.PollInterval <= 0 {
		return apperr.Config("config", "startup timeout and poll interval must be positive", nil)
	}
	if r.Restart.InitialDelay <= 0 || r.Restart.MaxDelay < r.Restart.InitialDelay {
		return apperr.Config("config", "restart delays must be positive with max >= initial", nil)
	}
	return nil
}

// Redacted returns a copy safe to print.
func (r Run) Redacted() Run {
	c := r
	c.ExtraArgs = append([]string(nil), r.ExtraArgs...)
	if c.LicenseKey != "" {
		c.LicenseKey = "[REDACTED]"
	}
	return c
}

// MarshalZerologObject logs the configuration without the license key.
func (r Run) MarshalZerologObject(e *zerolog.Event) {
	e.Str("image", r.Image().String()).
		Str("name", r.InstanceName()).
		Str("host", r.Host).
		Int("port", r.Port).
		Strs("extra_args", r.ExtraArgs).
		Bool("license_key_set", r.LicenseKey != "").
		Str("credentials_file", r.CredentialsFile).
		Str("license_server", r.LicenseServer).
		Str("gpu", r.GPU).
		Dur("startup_timeout", r.StartupTimeout).
		Str("backoff", r.Restart.Strategy).
		Int("max_restarts", r.Restart.MaxRestarts)
}

func setStr(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
