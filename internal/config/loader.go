package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// File is the on-disk configuration. Zero values mean "unspecified" and leave
// the defaults (or earlier layers) in place. Durations are Go duration strings.
type File struct {
	LicenseKey      string      `json:"license_key" yaml:"license_key" toml:"license_key"`
	CredentialsFile string      `json:"credentials_file" yaml:"credentials_file" toml:"credentials_file"`
	Version         string      `json:"version" yaml:"version" toml:"version"`
	Port            int         `json:"port" yaml:"port" toml:"port"`
	Host            string      `json:"host" yaml:"host" toml:"host"`
	ExtraArgs       []string    `json:"extra_args" yaml:"extra_args" toml:"extra_args"`
	LicenseServer   string      `json:"license_server" yaml:"license_server" toml:"license_server"`
	Name            string      `json:"name" yaml:"name" toml:"name"`
	StartupTimeout  string      `json:"startup_timeout" yaml:"startup_timeout" toml:"startup_timeout"`
	PollInterval    string      `json:"poll_interval" yaml:"poll_interval" toml:"poll_interval"`
	MetricsAddr     string      `json:"metrics_addr" yaml:"metrics_addr" toml:"metrics_addr"`
	GPU             string      `json:"gpu" yaml:"gpu" toml:"gpu"`
	LogLevel        string      `json:"log_level" yaml:"log_level" toml:"log_level"`
	Restart         FileRestart `json:"restart" yaml:"restart" toml:"restart"`
}

// FileRestart is the restart section of File. MaxRestarts is a pointer since
// 0 is a meaningful value (unlimited).
type FileRestart struct {
	MaxRestarts  *int   `json:"max_restarts" yaml:"max_restarts" toml:"max_restarts"`
	WarnAfter    int    `json:"warn_after" yaml:"warn_after" toml:"warn_after"`
	Backoff      string `json:"backoff" yaml:"backoff" toml:"backoff"`
	InitialDelay string `json:"initial_delay" yaml:"initial_delay" toml:"initial_delay"`
	MaxDelay     string `json:"max_delay" yaml:"max_delay" toml:"max_delay"`
	StablePeriod string `json:"stable_period" yaml:"stable_period" toml:"stable_period"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (File, error) {
	var f File
	if path == "" {
		return f, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return f, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &f); err != nil {
			return f, err
		}
	case ".json":
		if err := json.Unmarshal(b, &f); err != nil {
			return f, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &f); err != nil {
			return f, err
		}
	default:
		return f, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return f, nil
}
