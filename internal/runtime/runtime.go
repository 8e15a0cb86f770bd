// Package runtime abstracts the container runtime the supervised service runs
// under. Identity across separate tool invocations is recovered only through
// these queries; callers never persist container state themselves.
package runtime

import (
	"context"
	"io"
	"time"
)

// Labels attached to every container launched by onprem.
const (
	LabelManaged = "ai.datalab.onprem.managed"
	LabelSession = "ai.datalab.onprem.session"
	LabelVersion = "ai.datalab.onprem.version"
)

// Credentials authorize the runtime against a private registry.
type Credentials struct {
	Username      string
	Password      string
	ServerAddress string
}

// PortBinding is one published port of a container.
type PortBinding struct {
	HostIP        string
	HostPort      int
	ContainerPort int
	Proto         string
}

// Container is a point-in-time view of a container looked up by name.
type Container struct {
	ID         string
	Name       string
	Image      string
	Status     string // created, running, exited, ...
	Running    bool
	ExitCode   int
	OOMKilled  bool
	StartedAt  time.Time
	FinishedAt time.Time
	Labels     map[string]string
	Ports      []PortBinding
}

// ExitStatus describes how a container stopped running.
type ExitStatus struct {
	Code  int64
	Error string
}

// ImagePuller fetches images into the runtime's local store.
type ImagePuller interface {
	// Pull fetches ref using creds. Progress output, if any, goes to progress.
	Pull(ctx context.Context, ref string, creds Credentials, progress io.Writer) error
}

// Runtime is the set of queries and actions the supervisor needs.
type Runtime interface {
	ImagePuller
	// Find looks a container up by name. It returns (nil, nil) when absent.
	Find(ctx context.Context, name string) (*Container, error)
	// Wait blocks until the container is no longer running.
	Wait(ctx context.Context, id string) (ExitStatus, error)
	// Stop sends the graceful stop signal and kills after grace.
	Stop(ctx context.Context, id string, grace time.Duration) error
	// Remove deletes the container. Removing an absent container is not an error.
	Remove(ctx context.Context, id string) error
	// Logs returns the last tail lines of combined stdout/stderr.
	Logs(ctx context.Context, id string, tail int) (string, error)
	Close() error
}

// Published returns the first host binding for containerPort/tcp.
func (c *Container) Published(containerPort int) (PortBinding, bool) {
	if c == nil {
		return PortBinding{}, false
	}
	for _, p := range c.Ports {
		if p.ContainerPort == containerPort && (p.Proto == "" || p.Proto == "tcp") && p.HostPort > 0 {
			return p, true
		}
	}
	return PortBinding{}, false
}

// FirstPublished returns the first published tcp binding, if any.
func (c *Container) FirstPublished() (PortBinding, bool) {
	if c == nil {
		return PortBinding{}, false
	}
	for _, p := range c.Ports {
		if (p.Proto == "" || p.Proto == "tcp") && p.HostPort > 0 {
			return p, true
		}
	}
	return PortBinding{}, false
}
