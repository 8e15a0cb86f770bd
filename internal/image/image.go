// Package image resolves the service's image reference and pulls it through
// the container runtime.
package image

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/distribution/reference"
	"github.com/rs/zerolog"

	"onprem/internal/apperr"
	"onprem/internal/runtime"
)

// Fixed registry coordinate of the inference image. It is not configurable.
const (
	RegistryHost = "us-docker.pkg.dev"
	Project      = "datalab-onprem"
	Repository   = "inference"
	Name         = "datalab-inference"

	DefaultVersion = "latest"
)

// RepositoryPath is the image path without a tag.
func RepositoryPath() string {
	return RegistryHost + "/" + Project + "/" + Repository + "/" + Name
}

// Reference is a fully-qualified image reference.
type Reference struct {
	Registry   string
	Project    string
	Repository string
	Image      string
	Tag        string
}

func (r Reference) String() string {
	return r.Registry + "/" + r.Project + "/" + r.Repository + "/" + r.Image + ":" + r.Tag
}

// Resolve builds the reference for version. It performs no I/O; an empty
// version means DefaultVersion.
func Resolve(version string) Reference {
	v := strings.TrimSpace(version)
	if v == "" {
		v = DefaultVersion
	}
	return Reference{Registry: RegistryHost, Project: Project, Repository: Repository, Image: Name, Tag: v}
}

// ValidateVersion reports whether version forms a valid tagged reference.
func ValidateVersion(version string) error {
	ref := Resolve(version)
	named, err := reference.ParseNamed(ref.String())
	if err != nil {
		return fmt.Errorf("invalid container version %q: %w", version, err)
	}
	if _, ok := named.(reference.NamedTagged); !ok {
		return fmt.Errorf("invalid container version %q: not a tag", version)
	}
	return nil
}

// CredentialSource yields registry credentials the runtime can use.
type CredentialSource interface {
	RuntimeCredentials(ctx context.Context) (runtime.Credentials, error)
}

// Resolver pulls resolved references through a runtime.
type Resolver struct {
	Puller      runtime.ImagePuller
	Credentials CredentialSource
	Progress    io.Writer
	Log         zerolog.Logger
}

// Pull fetches ref. Pulling an up-to-date image is a no-op for the runtime.
// Every failure is a PullError; the causes are distinguished only by the hint.
func (r *Resolver) Pull(ctx context.Context, ref Reference) error {
	if r.Credentials == nil {
		return apperr.Pull("pull", "not authenticated to the registry", nil)
	}
	creds, err := r.Credentials.RuntimeCredentials(ctx)
	if err != nil {
		return apperr.Pull("pull", "could not obtain registry credentials", err)
	}
	r.Log.Info().Str("event", "pull").Str("image", ref.String()).Msg("pulling image")
	if err := r.Puller.Pull(ctx, ref.String(), creds, r.Progress); err != nil {
		return apperr.Pull("pull", "failed to pull "+ref.String(), err)
	}
	r.Log.Info().Str("event", "pull_done").Str("image", ref.String()).Msg("image ready")
	return nil
}
