package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"
)

// ErrNotFound reports that a container disappeared while being waited on.
var ErrNotFound = errors.New("container not found")

// dockerAPI is the subset of the Docker SDK client used here.
type dockerAPI interface {
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	Close() error
}

// Docker implements Runtime on top of the Docker Engine API.
type Docker struct {
	api dockerAPI
	log zerolog.Logger
}

// NewDocker connects to the engine configured by the environment
// (DOCKER_HOST, DOCKER_TLS_VERIFY, ...), negotiating the API version.
func NewDocker(log zerolog.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Docker{api: cli, log: log}, nil
}

func (d *Docker) Find(ctx context.Context, name string) (*Container, error) {
	info, err := d.api.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("inspect %s: %w", name, err)
	}
	return fromInspect(info), nil
}

func fromInspect(info types.ContainerJSON) *Container {
	c := &Container{}
	if info.ContainerJSONBase != nil {
		c.ID = info.ID
		c.Name = strings.TrimPrefix(info.Name, "/")
		if st := info.State; st != nil {
			c.Status = st.Status
			c.Running = st.Running
			c.ExitCode = st.ExitCode
			c.OOMKilled = st.OOMKilled
			c.StartedAt = parseDockerTime(st.StartedAt)
			c.FinishedAt = parseDockerTime(st.FinishedAt)
		}
	}
	if info.Config != nil {
		c.Image = info.Config.Image
		c.Labels = info.Config.Labels
	}
	if info.NetworkSettings != nil {
		c.Ports = fromPortMap(info.NetworkSettings.Ports)
	}
	return c
}

// fromPortMap flattens a port map into bindings sorted by container port.
func fromPortMap(pm nat.PortMap) []PortBinding {
	var out []PortBinding
	for port, bindings := range pm {
		for _, b := range bindings {
			hp, err := strconv.Atoi(b.HostPort)
			if err != nil {
				continue
			}
			out = append(out, PortBinding{
				HostIP:        b.HostIP,
				HostPort:      hp,
				ContainerPort: port.Int(),
				Proto:         port.Proto(),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ContainerPort != out[j].ContainerPort {
			return out[i].ContainerPort < out[j].ContainerPort
		}
		return out[i].HostIP < out[j].HostIP
	})
	return out
}

func parseDockerTime(s string) time.Time {
	if s == "" || strings.HasPrefix(s, "0001-") {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (d *Docker) Wait(ctx context.Context, id string) (ExitStatus, error) {
	respCh, errCh := d.api.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case resp := <-respCh:
		st := ExitStatus{Code: resp.StatusCode}
		if resp.Error != nil {
			st.Error = resp.Error.Message
		}
		return st, nil
	case err := <-errCh:
		if errdefs.IsNotFound(err) {
			return ExitStatus{}, fmt.Errorf("wait %s: %w", id, ErrNotFound)
		}
		return ExitStatus{}, fmt.Errorf("wait %s: %w", id, err)
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

func (d *Docker) Stop(ctx context.Context, id string, grace time.Duration) error {
	secs := int(grace.Seconds())
	if err := d.api.ContainerStop(ctx, id, container.StopOptions{Signal: "SIGTERM", Timeout: &secs}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop %s: %w", id, err)
	}
	return nil
}

func (d *Docker) Remove(ctx context.Context, id string) error {
	if err := d.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove %s: %w", id, err)
	}
	return nil
}

func (d *Docker) Logs(ctx context.Context, id string, tail int) (string, error) {
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}
	rc, err := d.api.ContainerLogs(ctx, id, opts)
	if err != nil {
		return "", fmt.Errorf("logs %s: %w", id, err)
	}
	defer rc.Close()
	var buf bytes.Buffer
	// Containers started without a TTY multiplex both streams.
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return buf.String(), fmt.Errorf("read logs %s: %w", id, err)
	}
	return buf.String(), nil
}

func (d *Docker) Pull(ctx context.Context, ref string, creds Credentials, progress io.Writer) error {
	auth, err := registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      creds.Username,
		Password:      creds.Password,
		ServerAddress: creds.ServerAddress,
	})
	if err != nil {
		return fmt.Errorf("encode registry auth: %w", err)
	}
	d.log.Debug().Str("event", "pull").Str("ref", ref).Str("registry", creds.ServerAddress).Msg("pulling image")
	rc, err := d.api.ImagePull(ctx, ref, image.PullOptions{RegistryAuth: auth})
	if err != nil {
		return err
	}
	defer rc.Close()
	if progress == nil {
		progress = io.Discard
	}
	// The engine reports failures inside the stream, not only via the status code.
	return jsonmessage.DisplayJSONMessagesStream(rc, progress, 0, false, nil)
}

func (d *Docker) Close() error { return d.api.Close() }
