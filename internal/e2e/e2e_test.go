// Package e2e drives the status pipeline end to end: a supervisor backed by an
// in-memory runtime, the real health monitor polling a stand-in inference
// service, and the HTTP status surface in front of both.
package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onprem/internal/config"
	"onprem/internal/health"
	"onprem/internal/httpapi"
	"onprem/internal/runtime"
	"onprem/internal/supervisor"
	"onprem/pkg/types"
)

// staticRuntime reports a fixed container and performs no actions.
type staticRuntime struct {
	c       *runtime.Container
	stopped atomic.Bool
}

func (r *staticRuntime) Pull(context.Context, string, runtime.Credentials, io.Writer) error {
	return nil
}
func (r *staticRuntime) Find(context.Context, string) (*runtime.Container, error) {
	if r.c == nil || r.stopped.Load() {
		return nil, nil
	}
	return r.c, nil
}
func (r *staticRuntime) Wait(ctx context.Context, _ string) (runtime.ExitStatus, error) {
	<-ctx.Done()
	return runtime.ExitStatus{}, ctx.Err()
}
func (r *staticRuntime) Stop(context.Context, string, time.Duration) error {
	r.stopped.Store(true)
	return nil
}
func (r *staticRuntime) Remove(context.Context, string) error              { return nil }
func (r *staticRuntime) Logs(context.Context, string, int) (string, error) { return "", nil }
func (r *staticRuntime) Close() error                                      { return nil }

// inferenceService stands in for the container's health endpoint.
func inferenceService(t *testing.T, status *atomic.Int32) (string, int) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != health.Path {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}))
	t.Cleanup(srv.Close)
	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func newStatusServer(t *testing.T, rt runtime.Runtime) *httptest.Server {
	t.Helper()
	run := config.Defaults()
	sup := supervisor.New(supervisor.Config{Run: run, PollTimeout: time.Second}, supervisor.Deps{
		Runtime: rt,
		Health:  health.New(zerolog.Nop()),
		Log:     zerolog.Nop(),
	})
	srv := httptest.NewServer(httpapi.NewMux(sup))
	t.Cleanup(srv.Close)
	return srv
}

func getStatus(t *testing.T, base string) (int, types.StatusReport) {
	t.Helper()
	resp, err := http.Get(base + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var rep types.StatusReport
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&rep))
	}
	return resp.StatusCode, rep
}

func TestE2E_StatusFollowsServiceHealth(t *testing.T) {
	var code atomic.Int32
	code.Store(http.StatusServiceUnavailable)
	host, port := inferenceService(t, &code)

	rt := &staticRuntime{c: &runtime.Container{
		ID:        "c0ffee0123456789",
		Name:      "datalab-inference-8000",
		Image:     "us-docker.pkg.dev/example/inference:latest",
		Status:    "running",
		Running:   true,
		StartedAt: time.Now().Add(-time.Minute),
		Ports:     []runtime.PortBinding{{HostIP: host, HostPort: port, ContainerPort: config.DefaultPort, Proto: "tcp"}},
	}}
	srv := newStatusServer(t, rt)

	status, rep := getStatus(t, srv.URL)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, types.StateRunningUnhealthy, rep.State)
	assert.Equal(t, port, rep.Port)
	assert.NotEmpty(t, rep.LastError)

	code.Store(http.StatusOK)
	status, rep = getStatus(t, srv.URL)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, types.StateRunning, rep.State)
	assert.Equal(t, "healthy", rep.Health)
	assert.GreaterOrEqual(t, rep.UptimeSeconds, int64(59))
}

func TestE2E_StatusWithoutContainer(t *testing.T) {
	srv := newStatusServer(t, &staticRuntime{})
	status, rep := getStatus(t, srv.URL)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, types.StateNotRunning, rep.State)
	assert.Equal(t, "datalab-inference-8000", rep.Name)
}

func TestE2E_StopThenStatus(t *testing.T) {
	var code atomic.Int32
	code.Store(http.StatusOK)
	host, port := inferenceService(t, &code)
	rt := &staticRuntime{c: &runtime.Container{
		ID: "abc", Name: "datalab-inference-8000", Running: true, Status: "running",
		Ports: []runtime.PortBinding{{HostIP: host, HostPort: port, ContainerPort: config.DefaultPort}},
	}}
	sup := supervisor.New(supervisor.Config{Run: config.Defaults()}, supervisor.Deps{
		Runtime: rt, Health: health.New(zerolog.Nop()), Log: zerolog.Nop(),
	})

	rep, err := sup.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StateRunning, rep.State)

	res, err := sup.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", res.ContainerID)

	rep, err = sup.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StateNotRunning, rep.State)
}
