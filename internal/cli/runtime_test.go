package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onprem/internal/apperr"
	"onprem/internal/config"
	"onprem/internal/runtime"
)

// memRuntime holds at most one container per name and records removals.
type memRuntime struct {
	mu      sync.Mutex
	byName  map[string]*runtime.Container
	removed []string
	stopped []string
	findErr error
}

func newMemRuntime(cs ...runtime.Container) *memRuntime {
	m := &memRuntime{byName: map[string]*runtime.Container{}}
	for i := range cs {
		c := cs[i]
		m.byName[c.Name] = &c
	}
	return m
}

func (m *memRuntime) Pull(context.Context, string, runtime.Credentials, io.Writer) error {
	return nil
}

func (m *memRuntime) Find(_ context.Context, name string) (*runtime.Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	c, ok := m.byName[name]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *memRuntime) Wait(ctx context.Context, _ string) (runtime.ExitStatus, error) {
	<-ctx.Done()
	return runtime.ExitStatus{}, ctx.Err()
}

func (m *memRuntime) Stop(_ context.Context, id string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = append(m.stopped, id)
	for _, c := range m.byName {
		if c.ID == id {
			c.Running = false
			c.Status = "exited"
		}
	}
	return nil
}

func (m *memRuntime) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, id)
	for name, c := range m.byName {
		if c.ID == id {
			delete(m.byName, name)
		}
	}
	return nil
}

func (m *memRuntime) Logs(context.Context, string, int) (string, error) { return "", nil }
func (m *memRuntime) Close() error                                      { return nil }

func testApp() (*App, *bytes.Buffer) {
	var out bytes.Buffer
	return &App{Cfg: config.Defaults(), Log: zerolog.Nop(), Stdout: &out, Stderr: io.Discard}, &out
}

func TestClaimName_RemovesExitedContainer(t *testing.T) {
	a, _ := testApp()
	rt := newMemRuntime(runtime.Container{ID: "dead01", Name: "datalab-inference-8000", Status: "exited", ExitCode: 1})

	require.NoError(t, claimName(context.Background(), a, rt))
	assert.Equal(t, []string{"dead01"}, rt.removed)
	c, _ := rt.Find(context.Background(), "datalab-inference-8000")
	assert.Nil(t, c)
}

func TestClaimName_RefusesRunningContainer(t *testing.T) {
	a, _ := testApp()
	rt := newMemRuntime(runtime.Container{ID: "live01", Name: "datalab-inference-8000", Status: "running", Running: true})

	err := claimName(context.Background(), a, rt)
	assert.True(t, apperr.IsAlreadyRunning(err), "got %v", err)
	assert.Empty(t, rt.removed)
}

func TestClaimName_FreeNameAndRuntimeFailure(t *testing.T) {
	a, _ := testApp()
	require.NoError(t, claimName(context.Background(), a, newMemRuntime()))

	rt := newMemRuntime()
	rt.findErr = errors.New("daemon unreachable")
	assert.True(t, apperr.IsLaunch(claimName(context.Background(), a, rt)))
}

func TestInterruptedStart_SaysWhatWasLeftRunning(t *testing.T) {
	a, _ := testApp()
	rt := newMemRuntime(runtime.Container{ID: "live01", Name: "datalab-inference-8000", Running: true})

	err := interruptedStart(a, rt, context.Canceled)
	require.True(t, apperr.IsLaunch(err), "got %v", err)
	assert.True(t, errors.Is(err, context.Canceled))
	var b bytes.Buffer
	printError(&b, err)
	assert.Contains(t, b.String(), "left running")
	assert.Contains(t, b.String(), "--stop")

	err = interruptedStart(a, newMemRuntime(), context.Canceled)
	assert.NotContains(t, err.Error(), "left running")
	assert.Equal(t, 6, apperr.ExitCode(err))
}

func TestStopInstance_StopsThenReportsNotRunning(t *testing.T) {
	rt := newMemRuntime(runtime.Container{ID: "live01", Name: "datalab-inference-8000", Status: "running", Running: true})
	old := fnNewRuntime
	fnNewRuntime = func(zerolog.Logger) (runtime.Runtime, error) { return rt, nil }
	defer func() { fnNewRuntime = old }()

	a, out := testApp()
	require.NoError(t, stopInstance(context.Background(), a))
	assert.Equal(t, []string{"live01"}, rt.stopped)
	assert.Equal(t, []string{"live01"}, rt.removed)
	assert.Equal(t, "datalab-inference-8000 stopped\n", out.String())

	out.Reset()
	require.NoError(t, stopInstance(context.Background(), a))
	assert.Equal(t, "datalab-inference-8000 is not running\n", out.String())
}
