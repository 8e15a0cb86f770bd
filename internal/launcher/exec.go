package launcher

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
)

// Cmd describes one invocation of the runtime CLI.
type Cmd struct {
	Path   string
	Args   []string
	Stdout io.Writer
	Stderr io.Writer
}

// Process is a started command.
type Process interface {
	Signal(sig os.Signal) error
	Wait() error
}

// Runner starts commands. It is swapped out in tests.
type Runner interface {
	// Output runs c to completion and captures both streams.
	Output(ctx context.Context, c Cmd) (stdout, stderr []byte, err error)
	// Start starts c without binding its lifetime to a context; the caller
	// decides how to signal it.
	Start(c Cmd) (Process, error)
}

// ExecRunner runs commands with os/exec, inheriting the environment.
type ExecRunner struct{}

func command(ctx context.Context, c Cmd) *exec.Cmd {
	var cmd *exec.Cmd
	if ctx != nil {
		cmd = exec.CommandContext(ctx, c.Path, c.Args...)
	} else {
		cmd = exec.Command(c.Path, c.Args...)
	}
	cmd.Env = os.Environ()
	return cmd
}

func (ExecRunner) Output(ctx context.Context, c Cmd) ([]byte, []byte, error) {
	cmd := command(ctx, c)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

func (ExecRunner) Start(c Cmd) (Process, error) {
	cmd := command(nil, c)
	cmd.Stdin = os.Stdin
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return execProcess{cmd}, nil
}

type execProcess struct{ cmd *exec.Cmd }

func (p execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
func (p execProcess) Wait() error                { return p.cmd.Wait() }

// exitCode extracts the exit status from a command error, or -1.
func exitCode(err error) int {
	if ee, ok := err.(interface{ ExitCode() int }); ok {
		return ee.ExitCode()
	}
	return -1
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }

func tail(b []byte, max int) string {
	s := string(bytes.TrimSpace(b))
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}
