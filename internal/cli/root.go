// Package cli builds the command trees of the onprem and onprem-tags
// binaries.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"onprem/internal/apperr"
	"onprem/internal/config"
)

type mode string

const (
	modeRun    mode = "run"
	modeDaemon mode = "daemon"
	modeStatus mode = "status"
	modeStop   mode = "stop"
	modeLogs   mode = "logs"
)

type rootFlags struct {
	daemon, supervise, status, stop, logs bool
	jsonOut                               bool
	tail                                  int
	configFile                            string
	gpu                                   string
	logLevel                              string
	metricsAddr                           string
	maxRestarts                           int
	backoff                               string
	startupTimeout                        time.Duration
	name                                  string
}

func usageError(msg string) error {
	return apperr.Config("usage", msg, nil).WithHint("run with --help to see the available flags")
}

func flagError(cmd *cobra.Command, err error) error {
	return usageError(err.Error())
}

// selectMode checks that at most one mode flag is set.
func (f *rootFlags) selectMode() (mode, error) {
	var set []string
	m := modeRun
	pick := func(on bool, name string, md mode) {
		if on {
			set = append(set, "--"+name)
			m = md
		}
	}
	pick(f.daemon || f.supervise, "daemon/--supervise", modeDaemon)
	pick(f.status, "status", modeStatus)
	pick(f.stop, "stop", modeStop)
	pick(f.logs, "logs", modeLogs)
	if len(set) > 1 {
		return "", usageError("flags " + strings.Join(set, ", ") + " are mutually exclusive")
	}
	return m, nil
}

// buildConfig layers defaults, the config file, the environment and the
// flags the user set.
func buildConfig(flags *pflag.FlagSet, f *rootFlags, lookup LookupFunc) (config.Run, error) {
	run := config.Defaults()
	path := f.configFile
	if path == "" {
		path = envStr(lookup, config.EnvConfigFile, "")
	}
	if path != "" {
		file, err := config.Load(path)
		if err != nil {
			return run, apperr.Config("config", "cannot load config file "+path, err)
		}
		if err := run.ApplyFile(file); err != nil {
			return run, err
		}
	}
	if err := run.ApplyEnv(lookup); err != nil {
		return run, err
	}
	if flags.Changed("gpu") {
		run.GPU = f.gpu
	}
	if flags.Changed("log-level") {
		run.LogLevel = f.logLevel
	}
	if flags.Changed("metrics-addr") {
		run.MetricsAddr = f.metricsAddr
	}
	if flags.Changed("max-restarts") {
		run.Restart.MaxRestarts = f.maxRestarts
	}
	if flags.Changed("backoff") {
		run.Restart.Strategy = f.backoff
	}
	if flags.Changed("startup-timeout") {
		run.StartupTimeout = f.startupTimeout
	}
	if flags.Changed("name") {
		run.Name = f.name
	}
	return run, nil
}

// NewRootCmd constructs the onprem command.
func NewRootCmd(stdout, stderr io.Writer, lookup LookupFunc) *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:   "onprem [run]",
		Short: "Run and supervise the Datalab inference service",
		Long: "Pulls the inference image and runs it in the foreground (default), or in the\n" +
			"background with --daemon. --supervise keeps watching a daemon and restarts it\n" +
			"after crashes. --status, --stop and --logs address an existing instance.",
		Example:       "  onprem\n  onprem --daemon\n  onprem --daemon --supervise --metrics-addr 127.0.0.1:9090\n  onprem --status --json\n  onprem --stop",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 || (len(args) == 1 && args[0] == "run") {
				return nil
			}
			return usageError(fmt.Sprintf("unexpected argument %q", args[0]))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := f.selectMode()
			if err != nil {
				return err
			}
			run, err := buildConfig(cmd.Flags(), f, lookup)
			if err != nil {
				return err
			}
			switch m {
			case modeRun, modeDaemon:
				err = run.Validate()
			default:
				err = run.ValidateIdentity()
			}
			if err != nil {
				return err
			}
			a := &App{
				Cfg:       run,
				Log:       newLogger(stderr, run.LogLevel),
				Stdout:    stdout,
				Stderr:    stderr,
				Supervise: f.supervise,
				JSON:      f.jsonOut,
				Tail:      f.tail,
			}
			a.Log.Debug().Str("event", "config").Str("mode", string(m)).Object("config", run).Msg("configuration")
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			switch m {
			case modeDaemon:
				return fnStartDaemon(ctx, a)
			case modeStatus:
				return fnShowStatus(ctx, a)
			case modeStop:
				return fnStopInstance(ctx, a)
			case modeLogs:
				return fnShowLogs(ctx, a)
			default:
				return fnRunAttached(ctx, a)
			}
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(flagError)

	fl := root.Flags()
	fl.BoolVar(&f.daemon, "daemon", false, "Start in the background and return once healthy")
	fl.BoolVar(&f.supervise, "supervise", false, "Start in the background and stay in the foreground restarting it after crashes")
	fl.BoolVar(&f.status, "status", false, "Report whether the instance is running and healthy")
	fl.BoolVar(&f.stop, "stop", false, "Gracefully stop and remove the instance")
	fl.BoolVar(&f.logs, "logs", false, "Print the instance's recent log output")
	fl.BoolVar(&f.jsonOut, "json", false, "Print --status as JSON")
	fl.IntVar(&f.tail, "tail", 100, "Number of lines printed by --logs")
	fl.StringVar(&f.configFile, "config", "", "Config file (.yaml, .yml, .json, .toml); defaults to ONPREM_CONFIG")
	fl.StringVar(&f.gpu, "gpu", config.GPUAuto, "GPU use: auto|on|off")
	fl.StringVar(&f.logLevel, "log-level", "info", "Log level: debug|info|warn|error (defaults ONPREM_LOG_LEVEL or info)")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "With --supervise, serve /status and /metrics on this address")
	fl.IntVar(&f.maxRestarts, "max-restarts", 0, "Restart ceiling for --supervise (0 = unlimited)")
	fl.StringVar(&f.backoff, "backoff", config.BackoffExponential, "Restart delay strategy: fixed|exponential")
	fl.DurationVar(&f.startupTimeout, "startup-timeout", config.DefaultStartupTimeout, "How long to wait for the service to become healthy")
	fl.StringVar(&f.name, "name", "", "Container name of the instance (default datalab-inference-<port>)")
	return root
}

// Execute runs the onprem command and returns the process exit code.
func Execute(args []string) int {
	return execute(NewRootCmd(os.Stdout, os.Stderr, os.LookupEnv), args, os.Stderr)
}

func execute(cmd *cobra.Command, args []string, stderr io.Writer) int {
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		printError(stderr, err)
		return apperr.ExitCode(err)
	}
	return 0
}
