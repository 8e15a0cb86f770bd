// Package apperr defines the error classes every onprem command can end with.
//
// Each class maps to a distinct process exit code and carries a remedy hint
// so the CLI can print an actionable message without knowing which component
// failed.
package apperr

import (
	"errors"
	"strings"
)

// Kind identifies an error class.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfig
	KindAuth
	KindRegistry
	KindPull
	KindLaunch
	KindAlreadyRunning
	KindNotRunning
	KindStartupTimeout
	KindCrash
)

var kindNames = map[Kind]string{
	KindUnknown:        "error",
	KindConfig:         "config error",
	KindAuth:           "authentication error",
	KindRegistry:       "registry error",
	KindPull:           "pull error",
	KindLaunch:         "launch error",
	KindAlreadyRunning: "already running",
	KindNotRunning:     "not running",
	KindStartupTimeout: "startup timeout",
	KindCrash:          "unrecoverable crash",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "error"
}

// ExitCode returns the process exit code for the kind. Usage errors share the
// config code.
func (k Kind) ExitCode() int {
	switch k {
	case KindConfig:
		return 2
	case KindAuth:
		return 3
	case KindRegistry:
		return 4
	case KindPull:
		return 5
	case KindLaunch:
		return 6
	case KindAlreadyRunning:
		return 7
	case KindNotRunning:
		return 8
	case KindStartupTimeout:
		return 9
	case KindCrash:
		return 10
	default:
		return 1
	}
}

// Error is a classified failure. Op names the failing operation, Msg what
// went wrong and Hint what the operator should try next.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Hint string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Msg)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// WithHint returns a copy of e carrying hint.
func (e *Error) WithHint(hint string) *Error {
	c := *e
	c.Hint = hint
	return &c
}

func newErr(k Kind, op, msg string, err error) *Error {
	return &Error{Kind: k, Op: op, Msg: msg, Err: err, Hint: defaultHints[k]}
}

var defaultHints = map[Kind]string{
	KindConfig:         "check DATALAB_LICENSE_KEY and SERVICE_ACCOUNT_KEY_FILE (or the matching flags) and re-run",
	KindAuth:           "verify the service-account key is valid, not revoked, and belongs to the expected project",
	KindRegistry:       "check network connectivity and that the service account can read the repository, then re-run",
	KindPull:           "check the service account has Artifact Registry Reader scope, that the tag exists (run onprem-tags), and network connectivity",
	KindLaunch:         "check that the port is free, the container runtime is running, and any DOCKER_EXTRA_ARGS are valid",
	KindAlreadyRunning: "use --status to inspect it or --stop to stop it before starting again",
	KindNotRunning:     "start it with --daemon",
	KindStartupTimeout: "the container is still running; check --status and --logs, or --stop it",
	KindCrash:          "check the license key and license server; the service will not recover by restarting",
}

func Config(op, msg string, err error) *Error   { return newErr(KindConfig, op, msg, err) }
func Auth(op, msg string, err error) *Error     { return newErr(KindAuth, op, msg, err) }
func Registry(op, msg string, err error) *Error { return newErr(KindRegistry, op, msg, err) }
func Pull(op, msg string, err error) *Error     { return newErr(KindPull, op, msg, err) }
func Launch(op, msg string, err error) *Error   { return newErr(KindLaunch, op, msg, err) }
func AlreadyRunning(op, msg string) *Error      { return newErr(KindAlreadyRunning, op, msg, nil) }
func NotRunning(op, msg string) *Error          { return newErr(KindNotRunning, op, msg, nil) }
func StartupTimeout(op, msg string) *Error      { return newErr(KindStartupTimeout, op, msg, nil) }
func Crash(op, msg string, err error) *Error    { return newErr(KindCrash, op, msg, err) }

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ExitCode maps err to a process exit code; nil maps to 0.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return KindOf(err).ExitCode()
}

func IsConfig(err error) bool         { return KindOf(err) == KindConfig }
func IsAuth(err error) bool           { return KindOf(err) == KindAuth }
func IsRegistry(err error) bool       { return KindOf(err) == KindRegistry }
func IsPull(err error) bool           { return KindOf(err) == KindPull }
func IsLaunch(err error) bool         { return KindOf(err) == KindLaunch }
func IsAlreadyRunning(err error) bool { return KindOf(err) == KindAlreadyRunning }
func IsNotRunning(err error) bool     { return KindOf(err) == KindNotRunning }
func IsStartupTimeout(err error) bool { return KindOf(err) == KindStartupTimeout }
func IsCrash(err error) bool          { return KindOf(err) == KindCrash }

// HintOf returns the remedy hint of the first classified error in err's chain.
func HintOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Hint
	}
	return ""
}
