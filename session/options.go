package session

import (
	"strconv"
	"time"

	"github.com/acolita/shellpilot/internal/adapters/realclock"
	"github.com/acolita/shellpilot/internal/ports"
)

// UnbufferedMode selects how queued input reaches the transport.
type UnbufferedMode string

const (
	// UnbufferedNone writes queued chunks whole.
	UnbufferedNone UnbufferedMode = "none"
	// UnbufferedChar splits queued chunks into single characters.
	UnbufferedChar UnbufferedMode = "char"
	// UnbufferedEcho splits into single characters and keeps at most one
	// in flight: the next character is written only after the previous
	// one has been observed in the inbound stream.
	UnbufferedEcho UnbufferedMode = "echo"
)

// ExitPolicy selects what Exec does with a non-zero exit code.
type ExitPolicy string

const (
	// ExitPolicyIgnore records the code and returns normally.
	ExitPolicyIgnore ExitPolicy = "ignore"
	// ExitPolicyRaise returns a *NonZeroExitError.
	ExitPolicyRaise ExitPolicy = "raise"
)

// ExitCode is the result of exit-code retrieval. Non-negative values are
// real shell exit codes; the negative values are sentinels.
type ExitCode int

const (
	// ExitCodeNone means no exit code was retrieved.
	ExitCodeNone ExitCode = -1
	// ExitCodeUndefined means the dialect cannot retrieve exit codes or
	// the probe output did not parse.
	ExitCodeUndefined ExitCode = -2
	// ExitCodeTimeout means the command timed out before a code could be
	// retrieved.
	ExitCodeTimeout ExitCode = -3
)

// String returns a readable form of the exit code.
func (c ExitCode) String() string {
	switch c {
	case ExitCodeNone:
		return "none"
	case ExitCodeUndefined:
		return "undefined"
	case ExitCodeTimeout:
		return "timeout"
	default:
		return strconv.Itoa(int(c))
	}
}

// Options configures a session. The validated option set is frozen: the
// session keeps it behind an atomic pointer, and ChangeQuit substitutes a
// fresh copy rather than mutating in place.
type Options struct {
	// Prompt is the shell prompt marker. It is sanitized before use; an
	// empty result falls back to the default.
	Prompt string

	// RetrieveExitCode makes Exec capture the exit code by default.
	RetrieveExitCode bool

	// OnNonZeroExitCode selects the default non-zero exit code policy.
	OnNonZeroExitCode ExitPolicy

	// SilenceTimeout bounds how long the transport may stay silent while
	// waiting for a prompt. Zero disables silence detection.
	SilenceTimeout time.Duration

	// CommandTimeout is the absolute per-command cap. Zero disables it.
	CommandTimeout time.Duration

	// Quit is the command sent during teardown.
	Quit string

	// UnbufferedInput selects the input queueing mode.
	UnbufferedInput UnbufferedMode

	// LineEnding terminates queued commands.
	LineEnding string

	// Monitor, when set, replaces the default logging monitor installed
	// by Run.
	Monitor Monitor

	// Hooks holds the session's callback chains. Dialects compose their
	// own registry on top of a parent's.
	Hooks *Registry

	// Setup replaces the default prompt install performed before the
	// user script runs. Dialects whose console does not begin at a shell
	// prompt provide their own.
	Setup func(s *Session) error

	// GetExitCode replaces the default exit-code probe. Dialects that
	// cannot retrieve exit codes return ExitCodeUndefined.
	GetExitCode func(s *Session) (ExitCode, error)

	// Clock abstracts time for testing.
	Clock ports.Clock
}

const (
	// DefaultPrompt is used when the sanitized prompt comes out empty.
	DefaultPrompt = "~~#"

	// DefaultQuit is the default teardown command.
	DefaultQuit = "exit"

	defaultLineEnding = "\n"
)

// validate applies defaults and returns a frozen copy of the options.
func (o Options) validate() (*Options, error) {
	if o.Prompt == "" {
		o.Prompt = DefaultPrompt
	}
	if o.Quit == "" {
		o.Quit = DefaultQuit
	}
	if o.LineEnding == "" {
		o.LineEnding = defaultLineEnding
	}
	if o.UnbufferedInput == "" {
		o.UnbufferedInput = UnbufferedNone
	}
	if o.OnNonZeroExitCode == "" {
		o.OnNonZeroExitCode = ExitPolicyIgnore
	}
	if o.Clock == nil {
		o.Clock = realclock.New()
	}
	if o.Hooks == nil {
		o.Hooks = NewRegistry()
	}

	switch o.UnbufferedInput {
	case UnbufferedNone, UnbufferedChar, UnbufferedEcho:
	default:
		return nil, &InvalidOptionError{Option: "unbuffered_input", Reason: "must be none, char, or echo"}
	}
	switch o.OnNonZeroExitCode {
	case ExitPolicyIgnore, ExitPolicyRaise:
	default:
		return nil, &InvalidOptionError{Option: "on_non_zero_exit_code", Reason: "must be ignore or raise"}
	}
	if o.SilenceTimeout < 0 {
		return nil, &InvalidOptionError{Option: "silence_timeout", Reason: "must not be negative"}
	}
	if o.CommandTimeout < 0 {
		return nil, &InvalidOptionError{Option: "command_timeout", Reason: "must not be negative"}
	}

	return &o, nil
}
