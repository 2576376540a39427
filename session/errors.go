package session

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors of the session lifecycle.
var (
	// ErrQuitNow unwinds the user script silently; Run treats it as a
	// normal end of session.
	ErrQuitNow = errors.New("quit now")

	// ErrHookBreak is returned by a hook to stop further hook iteration
	// and mark the event as handled.
	ErrHookBreak = errors.New("hook break")

	// ErrPromptTooLong is returned when the sanitized prompt exceeds the
	// maximum length.
	ErrPromptTooLong = errors.New("prompt too long")

	// ErrNotRunning is returned by operations that require a running
	// session.
	ErrNotRunning = errors.New("session not running")

	// ErrAlreadyRunning is returned by Run when the session is running.
	ErrAlreadyRunning = errors.New("session already running")

	// ErrSessionCompleted is returned once a session has ended; sessions
	// are single-use.
	ErrSessionCompleted = errors.New("session completed")

	// ErrFailedToSetPrompt is returned when the initial prompt install
	// never produces the configured prompt.
	ErrFailedToSetPrompt = errors.New("failed to set prompt")
)

// CommandTimeoutError is returned when a command's absolute deadline passes
// before the prompt reappears.
type CommandTimeoutError struct {
	Timeout time.Duration
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("command timed out after %s", e.Timeout)
}

// SilenceTimeoutError is returned when the transport stays silent through
// the configured silence window and three nudges.
type SilenceTimeoutError struct {
	Timeout time.Duration
}

func (e *SilenceTimeoutError) Error() string {
	return fmt.Sprintf("no output received for %s", e.Timeout)
}

// NonZeroExitError is returned by Exec when exit-code retrieval is on, the
// on-non-zero policy is raise, and the command exits non-zero.
type NonZeroExitError struct {
	Command string
	Code    ExitCode
}

func (e *NonZeroExitError) Error() string {
	return fmt.Sprintf("command %q exited with code %d", e.Command, int(e.Code))
}

// InvalidOptionError is returned by New when an option fails validation.
type InvalidOptionError struct {
	Option string
	Reason string
}

func (e *InvalidOptionError) Error() string {
	return fmt.Sprintf("invalid option %s: %s", e.Option, e.Reason)
}
