package session

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// exitCodeQuery is the default probe sent to retrieve the last exit code.
const exitCodeQuery = "echo $?"

// execConfig carries per-call Exec overrides. Unset timeouts fall back to
// the session defaults.
type execConfig struct {
	retrieveExitCode bool
	onNonZero        ExitPolicy
	silence          time.Duration
	command          time.Duration
	timeoutError     bool
	getOutput        bool
	commandIsEchoed  bool
	monitor          Monitor
}

// ExecOption overrides one Exec setting for a single call.
type ExecOption func(*execConfig)

// WithRetrieveExitCode overrides whether this call captures the exit code.
func WithRetrieveExitCode(v bool) ExecOption {
	return func(c *execConfig) { c.retrieveExitCode = v }
}

// WithOnNonZeroExitCode overrides the non-zero exit code policy.
func WithOnNonZeroExitCode(p ExitPolicy) ExecOption {
	return func(c *execConfig) { c.onNonZero = p }
}

// WithSilenceTimeout overrides the silence timeout. Zero disables it.
func WithSilenceTimeout(d time.Duration) ExecOption {
	return func(c *execConfig) { c.silence = d }
}

// WithCommandTimeout overrides the absolute command timeout. Zero disables
// it.
func WithCommandTimeout(d time.Duration) ExecOption {
	return func(c *execConfig) { c.command = d }
}

// WithTimeoutError, when false, makes a timed-out Exec return the raw
// capture instead of an error.
func WithTimeoutError(v bool) ExecOption {
	return func(c *execConfig) { c.timeoutError = v }
}

// WithGetOutput, when false, skips output extraction.
func WithGetOutput(v bool) ExecOption {
	return func(c *execConfig) { c.getOutput = v }
}

// WithCommandIsEchoed, when false, skips removal of the echoed command
// line. Dialects whose shell does not echo input set this.
func WithCommandIsEchoed(v bool) ExecOption {
	return func(c *execConfig) { c.commandIsEchoed = v }
}

// WithMonitor installs a monitor for the duration of this call.
func WithMonitor(m Monitor) ExecOption {
	return func(c *execConfig) { c.monitor = m }
}

// Exec runs one command on the remote shell and returns its output with the
// echoed command line and the trailing prompt removed. It blocks until the
// prompt reappears or a timeout fires. The command's transcript is appended
// to the session buffers in all paths.
func (s *Session) Exec(command string, opts ...ExecOption) (string, error) {
	if err := s.checkRunning(); err != nil {
		return "", err
	}
	if strings.ContainsAny(command, "\r\n") {
		return "", fmt.Errorf("command must not contain a line break: %q", command)
	}

	o := s.opts.Load()
	cfg := execConfig{
		retrieveExitCode: o.RetrieveExitCode,
		onNonZero:        o.OnNonZeroExitCode,
		silence:          o.SilenceTimeout,
		command:          o.CommandTimeout,
		timeoutError:     true,
		getOutput:        true,
		commandIsEchoed:  true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s.pushBuffers()
	prevMon := s.setMonitor(cfg.monitor)
	defer func() {
		s.setMonitor(prevMon)
		s.popMergeBuffers()
	}()

	s.Queue([]byte(command + o.LineEnding))

	matched, err := s.WaitForPrompt(cfg.silence, cfg.command, cfg.timeoutError)
	if err != nil {
		return "", err
	}
	if !matched {
		// Timed out with timeout errors suppressed: hand back the raw
		// capture so the caller can inspect what did arrive.
		s.setLastExitCode(ExitCodeTimeout)
		s.mu.Lock()
		raw := s.combined
		s.mu.Unlock()
		return raw, nil
	}

	var out string
	if cfg.getOutput {
		out = s.extractOutput(command, cfg.commandIsEchoed)
	}

	if !cfg.retrieveExitCode {
		s.setLastExitCode(ExitCodeNone)
		return out, nil
	}

	code, err := s.retrieveExitCode()
	if err != nil {
		return out, err
	}
	s.setLastExitCode(code)
	if cfg.onNonZero == ExitPolicyRaise && code > 0 {
		return out, &NonZeroExitError{Command: command, Code: code}
	}
	return out, nil
}

// ExecForCode runs the command with exit-code retrieval forced on and
// returns the code.
func (s *Session) ExecForCode(command string, opts ...ExecOption) (ExitCode, error) {
	_, err := s.Exec(command, append(opts, WithRetrieveExitCode(true))...)
	return s.LastExitCode(), err
}

// ExecIgnoreCode runs the command with exit-code retrieval forced off and
// returns the output.
func (s *Session) ExecIgnoreCode(command string, opts ...ExecOption) (string, error) {
	return s.Exec(command, append(opts, WithRetrieveExitCode(false))...)
}

// extractOutput slices the current capture scope down to the command's own
// output: everything before the prompt, minus the echoed command line.
// Lines are walked until one matches the expected echo, which shells may or
// may not prefix with the prompt.
func (s *Session) extractOutput(command string, echoed bool) string {
	s.mu.Lock()
	out := s.combined
	finder := s.prompt.finder
	tail := s.prompt.tail
	s.mu.Unlock()

	if loc := tail.FindStringIndex(out); loc != nil {
		out = out[:loc[0]]
	}
	if !echoed {
		return out
	}

	echoRE := regexp.MustCompile(`^(?:` + finder.String() + `\s*)?` + regexp.QuoteMeta(command) + `\s*$`)
	lines := strings.Split(out, "\n")
	for i, line := range lines {
		if echoRE.MatchString(line) {
			return strings.Join(lines[i+1:], "\n")
		}
	}
	slog.Warn("command echo not found in output", slog.String("command", command))
	return out
}

// retrieveExitCode dispatches to the dialect's exit-code helper, defaulting
// to the echo probe.
func (s *Session) retrieveExitCode() (ExitCode, error) {
	if get := s.opts.Load().GetExitCode; get != nil {
		return get(s)
	}
	return s.probeExitCode()
}

// probeExitCode asks the shell for the last exit code inside a discarded
// capture scope, so the probe never pollutes the visible transcript.
func (s *Session) probeExitCode() (ExitCode, error) {
	s.pushBuffers()
	defer s.popDiscardBuffers()

	s.Queue([]byte(exitCodeQuery + s.opts.Load().LineEnding))
	matched, err := s.WaitForPrompt(0, time.Second, false)
	if err != nil {
		return ExitCodeUndefined, err
	}
	if !matched {
		return ExitCodeTimeout, nil
	}

	out := strings.TrimSpace(s.extractOutput(exitCodeQuery, true))
	code, perr := strconv.Atoi(out)
	if perr != nil {
		slog.Warn("exit code probe did not parse", slog.String("output", out))
		return ExitCodeUndefined, nil
	}
	return ExitCode(code), nil
}
