// Package session implements the prompted command driver: it turns a raw
// bidirectional byte stream into a synchronous Exec(command) interface with
// timeouts, nested prompt scoping, and hook points for dialects.
//
// Two goroutines cooperate per session. The reactor (the Run caller) drives
// the transport's IOStep and is the sole writer to the transport. The worker
// runs the user script, produces input through the queue, and blocks in
// WaitForPrompt until the reactor-delivered bytes contain the prompt.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/acolita/shellpilot/internal/ports"
	"github.com/acolita/shellpilot/transport"
)

const setupTimeout = 30 * time.Second

// Session drives one interactive shell over a transport. It is single-use:
// once Run returns, the session refuses further operations.
type Session struct {
	tr    transport.Transport
	clock ports.Clock
	hooks *Registry
	opts  atomic.Pointer[Options]

	mu               sync.Mutex
	running          bool
	completed        bool
	stdout           string
	stderr           string
	combined         string
	stack            []bufferFrame
	queue            [][]byte
	promptString     string
	prompt           promptPattern
	lastOutput       time.Time
	waitingForEchoOf []byte
	arrivals         uint64
	monitor          Monitor
	lastExitCode     ExitCode
	ignoreIOError    bool
	ioErr            error
}

// New validates the options, freezes them, and wires the session to the
// transport's inbound callbacks. The transport is owned by the session from
// here on.
func New(tr transport.Transport, opts Options) (*Session, error) {
	validated, err := opts.validate()
	if err != nil {
		return nil, err
	}
	promptString, pattern, err := compilePromptString(validated.Prompt)
	if err != nil {
		return nil, err
	}

	s := &Session{
		tr:           tr,
		clock:        validated.Clock,
		hooks:        validated.Hooks,
		promptString: promptString,
		prompt:       pattern,
		lastExitCode: ExitCodeNone,
	}
	s.opts.Store(validated)

	tr.RegisterStdout(func(data []byte) { s.onBytes(StreamStdout, data) })
	tr.RegisterStderr(func(data []byte) { s.onBytes(StreamStderr, data) })

	if _, err := s.hooks.Fire(HookOnInit, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Run connects the transport, starts the worker that executes script, and
// drives the reactor until the worker finishes. It returns the script's
// error (unless a hook handled it) and leaves the buffers inspectable.
func (s *Session) Run(script func(s *Session) error) error {
	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		return ErrSessionCompleted
	}
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.lastOutput = s.clock.Now()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.completed = true
		s.mu.Unlock()
	}()

	if _, err := s.hooks.Fire(HookOnBeforeRun, s); err != nil {
		return err
	}

	if err := s.tr.Connect(); err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}

	if mon := s.opts.Load().Monitor; mon != nil {
		s.setMonitor(mon)
	} else {
		s.setMonitor(s.loggingMonitor())
	}

	done := make(chan struct{})
	var workerErr error
	go func() {
		defer close(done)
		workerErr = s.worker(script)
	}()

	s.tr.IOStep(func() bool {
		s.drainQueue()
		select {
		case <-done:
			return false
		default:
			return true
		}
	})
	<-done

	if err := s.tr.Disconnect(); err != nil {
		slog.Debug("transport disconnect", slog.String("error", err.Error()))
	}
	if _, err := s.hooks.Fire(HookOnAfterRun, s); err != nil && workerErr == nil {
		workerErr = err
	}
	return workerErr
}

// worker is the session's script strand. A before_init failure skips setup,
// the script, before_term, and teardown, but after_term still runs.
func (s *Session) worker(script func(s *Session) error) error {
	if _, err := s.hooks.Fire(HookBeforeInit, s); err != nil {
		s.fireBestEffort(HookAfterTerm)
		return err
	}

	err := s.runBody(script)
	if errors.Is(err, ErrQuitNow) {
		err = nil
	}
	if err != nil {
		handled, hookErr := s.hooks.Fire(HookOnException, s, err)
		if handled {
			err = nil
		} else if hookErr != nil {
			slog.Warn("on_exception hook failed", slog.String("error", hookErr.Error()))
		}
	}

	if _, herr := s.hooks.Fire(HookBeforeTerm, s); herr != nil && err == nil {
		err = herr
	}
	s.teardown()
	if _, herr := s.hooks.Fire(HookAfterTerm, s); herr != nil && err == nil {
		err = herr
	}
	return err
}

func (s *Session) runBody(script func(s *Session) error) error {
	if err := s.setup(); err != nil {
		return err
	}
	if _, err := s.hooks.Fire(HookAfterInit, s); err != nil {
		return err
	}
	if script == nil {
		return nil
	}
	return script(s)
}

func (s *Session) fireBestEffort(name string) {
	if _, err := s.hooks.Fire(name, s); err != nil {
		slog.Warn("hook failed", slog.String("hook", name), slog.String("error", err.Error()))
	}
}

// setup dispatches to the dialect's setup, defaulting to the prompt
// install.
func (s *Session) setup() error {
	if custom := s.opts.Load().Setup; custom != nil {
		return custom(s)
	}
	return s.SetupPrompt()
}

// SetupPrompt installs the configured prompt on the remote shell and waits
// for it to appear. Dialect setups call this once their console has reached
// a shell. The install exchange is kept in the combined transcript but not
// in stdout.
func (s *Session) SetupPrompt() error {
	o := s.opts.Load()
	// The install command echoes the prompt text itself, so the exchange
	// runs in its own capture scope whose stdout is dropped; stderr and
	// the combined transcript keep it.
	s.pushBuffers()
	defer func() {
		s.mu.Lock()
		f := s.stack[len(s.stack)-1]
		s.stack = s.stack[:len(s.stack)-1]
		s.stdout, s.stderr, s.combined = f.stdout, f.stderr+s.stderr, f.combined+s.combined
		s.mu.Unlock()
	}()
	s.Queue([]byte(fmt.Sprintf("PS1='%s'; export PS1%s", s.promptString, o.LineEnding)))
	if _, err := s.WaitForPrompt(setupTimeout, setupTimeout, true); err != nil {
		return fmt.Errorf("%w: %v", ErrFailedToSetPrompt, err)
	}
	return nil
}

// teardown sends the quit command with a one-second grace. IO errors are
// expected here: the whole point of quitting is that the transport closes.
func (s *Session) teardown() {
	s.mu.Lock()
	s.ignoreIOError = true
	s.mu.Unlock()

	// A fresh capture scope keeps the stale prompt at the end of the
	// transcript from satisfying the wait before the quit even reaches
	// the shell.
	s.pushBuffers()
	defer s.popMergeBuffers()

	o := s.opts.Load()
	s.Queue([]byte(o.Quit + o.LineEnding))
	if _, err := s.WaitForPrompt(0, time.Second, false); err != nil {
		slog.Debug("teardown wait", slog.String("error", err.Error()))
	}
}

// loggingMonitor is the default monitor installed by Run: it logs chunks
// and feeds them to the on_debug hook chain.
func (s *Session) loggingMonitor() Monitor {
	return func(chunk string, kind Stream) string {
		slog.Debug("session output",
			slog.String("stream", kind.String()),
			slog.Int("len", len(chunk)),
		)
		if _, err := s.hooks.Fire(HookOnDebug, s, chunk, kind); err != nil {
			slog.Warn("on_debug hook failed", slog.String("error", err.Error()))
		}
		return ""
	}
}

// setMonitor swaps the assembler's monitor and returns the previous one.
func (s *Session) setMonitor(m Monitor) Monitor {
	s.mu.Lock()
	prev := s.monitor
	s.monitor = m
	s.mu.Unlock()
	return prev
}

func (s *Session) checkRunning() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed {
		return ErrSessionCompleted
	}
	if !s.running {
		return ErrNotRunning
	}
	return nil
}

func (s *Session) setLastExitCode(code ExitCode) {
	s.mu.Lock()
	s.lastExitCode = code
	s.mu.Unlock()
}

// ChangeQuit atomically substitutes a copy of the frozen option set with a
// new quit command. Dialect exception hooks use this to turn teardown into
// a reboot.
func (s *Session) ChangeQuit(quit string) {
	for {
		old := s.opts.Load()
		next := *old
		next.Quit = quit
		if s.opts.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Options returns the frozen option set currently in effect.
func (s *Session) Options() Options {
	return *s.opts.Load()
}

// Transport returns the transport this session rides. Dialects use it to
// reach transport-specific fast paths.
func (s *Session) Transport() transport.Transport {
	return s.tr
}

// Hooks returns the session's hook registry.
func (s *Session) Hooks() *Registry {
	return s.hooks
}

// Running reports whether the user script is currently executing.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stdout returns the accumulated stdout buffer. The prompt marker never
// appears here.
func (s *Session) Stdout() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdout
}

// Stderr returns the accumulated stderr buffer.
func (s *Session) Stderr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stderr
}

// CombinedOutput returns the full transcript including prompt markers.
func (s *Session) CombinedOutput() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.combined
}

// LastExitCode returns the exit code captured by the most recent Exec, or a
// sentinel.
func (s *Session) LastExitCode() ExitCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastExitCode
}
