package session

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

const (
	// pollInterval is how long the worker yields between prompt checks.
	pollInterval = 2 * time.Millisecond

	// maxNudges is how many lone line endings are sent into a silent
	// shell before the silence timeout fires.
	maxNudges = 3
)

// WaitForPrompt blocks the worker until the combined buffer ends with the
// active prompt. A silence timeout greater than zero enables the nudge
// protocol: after a third of the window with no output a lone line ending
// is queued, up to maxNudges times, after which the wait fails. A command
// timeout greater than zero caps the total wait. With raiseOnTimeout false
// both timeouts return (false, nil) instead of an error.
//
// On success the combined buffer is adjusted so the prompt is preceded by a
// newline and stdout ends with one.
func (s *Session) WaitForPrompt(silence, command time.Duration, raiseOnTimeout bool) (bool, error) {
	nudgeInterval := silence / 3

	var deadline time.Time
	if command > 0 {
		deadline = s.clock.Now().Add(command)
	}

	nudges := 0
	s.mu.Lock()
	lastArrival := s.arrivals
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if s.prompt.tail.MatchString(s.combined) {
			s.finishPromptLocked()
			s.mu.Unlock()
			return true, nil
		}
		if s.arrivals != lastArrival {
			lastArrival = s.arrivals
			nudges = 0
		}
		if err := s.ioErr; err != nil {
			s.mu.Unlock()
			return false, err
		}
		ignoreIO := s.ignoreIOError

		now := s.clock.Now()
		if nudgeInterval > 0 && now.Sub(s.lastOutput) > nudgeInterval {
			if nudges >= maxNudges {
				s.mu.Unlock()
				if raiseOnTimeout {
					return false, &SilenceTimeoutError{Timeout: silence}
				}
				return false, nil
			}
			le := s.opts.Load().LineEnding
			s.queue = append(s.queue, []byte(le))
			s.lastOutput = now
			nudges++
			s.mu.Unlock()
			s.wakeTransport()
			continue
		}
		mode := s.opts.Load().UnbufferedInput
		gated := mode == UnbufferedEcho && len(s.waitingForEchoOf) > 0
		idle := len(s.queue) == 0 || gated
		s.mu.Unlock()

		if !s.tr.Active() && !ignoreIO {
			return false, fmt.Errorf("transport closed while waiting for prompt")
		}
		if !deadline.IsZero() && s.clock.Now().After(deadline) {
			if raiseOnTimeout {
				return false, &CommandTimeoutError{Timeout: command}
			}
			return false, nil
		}

		// Sleep only while the reactor has nothing writable: either
		// the queue is drained, or echo mode has a chunk in flight.
		// Until then the reactor still owes a write and the wait just
		// yields.
		if idle {
			s.clock.Sleep(pollInterval)
		}
		runtime.Gosched()
	}
}

// finishPromptLocked tidies the buffers after a prompt match: the prompt is
// separated from preceding output by a newline, and stdout is terminated
// with one. Idempotent.
func (s *Session) finishPromptLocked() {
	if loc := s.prompt.tail.FindStringIndex(s.combined); loc != nil && loc[0] > 0 {
		if s.combined[loc[0]-1] != '\n' {
			s.combined = s.combined[:loc[0]] + "\n" + s.combined[loc[0]:]
		}
	}
	if s.stdout != "" && !strings.HasSuffix(s.stdout, "\n") {
		s.stdout += "\n"
	}
}
