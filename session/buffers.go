package session

import (
	"bytes"
	"regexp"
	"strings"
)

// Stream identifies which remote stream a chunk arrived on.
type Stream int

const (
	// StreamStdout is the primary output stream.
	StreamStdout Stream = iota
	// StreamStderr is the extended error stream (SSH only).
	StreamStderr
)

// String returns the stream name.
func (k Stream) String() string {
	if k == StreamStderr {
		return "stderr"
	}
	return "stdout"
}

// Monitor observes assembled output chunks. It is invoked outside the
// session lock with the chunk and its stream; a non-empty return value is
// queued to the shell followed by the line ending. Monitors drive
// auto-responders and transcript recording.
type Monitor func(chunk string, kind Stream) string

// Terminal control artefacts stripped from inbound chunks. Cursor movement
// collapses to a newline so that redrawn lines stay separated; everything
// else is deleted.
var (
	csiCursorRE = regexp.MustCompile(`\x1b\[[0-9;]*[A-Hf]`)
	csiOtherRE  = regexp.MustCompile(`\x1b\[[0-9;?]*[@-~]`)
	charsetRE   = regexp.MustCompile(`\x1b[()][0-9A-Za-z]`)
	stringSeqRE = regexp.MustCompile(`\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)|\x1b\\`)
)

// sanitizeTerminalOutput strips terminal escape sequences and normalizes
// newlines: CRLF becomes LF, a space before CR erases both, and remaining
// CRs are dropped.
func sanitizeTerminalOutput(data []byte) string {
	text := string(data)
	text = csiCursorRE.ReplaceAllString(text, "\n")
	text = csiOtherRE.ReplaceAllString(text, "")
	text = charsetRE.ReplaceAllString(text, "")
	text = stringSeqRE.ReplaceAllString(text, "")

	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case r == '\t':
			b.WriteByte(' ')
		case r == '\n' || r == '\r':
			b.WriteRune(r)
		case r < 0x20 || r == 0x7f:
			// drop other non-printables
		default:
			b.WriteRune(r)
		}
	}
	text = b.String()

	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, " \r", "")
	text = strings.ReplaceAll(text, "\r", "")
	return text
}

// onBytes is the output assembler: the transport callbacks feed every
// inbound chunk through it. Stdout chunks are split at the rightmost prompt
// occurrence so the prompt marker never reaches the stdout buffer; the
// whole chunk lands in combined. Stderr chunks go to both stderr and
// combined.
func (s *Session) onBytes(kind Stream, data []byte) {
	text := sanitizeTerminalOutput(data)

	s.mu.Lock()
	prefix := text
	if kind == StreamStdout {
		if idx := findLastIndex(s.prompt.finder, text); idx >= 0 {
			prefix = text[:idx]
		}
		s.stdout += prefix
		s.combined += text
	} else {
		s.stderr += text
		s.combined += text
	}
	s.lastOutput = s.clock.Now()
	s.arrivals++
	if len(s.waitingForEchoOf) > 0 &&
		(bytes.Contains(data, s.waitingForEchoOf) || strings.Contains(text, string(s.waitingForEchoOf))) {
		s.waitingForEchoOf = nil
	}
	mon := s.monitor
	le := s.opts.Load().LineEnding
	s.mu.Unlock()

	if mon != nil {
		if reply := mon(prefix, kind); reply != "" {
			s.Queue([]byte(reply + le))
		}
	}
}

// bufferFrame is one saved (stdout, stderr, combined) triple.
type bufferFrame struct {
	stdout   string
	stderr   string
	combined string
}

// pushBuffers saves the current buffers and resets them, opening a nested
// capture scope.
func (s *Session) pushBuffers() {
	s.mu.Lock()
	s.stack = append(s.stack, bufferFrame{stdout: s.stdout, stderr: s.stderr, combined: s.combined})
	s.stdout, s.stderr, s.combined = "", "", ""
	s.mu.Unlock()
}

// popMergeBuffers closes the current scope, prepending the saved history so
// the final buffers read history-then-current.
func (s *Session) popMergeBuffers() {
	s.mu.Lock()
	f := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	s.stdout = f.stdout + s.stdout
	s.stderr = f.stderr + s.stderr
	s.combined = f.combined + s.combined
	s.mu.Unlock()
}

// popDiscardBuffers closes the current scope, dropping everything captured
// since the matching push.
func (s *Session) popDiscardBuffers() {
	s.mu.Lock()
	f := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	s.stdout, s.stderr, s.combined = f.stdout, f.stderr, f.combined
	s.mu.Unlock()
}

func (s *Session) stackDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stack)
}

// Queue appends data to the input FIFO. In char and echo unbuffered modes
// the chunk is split into single bytes. The reactor is the sole consumer.
func (s *Session) Queue(data []byte) {
	mode := s.opts.Load().UnbufferedInput

	s.mu.Lock()
	if mode == UnbufferedChar || mode == UnbufferedEcho {
		for _, b := range data {
			s.queue = append(s.queue, []byte{b})
		}
	} else {
		chunk := make([]byte, len(data))
		copy(chunk, data)
		s.queue = append(s.queue, chunk)
	}
	s.mu.Unlock()
	s.wakeTransport()
}

// transportWaker is implemented by transports whose IOStep can be woken
// early when input is queued.
type transportWaker interface {
	Wake()
}

func (s *Session) wakeTransport() {
	if w, ok := s.tr.(transportWaker); ok {
		w.Wake()
	}
}

// drainQueue writes pending input to the transport. Called only from the
// reactor. In echo mode at most one chunk is in flight; the next is written
// only after the assembler has observed the previous one inbound.
func (s *Session) drainQueue() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		mode := s.opts.Load().UnbufferedInput
		if mode == UnbufferedEcho && len(s.waitingForEchoOf) > 0 {
			s.mu.Unlock()
			return
		}
		chunk := s.queue[0]
		s.queue = s.queue[1:]
		if mode == UnbufferedEcho {
			s.waitingForEchoOf = chunk
		}
		ignore := s.ignoreIOError
		s.mu.Unlock()

		if err := s.tr.Write(chunk); err != nil {
			if !ignore {
				s.mu.Lock()
				if s.ioErr == nil {
					s.ioErr = err
				}
				s.mu.Unlock()
			}
			return
		}
		if mode == UnbufferedEcho {
			return
		}
	}
}
