package transport

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

// LocalOptions configures the local PTY transport.
type LocalOptions struct {
	Shell string   // defaults to $SHELL, then the first of /bin/bash, /bin/zsh, /bin/sh that exists
	Term  string   // terminal type (default dumb)
	Rows  uint16   // default 24
	Cols  uint16   // default 120
	Dir   string   // initial working directory
	Env   []string // additional environment variables
}

// Local is a Transport that spawns a shell on a local pseudo-terminal.
// Used by tests and for developing dialects without a remote host.
type Local struct {
	pump
	opts LocalOptions

	ptyMu  sync.Mutex
	cmd    *exec.Cmd
	ptmx   *os.File
	closed bool
}

// NewLocal returns an unconnected local PTY transport.
func NewLocal(opts LocalOptions) *Local {
	if opts.Shell == "" {
		opts.Shell = detectShell()
	}
	if opts.Term == "" {
		opts.Term = "dumb"
	}
	if opts.Rows == 0 {
		opts.Rows = 24
	}
	if opts.Cols == 0 {
		opts.Cols = 120
	}
	return &Local{pump: newPump(), opts: opts}
}

// Connect starts the shell under a PTY and begins pumping output.
func (t *Local) Connect() error {
	t.ptyMu.Lock()
	defer t.ptyMu.Unlock()

	if t.ptmx != nil {
		return nil
	}

	cmd := exec.Command(t.opts.Shell)
	if t.opts.Dir != "" {
		cmd.Dir = t.opts.Dir
	}
	cmd.Env = append(os.Environ(), fmt.Sprintf("TERM=%s", t.opts.Term), "NO_COLOR=1")
	cmd.Env = append(cmd.Env, t.opts.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: t.opts.Rows, Cols: t.opts.Cols})
	if err != nil {
		return fmt.Errorf("%w: start pty: %v", ErrFailedToRequestPTY, err)
	}

	t.cmd = cmd
	t.ptmx = ptmx
	t.closed = false
	go t.readLoop(ptmx)
	return nil
}

func (t *Local) readLoop(ptmx *os.File) {
	buf := make([]byte, 4096)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			t.deliverStdout(data)
		}
		if err != nil {
			if err != io.EOF {
				slog.Debug("pty read", slog.String("error", err.Error()))
			}
			t.ptyMu.Lock()
			t.closed = true
			t.ptyMu.Unlock()
			t.notify()
			return
		}
	}
}

// Disconnect implements Transport: it closes the PTY and kills the shell if
// it is still running.
func (t *Local) Disconnect() error {
	t.ptyMu.Lock()
	defer t.ptyMu.Unlock()

	t.closed = true

	var errs []error
	if t.ptmx != nil {
		if err := t.ptmx.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pty: %w", err))
		}
		t.ptmx = nil
	}
	if t.cmd != nil && t.cmd.Process != nil {
		if err := t.cmd.Process.Kill(); err != nil && err.Error() != "os: process already finished" {
			errs = append(errs, fmt.Errorf("kill shell: %w", err))
		}
		go t.cmd.Wait()
		t.cmd = nil
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Active implements Transport.
func (t *Local) Active() bool {
	t.ptyMu.Lock()
	defer t.ptyMu.Unlock()
	return t.ptmx != nil && !t.closed
}

// Write implements Transport.
func (t *Local) Write(p []byte) error {
	t.ptyMu.Lock()
	ptmx := t.ptmx
	closed := t.closed
	t.ptyMu.Unlock()

	if ptmx == nil || closed {
		return fmt.Errorf("pty transport not connected")
	}
	if _, err := ptmx.Write(p); err != nil {
		return fmt.Errorf("pty write: %w", err)
	}
	return nil
}

// Shell returns the shell the transport runs.
func (t *Local) Shell() string {
	return t.opts.Shell
}

// detectShell detects the user's default shell.
func detectShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	for _, shell := range []string{"/bin/bash", "/bin/zsh", "/bin/sh"} {
		if _, err := os.Stat(shell); err == nil {
			return shell
		}
	}
	return "/bin/sh"
}

var _ Transport = (*Local)(nil)
