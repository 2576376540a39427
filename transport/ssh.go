package transport

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/acolita/shellpilot/internal/adapters/realclock"
	"github.com/acolita/shellpilot/internal/adapters/realsshdialer"
	"github.com/acolita/shellpilot/internal/ports"
	"github.com/acolita/shellpilot/internal/security"
)

// Shell modes for the SSH transport. Any other value is treated as an
// executable path run via exec.
const (
	// ShellDefault requests a PTY and starts the login shell.
	ShellDefault = "shell"
	// ShellNone requests only the PTY; embedded devices that attach
	// their console to the PTY need no shell request.
	ShellNone = "none"
	// ShellNoPTY starts the login shell without a PTY.
	ShellNoPTY = "no_pty"
)

// SSHOptions configures the SSH transport.
type SSHOptions struct {
	Host           string        // default localhost
	Port           int           // default 22
	User           string        // required
	Password       string        // empty consults the OS keyring when UseKeyring is set
	KeyPath        string        // path to a private key file
	KeyPassphrase  string        // passphrase for encrypted keys
	Shell          string        // shell mode or executable path
	ConnectTimeout time.Duration // default 5s

	Term string // terminal type (default dumb)
	Rows uint32 // default 24
	Cols uint32 // default 120

	HostKeyCallback   ssh.HostKeyCallback
	KeepaliveInterval time.Duration // default 30s
	UseAgent          bool
	UseKeyring        bool

	Clock  ports.Clock
	Dialer ports.SSHDialer
}

// SSH is a Transport over an SSH channel, normally with a PTY. Stdout
// arrives on the channel's data stream, stderr on extended data type 1.
type SSH struct {
	pump
	opts   SSHOptions
	clock  ports.Clock
	dialer ports.SSHDialer

	connMu        sync.Mutex
	conn          *ssh.Client
	sess          *ssh.Session
	stdin         io.WriteCloser
	closed        bool
	keepaliveStop chan struct{}
}

// NewSSH validates the options and returns an unconnected SSH transport.
func NewSSH(opts SSHOptions) (*SSH, error) {
	if opts.User == "" {
		return nil, fmt.Errorf("user is required")
	}
	if opts.Host == "" {
		opts.Host = "localhost"
	}
	if opts.Port == 0 {
		opts.Port = 22
	}
	if opts.Shell == "" {
		opts.Shell = ShellDefault
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
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
	if opts.KeepaliveInterval == 0 {
		opts.KeepaliveInterval = 30 * time.Second
	}
	if opts.HostKeyCallback == nil {
		cb, err := BuildHostKeyCallback("")
		if err != nil {
			cb = InsecureHostKeyCallback()
		}
		opts.HostKeyCallback = cb
	}

	clk := opts.Clock
	if clk == nil {
		clk = realclock.New()
	}
	dial := opts.Dialer
	if dial == nil {
		dial = realsshdialer.New()
	}

	return &SSH{
		pump:   newPump(),
		opts:   opts,
		clock:  clk,
		dialer: dial,
	}, nil
}

// Connect dials the server, opens a session channel, requests a PTY per the
// shell mode, and starts the shell or executable.
func (t *SSH) Connect() error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.conn != nil {
		return nil
	}

	password := t.opts.Password
	if password == "" && t.opts.UseKeyring {
		store := security.NewKeyringStore()
		if stored, err := store.GetServerPassword(t.opts.Host, t.opts.User); err == nil && stored != nil {
			password = string(stored)
		}
	}
	passphrase := t.opts.KeyPassphrase
	if passphrase == "" && t.opts.UseKeyring && t.opts.KeyPath != "" {
		store := security.NewKeyringStore()
		if stored, err := store.GetKeyPassphrase(t.opts.KeyPath); err == nil && stored != nil {
			passphrase = string(stored)
		}
	}

	authMethods, err := buildAuthMethods(authConfig{
		KeyPath:       t.opts.KeyPath,
		KeyPassphrase: passphrase,
		UseAgent:      t.opts.UseAgent,
		Password:      password,
		Host:          t.opts.Host,
	})
	if err != nil {
		return fmt.Errorf("build auth methods: %w", err)
	}

	config := &ssh.ClientConfig{
		User:            t.opts.User,
		Auth:            authMethods,
		HostKeyCallback: t.opts.HostKeyCallback,
		Timeout:         t.opts.ConnectTimeout,
	}

	addr := fmt.Sprintf("%s:%d", t.opts.Host, t.opts.Port)
	conn, err := t.dialer.Dial("tcp", addr, config)
	if err != nil {
		return fmt.Errorf("ssh dial %s: %w", addr, err)
	}

	sess, err := conn.NewSession()
	if err != nil {
		conn.Close()
		return fmt.Errorf("new session: %w", err)
	}

	// Many servers restrict which env vars can be set; failures here are
	// silent by protocol.
	sess.Setenv("TERM", t.opts.Term)
	sess.Setenv("NO_COLOR", "1")

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		conn.Close()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		conn.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		conn.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if t.opts.Shell != ShellNoPTY {
		modes := ssh.TerminalModes{
			ssh.ECHO:          1,
			ssh.TTY_OP_ISPEED: 14400,
			ssh.TTY_OP_OSPEED: 14400,
		}
		if err := sess.RequestPty(t.opts.Term, int(t.opts.Rows), int(t.opts.Cols), modes); err != nil {
			sess.Close()
			conn.Close()
			return fmt.Errorf("%w: %v", ErrFailedToRequestPTY, err)
		}
	}

	switch t.opts.Shell {
	case ShellNone:
		// PTY only; the console is already attached on the far side.
	case ShellDefault, ShellNoPTY:
		if err := sess.Shell(); err != nil {
			sess.Close()
			conn.Close()
			return fmt.Errorf("%w: %v", ErrFailedToStartShell, err)
		}
	default:
		if err := sess.Start(t.opts.Shell); err != nil {
			sess.Close()
			conn.Close()
			return fmt.Errorf("%w: exec %s: %v", ErrFailedToStartShell, t.opts.Shell, err)
		}
	}

	t.conn = conn
	t.sess = sess
	t.stdin = stdin
	t.closed = false
	t.keepaliveStop = make(chan struct{})

	go t.readLoop(stdout, t.deliverStdout)
	go t.readLoop(stderr, t.deliverStderr)

	// Copy the channel reference so the goroutine never reads the struct
	// field.
	stop := t.keepaliveStop
	go t.keepalive(stop)

	return nil
}

// readLoop pumps one stream into the session until EOF or error.
func (t *SSH) readLoop(r io.Reader, deliver func(data []byte)) {
	buf := make([]byte, 8192)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			deliver(data)
		}
		if err != nil {
			if err != io.EOF {
				slog.Debug("ssh read", slog.String("error", err.Error()))
			}
			t.markClosed()
			return
		}
	}
}

// keepalive sends periodic keepalive requests to prevent connection
// timeout.
func (t *SSH) keepalive(stop <-chan struct{}) {
	ticker := t.clock.NewTicker(t.opts.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			t.connMu.Lock()
			conn := t.conn
			t.connMu.Unlock()
			if conn == nil {
				return
			}
			if _, _, err := conn.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				// Connection may be dead; the reader loop will
				// observe the failure.
				return
			}
		}
	}
}

func (t *SSH) markClosed() {
	t.connMu.Lock()
	t.closed = true
	t.connMu.Unlock()
	t.notify()
}

// Disconnect implements Transport.
func (t *SSH) Disconnect() error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.keepaliveStop != nil {
		close(t.keepaliveStop)
		t.keepaliveStop = nil
	}
	t.closed = true

	var errs []error
	if t.sess != nil {
		if err := t.sess.Close(); err != nil && err != io.EOF {
			errs = append(errs, fmt.Errorf("close session: %w", err))
		}
		t.sess = nil
	}
	if t.conn != nil {
		if err := t.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
		t.conn = nil
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Active implements Transport.
func (t *SSH) Active() bool {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	return t.conn != nil && !t.closed
}

// Write implements Transport.
func (t *SSH) Write(p []byte) error {
	t.connMu.Lock()
	stdin := t.stdin
	closed := t.closed
	t.connMu.Unlock()

	if stdin == nil || closed {
		return fmt.Errorf("ssh transport not connected")
	}
	if _, err := stdin.Write(p); err != nil {
		return fmt.Errorf("ssh write: %w", err)
	}
	return nil
}

// Client returns the underlying SSH client while connected. Dialects use it
// for transport-level fast paths such as SFTP.
func (t *SSH) Client() *ssh.Client {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	return t.conn
}

var _ Transport = (*SSH)(nil)
