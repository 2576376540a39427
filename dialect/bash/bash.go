// Package bash layers bash-specific helpers on a session. The session's
// default PS1-driven setup already fits bash; this package adds remote file
// transfer: a base64 path that works over any transport (serial consoles
// included), and an SFTP fast path when the session rides SSH.
package bash

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	cryptossh "golang.org/x/crypto/ssh"

	"github.com/acolita/shellpilot/internal/sftp"
	"github.com/acolita/shellpilot/session"
)

const (
	// maxCommandLen caps a chained echo command line. Conservative: old
	// shells and serial consoles choke on long lines.
	maxCommandLen = 2048

	// b64LineLen is the encoded line width written to the sidecar.
	b64LineLen = 76
)

// Dialect wraps a session with bash file-transfer helpers.
type Dialect struct {
	s *session.Session

	mu      sync.Mutex
	decoder string // cached tool family: base64, openssl, or perl
	sftpc   *sftp.Client
	noSFTP  bool
}

// Option configures the dialect.
type Option func(*Dialect)

// WithoutSFTP disables the SFTP fast path, forcing the base64 shell
// transfer even on SSH transports.
func WithoutSFTP() Option {
	return func(d *Dialect) { d.noSFTP = true }
}

// New wraps a session in the bash dialect.
func New(s *session.Session, opts ...Option) *Dialect {
	d := &Dialect{s: s}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Session returns the wrapped session.
func (d *Dialect) Session() *session.Session {
	return d.s
}

// sshClienter is implemented by transports that expose their SSH client.
type sshClienter interface {
	Client() *cryptossh.Client
}

// sftpClient returns a lazily created SFTP client when the transport can
// provide one, or nil.
func (d *Dialect) sftpClient() *sftp.Client {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.noSFTP {
		return nil
	}
	if d.sftpc != nil {
		return d.sftpc
	}
	tr, ok := d.s.Transport().(sshClienter)
	if !ok {
		return nil
	}
	conn := tr.Client()
	if conn == nil {
		return nil
	}
	d.sftpc = sftp.NewClient(conn)
	return d.sftpc
}

// WriteFile transfers data to the remote path byte-for-byte. Without SFTP
// the bytes travel base64-encoded: encoded lines are appended to a
// <path>.b64 sidecar with chained echo commands, decoded remotely, and the
// sidecar removed.
func (d *Dialect) WriteFile(path string, data []byte) error {
	if c := d.sftpClient(); c != nil {
		err := c.WriteFile(path, data, 0644)
		if err == nil {
			return nil
		}
		slog.Debug("sftp write failed, falling back to shell transfer",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}

	tool, err := d.decoderTool()
	if err != nil {
		return err
	}

	sidecar := path + ".b64"
	if err := d.run(fmt.Sprintf("rm -f %s", shellQuote(sidecar))); err != nil {
		return fmt.Errorf("remove stale sidecar: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	for _, batch := range echoBatches(encoded, sidecar) {
		if err := d.run(batch); err != nil {
			return fmt.Errorf("append to sidecar: %w", err)
		}
	}

	if err := d.run(decodeCommand(tool, sidecar, path)); err != nil {
		return fmt.Errorf("decode sidecar: %w", err)
	}
	if err := d.run(fmt.Sprintf("rm -f %s", shellQuote(sidecar))); err != nil {
		return fmt.Errorf("remove sidecar: %w", err)
	}
	return nil
}

// ReadFile retrieves the remote file byte-for-byte. Without SFTP the remote
// side encodes with the detected base64 tool and the result is decoded
// locally.
func (d *Dialect) ReadFile(path string) ([]byte, error) {
	if c := d.sftpClient(); c != nil {
		data, err := c.ReadFile(path)
		if err == nil {
			return data, nil
		}
		slog.Debug("sftp read failed, falling back to shell transfer",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}

	tool, err := d.decoderTool()
	if err != nil {
		return nil, err
	}

	out, err := d.s.Exec(encodeCommand(tool, path),
		session.WithRetrieveExitCode(true),
		session.WithOnNonZeroExitCode(session.ExitPolicyRaise),
	)
	if err != nil {
		return nil, fmt.Errorf("encode remote file: %w", err)
	}

	compact := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, out)

	data, err := base64.StdEncoding.DecodeString(compact)
	if err != nil {
		return nil, fmt.Errorf("decode remote file contents: %w", err)
	}
	return data, nil
}

// run executes a transfer command, raising on non-zero exit.
func (d *Dialect) run(command string) error {
	_, err := d.s.Exec(command,
		session.WithRetrieveExitCode(true),
		session.WithOnNonZeroExitCode(session.ExitPolicyRaise),
	)
	return err
}

// decoderTool finds which base64 decoder the remote side has, preferring
// base64, then openssl, then perl. The answer is cached per dialect.
func (d *Dialect) decoderTool() (string, error) {
	d.mu.Lock()
	if d.decoder != "" {
		tool := d.decoder
		d.mu.Unlock()
		return tool, nil
	}
	d.mu.Unlock()

	out, err := d.s.ExecIgnoreCode("which base64 openssl perl 2>/dev/null")
	if err != nil {
		return "", fmt.Errorf("probe decoder tools: %w", err)
	}

	var tool string
	for _, line := range strings.Split(out, "\n") {
		switch base := strings.TrimSpace(line); {
		case strings.HasSuffix(base, "/base64"):
			tool = "base64"
		case strings.HasSuffix(base, "/openssl") && tool == "":
			tool = "openssl"
		case strings.HasSuffix(base, "/perl") && tool == "":
			tool = "perl"
		}
		if tool == "base64" {
			break
		}
	}
	if tool == "" {
		return "", fmt.Errorf("no base64 decoder available on the remote side (need base64, openssl, or perl)")
	}

	d.mu.Lock()
	d.decoder = tool
	d.mu.Unlock()
	return tool, nil
}

func decodeCommand(tool, sidecar, path string) string {
	switch tool {
	case "openssl":
		return fmt.Sprintf("openssl base64 -d -in %s -out %s", shellQuote(sidecar), shellQuote(path))
	case "perl":
		return fmt.Sprintf("perl -MMIME::Base64 -ne 'print decode_base64($_)' < %s > %s", shellQuote(sidecar), shellQuote(path))
	default:
		return fmt.Sprintf("base64 -d %s > %s", shellQuote(sidecar), shellQuote(path))
	}
}

func encodeCommand(tool, path string) string {
	switch tool {
	case "openssl":
		return fmt.Sprintf("openssl base64 -in %s", shellQuote(path))
	case "perl":
		return fmt.Sprintf("perl -MMIME::Base64 -e 'local $/; print encode_base64(<STDIN>)' < %s", shellQuote(path))
	default:
		return fmt.Sprintf("base64 %s", shellQuote(path))
	}
}

// echoBatches splits the encoded payload into b64LineLen lines and chains
// the appending echo commands with && up to the command length ceiling.
func echoBatches(encoded, sidecar string) []string {
	quotedSidecar := shellQuote(sidecar)

	var batches []string
	var batch strings.Builder
	for start := 0; start < len(encoded); start += b64LineLen {
		end := start + b64LineLen
		if end > len(encoded) {
			end = len(encoded)
		}
		cmd := fmt.Sprintf("echo '%s' >> %s", encoded[start:end], quotedSidecar)

		if batch.Len() > 0 && batch.Len()+len(" && ")+len(cmd) > maxCommandLen {
			batches = append(batches, batch.String())
			batch.Reset()
		}
		if batch.Len() > 0 {
			batch.WriteString(" && ")
		}
		batch.WriteString(cmd)
	}
	if batch.Len() > 0 {
		batches = append(batches, batch.String())
	}
	return batches
}

// shellQuote single-quotes a string for the shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
