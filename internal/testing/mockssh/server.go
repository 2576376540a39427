// Package mockssh provides an in-process SSH server for transport tests.
package mockssh

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"golang.org/x/crypto/ssh"
)

// Server is a mock SSH server backed by a real local shell. Shell requests
// with a pty-req run the shell under a PTY; exec requests run one command.
type Server struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	shell    string
	users    map[string]string // username -> password
	mu       sync.RWMutex
	done     chan struct{}
	wg       sync.WaitGroup

	sessionsMu sync.Mutex
	sessions   []*serverSession
}

type serverSession struct {
	channel ssh.Channel
	pty     *os.File
	cmd     *exec.Cmd
}

// Option configures the mock SSH server.
type Option func(*Server)

// WithShell sets the shell run for shell and exec requests.
func WithShell(shell string) Option {
	return func(s *Server) { s.shell = shell }
}

// WithUser adds a user/password pair for authentication.
func WithUser(username, password string) Option {
	return func(s *Server) { s.users[username] = password }
}

// New starts a mock SSH server on a random loopback port.
func New(opts ...Option) (*Server, error) {
	hostKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(hostKey)
	if err != nil {
		return nil, fmt.Errorf("create signer: %w", err)
	}

	s := &Server{
		shell: "/bin/sh",
		users: map[string]string{"test": "test"},
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			s.mu.RLock()
			expected, ok := s.users[c.User()]
			s.mu.RUnlock()
			if ok && string(password) == expected {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
	}
	config.AddHostKey(signer)
	s.config = config

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	s.listener = listener
	s.addr = listener.Addr().String()

	s.wg.Add(1)
	go s.acceptLoop()

	return s, nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string { return s.addr }

// Host returns the host part of the address.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.addr)
	return host
}

// Port returns the numeric port the server is listening on.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.addr)
	var n int
	fmt.Sscanf(port, "%d", &n)
	return n
}

// Close shuts down the server and all active sessions.
func (s *Server) Close() error {
	close(s.done)
	err := s.listener.Close()

	s.sessionsMu.Lock()
	for _, sess := range s.sessions {
		if sess.pty != nil {
			sess.pty.Close()
		}
		if sess.cmd != nil && sess.cmd.Process != nil {
			sess.cmd.Process.Kill()
		}
		if sess.channel != nil {
			sess.channel.Close()
		}
	}
	s.sessions = nil
	s.sessionsMu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(netConn net.Conn) {
	defer s.wg.Done()
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		slog.Debug("ssh handshake failed", slog.String("error", err.Error()))
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		s.wg.Add(1)
		go s.handleChannel(channel, requests)
	}
}

func (s *Server) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer s.wg.Done()
	defer channel.Close()

	sess := &serverSession{channel: channel}
	s.sessionsMu.Lock()
	s.sessions = append(s.sessions, sess)
	s.sessionsMu.Unlock()

	wantPTY := false

	for req := range requests {
		switch req.Type {
		case "pty-req":
			wantPTY = true
			if req.WantReply {
				req.Reply(true, nil)
			}
		case "env":
			if req.WantReply {
				req.Reply(true, nil)
			}
		case "shell":
			if req.WantReply {
				req.Reply(true, nil)
			}
			s.runCommand(sess, wantPTY)
		case "exec":
			if req.WantReply {
				req.Reply(true, nil)
			}
			s.runCommand(sess, wantPTY, "-c", parseExecRequest(req.Payload))
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *Server) runCommand(sess *serverSession, wantPTY bool, args ...string) {
	cmd := exec.Command(s.shell, args...)
	cmd.Env = append(os.Environ(), "TERM=dumb", "PS1=$ ")

	if wantPTY {
		ptmx, err := pty.Start(cmd)
		if err != nil {
			sendExitStatus(sess.channel, 1)
			return
		}
		sess.pty = ptmx
		sess.cmd = cmd

		done := make(chan struct{})
		go func() {
			io.Copy(sess.channel, ptmx)
			close(done)
		}()
		go func() {
			io.Copy(ptmx, sess.channel)
		}()

		exitCode := 0
		if err := cmd.Wait(); err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				exitCode = 1
			}
		}
		ptmx.Close()
		<-done
		sendExitStatus(sess.channel, exitCode)
		return
	}

	output, err := cmd.CombinedOutput()
	sess.cmd = cmd
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = 1
		}
	}
	sess.channel.Write(output)
	sendExitStatus(sess.channel, exitCode)
}

func sendExitStatus(channel ssh.Channel, code int) {
	channel.CloseWrite()
	payload := []byte{byte(code >> 24), byte(code >> 16), byte(code >> 8), byte(code)}
	channel.SendRequest("exit-status", false, payload)
	channel.Close()
}

func parseExecRequest(payload []byte) string {
	if len(payload) < 4 {
		return ""
	}
	cmdLen := int(payload[0])<<24 | int(payload[1])<<16 | int(payload[2])<<8 | int(payload[3])
	if len(payload) < 4+cmdLen {
		return ""
	}
	return string(payload[4 : 4+cmdLen])
}
