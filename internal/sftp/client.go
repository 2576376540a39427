// Package sftp provides SFTP file transfer over an existing SSH connection.
package sftp

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Client wraps an SFTP client for file transfer operations. It rides an
// existing SSH connection and initializes the SFTP subsystem lazily.
type Client struct {
	sshConn    *ssh.Client
	sftpClient *sftp.Client
	mu         sync.Mutex
	closed     bool
}

// NewClient creates a new SFTP client wrapper using an existing SSH connection.
func NewClient(sshConn *ssh.Client) *Client {
	return &Client{sshConn: sshConn}
}

func (c *Client) ensureConnected() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("sftp client is closed")
	}
	if c.sftpClient != nil {
		return nil
	}
	if c.sshConn == nil {
		return fmt.Errorf("ssh connection is nil")
	}

	client, err := sftp.NewClient(c.sshConn)
	if err != nil {
		return fmt.Errorf("create sftp client: %w", err)
	}
	c.sftpClient = client
	return nil
}

// Close closes the SFTP subsystem without closing the SSH connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.sftpClient != nil {
		err := c.sftpClient.Close()
		c.sftpClient = nil
		return err
	}
	return nil
}

// ReadFile reads the named remote file and returns its contents.
func (c *Client) ReadFile(path string) ([]byte, error) {
	if err := c.ensureConnected(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := c.sftpClient.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open remote file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read remote file: %w", err)
	}
	return data, nil
}

// WriteFile writes data to the named remote file, creating or truncating it.
func (c *Client) WriteFile(path string, data []byte, perm os.FileMode) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := c.sftpClient.Create(path)
	if err != nil {
		return fmt.Errorf("create remote file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write remote file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close remote file: %w", err)
	}
	return c.sftpClient.Chmod(path, perm)
}

// Stat returns file information for the given remote path.
func (c *Client) Stat(path string) (os.FileInfo, error) {
	if err := c.ensureConnected(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sftpClient.Stat(path)
}

// MkdirAll creates a remote directory and all parent directories.
func (c *Client) MkdirAll(path string) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sftpClient.MkdirAll(path)
}

// Remove removes a remote file or empty directory.
func (c *Client) Remove(path string) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sftpClient.Remove(path)
}
