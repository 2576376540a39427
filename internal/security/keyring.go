// Package security provides OS keyring integration for shell credentials.
package security

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zalando/go-keyring"
)

// KeyringService is the service name used for keyring entries.
const KeyringService = "shellpilot"

// KeyringStore looks up shell credentials in the system keyring
// (macOS Keychain, Linux Secret Service, Windows Credential Manager).
type KeyringStore struct {
	enabled bool
	mu      sync.RWMutex
}

// NewKeyringStore creates a new keyring store. If the system keyring is not
// available the store is disabled and all lookups return nothing.
func NewKeyringStore() *KeyringStore {
	ks := &KeyringStore{enabled: true}

	probe := "__shellpilot_probe__"
	if err := keyring.Set(KeyringService, probe, "probe"); err != nil {
		slog.Debug("keyring not available", slog.String("error", err.Error()))
		ks.enabled = false
		return ks
	}
	_ = keyring.Delete(KeyringService, probe)

	return ks
}

// IsEnabled reports whether the keyring is available.
func (ks *KeyringStore) IsEnabled() bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.enabled
}

// SetEnabled allows enabling or disabling keyring usage.
func (ks *KeyringStore) SetEnabled(enabled bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.enabled = enabled
}

// StoreServerPassword stores an SSH password for user@host.
func (ks *KeyringStore) StoreServerPassword(host, user string, password []byte) error {
	if !ks.IsEnabled() {
		return fmt.Errorf("keyring not available")
	}

	encoded := base64.StdEncoding.EncodeToString(password)
	if err := keyring.Set(KeyringService, serverKey(host, user), encoded); err != nil {
		return fmt.Errorf("store server password: %w", err)
	}
	return nil
}

// GetServerPassword retrieves an SSH password for user@host.
// A missing entry is not an error; both return values are nil.
func (ks *KeyringStore) GetServerPassword(host, user string) ([]byte, error) {
	if !ks.IsEnabled() {
		return nil, nil
	}

	encoded, err := keyring.Get(KeyringService, serverKey(host, user))
	if err != nil {
		if err == keyring.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get server password: %w", err)
	}

	password, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode server password: %w", err)
	}
	return password, nil
}

// DeleteServerPassword removes an SSH password for user@host.
func (ks *KeyringStore) DeleteServerPassword(host, user string) error {
	if !ks.IsEnabled() {
		return fmt.Errorf("keyring not available")
	}

	if err := keyring.Delete(KeyringService, serverKey(host, user)); err != nil {
		if err == keyring.ErrNotFound {
			return nil
		}
		return fmt.Errorf("delete server password: %w", err)
	}
	return nil
}

// StoreKeyPassphrase stores a private-key passphrase keyed by key path.
func (ks *KeyringStore) StoreKeyPassphrase(keyPath string, passphrase []byte) error {
	if !ks.IsEnabled() {
		return fmt.Errorf("keyring not available")
	}

	encoded := base64.StdEncoding.EncodeToString(passphrase)
	if err := keyring.Set(KeyringService, passphraseKey(keyPath), encoded); err != nil {
		return fmt.Errorf("store key passphrase: %w", err)
	}
	return nil
}

// GetKeyPassphrase retrieves a private-key passphrase by key path.
// A missing entry is not an error; both return values are nil.
func (ks *KeyringStore) GetKeyPassphrase(keyPath string) ([]byte, error) {
	if !ks.IsEnabled() {
		return nil, nil
	}

	encoded, err := keyring.Get(KeyringService, passphraseKey(keyPath))
	if err != nil {
		if err == keyring.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get key passphrase: %w", err)
	}

	passphrase, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode key passphrase: %w", err)
	}
	return passphrase, nil
}

// DeleteKeyPassphrase removes a private-key passphrase by key path.
func (ks *KeyringStore) DeleteKeyPassphrase(keyPath string) error {
	if !ks.IsEnabled() {
		return fmt.Errorf("keyring not available")
	}

	if err := keyring.Delete(KeyringService, passphraseKey(keyPath)); err != nil {
		if err == keyring.ErrNotFound {
			return nil
		}
		return fmt.Errorf("delete key passphrase: %w", err)
	}
	return nil
}

func serverKey(host, user string) string {
	return fmt.Sprintf("server:%s@%s", user, host)
}

func passphraseKey(keyPath string) string {
	return fmt.Sprintf("key-passphrase:%s", keyPath)
}
