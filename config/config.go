// Package config handles YAML configuration for shellpilot sessions and
// transports.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/acolita/shellpilot/internal/adapters/realfs"
	"github.com/acolita/shellpilot/internal/ports"
	"github.com/acolita/shellpilot/session"
	"github.com/acolita/shellpilot/transport"
)

// DefaultConfigPath returns the default config file path:
// $XDG_CONFIG_HOME/shellpilot/config.yaml or ~/.config/shellpilot/config.yaml
func DefaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "shellpilot", "config.yaml")
}

// Config represents the top-level configuration.
type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	SSH       SSHConfig       `yaml:"ssh"`
	Serial    SerialConfig    `yaml:"serial"`
	Logging   LoggingConfig   `yaml:"logging"`
	Recording RecordingConfig `yaml:"recording"`
}

// EngineConfig configures the command driver.
type EngineConfig struct {
	Prompt            string        `yaml:"prompt"`
	RetrieveExitCode  bool          `yaml:"retrieve_exit_code"`
	OnNonZeroExitCode string        `yaml:"on_non_zero_exit_code"` // "ignore" or "raise"
	SilenceTimeout    time.Duration `yaml:"silence_timeout"`
	CommandTimeout    time.Duration `yaml:"command_timeout"`
	Quit              string        `yaml:"quit"`
	UnbufferedInput   string        `yaml:"unbuffered_input"` // "none", "char", or "echo"
}

// SSHConfig configures the SSH transport.
type SSHConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	KeyPath        string        `yaml:"key_path"`
	Shell          string        `yaml:"shell"` // shell, none, no_pty, or a path
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	UseAgent       bool          `yaml:"use_agent"`
	UseKeyring     bool          `yaml:"use_keyring"` // consult the OS keyring for credentials
}

// SerialConfig configures the serial transport.
type SerialConfig struct {
	Path     string `yaml:"path"`
	Speed    int    `yaml:"speed"`
	DataBits int    `yaml:"data_bits"`
	Parity   string `yaml:"parity"` // none, odd, or even
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level    string `yaml:"level"`    // "debug", "info", "warn", "error"
	Sanitize bool   `yaml:"sanitize"` // sanitize sensitive data from logs
}

// RecordingConfig defines transcript recording settings.
type RecordingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // directory to store recordings
	Width   int    `yaml:"width"`
	Height  int    `yaml:"height"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			Prompt:            session.DefaultPrompt,
			OnNonZeroExitCode: "ignore",
			Quit:              session.DefaultQuit,
			UnbufferedInput:   "none",
		},
		SSH: SSHConfig{
			Host:           "localhost",
			Port:           22,
			Shell:          transport.ShellDefault,
			ConnectTimeout: 5 * time.Second,
			UseAgent:       true,
		},
		Serial: SerialConfig{
			Speed:    115200,
			DataBits: 8,
			Parity:   "none",
		},
		Logging: LoggingConfig{
			Level:    "info",
			Sanitize: true,
		},
	}
}

// Load loads configuration from a YAML file. An optional FileSystem can be
// passed for testing; if omitted, the real OS is used. A missing file
// yields the defaults.
func Load(path string, fsys ...ports.FileSystem) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := pickFS(fsys).ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file. An optional FileSystem can
// be passed for testing; if omitted, the real OS is used.
func Save(cfg *Config, path string, fsys ...ports.FileSystem) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	f := pickFS(fsys)
	if err := f.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return f.WriteFile(path, data, 0600)
}

func pickFS(fsys []ports.FileSystem) ports.FileSystem {
	if len(fsys) > 0 && fsys[0] != nil {
		return fsys[0]
	}
	return realfs.New()
}

// Validate checks enum fields and timeout signs.
func (c *Config) Validate() error {
	switch c.Engine.OnNonZeroExitCode {
	case "", "ignore", "raise":
	default:
		return fmt.Errorf("on_non_zero_exit_code must be ignore or raise, got %q", c.Engine.OnNonZeroExitCode)
	}
	switch c.Engine.UnbufferedInput {
	case "", "none", "char", "echo":
	default:
		return fmt.Errorf("unbuffered_input must be none, char, or echo, got %q", c.Engine.UnbufferedInput)
	}
	if c.Engine.SilenceTimeout < 0 || c.Engine.CommandTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	switch c.Serial.Parity {
	case "", "none", "odd", "even":
	default:
		return fmt.Errorf("parity must be none, odd, or even, got %q", c.Serial.Parity)
	}
	return nil
}

// SessionOptions maps the engine section onto session options.
func (c *Config) SessionOptions() session.Options {
	return session.Options{
		Prompt:            c.Engine.Prompt,
		RetrieveExitCode:  c.Engine.RetrieveExitCode,
		OnNonZeroExitCode: session.ExitPolicy(c.Engine.OnNonZeroExitCode),
		SilenceTimeout:    c.Engine.SilenceTimeout,
		CommandTimeout:    c.Engine.CommandTimeout,
		Quit:              c.Engine.Quit,
		UnbufferedInput:   session.UnbufferedMode(c.Engine.UnbufferedInput),
	}
}

// SSHOptions maps the ssh section onto SSH transport options.
func (c *Config) SSHOptions() transport.SSHOptions {
	return transport.SSHOptions{
		Host:           c.SSH.Host,
		Port:           c.SSH.Port,
		User:           c.SSH.User,
		Password:       c.SSH.Password,
		KeyPath:        c.SSH.KeyPath,
		Shell:          c.SSH.Shell,
		ConnectTimeout: c.SSH.ConnectTimeout,
		UseAgent:       c.SSH.UseAgent,
		UseKeyring:     c.SSH.UseKeyring,
	}
}

// SerialOptions maps the serial section onto serial transport options.
func (c *Config) SerialOptions() transport.SerialOptions {
	return transport.SerialOptions{
		Path:     c.Serial.Path,
		Speed:    c.Serial.Speed,
		DataBits: c.Serial.DataBits,
		Parity:   c.Serial.Parity,
	}
}
