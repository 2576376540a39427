package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/acolita/shellpilot/internal/testing/fakes/fakefs"
	"github.com/acolita/shellpilot/session"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("/nope/config.yaml", fakefs.New())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.Prompt != session.DefaultPrompt {
		t.Errorf("prompt = %q", cfg.Engine.Prompt)
	}
	if cfg.SSH.Port != 22 || cfg.Serial.Speed != 115200 {
		t.Errorf("transport defaults = %+v %+v", cfg.SSH, cfg.Serial)
	}
	if cfg.Logging.Level != "info" || !cfg.Logging.Sanitize {
		t.Errorf("logging defaults = %+v", cfg.Logging)
	}
}

func TestLoadParsesYAML(t *testing.T) {
	fs := fakefs.New()
	yaml := `
engine:
  prompt: "##>"
  retrieve_exit_code: true
  on_non_zero_exit_code: raise
  silence_timeout: 30s
  command_timeout: 5m
  quit: logout
  unbuffered_input: echo
ssh:
  host: fw.example.com
  port: 2222
  user: admin
  shell: no_pty
serial:
  path: /dev/ttyUSB0
  speed: 9600
  parity: even
`
	if err := fs.WriteFile("/etc/shellpilot.yaml", []byte(yaml), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load("/etc/shellpilot.yaml", fs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Engine.Prompt != "##>" || cfg.Engine.Quit != "logout" {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if cfg.Engine.SilenceTimeout != 30*time.Second || cfg.Engine.CommandTimeout != 5*time.Minute {
		t.Errorf("timeouts = %v %v", cfg.Engine.SilenceTimeout, cfg.Engine.CommandTimeout)
	}
	if cfg.SSH.Host != "fw.example.com" || cfg.SSH.Port != 2222 || cfg.SSH.User != "admin" {
		t.Errorf("ssh = %+v", cfg.SSH)
	}
	if cfg.Serial.Path != "/dev/ttyUSB0" || cfg.Serial.Speed != 9600 || cfg.Serial.Parity != "even" {
		t.Errorf("serial = %+v", cfg.Serial)
	}
}

func TestValidateRejectsBadEnums(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad policy", func(c *Config) { c.Engine.OnNonZeroExitCode = "explode" }},
		{"bad input mode", func(c *Config) { c.Engine.UnbufferedInput = "word" }},
		{"bad parity", func(c *Config) { c.Serial.Parity = "mark" }},
		{"negative timeout", func(c *Config) { c.Engine.CommandTimeout = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSessionOptionsMapping(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.Prompt = "##>"
	cfg.Engine.RetrieveExitCode = true
	cfg.Engine.OnNonZeroExitCode = "raise"
	cfg.Engine.UnbufferedInput = "char"

	opts := cfg.SessionOptions()
	if opts.Prompt != "##>" || !opts.RetrieveExitCode {
		t.Errorf("opts = %+v", opts)
	}
	if opts.OnNonZeroExitCode != session.ExitPolicyRaise {
		t.Errorf("policy = %v", opts.OnNonZeroExitCode)
	}
	if opts.UnbufferedInput != session.UnbufferedChar {
		t.Errorf("input mode = %v", opts.UnbufferedInput)
	}
}

func TestTransportOptionsMapping(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SSH.Host = "box"
	cfg.SSH.User = "root"
	cfg.Serial.Path = "/dev/ttyS0"

	sshOpts := cfg.SSHOptions()
	if sshOpts.Host != "box" || sshOpts.User != "root" || sshOpts.Port != 22 {
		t.Errorf("ssh opts = %+v", sshOpts)
	}
	serialOpts := cfg.SerialOptions()
	if serialOpts.Path != "/dev/ttyS0" || serialOpts.Speed != 115200 {
		t.Errorf("serial opts = %+v", serialOpts)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	fs := fakefs.New()
	cfg := DefaultConfig()
	cfg.Engine.Prompt = "##>"
	cfg.SSH.User = "admin"

	if err := Save(cfg, "/home/test/.config/shellpilot/config.yaml", fs); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load("/home/test/.config/shellpilot/config.yaml", fs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Engine.Prompt != "##>" || loaded.SSH.User != "admin" {
		t.Errorf("round trip = %+v", loaded)
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("engine:\n  prompt: one\n"), 0600); err != nil {
		t.Fatal(err)
	}

	changed := make(chan *Config, 1)
	w, err := NewWatcher(path, func(cfg *Config) {
		select {
		case changed <- cfg:
		default:
		}
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	if w.Config().Engine.Prompt != "one" {
		t.Fatalf("initial prompt = %q", w.Config().Engine.Prompt)
	}

	if err := os.WriteFile(path, []byte("engine:\n  prompt: two\n"), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-changed:
		if cfg.Engine.Prompt != "two" {
			t.Errorf("reloaded prompt = %q", cfg.Engine.Prompt)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reload never observed")
	}
}
