package fakefs

import (
	"errors"
	"io/fs"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	f := New()
	if err := f.WriteFile("/etc/app/config.yaml", []byte("data"), 0600); err != nil {
		t.Fatal(err)
	}

	got, err := f.ReadFile("/etc/app/config.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "data" {
		t.Errorf("got %q", got)
	}

	// Parent directories were created implicitly.
	info, err := f.Stat("/etc/app")
	if err != nil || !info.IsDir() {
		t.Errorf("parent dir missing: %v", err)
	}
}

func TestReadMissingFile(t *testing.T) {
	f := New()
	_, err := f.ReadFile("/nope")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("err = %v, want ErrNotExist", err)
	}
}

func TestRemove(t *testing.T) {
	f := New()
	f.WriteFile("/tmp/x", []byte("x"), 0600)
	if err := f.Remove("/tmp/x"); err != nil {
		t.Fatal(err)
	}
	if f.Exists("/tmp/x") {
		t.Error("file still exists after remove")
	}
	if err := f.Remove("/tmp/x"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("second remove = %v", err)
	}
}

func TestStatFile(t *testing.T) {
	f := New()
	f.WriteFile("/tmp/data", []byte("12345"), 0644)
	info, err := f.Stat("/tmp/data")
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 5 || info.IsDir() {
		t.Errorf("info = size %d dir %v", info.Size(), info.IsDir())
	}
}

func TestEnvAndHome(t *testing.T) {
	f := New()
	f.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := f.Getenv("XDG_CONFIG_HOME"); got != "/xdg" {
		t.Errorf("Getenv = %q", got)
	}
	f.SetHomeDir("/home/other")
	home, err := f.UserHomeDir()
	if err != nil || home != "/home/other" {
		t.Errorf("home = %q, %v", home, err)
	}
}
