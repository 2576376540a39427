package bash

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/acolita/shellpilot/internal/testing/fakes/fakeclock"
	"github.com/acolita/shellpilot/session"
	"github.com/acolita/shellpilot/transport"
)

// fakeShell is a transport that emulates just enough of a POSIX shell for
// the transfer commands: echo-append, rm, base64, which, and the exit code
// probe. Files live in memory so write/read round-trips are byte-exact.
type fakeShell struct {
	mu      sync.Mutex
	stdout  func(data []byte)
	wake    chan struct{}
	active  bool
	lineBuf string

	files    map[string][]byte
	tools    []string
	lastExit int
}

func newFakeShell() *fakeShell {
	return &fakeShell{
		wake:  make(chan struct{}, 1),
		files: make(map[string][]byte),
		tools: []string{"/usr/bin/base64", "/usr/bin/openssl", "/usr/bin/perl"},
	}
}

func (f *fakeShell) Connect() error {
	f.mu.Lock()
	f.active = true
	f.mu.Unlock()
	return nil
}

func (f *fakeShell) Disconnect() error {
	f.mu.Lock()
	f.active = false
	f.mu.Unlock()
	return nil
}

func (f *fakeShell) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeShell) RegisterStdout(fn func(data []byte)) {
	f.mu.Lock()
	f.stdout = fn
	f.mu.Unlock()
}

func (f *fakeShell) RegisterStderr(fn func(data []byte)) {}

func (f *fakeShell) Write(p []byte) error {
	f.mu.Lock()
	f.lineBuf += string(p)
	var responses []string
	for {
		idx := strings.Index(f.lineBuf, "\n")
		if idx < 0 {
			break
		}
		line := strings.TrimSuffix(f.lineBuf[:idx], "\r")
		f.lineBuf = f.lineBuf[idx+1:]
		responses = append(responses, f.processLine(line))
	}
	fn := f.stdout
	f.mu.Unlock()

	for _, r := range responses {
		if fn != nil {
			fn([]byte(r))
		}
	}
	if len(responses) > 0 {
		f.notify()
	}
	return nil
}

func (f *fakeShell) IOStep(body func() bool) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-f.wake:
		case <-ticker.C:
		}
		if !body() {
			return
		}
	}
}

func (f *fakeShell) Wake() { f.notify() }

func (f *fakeShell) notify() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

var (
	echoAppendRE = regexp.MustCompile(`^echo '([^']*)' >> '([^']*)'$`)
	rmRE         = regexp.MustCompile(`^rm -f '([^']*)'$`)
	b64DecodeRE  = regexp.MustCompile(`^base64 -d '([^']*)' > '([^']*)'$`)
	b64EncodeRE  = regexp.MustCompile(`^base64 '([^']*)'$`)
	opensslDecRE = regexp.MustCompile(`^openssl base64 -d -in '([^']*)' -out '([^']*)'$`)
	mkdirRE      = regexp.MustCompile(`^mkdir -p '([^']*)'$`)
)

func (f *fakeShell) processLine(line string) string {
	if line == "" {
		return "~~# "
	}

	var out strings.Builder
	out.WriteString(line + "\r\n")

	if line == "echo $?" {
		fmt.Fprintf(&out, "%d\r\n", f.lastExit)
		out.WriteString("~~# ")
		return out.String()
	}

	exit := 0
	for _, cmd := range strings.Split(line, " && ") {
		text, code := f.runCmd(strings.TrimSpace(cmd))
		out.WriteString(text)
		exit = code
		if code != 0 {
			break
		}
	}
	f.lastExit = exit

	out.WriteString("~~# ")
	return out.String()
}

func (f *fakeShell) runCmd(cmd string) (string, int) {
	switch {
	case strings.HasPrefix(cmd, "PS1="):
		return "", 0
	case cmd == "exit":
		return "", 0
	case strings.HasPrefix(cmd, "which "):
		if len(f.tools) == 0 {
			return "", 1
		}
		return strings.Join(f.tools, "\r\n") + "\r\n", 0
	}
	if m := echoAppendRE.FindStringSubmatch(cmd); m != nil {
		f.files[m[2]] = append(f.files[m[2]], []byte(m[1]+"\n")...)
		return "", 0
	}
	if m := rmRE.FindStringSubmatch(cmd); m != nil {
		delete(f.files, m[1])
		return "", 0
	}
	if m := b64DecodeRE.FindStringSubmatch(cmd); m != nil {
		return f.decode(m[1], m[2])
	}
	if m := opensslDecRE.FindStringSubmatch(cmd); m != nil {
		return f.decode(m[1], m[2])
	}
	if m := b64EncodeRE.FindStringSubmatch(cmd); m != nil {
		data, ok := f.files[m[1]]
		if !ok {
			return "base64: " + m[1] + ": No such file or directory\r\n", 1
		}
		encoded := base64.StdEncoding.EncodeToString(data)
		var b strings.Builder
		for start := 0; start < len(encoded); start += 76 {
			end := start + 76
			if end > len(encoded) {
				end = len(encoded)
			}
			b.WriteString(encoded[start:end] + "\r\n")
		}
		return b.String(), 0
	}
	if mkdirRE.MatchString(cmd) {
		return "", 0
	}
	return "sh: " + cmd + ": not found\r\n", 127
}

func (f *fakeShell) decode(in, out string) (string, int) {
	raw, ok := f.files[in]
	if !ok {
		return "base64: " + in + ": No such file or directory\r\n", 1
	}
	compact := strings.ReplaceAll(string(raw), "\n", "")
	data, err := base64.StdEncoding.DecodeString(compact)
	if err != nil {
		return "base64: invalid input\r\n", 1
	}
	f.files[out] = data
	return "", 0
}

var _ transport.Transport = (*fakeShell)(nil)

// runDialect drives script through a session riding the fake shell.
func runDialect(t *testing.T, shell *fakeShell, script func(d *Dialect) error) {
	t.Helper()
	s, err := session.New(shell, session.Options{
		Clock:          fakeclock.New(time.Unix(1700000000, 0)),
		CommandTimeout: 30 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d := New(s)
	if err := s.Run(func(*session.Session) error { return script(d) }); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestWriteFileReadFileRoundTrip(t *testing.T) {
	ascii := make([]byte, 0, 300*12)
	for i := 0; i < 300; i++ {
		ascii = append(ascii, []byte(fmt.Sprintf("line %03d ok\n", i))...)
	}
	binary := make([]byte, 16001)
	for i := range binary {
		binary[i] = byte(i * 31)
	}

	payloads := map[string][]byte{
		"greeting": []byte("Hello World!\nThis is a test file."),
		"ascii":    ascii,
		"binary":   binary,
	}

	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			shell := newFakeShell()
			path := "/tmp/payload-" + name

			runDialect(t, shell, func(d *Dialect) error {
				if err := d.WriteFile(path, payload); err != nil {
					return err
				}
				got, err := d.ReadFile(path)
				if err != nil {
					return err
				}
				if !bytes.Equal(got, payload) {
					t.Errorf("round trip mismatch: got %d bytes, want %d", len(got), len(payload))
				}
				return nil
			})

			if !bytes.Equal(shell.files[path], payload) {
				t.Errorf("remote file differs from payload")
			}
			if _, ok := shell.files[path+".b64"]; ok {
				t.Errorf("sidecar %s.b64 still exists after transfer", path)
			}
		})
	}
}

func TestEchoBatchesRespectCeilingAndOrder(t *testing.T) {
	encoded := strings.Repeat("QUJDREVGR0g=", 1000)
	batches := echoBatches(encoded, "/tmp/x.b64")

	if len(batches) < 2 {
		t.Fatalf("expected multiple batches, got %d", len(batches))
	}

	var rebuilt strings.Builder
	for _, batch := range batches {
		if len(batch) > maxCommandLen {
			t.Errorf("batch of %d bytes exceeds ceiling", len(batch))
		}
		for _, cmd := range strings.Split(batch, " && ") {
			m := echoAppendRE.FindStringSubmatch(cmd)
			if m == nil {
				t.Fatalf("unexpected command shape: %q", cmd)
			}
			rebuilt.WriteString(m[1])
		}
	}
	if rebuilt.String() != encoded {
		t.Error("concatenated batch payloads differ from the encoded input")
	}
}

func TestDecoderToolPreference(t *testing.T) {
	tests := []struct {
		name  string
		tools []string
		want  string
	}{
		{"base64 preferred", []string{"/usr/bin/base64", "/usr/bin/openssl"}, "base64"},
		{"openssl fallback", []string{"/usr/bin/openssl", "/usr/bin/perl"}, "openssl"},
		{"perl last", []string{"/usr/bin/perl"}, "perl"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shell := newFakeShell()
			shell.tools = tt.tools

			runDialect(t, shell, func(d *Dialect) error {
				tool, err := d.decoderTool()
				if err != nil {
					return err
				}
				if tool != tt.want {
					t.Errorf("decoder = %q, want %q", tool, tt.want)
				}
				return nil
			})
		})
	}
}

func TestDecoderToolMissing(t *testing.T) {
	shell := newFakeShell()
	shell.tools = nil

	runDialect(t, shell, func(d *Dialect) error {
		if _, err := d.decoderTool(); err == nil {
			t.Error("expected error when no decoder is available")
		}
		return nil
	})
}

func TestWriteFileWithOpensslDecoder(t *testing.T) {
	shell := newFakeShell()
	shell.tools = []string{"/usr/bin/openssl"}

	payload := []byte("openssl path")
	runDialect(t, shell, func(d *Dialect) error {
		return d.WriteFile("/tmp/via-openssl", payload)
	})

	if !bytes.Equal(shell.files["/tmp/via-openssl"], payload) {
		t.Error("openssl decode path did not produce the payload")
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "'plain'"},
		{"with space", "'with space'"},
		{"it's", `'it'\''s'`},
	}
	for _, tt := range tests {
		if got := shellQuote(tt.in); got != tt.want {
			t.Errorf("shellQuote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPutGlobTransfersMatchingFiles(t *testing.T) {
	fsys := fstest.MapFS{
		"app/main.conf":     {Data: []byte("main")},
		"app/sub/extra.cfg": {Data: []byte("extra")},
		"app/sub/note.txt":  {Data: []byte("skip me")},
	}

	shell := newFakeShell()
	var written []string
	runDialect(t, shell, func(d *Dialect) error {
		var err error
		written, err = d.putGlobFS(fsys, "app/**/*.{conf,cfg}", "/etc")
		return err
	})

	if len(written) != 2 {
		t.Fatalf("written = %v, want two files", written)
	}
	if !bytes.Equal(shell.files["/etc/app/main.conf"], []byte("main")) {
		t.Error("main.conf not transferred")
	}
	if !bytes.Equal(shell.files["/etc/app/sub/extra.cfg"], []byte("extra")) {
		t.Error("extra.cfg not transferred")
	}
	if _, ok := shell.files["/etc/app/sub/note.txt"]; ok {
		t.Error("non-matching file transferred")
	}
}
