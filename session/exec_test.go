package session

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/acolita/shellpilot/internal/testing/fakes/fakeclock"
	"github.com/acolita/shellpilot/internal/testing/fakes/faketransport"
)

// scriptedTransport returns a fake transport that answers the default
// prompt install like a bash shell would.
func scriptedTransport() *faketransport.Transport {
	ft := faketransport.New()
	ft.Expect("export PS1\n", "PS1='~~#'; export PS1\r\n~~# ")
	return ft
}

// runSession builds a session on a fake clock and runs script against the
// scripted transport.
func runSession(t *testing.T, ft *faketransport.Transport, opts Options, script func(s *Session) error) (*Session, error) {
	t.Helper()
	if opts.Clock == nil {
		opts.Clock = fakeclock.New(time.Unix(1700000000, 0))
	}
	if opts.CommandTimeout == 0 {
		opts.CommandTimeout = 30 * time.Second
	}
	s, err := New(ft, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, s.Run(script)
}

func TestExecReturnsCommandOutput(t *testing.T) {
	ft := scriptedTransport()
	ft.Expect("ls -al\n", "ls -al\r\ntotal 0\r\na\r\nb\r\nc\r\n~~# ")

	var out string
	var code ExitCode
	s, err := runSession(t, ft, Options{}, func(s *Session) error {
		var execErr error
		out, execErr = s.Exec("ls -al")
		code = s.LastExitCode()
		return execErr
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, name := range []string{"a", "b", "c"} {
		if !strings.Contains(out, name) {
			t.Errorf("output %q missing entry %q", out, name)
		}
	}
	if strings.Contains(out, "~~#") {
		t.Errorf("output contains the prompt: %q", out)
	}
	if strings.Contains(out, "ls -al") {
		t.Errorf("output contains the echoed command: %q", out)
	}
	if code != ExitCodeNone {
		t.Errorf("last exit code = %v, want none", code)
	}
	if strings.Contains(s.Stdout(), "~~#") {
		t.Errorf("stdout contains the prompt: %q", s.Stdout())
	}
}

func TestExecCombinedTranscript(t *testing.T) {
	ft := scriptedTransport()
	ft.Expect("true\n", "true\r\n~~# ")

	var combined string
	_, err := runSession(t, ft, Options{}, func(s *Session) error {
		if _, err := s.Exec("true"); err != nil {
			return err
		}
		combined = s.CombinedOutput()
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The transcript ends with the echoed command followed by exactly one
	// prompt match, preceded by a newline.
	if !strings.HasSuffix(combined, "true\n~~# ") {
		t.Errorf("combined = %q", combined)
	}
}

func TestExecPromptEchoPrefix(t *testing.T) {
	// Shells may prefix the echoed command with the prompt; extraction
	// must tolerate both forms.
	ft := scriptedTransport()
	ft.Expect("pwd\n", "~~# pwd\r\n/root\r\n~~# ")

	var out string
	_, err := runSession(t, ft, Options{}, func(s *Session) error {
		var execErr error
		out, execErr = s.Exec("pwd")
		return execErr
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(out) != "/root" {
		t.Errorf("output = %q, want /root", out)
	}
}

func TestExecNoEchoFoundReturnsEverything(t *testing.T) {
	ft := scriptedTransport()
	ft.Expect("run\n", "unrelated\r\n~~# ")

	var out string
	_, err := runSession(t, ft, Options{}, func(s *Session) error {
		var execErr error
		out, execErr = s.Exec("run")
		return execErr
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out, "unrelated") {
		t.Errorf("output = %q, want the full slice when no echo matches", out)
	}
}

func TestExecCommandNotEchoed(t *testing.T) {
	ft := scriptedTransport()
	ft.Expect("version\n", "7.2.1\r\n~~# ")

	var out string
	_, err := runSession(t, ft, Options{}, func(s *Session) error {
		var execErr error
		out, execErr = s.Exec("version", WithCommandIsEchoed(false))
		return execErr
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(out) != "7.2.1" {
		t.Errorf("output = %q", out)
	}
}

func TestExecRetrievesExitCode(t *testing.T) {
	ft := scriptedTransport()
	ft.Expect("(exit 42)\n", "(exit 42)\r\n~~# ")
	ft.Expect("echo $?\n", "echo $?\r\n42\r\n~~# ")

	var code ExitCode
	s, err := runSession(t, ft, Options{}, func(s *Session) error {
		if _, err := s.Exec("(exit 42)", WithRetrieveExitCode(true)); err != nil {
			return err
		}
		code = s.LastExitCode()
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 42 {
		t.Errorf("exit code = %v, want 42", code)
	}
	// The probe ran inside a discarded scope: no trace in the transcript.
	if strings.Contains(s.CombinedOutput(), "echo $?") {
		t.Errorf("exit code probe leaked into the transcript: %q", s.CombinedOutput())
	}
}

func TestExecForCode(t *testing.T) {
	ft := scriptedTransport()
	ft.Expect("missing-program\n", "missing-program\r\nsh: not found\r\n~~# ")
	ft.Expect("echo $?\n", "echo $?\r\n127\r\n~~# ")

	var code ExitCode
	_, err := runSession(t, ft, Options{}, func(s *Session) error {
		var execErr error
		code, execErr = s.ExecForCode("missing-program")
		return execErr
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 127 {
		t.Errorf("exit code = %v, want 127", code)
	}
}

func TestExecNonZeroExitRaises(t *testing.T) {
	ft := scriptedTransport()
	ft.Expect("false\n", "false\r\n~~# ")
	ft.Expect("echo $?\n", "echo $?\r\n1\r\n~~# ")

	var execErr error
	_, runErr := runSession(t, ft, Options{}, func(s *Session) error {
		_, execErr = s.Exec("false",
			WithRetrieveExitCode(true),
			WithOnNonZeroExitCode(ExitPolicyRaise),
		)
		return nil
	})
	if runErr != nil {
		t.Fatalf("Run: %v", runErr)
	}

	var nz *NonZeroExitError
	if !errors.As(execErr, &nz) {
		t.Fatalf("expected NonZeroExitError, got %v", execErr)
	}
	if nz.Code != 1 || nz.Command != "false" {
		t.Errorf("error = %+v", nz)
	}
}

func TestExecUnparsableExitCodeIsUndefined(t *testing.T) {
	ft := scriptedTransport()
	ft.Expect("true\n", "true\r\n~~# ")
	ft.Expect("echo $?\n", "echo $?\r\ngarbage\r\n~~# ")

	var code ExitCode
	_, err := runSession(t, ft, Options{}, func(s *Session) error {
		var execErr error
		code, execErr = s.ExecForCode("true")
		return execErr
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != ExitCodeUndefined {
		t.Errorf("exit code = %v, want undefined", code)
	}
}

func TestExecIgnoreCode(t *testing.T) {
	ft := scriptedTransport()
	ft.Expect("date\n", "date\r\nTue Aug  5 2026\r\n~~# ")

	var out string
	s, err := runSession(t, ft, Options{RetrieveExitCode: true}, func(s *Session) error {
		var execErr error
		out, execErr = s.ExecIgnoreCode("date")
		return execErr
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out, "Aug") {
		t.Errorf("output = %q", out)
	}
	if s.LastExitCode() != ExitCodeNone {
		t.Errorf("exit code = %v, want none", s.LastExitCode())
	}
}

func TestExecCommandTimeout(t *testing.T) {
	ft := scriptedTransport()
	// No response scripted for the command: the shell stays silent.

	var execErr error
	_, runErr := runSession(t, ft, Options{}, func(s *Session) error {
		_, execErr = s.Exec("sleep 9999", WithCommandTimeout(2*time.Second))
		return nil
	})
	if runErr != nil {
		t.Fatalf("Run: %v", runErr)
	}

	var ct *CommandTimeoutError
	if !errors.As(execErr, &ct) {
		t.Fatalf("expected CommandTimeoutError, got %v", execErr)
	}
}

func TestExecSilenceTimeoutAfterThreeNudges(t *testing.T) {
	ft := scriptedTransport()

	var execErr error
	_, runErr := runSession(t, ft, Options{}, func(s *Session) error {
		_, execErr = s.Exec("hang",
			WithSilenceTimeout(3*time.Second),
			WithCommandTimeout(time.Minute),
		)
		return nil
	})
	if runErr != nil {
		t.Fatalf("Run: %v", runErr)
	}

	var st *SilenceTimeoutError
	if !errors.As(execErr, &st) {
		t.Fatalf("expected SilenceTimeoutError, got %v", execErr)
	}

	// Three nudge line endings went out after the command itself.
	written := ft.Written()
	idx := strings.Index(written, "hang\n")
	if idx < 0 {
		t.Fatalf("command never written: %q", written)
	}
	if got := strings.Count(written[idx+len("hang\n"):], "\n"); got < 3 {
		t.Errorf("nudges written = %d, want at least 3", got)
	}
}

func TestExecNudgeProvokesOutput(t *testing.T) {
	ft := scriptedTransport()
	ft.Expect("slow\n", "slow\r\n")
	// The shell answers only after a nudge.
	ft.Expect("\n", "done\r\n~~# ")

	var out string
	_, err := runSession(t, ft, Options{}, func(s *Session) error {
		var execErr error
		out, execErr = s.Exec("slow", WithSilenceTimeout(3*time.Second))
		return execErr
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out, "done") {
		t.Errorf("output = %q", out)
	}
}

func TestExecTimeoutWithoutErrorReturnsRawCapture(t *testing.T) {
	ft := scriptedTransport()
	ft.Expect("stuck\n", "stuck\r\npartial output\r\n")

	var out string
	var code ExitCode
	_, err := runSession(t, ft, Options{}, func(s *Session) error {
		var execErr error
		out, execErr = s.Exec("stuck",
			WithCommandTimeout(time.Second),
			WithTimeoutError(false),
		)
		code = s.LastExitCode()
		return execErr
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out, "partial output") {
		t.Errorf("raw capture = %q", out)
	}
	if code != ExitCodeTimeout {
		t.Errorf("exit code = %v, want timeout", code)
	}
}

func TestExecMonitorReplyIsQueued(t *testing.T) {
	ft := scriptedTransport()
	ft.Expect("apt upgrade\n", "apt upgrade\r\nDo you want to continue? [Y/n] ")
	ft.Expect("Y\n", "Y\r\nupgraded\r\n~~# ")

	var out string
	_, err := runSession(t, ft, Options{}, func(s *Session) error {
		var execErr error
		out, execErr = s.Exec("apt upgrade",
			WithSilenceTimeout(0),
			WithMonitor(func(chunk string, kind Stream) string {
				if strings.Contains(chunk, "continue?") {
					return "Y"
				}
				return ""
			}),
		)
		return execErr
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out, "upgraded") {
		t.Errorf("output = %q", out)
	}
	if !strings.Contains(ft.Written(), "Y\n") {
		t.Errorf("monitor reply never written: %q", ft.Written())
	}
}

func TestExecRejectsEmbeddedNewline(t *testing.T) {
	ft := scriptedTransport()
	_, err := runSession(t, ft, Options{}, func(s *Session) error {
		_, execErr := s.Exec("line one\nline two")
		if execErr == nil {
			t.Error("embedded newline accepted")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestExecNotRunning(t *testing.T) {
	s := newBareSession(t, Options{Prompt: "~~#"})
	if _, err := s.Exec("ls"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("err = %v, want ErrNotRunning", err)
	}
}

func TestExecAfterRunIsSessionCompleted(t *testing.T) {
	ft := scriptedTransport()
	s, err := runSession(t, ft, Options{}, func(s *Session) error { return nil })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := s.Exec("ls"); !errors.Is(err, ErrSessionCompleted) {
		t.Errorf("err = %v, want ErrSessionCompleted", err)
	}
}

func TestExecTemporaryPromptScope(t *testing.T) {
	ft := scriptedTransport()
	ft.Expect("pfSsh.php\n", "pfSsh.php\r\nStarting the pfSense developer shell....\r\npfSense shell: ")
	ft.Expect("print_r($config);\n", "print_r($config);\r\nArray()\r\npfSense shell: ")
	ft.Expect("exit\n", "exit\r\n~~# ")

	var nested string
	_, err := runSession(t, ft, Options{}, func(s *Session) error {
		return s.TemporaryPrompt("pfSense shell:", func() error {
			if _, err := s.Exec("pfSsh.php"); err != nil {
				return err
			}
			var execErr error
			nested, execErr = s.Exec("print_r($config);")
			if execErr != nil {
				return execErr
			}
			return s.TemporaryPrompt("~~#", func() error {
				_, err := s.Exec("exit")
				return err
			})
		})
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(nested, "Array()") {
		t.Errorf("nested output = %q", nested)
	}
}

func TestExecUnbufferedEchoMode(t *testing.T) {
	// Devices needing echo-gated input present a prompt on connect; a
	// PS1 install would itself contain the prompt, so setup only waits.
	ft := faketransport.New()
	ft.OnConnect("login ok\r\n~~# ")
	for _, b := range []byte("id") {
		ft.Expect(string(b), string(b))
	}
	ft.Expect("\n", "\r\nuid=0(root)\r\n~~# ")

	var out string
	_, err := runSession(t, ft, Options{
		UnbufferedInput: UnbufferedEcho,
		Setup: func(s *Session) error {
			_, err := s.WaitForPrompt(0, 5*time.Second, true)
			return err
		},
	}, func(s *Session) error {
		var execErr error
		out, execErr = s.Exec("id", WithCommandIsEchoed(false))
		return execErr
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out, "uid=0(root)") {
		t.Errorf("output = %q", out)
	}

	// The whole command reached the transport through the echo-gated queue.
	if !strings.Contains(ft.Written(), "id\n") {
		t.Errorf("command never fully written: %q", ft.Written())
	}
}
