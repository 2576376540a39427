// Package pfsense drives the pfSense serial/SSH console, whose session
// begins at a numbered text menu rather than a shell prompt. Setup parses
// the menu, selects the shell entry, waits for the console prompt of the
// form [version][user@host]/path:, then installs a regular prompt and
// proceeds like any other shell. A nested PHP interpreter is reachable
// through Php.
package pfsense

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/acolita/shellpilot/session"
	"github.com/acolita/shellpilot/transport"
)

// ErrRestartNow may be returned from a user script to reboot the device
// instead of logging out: the dialect's exception hook swaps the quit
// command to /sbin/reboot and marks the error handled.
var ErrRestartNow = errors.New("restart now")

const (
	// phpShellCommand starts the pfSense developer shell.
	phpShellCommand = "/usr/local/sbin/pfSsh.php"

	// phpPrompt is the developer shell's prompt.
	phpPrompt = "pfSense shell:"

	// DefaultMenuOption is the console menu label selected during setup.
	DefaultMenuOption = "Shell"

	menuTimeout = 30 * time.Second
)

var (
	// menuPromptRE matches the tail of the console menu.
	menuPromptRE = regexp.MustCompile(`Enter an option:`)

	// consolePromptRE matches the console prompt and captures version,
	// user, host, and working directory.
	consolePromptRE = regexp.MustCompile(`\[([^\]]+)\]\[([^@\]]+)@([^\]]+)\]([^:\n]*):`)

	// menuItemRE matches one numbered entry; pfSense prints them in two
	// columns per line.
	menuItemRE = regexp.MustCompile(`(\d+)\)\s+`)
)

// Options configures the dialect.
type Options struct {
	// Session carries the engine options. Setup and Hooks are filled in
	// by the dialect.
	Session session.Options

	// MenuOption is the menu label to select; default "Shell".
	MenuOption string
}

// Dialect wraps a session that talks to a pfSense console.
type Dialect struct {
	s          *session.Session
	menuOption string

	version string
	user    string
	host    string
}

// New builds a session for the given transport with the pfSense setup and
// exception hook installed.
func New(tr transport.Transport, opts Options) (*Dialect, error) {
	d := &Dialect{menuOption: opts.MenuOption}
	if d.menuOption == "" {
		d.menuOption = DefaultMenuOption
	}

	so := opts.Session
	hooks := session.NewRegistry(so.Hooks)
	hooks.On(session.HookOnException, d.handleRestart)
	so.Hooks = hooks
	so.Setup = d.setup

	s, err := session.New(tr, so)
	if err != nil {
		return nil, err
	}
	d.s = s
	return d, nil
}

// Session returns the wrapped session.
func (d *Dialect) Session() *session.Session { return d.s }

// Run executes the script against the console.
func (d *Dialect) Run(script func(s *session.Session) error) error {
	return d.s.Run(script)
}

// Version returns the firmware version extracted from the console prompt.
func (d *Dialect) Version() string { return d.version }

// User returns the login user extracted from the console prompt.
func (d *Dialect) User() string { return d.user }

// Host returns the hostname extracted from the console prompt.
func (d *Dialect) Host() string { return d.host }

// setup replaces the session's default prompt install: wait for the menu,
// select the shell entry, parse the console prompt, then install PS1.
func (d *Dialect) setup(s *session.Session) error {
	err := s.TemporaryPromptRegexp(menuPromptRE, func() error {
		_, werr := s.WaitForPrompt(menuTimeout, menuTimeout, true)
		return werr
	})
	if err != nil {
		return fmt.Errorf("%w: console menu never appeared: %v", session.ErrFailedToSetPrompt, err)
	}

	entries := parseMenu(s.CombinedOutput())
	option, ok := selectEntry(entries, d.menuOption)
	if !ok {
		return fmt.Errorf("%w: menu has no entry matching %q", session.ErrFailedToSetPrompt, d.menuOption)
	}

	err = s.TemporaryPromptRegexp(consolePromptRE, func() error {
		_, eerr := s.Exec(option,
			session.WithCommandIsEchoed(false),
			session.WithGetOutput(false),
			session.WithCommandTimeout(menuTimeout),
		)
		return eerr
	})
	if err != nil {
		return fmt.Errorf("%w: console prompt never appeared: %v", session.ErrFailedToSetPrompt, err)
	}

	if m := lastMatch(consolePromptRE, s.CombinedOutput()); m != nil {
		d.version, d.user, d.host = m[1], m[2], m[3]
	}

	return s.SetupPrompt()
}

// handleRestart is the on_exception hook handling ErrRestartNow.
func (d *Dialect) handleRestart(s *session.Session, args ...any) error {
	if len(args) == 0 {
		return nil
	}
	cause, ok := args[0].(error)
	if !ok || !errors.Is(cause, ErrRestartNow) {
		return nil
	}
	s.ChangeQuit("/sbin/reboot")
	return session.ErrHookBreak
}

// Interp executes statements inside the nested PHP interpreter.
type Interp struct {
	s *session.Session
}

// Exec runs one statement in the interpreter and returns its output.
func (p *Interp) Exec(code string) (string, error) {
	return p.s.Exec(code)
}

// Php enters the pfSense developer shell, runs fn against the nested
// interpreter, and leaves it again. The interpreter prompt is scoped with a
// temporary prompt; the exit is issued expecting the shell prompt back.
func (d *Dialect) Php(fn func(php *Interp) error) error {
	shellPrompt := d.s.Prompt()
	return d.s.TemporaryPrompt(phpPrompt, func() error {
		if _, err := d.s.Exec(phpShellCommand); err != nil {
			return fmt.Errorf("start php shell: %w", err)
		}

		fnErr := fn(&Interp{s: d.s})

		exitErr := d.s.TemporaryPrompt(shellPrompt, func() error {
			_, err := d.s.Exec("exit")
			return err
		})

		if fnErr != nil {
			return fnErr
		}
		if exitErr != nil {
			return fmt.Errorf("leave php shell: %w", exitErr)
		}
		return nil
	})
}

// parseMenu extracts label -> option number pairs from the numbered menu.
// Entries may share a line (two-column layout).
func parseMenu(text string) map[string]string {
	entries := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		locs := menuItemRE.FindAllStringSubmatchIndex(line, -1)
		for i, loc := range locs {
			num := line[loc[2]:loc[3]]
			end := len(line)
			if i+1 < len(locs) {
				end = locs[i+1][0]
			}
			label := strings.TrimSpace(line[loc[1]:end])
			if label != "" {
				entries[label] = num
			}
		}
	}
	return entries
}

// selectEntry finds the option number whose label matches wanted, exactly
// first, then by substring.
func selectEntry(entries map[string]string, wanted string) (string, bool) {
	if num, ok := entries[wanted]; ok {
		return num, true
	}
	for label, num := range entries {
		if strings.Contains(label, wanted) {
			return num, true
		}
	}
	return "", false
}

// lastMatch returns the rightmost submatch of re in text.
func lastMatch(re *regexp.Regexp, text string) []string {
	all := re.FindAllStringSubmatch(text, -1)
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}
