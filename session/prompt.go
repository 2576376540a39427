package session

import (
	"fmt"
	"regexp"
	"strings"
)

// maxPromptLen bounds the sanitized prompt length.
const maxPromptLen = 128

// promptPattern is the compiled form of a prompt: a tail matcher anchored at
// end-of-buffer tolerating trailing spaces and tabs, and an unanchored
// finder used to split inbound chunks and to locate the echo line.
type promptPattern struct {
	tail   *regexp.Regexp
	finder *regexp.Regexp
}

// promptSubstitutions maps shell-hostile prompt characters to safe ones.
// Quotes are dropped entirely so the prompt can be single-quoted in a PS1
// assignment.
var promptSubstitutions = map[rune]string{
	'!':  ".",
	'$':  "S",
	'\\': "-",
	'/':  "-",
	'"':  "",
	'\'': "",
}

// sanitizePrompt substitutes characters that would break prompt installation
// or matching. An empty result falls back to DefaultPrompt.
func sanitizePrompt(prompt string) string {
	var b strings.Builder
	for _, r := range prompt {
		if sub, ok := promptSubstitutions[r]; ok {
			b.WriteString(sub)
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if out == "" {
		return DefaultPrompt
	}
	return out
}

// compilePromptString sanitizes and compiles a literal prompt.
func compilePromptString(prompt string) (string, promptPattern, error) {
	sanitized := sanitizePrompt(prompt)
	if len(sanitized) > maxPromptLen {
		return "", promptPattern{}, ErrPromptTooLong
	}
	quoted := regexp.QuoteMeta(sanitized)
	pat := promptPattern{
		tail:   regexp.MustCompile(quoted + `[ \t]*\z`),
		finder: regexp.MustCompile(quoted),
	}
	return sanitized, pat, nil
}

// compilePromptRegexp wraps a caller-provided prompt regex into a pattern.
func compilePromptRegexp(re *regexp.Regexp) (promptPattern, error) {
	tail, err := regexp.Compile(`(?:` + re.String() + `)[ \t]*\z`)
	if err != nil {
		return promptPattern{}, fmt.Errorf("anchor prompt regexp: %w", err)
	}
	return promptPattern{tail: tail, finder: re}, nil
}

// Prompt returns the sanitized prompt string currently configured.
func (s *Session) Prompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.promptString
}

// TemporaryPrompt installs a literal prompt for the duration of fn and
// restores the previous pattern on all exit paths. Dialects use this when
// they temporarily expect a different prompt, such as entering a nested
// interpreter.
func (s *Session) TemporaryPrompt(prompt string, fn func() error) error {
	str, pat, err := compilePromptString(prompt)
	if err != nil {
		return err
	}
	return s.withPrompt(str, pat, fn)
}

// TemporaryPromptRegexp installs a caller-provided prompt regex for the
// duration of fn and restores the previous pattern on all exit paths.
func (s *Session) TemporaryPromptRegexp(re *regexp.Regexp, fn func() error) error {
	pat, err := compilePromptRegexp(re)
	if err != nil {
		return err
	}
	return s.withPrompt(re.String(), pat, fn)
}

func (s *Session) withPrompt(str string, pat promptPattern, fn func() error) error {
	s.mu.Lock()
	prevStr, prevPat := s.promptString, s.prompt
	s.promptString, s.prompt = str, pat
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.promptString, s.prompt = prevStr, prevPat
		s.mu.Unlock()
	}()

	return fn()
}

// findLastIndex returns the start index of the rightmost match of re in
// text, or -1.
func findLastIndex(re *regexp.Regexp, text string) int {
	locs := re.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return -1
	}
	return locs[len(locs)-1][0]
}
