// Package expect provides declarative pattern/response scripts for
// automated prompt handling. A compiled script binds to a session as a
// monitor: whenever a step's pattern appears in the output, its response is
// sent, and the script advances.
package expect

import (
	"fmt"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/acolita/shellpilot/session"
)

// Action defines what to do when a pattern is matched.
type Action int

const (
	// ActionSend sends the response followed by the line ending. An
	// empty response sends a bare line ending (accept the default).
	ActionSend Action = iota
	// ActionSkip advances past the step without sending anything.
	ActionSkip
)

// Step defines a single expect step in a script.
type Step struct {
	// Name is a human-readable identifier for this step.
	Name string `yaml:"name" json:"name"`

	// Pattern is the regex pattern to match in the output.
	Pattern string `yaml:"pattern" json:"pattern"`

	// CompiledPattern is the compiled regex (set by Compile).
	CompiledPattern *regexp.Regexp `yaml:"-" json:"-"`

	// Response is the text to send when the pattern matches.
	Response string `yaml:"response" json:"response"`

	// Action defines how to handle the match (default: ActionSend).
	Action Action `yaml:"action" json:"action"`

	// Optional means the step may be skipped when a later step matches
	// first.
	Optional bool `yaml:"optional" json:"optional"`

	// Repeat allows matching this step multiple times.
	Repeat bool `yaml:"repeat" json:"repeat"`

	// MaxRepeats limits how many times a repeating step can match
	// (0 = unlimited).
	MaxRepeats int `yaml:"max_repeats" json:"max_repeats"`
}

// Script defines a complete expect script.
type Script struct {
	// Name is the script identifier.
	Name string `yaml:"name" json:"name"`

	// Description explains what this script does.
	Description string `yaml:"description" json:"description"`

	// Steps are the expect steps, matched in order.
	Steps []Step `yaml:"steps" json:"steps"`
}

// LoadScript parses a YAML script definition and compiles its patterns.
func LoadScript(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse expect script: %w", err)
	}
	if err := s.Compile(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Compile compiles all step patterns.
func (s *Script) Compile() error {
	for i := range s.Steps {
		if s.Steps[i].Pattern == "" {
			return fmt.Errorf("step %q has no pattern", s.Steps[i].Name)
		}
		re, err := regexp.Compile(s.Steps[i].Pattern)
		if err != nil {
			return fmt.Errorf("step %q: %w", s.Steps[i].Name, err)
		}
		s.Steps[i].CompiledPattern = re
	}
	return nil
}

// maxTailLen bounds the rolling match buffer; prompts appear near the tail.
const maxTailLen = 4096

// runner is the per-binding state of a script.
type runner struct {
	mu      sync.Mutex
	s       *session.Session
	steps   []Step
	idx     int
	repeats int
	tail    string
}

// Bind compiles the script's state into a session monitor. The returned
// monitor may be installed per call (session.WithMonitor) or as the
// session-wide monitor (session.Options.Monitor).
func (s *Script) Bind(sess *session.Session) (session.Monitor, error) {
	for i := range s.Steps {
		if s.Steps[i].CompiledPattern == nil {
			if err := s.Compile(); err != nil {
				return nil, err
			}
			break
		}
	}

	r := &runner{s: sess, steps: s.Steps}
	return r.onChunk, nil
}

// onChunk is the monitor callback: accumulate output, try the current step
// (and any reachable later step across optional ones), and emit a reply.
func (r *runner) onChunk(chunk string, kind session.Stream) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tail += chunk
	if len(r.tail) > maxTailLen {
		r.tail = r.tail[len(r.tail)-maxTailLen:]
	}

	for r.idx < len(r.steps) {
		stepIdx, loc := r.findMatch()
		if loc == nil {
			return ""
		}

		// Consume the matched text so a repeating step needs fresh
		// output to fire again.
		r.tail = r.tail[loc[1]:]

		if stepIdx != r.idx {
			r.idx = stepIdx
			r.repeats = 0
		}
		step := r.steps[r.idx]
		r.repeats++

		if !step.Repeat || (step.MaxRepeats > 0 && r.repeats >= step.MaxRepeats) {
			r.idx++
			r.repeats = 0
		}

		switch step.Action {
		case ActionSkip:
			continue
		default:
			if step.Response == "" {
				// Accept the default by sending a bare line
				// ending; the monitor contract cannot queue an
				// empty reply.
				r.s.Queue([]byte(r.s.Options().LineEnding))
				continue
			}
			return step.Response
		}
	}
	return ""
}

// findMatch locates the first step matching the tail, starting at the
// current step and walking forward only across optional steps.
func (r *runner) findMatch() (int, []int) {
	for j := r.idx; j < len(r.steps); j++ {
		if loc := r.steps[j].CompiledPattern.FindStringIndex(r.tail); loc != nil {
			return j, loc
		}
		if !r.steps[j].Optional {
			break
		}
	}
	return 0, nil
}
