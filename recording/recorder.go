// Package recording provides session transcript recording in asciicast v2
// format. A recorder tees assembled output chunks through a session
// monitor.
// See: https://docs.asciinema.org/manual/asciicast/v2/
package recording

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/acolita/shellpilot/internal/adapters/realclock"
	"github.com/acolita/shellpilot/internal/ports"
	"github.com/acolita/shellpilot/session"
)

// Recorder records terminal I/O in asciicast v2 format.
type Recorder struct {
	mu        sync.Mutex
	w         io.Writer
	startTime time.Time
	closed    bool
	clock     ports.Clock
}

// Header is the asciicast v2 header.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is an asciicast v2 event [time, type, data].
type Event struct {
	Time float64 `json:"-"`
	Type string  `json:"-"`
	Data string  `json:"-"`
}

// MarshalJSON implements custom JSON marshaling for Event.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.Time, e.Type, e.Data})
}

// Options configures a recorder.
type Options struct {
	Width  int    // default 120
	Height int    // default 24
	Title  string // optional recording title
	Clock  ports.Clock
}

// NewRecorder creates a recorder writing asciicast events to w. The header
// is written immediately.
func NewRecorder(w io.Writer, opts Options) (*Recorder, error) {
	if opts.Width == 0 {
		opts.Width = 120
	}
	if opts.Height == 0 {
		opts.Height = 24
	}
	if opts.Clock == nil {
		opts.Clock = realclock.New()
	}

	r := &Recorder{
		w:         w,
		startTime: opts.Clock.Now(),
		clock:     opts.Clock,
	}

	header := Header{
		Version:   2,
		Width:     opts.Width,
		Height:    opts.Height,
		Timestamp: r.startTime.Unix(),
		Title:     opts.Title,
		Env: map[string]string{
			"SHELL": "/bin/bash",
			"TERM":  "dumb",
		},
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshal header: %w", err)
	}
	if _, err := w.Write(append(headerJSON, '\n')); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}

	return r, nil
}

// RecordOutput records output data (terminal -> user).
func (r *Recorder) RecordOutput(data string) error {
	return r.record("o", data)
}

// RecordInput records input data (user -> terminal).
// Note: use RecordMaskedInput for password inputs.
func (r *Recorder) RecordInput(data string) error {
	return r.record("i", data)
}

// RecordMaskedInput records input as masked (for passwords).
func (r *Recorder) RecordMaskedInput(length int) error {
	masked := make([]byte, length)
	for i := range masked {
		masked[i] = '*'
	}
	return r.record("i", string(masked))
}

// record writes an event to the recording.
func (r *Recorder) record(eventType, data string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	event := Event{
		Time: r.clock.Now().Sub(r.startTime).Seconds(),
		Type: eventType,
		Data: data,
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := r.w.Write(append(eventJSON, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Monitor returns a session monitor that tees every assembled chunk into
// the recording. It never replies.
func (r *Recorder) Monitor() session.Monitor {
	return func(chunk string, kind session.Stream) string {
		if err := r.RecordOutput(chunk); err != nil {
			return ""
		}
		return ""
	}
}

// Close stops recording; subsequent events are dropped. The underlying
// writer is closed when it is an io.Closer.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	if c, ok := r.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
