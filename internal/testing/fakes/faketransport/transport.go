// Package faketransport provides a scripted Transport implementation for
// testing session logic without real shells.
package faketransport

import (
	"bytes"
	"strings"
	"sync"
	"time"

	"github.com/acolita/shellpilot/transport"
)

// Transport is a fake transport driven by an ordered expect/respond script.
// Each Write is matched against the head of the script; when the written
// stream contains the expected substring, the scripted response is
// delivered synchronously through the registered stdout (or stderr)
// callback.
type Transport struct {
	mu         sync.Mutex
	connected  bool
	closed     bool
	connectErr error
	writeErr   error
	stdout     func(data []byte)
	stderr     func(data []byte)
	written    bytes.Buffer
	pending    string
	script     []rule
	onConnect  []string
	wake       chan struct{}
}

type rule struct {
	expect   string
	response string
	toStderr bool
}

// New creates a new fake transport.
func New() *Transport {
	return &Transport{wake: make(chan struct{}, 1)}
}

// Expect queues a rule: once the written stream contains substr, response
// is delivered on stdout.
func (t *Transport) Expect(substr, response string) *Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.script = append(t.script, rule{expect: substr, response: response})
	return t
}

// ExpectStderr is Expect with the response delivered on stderr.
func (t *Transport) ExpectStderr(substr, response string) *Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.script = append(t.script, rule{expect: substr, response: response, toStderr: true})
	return t
}

// OnConnect queues chunks delivered on stdout as soon as Connect succeeds.
func (t *Transport) OnConnect(chunks ...string) *Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onConnect = append(t.onConnect, chunks...)
	return t
}

// SetConnectErr makes Connect fail.
func (t *Transport) SetConnectErr(err error) *Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectErr = err
	return t
}

// SetWriteErr makes subsequent Writes fail.
func (t *Transport) SetWriteErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeErr = err
}

// FeedStdout injects a chunk as if the remote side had produced it.
func (t *Transport) FeedStdout(data string) {
	t.mu.Lock()
	fn := t.stdout
	t.mu.Unlock()
	if fn != nil {
		fn([]byte(data))
	}
	t.notify()
}

// FeedStderr injects a chunk on the error stream.
func (t *Transport) FeedStderr(data string) {
	t.mu.Lock()
	fn := t.stderr
	t.mu.Unlock()
	if fn != nil {
		fn([]byte(data))
	}
	t.notify()
}

// Deactivate simulates the remote side dropping the connection.
func (t *Transport) Deactivate() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.notify()
}

// Written returns everything written to the transport so far.
func (t *Transport) Written() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.written.String()
}

// Connect implements transport.Transport.
func (t *Transport) Connect() error {
	t.mu.Lock()
	if t.connectErr != nil {
		err := t.connectErr
		t.mu.Unlock()
		return err
	}
	t.connected = true
	initial := t.onConnect
	t.onConnect = nil
	fn := t.stdout
	t.mu.Unlock()

	for _, chunk := range initial {
		if fn != nil {
			fn([]byte(chunk))
		}
	}
	t.notify()
	return nil
}

// Disconnect implements transport.Transport.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.notify()
	return nil
}

// Active implements transport.Transport.
func (t *Transport) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && !t.closed
}

// Write implements transport.Transport. Matched script rules fire their
// responses before Write returns, so tests run without real I/O delays.
func (t *Transport) Write(p []byte) error {
	t.mu.Lock()
	if t.writeErr != nil {
		err := t.writeErr
		t.mu.Unlock()
		return err
	}
	t.written.Write(p)
	t.pending += string(p)

	type delivery struct {
		data     string
		toStderr bool
	}
	var fired []delivery
	for len(t.script) > 0 {
		head := t.script[0]
		idx := strings.Index(t.pending, head.expect)
		if idx < 0 {
			break
		}
		t.pending = t.pending[idx+len(head.expect):]
		t.script = t.script[1:]
		fired = append(fired, delivery{data: head.response, toStderr: head.toStderr})
	}
	stdout, stderr := t.stdout, t.stderr
	t.mu.Unlock()

	for _, d := range fired {
		if d.toStderr {
			if stderr != nil {
				stderr([]byte(d.data))
			}
		} else if stdout != nil {
			stdout([]byte(d.data))
		}
	}
	if len(fired) > 0 {
		t.notify()
	}
	return nil
}

// RegisterStdout implements transport.Transport.
func (t *Transport) RegisterStdout(fn func(data []byte)) {
	t.mu.Lock()
	t.stdout = fn
	t.mu.Unlock()
}

// RegisterStderr implements transport.Transport.
func (t *Transport) RegisterStderr(fn func(data []byte)) {
	t.mu.Lock()
	t.stderr = fn
	t.mu.Unlock()
}

// IOStep implements transport.Transport.
func (t *Transport) IOStep(body func() bool) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-t.wake:
		case <-ticker.C:
		}
		if !body() {
			return
		}
	}
}

// Wake unblocks the current IOStep iteration early.
func (t *Transport) Wake() {
	t.notify()
}

func (t *Transport) notify() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

var _ transport.Transport = (*Transport)(nil)
