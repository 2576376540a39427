package transport

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"go.bug.st/serial"
)

// SerialOptions configures the serial transport. The defaults give the
// common 115200 8-N-1 console setup.
type SerialOptions struct {
	Path     string // device path, required (e.g. /dev/ttyUSB0)
	Speed    int    // baud rate, default 115200
	DataBits int    // default 8
	Parity   string // none, odd, or even; default none
	StopBits int    // 1 or 2, default 1
}

// Serial is a Transport over a serial port. A dedicated reader goroutine
// delivers inbound bytes; there is no separate error stream.
type Serial struct {
	pump
	opts SerialOptions

	portMu sync.Mutex
	port   serial.Port
	closed bool
}

// NewSerial validates the options and returns an unconnected serial
// transport.
func NewSerial(opts SerialOptions) (*Serial, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("path is required")
	}
	if opts.Speed == 0 {
		opts.Speed = 115200
	}
	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.Parity == "" {
		opts.Parity = "none"
	}
	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if _, err := parityMode(opts.Parity); err != nil {
		return nil, err
	}
	if _, err := stopBitsMode(opts.StopBits); err != nil {
		return nil, err
	}

	return &Serial{pump: newPump(), opts: opts}, nil
}

func parityMode(parity string) (serial.Parity, error) {
	switch strings.ToLower(parity) {
	case "none":
		return serial.NoParity, nil
	case "odd":
		return serial.OddParity, nil
	case "even":
		return serial.EvenParity, nil
	default:
		return serial.NoParity, fmt.Errorf("parity must be none, odd, or even, got %q", parity)
	}
}

func stopBitsMode(bits int) (serial.StopBits, error) {
	switch bits {
	case 1:
		return serial.OneStopBit, nil
	case 2:
		return serial.TwoStopBits, nil
	default:
		return serial.OneStopBit, fmt.Errorf("stop bits must be 1 or 2, got %d", bits)
	}
}

// Connect opens the device and starts the reader goroutine.
func (t *Serial) Connect() error {
	t.portMu.Lock()
	defer t.portMu.Unlock()

	if t.port != nil {
		return nil
	}

	parity, _ := parityMode(t.opts.Parity)
	stopBits, _ := stopBitsMode(t.opts.StopBits)
	mode := &serial.Mode{
		BaudRate: t.opts.Speed,
		DataBits: t.opts.DataBits,
		Parity:   parity,
		StopBits: stopBits,
	}

	port, err := serial.Open(t.opts.Path, mode)
	if err != nil {
		return fmt.Errorf("open serial port %s: %w", t.opts.Path, err)
	}

	t.port = port
	t.closed = false
	go t.readLoop(port)
	return nil
}

func (t *Serial) readLoop(port serial.Port) {
	buf := make([]byte, 4096)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			t.deliverStdout(data)
		}
		if err != nil {
			if err != io.EOF {
				slog.Debug("serial read", slog.String("error", err.Error()))
			}
			t.portMu.Lock()
			t.closed = true
			t.portMu.Unlock()
			t.notify()
			return
		}
	}
}

// Disconnect implements Transport.
func (t *Serial) Disconnect() error {
	t.portMu.Lock()
	defer t.portMu.Unlock()

	t.closed = true
	if t.port != nil {
		err := t.port.Close()
		t.port = nil
		return err
	}
	return nil
}

// Active implements Transport.
func (t *Serial) Active() bool {
	t.portMu.Lock()
	defer t.portMu.Unlock()
	return t.port != nil && !t.closed
}

// Write implements Transport.
func (t *Serial) Write(p []byte) error {
	t.portMu.Lock()
	port := t.port
	closed := t.closed
	t.portMu.Unlock()

	if port == nil || closed {
		return fmt.Errorf("serial transport not connected")
	}
	if _, err := port.Write(p); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}

var _ Transport = (*Serial)(nil)
