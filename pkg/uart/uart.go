// Package uart opens and raw-configures a UART device for the DCE and DTE
// roles described in spec.md §4.2. It wraps go.bug.st/serial, which already
// does the termios-level work of putting a POSIX serial device into 8N1
// with no flow control; this package adds the baud allow-list and the
// poll-with-deadline read shape the link proxy's RX loop needs.
package uart

import (
	"errors"
	"fmt"
	"time"

	"go.bug.st/serial"
)

// ErrFatal wraps an I/O error from a UART that the caller should treat as
// unrecoverable: spec.md §4.3 requires the owning link proxy terminate,
// publish oper_state=down, and let the supervisor decide whether to
// restart.
var ErrFatal = errors.New("uart: fatal i/o error")

// ErrUnsupportedBaud is returned when the requested baud rate is not on the
// allow-list in spec.md §4.2.
var ErrUnsupportedBaud = errors.New("uart: unsupported baud rate")

// allowedBaud is the small allow-list spec.md §4.2 calls for.
var allowedBaud = map[int]bool{
	9600:   true,
	19200:  true,
	38400:  true,
	57600:  true,
	115200: true,
}

// ValidateBaud reports whether rate is on the allow-list.
func ValidateBaud(rate int) error {
	if !allowedBaud[rate] {
		return fmt.Errorf("%w: %d", ErrUnsupportedBaud, rate)
	}
	return nil
}

// pollDeadline is how long a Read blocks before returning zero bytes with a
// nil error, giving the caller a chance to check its quiescence timer and
// its shutdown flag. spec.md §4.3 calls this "a poll that wakes on either
// readability or a 0.5 s deadline".
const pollDeadline = 500 * time.Millisecond

// Port is one opened, raw-configured UART.
type Port struct {
	name string
	baud int
	port serial.Port
}

// Open opens devicePath at baud, 8N1, no flow control, and configures a
// 0.5 s read deadline so RX loops can interleave quiescence handling with
// blocking reads.
func Open(devicePath string, baud int) (*Port, error) {
	if err := ValidateBaud(baud); err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	sp, err := serial.Open(devicePath, mode)
	if err != nil {
		return nil, fmt.Errorf("uart: open %s: %w", devicePath, err)
	}
	if err := sp.SetReadTimeout(pollDeadline); err != nil {
		sp.Close()
		return nil, fmt.Errorf("uart: set read timeout on %s: %w", devicePath, err)
	}

	return &Port{name: devicePath, baud: baud, port: sp}, nil
}

// Name returns the device path this Port was opened against.
func (p *Port) Name() string { return p.name }

// Baud returns the configured baud rate.
func (p *Port) Baud() int { return p.baud }

// Read blocks for up to the poll deadline. n==0, err==nil means the
// deadline elapsed with nothing to read — the caller should treat this as
// a quiescence tick, not an error.
func (p *Port) Read(buf []byte) (int, error) {
	n, err := p.port.Read(buf)
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrFatal, err)
	}
	return n, nil
}

// Write retries partial writes until the full buffer is sent or the port
// returns a fatal error, per spec.md §4.3 ("short writes are retried until
// the full buffer is sent or the UART returns a fatal error").
func (p *Port) Write(buf []byte) error {
	for len(buf) > 0 {
		n, err := p.port.Write(buf)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrFatal, err)
		}
		buf = buf[n:]
	}
	return nil
}

// Close releases the underlying device.
func (p *Port) Close() error {
	return p.port.Close()
}
