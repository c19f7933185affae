// Package linkproxy implements the per-link RX/TX proxy of spec.md §4.3:
// one UART fd, one PTY master fd, one frame.Filter, wired so user bytes
// flow to the PTY and decoded heartbeats reach the liveness tracker, while
// PTY->UART traffic passes through unfiltered.
package linkproxy

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/consolelink/linkmond/pkg/config"
	"github.com/consolelink/linkmond/pkg/frame"
	"github.com/consolelink/linkmond/pkg/liveness"
	"github.com/consolelink/linkmond/pkg/ptyalloc"
	"github.com/consolelink/linkmond/pkg/uart"
)

// readWriter is the minimal surface Proxy needs from each endpoint; both
// *uart.Port and the PTY master *os.File (via ptyEndpoint below) satisfy
// it, and tests supply in-memory fakes.
type readWriter interface {
	Read([]byte) (int, error)
	Close() error
}

// uartEndpoint is the UART side: Write retries short writes internally and
// reports a fatal error, never a short count.
type uartEndpoint interface {
	readWriter
	Write([]byte) error
}

// ptyEndpoint is the PTY master side: plain os.File semantics (possibly
// short Write, possible deadline).
type ptyEndpoint interface {
	readWriter
	Write([]byte) (int, error)
	SetReadDeadline(time.Time) error
}

// pollDeadline matches uart.Port's own read deadline so both RX loops tick
// their quiescence/shutdown checks at the same cadence (spec.md §4.3).
const pollDeadline = 500 * time.Millisecond

// Proxy owns the two goroutines and shared state for one link.
type Proxy struct {
	id config.LinkID

	uartPort uartEndpoint
	ptyPair  ptyEndpoint
	filter   *frame.Filter
	tracker  *liveness.Tracker

	log *log.Logger

	stopping atomic.Bool
	stopCh   chan struct{}
	wg       sync.WaitGroup

	// closeFn fully tears down the underlying device handles (UART,
	// PTY pair, symlink). Separated from Stop's fd-close-to-unblock
	// trick so Stop can be called exactly once from outside while the
	// goroutines each close only what they own.
	closeFn func()
}

// New opens the UART and PTY pair for cfg and wires a fresh frame.Filter
// between them, registering id with tracker.
func New(id config.LinkID, cfg config.LinkConfig, symlinkPath string, tracker *liveness.Tracker) (*Proxy, error) {
	up, err := uart.Open(cfg.RemoteDeviceName, cfg.BaudRate)
	if err != nil {
		return nil, err
	}
	pair, err := ptyalloc.Open(symlinkPath, cfg.BaudRate)
	if err != nil {
		up.Close()
		return nil, err
	}

	p := newProxy(id, up, pair.Master, tracker)
	p.closeFn = func() {
		up.Close()
		pair.Close()
	}
	return p, nil
}

// newProxy wires a Proxy around already-open endpoints; used by New and,
// with fakes, by tests.
func newProxy(id config.LinkID, up uartEndpoint, pair ptyEndpoint, tracker *liveness.Tracker) *Proxy {
	filter := frame.NewFilter()
	p := &Proxy{
		id:       id,
		uartPort: up,
		ptyPair:  pair,
		filter:   filter,
		tracker:  tracker,
		log:      log.WithPrefix("linkproxy").With("link", id),
		stopCh:   make(chan struct{}),
	}

	filter.OnUserBytes = func(b []byte) {
		if err := p.writePTY(b); err != nil {
			p.log.Warn("pty write failed", "err", err)
		}
	}
	filter.OnFrame = func(fr *frame.Frame) {
		if fr.Type == frame.TypeHeartbeat {
			tracker.Heartbeat(id, time.Now())
		}
	}

	tracker.Register(id)
	return p
}

// writePTY retries a short write to the PTY master until the full buffer
// is sent. Backpressure from a slow/absent reader on the slave side is
// accepted (spec.md §4.3): this can block, stalling only this link's own
// UART RX loop, never the heartbeat path of other links.
func (p *Proxy) writePTY(b []byte) error {
	for len(b) > 0 {
		n, err := p.ptyPair.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// Run starts the UART->PTY and PTY->UART goroutines and blocks until both
// exit (either from Stop or a fatal I/O error).
func (p *Proxy) Run() {
	p.wg.Add(2)
	go p.uartToPTY()
	go p.ptyToUART()
	p.wg.Wait()
}

// requestShutdown marks the proxy as stopping and closes both endpoints so
// any goroutine blocked in Read unblocks with an error it will recognize as
// a clean shutdown (spec.md §5). Safe to call from either RX goroutine
// (a fatal I/O error on one side tears down the whole link, per Run's
// contract) or from Stop; only the first caller acts.
func (p *Proxy) requestShutdown() {
	if !p.stopping.CompareAndSwap(false, true) {
		return
	}
	close(p.stopCh)
	if p.closeFn != nil {
		p.closeFn()
	} else {
		p.uartPort.Close()
		p.ptyPair.Close()
	}
}

// Stop requests shutdown, waits for both goroutines to exit, then
// unregisters from the tracker.
func (p *Proxy) Stop() {
	p.requestShutdown()
	p.wg.Wait()
	p.tracker.Unregister(p.id)
}

func (p *Proxy) uartToPTY() {
	defer p.wg.Done()
	buf := make([]byte, 256)

	for {
		n, err := p.uartPort.Read(buf)
		if err != nil {
			if p.stopping.Load() {
				return
			}
			if errors.Is(err, uart.ErrFatal) {
				p.log.Error("uart read failed, terminating proxy", "err", err)
				p.tracker.MarkDown(p.id)
				p.requestShutdown()
			}
			return
		}
		if n == 0 {
			p.filter.Timeout()
		} else {
			for i := 0; i < n; i++ {
				p.filter.PushByte(buf[i])
			}
		}

		select {
		case <-p.stopCh:
			return
		default:
		}
	}
}

func (p *Proxy) ptyToUART() {
	defer p.wg.Done()
	buf := make([]byte, 256)

	for {
		p.ptyPair.SetReadDeadline(time.Now().Add(pollDeadline))
		n, err := p.ptyPair.Read(buf)
		if err != nil {
			if p.stopping.Load() {
				return
			}
			if isTimeout(err) {
				select {
				case <-p.stopCh:
					return
				default:
					continue
				}
			}
			// No one has the slave open; keep polling rather than
			// terminating the whole proxy (spec.md §4.3).
			select {
			case <-p.stopCh:
				return
			default:
				continue
			}
		}
		if n > 0 {
			if werr := p.uartPort.Write(buf[:n]); werr != nil {
				if p.stopping.Load() {
					return
				}
				p.log.Error("uart write failed, terminating proxy", "err", werr)
				p.tracker.MarkDown(p.id)
				p.requestShutdown()
				return
			}
		}

		select {
		case <-p.stopCh:
			return
		default:
		}
	}
}

type timeouter interface {
	Timeout() bool
}

func isTimeout(err error) bool {
	var t timeouter
	return errors.As(err, &t) && t.Timeout()
}
