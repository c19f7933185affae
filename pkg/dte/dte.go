// Package dte implements the DTE Sender of spec.md §4.6: the peer on the
// managed-device side of the link, which periodically emits a heartbeat
// frame on the UART so the DCE Supervisor's liveness tracker sees it as up.
package dte

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/consolelink/linkmond/pkg/frame"
	"github.com/consolelink/linkmond/pkg/uart"
)

// HeartbeatInterval is how often a frame is sent while enabled.
const HeartbeatInterval = 5 * time.Second

// pollInterval bounds how long a Sender waits before re-checking
// EnabledFunc when no change notification arrives.
const pollInterval = 1 * time.Second

// Opener opens the UART device by path and baud rate. Production code
// passes uart.Open; tests substitute a fake that never touches a real
// device.
type Opener func(devicePath string, baud int) (Port, error)

// Port is the minimal UART surface the Sender needs.
type Port interface {
	Write([]byte) error
	Close() error
}

// EnabledFunc reports the current value of
// CONSOLE_SWITCH|controlled_device.enabled. The Sender polls it rather than
// holding its own subscription, keeping the store dependency out of this
// package entirely.
type EnabledFunc func() (bool, error)

// Sender owns the DTE side of one link: it opens the UART only while
// enabled (spec.md §9 Open Question: released while disabled, so another
// process, e.g. a getty, can use the same device) and emits one heartbeat
// frame every HeartbeatInterval.
type Sender struct {
	devicePath string
	baudRate   int
	open       Opener
	enabled    EnabledFunc
	log        *log.Logger

	mu   sync.Mutex
	seq  byte
	port Port

	// heartbeatInterval/pollInterval default to HeartbeatInterval and the
	// package pollInterval; tests shrink them to avoid real-time waits.
	heartbeatInterval time.Duration
	pollInterval      time.Duration

	// changes, when non-nil, wakes the run loop immediately on a config
	// change notification instead of waiting for the next poll tick; the
	// poll tick remains as a fallback so a missed/dropped notification
	// self-heals within pollInterval (spec.md §5: "one DTE config-watcher
	// goroutine" — folded into this same loop rather than a second one,
	// since both react to the same single piece of state).
	changes <-chan struct{}

	stop chan struct{}
	done chan struct{}
}

// New constructs a Sender for devicePath at baudRate, using open to acquire
// the UART and enabled to poll the live/disabled switch.
func New(devicePath string, baudRate int, open Opener, enabled EnabledFunc) *Sender {
	return &Sender{
		devicePath:        devicePath,
		baudRate:          baudRate,
		open:              open,
		enabled:           enabled,
		log:               log.WithPrefix("dte"),
		heartbeatInterval: HeartbeatInterval,
		pollInterval:      pollInterval,
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
	}
}

// NewWithUART is the production constructor, backed by a real uart.Port.
func NewWithUART(devicePath string, baudRate int, enabled EnabledFunc) *Sender {
	return New(devicePath, baudRate, func(path string, baud int) (Port, error) {
		return uart.Open(path, baud)
	}, enabled)
}

// WatchChanges arms an immediate-wake channel (e.g. from
// store.Client.SubscribeKeyspace on CONSOLE_SWITCH|controlled_device) so a
// config change is reflected before the next poll tick.
func (s *Sender) WatchChanges(changes <-chan struct{}) {
	s.changes = changes
}

// Run watches the enable switch and sends heartbeats until Stop is called.
func (s *Sender) Run() {
	defer close(s.done)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	heartbeat := time.NewTicker(s.heartbeatInterval)
	defer heartbeat.Stop()

	s.reconcileEnabled()

	for {
		select {
		case <-s.stop:
			s.releasePort()
			return
		case <-ticker.C:
			s.reconcileEnabled()
		case <-s.changes:
			s.reconcileEnabled()
		case <-heartbeat.C:
			s.sendHeartbeat()
		}
	}
}

// Stop requests shutdown and waits for Run to return, releasing the UART if
// held.
func (s *Sender) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Sender) reconcileEnabled() {
	on, err := s.enabled()
	if err != nil {
		s.log.Warn("failed to read enable switch", "err", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if on && s.port == nil {
		port, err := s.open(s.devicePath, s.baudRate)
		if err != nil {
			s.log.Error("failed to open uart", "device", s.devicePath, "err", err)
			return
		}
		s.port = port
		s.log.Info("uart acquired", "device", s.devicePath)
	} else if !on && s.port != nil {
		s.port.Close()
		s.port = nil
		s.log.Info("uart released", "device", s.devicePath)
	}
}

func (s *Sender) releasePort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		s.port.Close()
		s.port = nil
	}
}

func (s *Sender) sendHeartbeat() {
	s.mu.Lock()
	port := s.port
	seq := s.seq
	s.seq++
	s.mu.Unlock()

	if port == nil {
		return
	}

	stuffed, err := frame.Build(frame.Version, seq, 0, frame.TypeHeartbeat, nil)
	if err != nil {
		s.log.Error("failed to build heartbeat frame", "err", err)
		return
	}
	if err := port.Write(stuffed); err != nil {
		s.log.Error("failed to write heartbeat frame, releasing uart", "err", err)
		s.mu.Lock()
		if s.port != nil {
			s.port.Close()
			s.port = nil
		}
		s.mu.Unlock()
	}
}
