// Package liveness implements the per-link up/down state machine of
// spec.md §4.4: a 15 s inactivity deadline, reset on every decoded
// heartbeat, checked once per second, published to the state store under
// CONSOLE_PORT|<LinkId> without disturbing any other field at that key.
package liveness

import (
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/consolelink/linkmond/pkg/config"
)

// OperState is a link's derived liveness, spec.md §3/§4.4.
type OperState string

const (
	Up   OperState = "up"
	Down OperState = "down"
)

// Timeout is the inactivity deadline after the last heartbeat before a
// link is declared down.
const Timeout = 15 * time.Second

// tickInterval is the ticker period; spec.md §4.4 allows ±1 s tolerance.
const tickInterval = 1 * time.Second

const (
	fieldOperState    = "oper_state"
	fieldLastHeartbeat = "last_heartbeat"
	table              = "CONSOLE_PORT"
)

// Publisher is the subset of store.Client the Tracker needs. Declared as
// an interface so tests can substitute a fake store with no Redis server.
type Publisher interface {
	Key(table, id string) string
	MergeFields(key string, fields map[string]string) error
	DeleteFields(key string, fields ...string) error
}

// State is one link's in-memory liveness record.
type State struct {
	mu            sync.Mutex
	operState     OperState
	lastHeartbeat time.Time
	hasHeartbeat  bool
}

// OperState reports the current operational state.
func (s *State) OperState() OperState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.operState
}

// Tracker owns one State per LinkID, a 1 Hz ticker goroutine, and
// publishes every transition through a Publisher. The ticker and any
// concurrent Heartbeat calls for the same link are serialized by that
// link's own mutex, so a stale "down" tick can never overwrite a newer
// "up" (spec.md §5).
type Tracker struct {
	store Publisher
	now   func() time.Time
	log   *log.Logger

	mu    sync.Mutex
	links map[config.LinkID]*State

	stop chan struct{}
	done chan struct{}
}

// NewTracker constructs a Tracker publishing through store.
func NewTracker(store Publisher) *Tracker {
	return &Tracker{
		store: store,
		now:   time.Now,
		log:   log.WithPrefix("liveness"),
		links: make(map[config.LinkID]*State),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start begins the 1 Hz deadline ticker. Call once per Tracker lifetime.
func (t *Tracker) Start() {
	go t.run()
}

// Stop halts the ticker and waits for it to exit.
func (t *Tracker) Stop() {
	close(t.stop)
	<-t.done
}

// Register begins tracking id, publishing the "by design" initial state
// from spec.md §4.4: oper_state=down, last_heartbeat absent, even if a
// previous run left stale fields behind.
func (t *Tracker) Register(id config.LinkID) *State {
	s := &State{operState: Down}

	t.mu.Lock()
	t.links[id] = s
	t.mu.Unlock()

	key := t.store.Key(table, string(id))
	if err := t.store.MergeFields(key, map[string]string{fieldOperState: string(Down)}); err != nil {
		t.log.Warn("failed to publish initial down state", "link", id, "err", err)
	}
	if err := t.store.DeleteFields(key, fieldLastHeartbeat); err != nil {
		t.log.Warn("failed to clear stale last_heartbeat", "link", id, "err", err)
	}
	return s
}

// Unregister stops tracking id and removes its oper_state/last_heartbeat
// fields, leaving any other field at the same key untouched (spec.md §4.5
// step 5, §9).
func (t *Tracker) Unregister(id config.LinkID) {
	t.mu.Lock()
	delete(t.links, id)
	t.mu.Unlock()

	key := t.store.Key(table, string(id))
	if err := t.store.DeleteFields(key, fieldOperState, fieldLastHeartbeat); err != nil {
		t.log.Warn("failed to clear liveness fields on unregister", "link", id, "err", err)
	}
}

// Heartbeat records a decoded heartbeat for id at time now: the deadline is
// reset and oper_state becomes (idempotently) up.
func (t *Tracker) Heartbeat(id config.LinkID, now time.Time) {
	t.mu.Lock()
	s, ok := t.links[id]
	t.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	s.lastHeartbeat = now
	s.hasHeartbeat = true
	wasDown := s.operState != Up
	s.operState = Up
	s.mu.Unlock()

	key := t.store.Key(table, string(id))
	fields := map[string]string{fieldLastHeartbeat: strconv.FormatInt(now.Unix(), 10)}
	if wasDown {
		fields[fieldOperState] = string(Up)
	}
	if err := t.store.MergeFields(key, fields); err != nil {
		t.log.Warn("failed to publish heartbeat", "link", id, "err", err)
	}
}

// MarkDown forces id's state to down immediately and publishes it, without
// clearing last_heartbeat. Used when a link proxy terminates because its
// UART disappeared (spec.md §4.3, §7): the supervisor may later respawn
// the proxy, which will re-Register and reset the record cleanly.
func (t *Tracker) MarkDown(id config.LinkID) {
	t.mu.Lock()
	s, ok := t.links[id]
	t.mu.Unlock()
	if ok {
		s.mu.Lock()
		s.operState = Down
		s.mu.Unlock()
	}

	key := t.store.Key(table, string(id))
	if err := t.store.MergeFields(key, map[string]string{fieldOperState: string(Down)}); err != nil {
		t.log.Warn("failed to publish forced down state", "link", id, "err", err)
	}
}

// run is the 1 Hz deadline ticker goroutine.
func (t *Tracker) run() {
	defer close(t.done)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.checkDeadlines()
		}
	}
}

func (t *Tracker) checkDeadlines() {
	t.mu.Lock()
	snapshot := make(map[config.LinkID]*State, len(t.links))
	for id, s := range t.links {
		snapshot[id] = s
	}
	t.mu.Unlock()

	now := t.now()
	for id, s := range snapshot {
		s.mu.Lock()
		expired := s.hasHeartbeat && now.After(s.lastHeartbeat.Add(Timeout)) || (!s.hasHeartbeat && s.operState == Up)
		shouldDemote := expired && s.operState == Up
		if shouldDemote {
			s.operState = Down
			// Published while still holding the link mutex, so a
			// Heartbeat cannot set and publish "up" ahead of this "down".
			key := t.store.Key(table, string(id))
			// last_heartbeat is intentionally left alone: spec.md §4.4
			// requires it retain the last observed value after a
			// transition to down.
			if err := t.store.MergeFields(key, map[string]string{fieldOperState: string(Down)}); err != nil {
				t.log.Warn("failed to publish down transition", "link", id, "err", err)
			}
		}
		s.mu.Unlock()
	}
}
