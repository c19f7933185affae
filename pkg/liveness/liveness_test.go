package liveness

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consolelink/linkmond/pkg/config"
)

type fakeStore struct {
	mu      sync.Mutex
	fields  map[string]map[string]string
	deletes []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{fields: make(map[string]map[string]string)}
}

func (f *fakeStore) Key(table, id string) string { return table + "|" + id }

func (f *fakeStore) MergeFields(key string, fields map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.fields[key]
	if !ok {
		m = make(map[string]string)
		f.fields[key] = m
	}
	for k, v := range fields {
		m[k] = v
	}
	return nil
}

func (f *fakeStore) DeleteFields(key string, fields ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.fields[key]
	if !ok {
		return nil
	}
	for _, field := range fields {
		delete(m, field)
		f.deletes = append(f.deletes, key+"/"+field)
	}
	return nil
}

func (f *fakeStore) get(key, field string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.fields[key]
	if !ok {
		return "", false
	}
	v, ok := m[field]
	return v, ok
}

func (f *fakeStore) foreignFieldsPreserved(key string, foreign map[string]string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.fields[key]
	for k, v := range foreign {
		if m[k] != v {
			return false
		}
	}
	return true
}

func TestRegister_InitialStateIsDownWithNoHeartbeat(t *testing.T) {
	fs := newFakeStore()
	tr := NewTracker(fs)
	id := config.LinkID("link-1")

	s := tr.Register(id)

	assert.Equal(t, Down, s.OperState())
	val, ok := fs.get("CONSOLE_PORT|link-1", "oper_state")
	assert.True(t, ok)
	assert.Equal(t, "down", val)
	_, ok = fs.get("CONSOLE_PORT|link-1", "last_heartbeat")
	assert.False(t, ok)
}

func TestHeartbeat_TransitionsToUpAndPublishes(t *testing.T) {
	fs := newFakeStore()
	tr := NewTracker(fs)
	id := config.LinkID("link-1")
	s := tr.Register(id)

	now := time.Unix(1_700_000_000, 0)
	tr.Heartbeat(id, now)

	assert.Equal(t, Up, s.OperState())
	val, ok := fs.get("CONSOLE_PORT|link-1", "last_heartbeat")
	require.True(t, ok)
	assert.Equal(t, "1700000000", val)
}

// S7: one heartbeat at t0; up through t0+14s; down by t0+16s; last_heartbeat
// unchanged across the transition.
func TestTicker_S7LivenessTimeout(t *testing.T) {
	fs := newFakeStore()
	tr := NewTracker(fs)
	id := config.LinkID("link-1")
	s := tr.Register(id)

	t0 := time.Unix(1_700_000_000, 0)
	clock := t0
	tr.now = func() time.Time { return clock }

	tr.Heartbeat(id, t0)
	assert.Equal(t, Up, s.OperState())

	clock = t0.Add(14 * time.Second)
	tr.checkDeadlines()
	assert.Equal(t, Up, s.OperState())

	clock = t0.Add(16 * time.Second)
	tr.checkDeadlines()
	assert.Equal(t, Down, s.OperState())

	val, ok := fs.get("CONSOLE_PORT|link-1", "last_heartbeat")
	require.True(t, ok)
	assert.Equal(t, "1700000000", val)
}

func TestUnregister_RemovesOnlyLivenessFieldsPreservingForeign(t *testing.T) {
	fs := newFakeStore()
	tr := NewTracker(fs)
	id := config.LinkID("link-1")
	tr.Register(id)

	key := "CONSOLE_PORT|link-1"
	require.NoError(t, fs.MergeFields(key, map[string]string{"state": "busy", "pid": "42"}))

	tr.Unregister(id)

	_, ok := fs.get(key, "oper_state")
	assert.False(t, ok)
	_, ok = fs.get(key, "last_heartbeat")
	assert.False(t, ok)
	assert.True(t, fs.foreignFieldsPreserved(key, map[string]string{"state": "busy", "pid": "42"}))
}

func TestHeartbeat_DownNeverOverwritesNewerUp(t *testing.T) {
	fs := newFakeStore()
	tr := NewTracker(fs)
	id := config.LinkID("link-1")
	tr.Register(id)

	t0 := time.Unix(1_700_000_000, 0)
	tr.now = func() time.Time { return t0.Add(20 * time.Second) }

	tr.Heartbeat(id, t0.Add(20*time.Second))
	tr.checkDeadlines()

	val, _ := fs.get("CONSOLE_PORT|link-1", "oper_state")
	assert.Equal(t, "up", val)
}
