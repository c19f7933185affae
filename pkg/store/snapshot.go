package store

import (
	"sort"
	"strings"
	"sync"
)

// Snapshot is an in-memory stand-in for a logical database, implementing
// the same HGetAll/MergeFields/DeleteFields/Keys/Key/SubscribeKeyspace
// surface as Client. It exists so the DCE supervisor's and liveness
// tracker's merge-not-replace write contract (spec.md §4.4, §9: a write to
// one field must never disturb another component's field at the same key)
// can be tested without a live Redis server, matching the operator
// inspector's read-only view of the same hashes without reimplementing the
// out-of-scope CLI itself (spec.md §1 Non-goals).
type Snapshot struct {
	separator string

	mu     sync.Mutex
	fields map[string]map[string]string
	subs   []snapshotSub
}

type snapshotSub struct {
	pattern string
	out     chan Change
}

// NewSnapshot constructs an empty Snapshot using separator to join table and
// id in Key, matching whatever DBConfig.Resolve reported for the logical
// database being simulated.
func NewSnapshot(separator string) *Snapshot {
	return &Snapshot{separator: separator, fields: make(map[string]map[string]string)}
}

// Key joins table and id with the configured separator.
func (s *Snapshot) Key(table, id string) string {
	return table + s.separator + id
}

// GetField reads a single field, returning ("", false, nil) if absent.
func (s *Snapshot) GetField(key, field string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.fields[key]
	if !ok {
		return "", false, nil
	}
	v, ok := m[field]
	return v, ok, nil
}

// HGetAll returns a copy of every field at key.
func (s *Snapshot) HGetAll(key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.fields[key]
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out, nil
}

// Keys lists keys matching a "*"-suffixed prefix pattern, e.g. "CONSOLE_PORT|*".
func (s *Snapshot) Keys(pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var out []string
	for k := range s.fields {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// MergeFields writes fields into key, leaving any other field at that key
// untouched, and notifies any matching subscriber.
func (s *Snapshot) MergeFields(key string, fields map[string]string) error {
	s.mu.Lock()
	m, ok := s.fields[key]
	if !ok {
		m = make(map[string]string)
		s.fields[key] = m
	}
	for k, v := range fields {
		m[k] = v
	}
	s.mu.Unlock()

	s.notify(key, ChangeHSet)
	return nil
}

// DeleteFields removes only the named fields from key.
func (s *Snapshot) DeleteFields(key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	s.mu.Lock()
	if m, ok := s.fields[key]; ok {
		for _, f := range fields {
			delete(m, f)
		}
	}
	s.mu.Unlock()

	s.notify(key, ChangeHDel)
	return nil
}

// Delete removes key entirely, as a DEL would.
func (s *Snapshot) Delete(key string) {
	s.mu.Lock()
	delete(s.fields, key)
	s.mu.Unlock()

	s.notify(key, ChangeDel)
}

// SubscribeKeyspace mimics Client.SubscribeKeyspace: it delivers a Change
// for every subsequent MergeFields/Delete/DeleteFields call on a key matching
// keyPattern (a "*"-suffixed prefix, as real keyspace patterns are used in
// this codebase). A change is dropped when the subscriber's 16-entry buffer
// is full. The returned func releases the subscription.
func (s *Snapshot) SubscribeKeyspace(keyPattern string) (<-chan Change, func()) {
	sub := snapshotSub{pattern: strings.TrimSuffix(keyPattern, "*"), out: make(chan Change, 16)}

	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	closeFn := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, cur := range s.subs {
			if cur.out == sub.out {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
		close(sub.out)
	}
	return sub.out, closeFn
}

func (s *Snapshot) notify(key string, kind ChangeKind) {
	s.mu.Lock()
	var matched []chan Change
	for _, sub := range s.subs {
		if strings.HasPrefix(key, sub.pattern) {
			matched = append(matched, sub.out)
		}
	}
	s.mu.Unlock()

	for _, ch := range matched {
		select {
		case ch <- Change{Key: key, Kind: kind}:
		default:
		}
	}
}
