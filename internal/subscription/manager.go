// Package subscription implements the subscription matching engine (§4.5):
// the connection registry, per-connection subscription lifecycle, inverted
// indexes for fast candidate lookup, the live-event dedup cache, and
// broadcast fan-out. Grounded on the teacher's ws.Pool/ws.Subscription
// split (pkg/protocol/ws/pool.go, pkg/protocol/ws/subscription.go),
// generalized from a client-side relay-pool model to the server-side
// registry the specification describes, and serialized behind a single
// mutex per §5 ("single-writer discipline... mutexes... acceptable").
package subscription

import (
	"sync"
	"time"

	"novarelay.dev/internal/event"
	"novarelay.dev/internal/filter"
)

// Sink is the outbound delivery surface a connection registers with the
// manager. Implementations must not block indefinitely (§5 back-pressure:
// a sink that cannot keep up is the session's problem, not the manager's).
type Sink interface {
	Send(subID string, ev *event.E) error
}

type connEntry struct {
	source string
	sink   Sink
	subs   map[string]struct{}
}

type subEntry struct {
	connID    string
	filters   []*filter.F
	createdAt time.Time
	matched   uint64
	catchAll  bool
}

// Manager is the single serialized owner of all subscription-matching
// state.
type Manager struct {
	mu sync.Mutex

	connections map[string]*connEntry
	subs        map[string]*subEntry

	byAuthor map[string]map[string]struct{}
	byKind   map[int64]map[string]struct{}
	byE      map[string]map[string]struct{}
	byP      map[string]map[string]struct{}
	catchAll map[string]struct{}

	recent      map[string]time.Time
	dedupWindow time.Duration

	duplicatesDropped uint64
	lastCleanup       time.Time
}

// New constructs a Manager with the given live-event dedup window (default
// 60s per §4.5 if dedupWindow is zero).
func New(dedupWindow time.Duration) *Manager {
	if dedupWindow <= 0 {
		dedupWindow = 60 * time.Second
	}
	return &Manager{
		connections: make(map[string]*connEntry),
		subs:        make(map[string]*subEntry),
		byAuthor:    make(map[string]map[string]struct{}),
		byKind:      make(map[int64]map[string]struct{}),
		byE:         make(map[string]map[string]struct{}),
		byP:         make(map[string]map[string]struct{}),
		catchAll:    make(map[string]struct{}),
		recent:      make(map[string]time.Time),
		dedupWindow: dedupWindow,
	}
}

// RegisterConnection registers a connection's outbound sink. Idempotent by
// id: re-registering the same id replaces the sink.
func (m *Manager) RegisterConnection(connID, source string, sink Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.connections[connID]; ok {
		c.source = source
		c.sink = sink
		return
	}
	m.connections[connID] = &connEntry{source: source, sink: sink, subs: make(map[string]struct{})}
}

// UnregisterConnection removes every subscription owned by connID from
// every index, then deletes the connection record.
func (m *Manager) UnregisterConnection(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[connID]
	if !ok {
		return
	}
	for subID := range c.subs {
		m.removeSubscriptionLocked(subID)
	}
	delete(m.connections, connID)
}

// AddSubscription registers subID's filters for connID, replacing any
// existing subscription with the same id (§4.5: "a new filter set for the
// same id supersedes the old").
func (m *Manager) AddSubscription(connID, subID string, filters []*filter.F) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.subs[subID]; exists {
		m.removeSubscriptionLocked(subID)
	}
	conn, ok := m.connections[connID]
	if !ok {
		return
	}
	catchAll := false
	for _, f := range filters {
		if f.IsCatchAll() || !f.HasIndexableSelector() {
			catchAll = true
		}
	}
	entry := &subEntry{connID: connID, filters: filters, createdAt: time.Now(), catchAll: catchAll}
	m.subs[subID] = entry
	conn.subs[subID] = struct{}{}

	if catchAll {
		m.catchAll[subID] = struct{}{}
	}
	for _, f := range filters {
		for _, a := range f.Authors {
			indexAdd(m.byAuthor, a, subID)
		}
		for _, k := range f.Kinds {
			indexAddInt(m.byKind, k, subID)
		}
		for _, e := range f.E {
			indexAdd(m.byE, e, subID)
		}
		for _, p := range f.P {
			indexAdd(m.byP, p, subID)
		}
	}
}

// RemoveSubscription removes subID and prunes any now-empty index entries.
func (m *Manager) RemoveSubscription(subID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeSubscriptionLocked(subID)
}

func (m *Manager) removeSubscriptionLocked(subID string) {
	entry, ok := m.subs[subID]
	if !ok {
		return
	}
	delete(m.subs, subID)
	delete(m.catchAll, subID)
	if conn, ok := m.connections[entry.connID]; ok {
		delete(conn.subs, subID)
	}
	for _, f := range entry.filters {
		for _, a := range f.Authors {
			indexRemove(m.byAuthor, a, subID)
		}
		for _, k := range f.Kinds {
			indexRemoveInt(m.byKind, k, subID)
		}
		for _, e := range f.E {
			indexRemove(m.byE, e, subID)
		}
		for _, p := range f.P {
			indexRemove(m.byP, p, subID)
		}
	}
}

// Match is one (connID, subID) pair that an event routes to.
type Match struct {
	ConnID string
	SubID  string
}

// MatchEvent returns every (connID, subID) pair whose filters match ev,
// applying the dedup window first (§4.5 steps 1-2).
func (m *Manager) MatchEvent(ev *event.E, now time.Time) []Match {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maybeCleanupLocked(now)

	id := ev.IDHex()
	if last, ok := m.recent[id]; ok && now.Sub(last) < m.dedupWindow {
		m.duplicatesDropped++
		return nil
	}
	m.recent[id] = now

	candidates := make(map[string]struct{})
	for subID := range m.byAuthor[ev.PubkeyHex()] {
		candidates[subID] = struct{}{}
	}
	for subID := range m.byKind[ev.Kind] {
		candidates[subID] = struct{}{}
	}
	for _, t := range ev.Tags {
		switch t.Name() {
		case "e":
			for subID := range m.byE[t.Value()] {
				candidates[subID] = struct{}{}
			}
		case "p":
			for subID := range m.byP[t.Value()] {
				candidates[subID] = struct{}{}
			}
		}
	}
	for subID := range m.catchAll {
		candidates[subID] = struct{}{}
	}

	var out []Match
	for subID := range candidates {
		entry, ok := m.subs[subID]
		if !ok {
			continue
		}
		for _, f := range entry.filters {
			if f.Matches(ev) {
				out = append(out, Match{ConnID: entry.connID, SubID: subID})
				entry.matched++
				break
			}
		}
	}
	return out
}

// Broadcast calls MatchEvent and invokes each matched connection's sink
// exactly once, even if multiple of its subscriptions matched (§4.5,
// §8 per-connection uniqueness).
func (m *Manager) Broadcast(ev *event.E, now time.Time) {
	matches := m.MatchEvent(ev, now)
	seen := make(map[string]struct{}, len(matches))
	for _, match := range matches {
		if _, already := seen[match.ConnID]; already {
			continue
		}
		seen[match.ConnID] = struct{}{}
		m.mu.Lock()
		conn, ok := m.connections[match.ConnID]
		m.mu.Unlock()
		if !ok || conn.sink == nil {
			continue
		}
		_ = conn.sink.Send(match.SubID, ev)
	}
}

// DuplicatesDropped returns the running count of events suppressed by the
// dedup window.
func (m *Manager) DuplicatesDropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.duplicatesDropped
}

func (m *Manager) maybeCleanupLocked(now time.Time) {
	if now.Sub(m.lastCleanup) < time.Minute {
		return
	}
	m.lastCleanup = now
	cutoff := now.Add(-m.dedupWindow)
	for id, at := range m.recent {
		if at.Before(cutoff) {
			delete(m.recent, id)
		}
	}
}

func indexAdd(idx map[string]map[string]struct{}, key, subID string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[subID] = struct{}{}
}

func indexRemove(idx map[string]map[string]struct{}, key, subID string) {
	set, ok := idx[key]
	if !ok {
		return
	}
	delete(set, subID)
	if len(set) == 0 {
		delete(idx, key)
	}
}

func indexAddInt(idx map[int64]map[string]struct{}, key int64, subID string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[subID] = struct{}{}
}

func indexRemoveInt(idx map[int64]map[string]struct{}, key int64, subID string) {
	set, ok := idx[key]
	if !ok {
		return
	}
	delete(set, subID)
	if len(set) == 0 {
		delete(idx, key)
	}
}
