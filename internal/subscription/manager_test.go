package subscription

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"novarelay.dev/internal/event"
	"novarelay.dev/internal/filter"
)

type recordingSink struct {
	mu    sync.Mutex
	calls []string
}

func (s *recordingSink) Send(subID string, ev *event.E) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, subID)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func mkEvent(id string, kind int64, author string) *event.E {
	return &event.E{ID: []byte(id), Pubkey: []byte(author), Kind: kind, CreatedAt: time.Now().Unix()}
}

func TestDedupIdempotence(t *testing.T) {
	m := New(time.Minute)
	sink := &recordingSink{}
	m.RegisterConnection("c1", "addr", sink)
	m.AddSubscription("c1", "s1", []*filter.F{{}})

	ev := mkEvent("dup-id", 1, "author")
	m.Broadcast(ev, time.Now())
	require.Equal(t, 1, sink.count())
	m.Broadcast(ev, time.Now())
	require.Equal(t, 1, sink.count(), "second broadcast within the dedup window must not re-fan-out")
	require.Equal(t, uint64(1), m.DuplicatesDropped())
}

func TestPerConnectionUniquenessWithMultipleMatchingSubs(t *testing.T) {
	m := New(time.Minute)
	sink := &recordingSink{}
	m.RegisterConnection("c1", "addr", sink)
	ev := mkEvent("one-event", 1, "author")
	m.AddSubscription("c1", "s1", []*filter.F{{Kinds: []int64{1}}})
	m.AddSubscription("c1", "s2", []*filter.F{{Authors: []string{ev.PubkeyHex()}}})

	m.Broadcast(ev, time.Now())
	require.Equal(t, 1, sink.count(), "one event to a connection with N matching subs must produce exactly one frame")
}

func TestSubscriptionReplacement(t *testing.T) {
	m := New(time.Minute)
	sink := &recordingSink{}
	m.RegisterConnection("c1", "addr", sink)
	m.AddSubscription("c1", "s1", []*filter.F{{Kinds: []int64{1}}})
	m.AddSubscription("c1", "s1", []*filter.F{{Kinds: []int64{2}}})

	kind1 := mkEvent("e1", 1, "author")
	m.Broadcast(kind1, time.Now())
	require.Equal(t, 0, sink.count(), "events matching the replaced filter must no longer fan out")

	kind2 := mkEvent("e2", 2, "author")
	m.Broadcast(kind2, time.Now())
	require.Equal(t, 1, sink.count())
}

func TestConnectionCleanup(t *testing.T) {
	m := New(time.Minute)
	sink := &recordingSink{}
	m.RegisterConnection("c1", "addr", sink)
	m.AddSubscription("c1", "s1", []*filter.F{{}})
	m.UnregisterConnection("c1")

	ev := mkEvent("e1", 1, "author")
	matches := m.MatchEvent(ev, time.Now())
	require.Empty(t, matches)
}

func TestCatchAllSubscriptionReceivesEverything(t *testing.T) {
	m := New(time.Minute)
	sink := &recordingSink{}
	m.RegisterConnection("c1", "addr", sink)
	m.AddSubscription("c1", "s1", []*filter.F{{}})

	ev := mkEvent("e1", 12345, "anyone")
	m.Broadcast(ev, time.Now())
	require.Equal(t, 1, sink.count())
}

func TestIDOnlyFilterFallsThroughToCatchAllPath(t *testing.T) {
	m := New(time.Minute)
	sink := &recordingSink{}
	m.RegisterConnection("c1", "addr", sink)
	ev := &event.E{ID: []byte{0xde, 0xad}, Pubkey: []byte("a"), Kind: 1}
	m.AddSubscription("c1", "s1", []*filter.F{{IDs: []string{ev.IDHex()}}})

	m.Broadcast(ev, time.Now())
	require.Equal(t, 1, sink.count(), "ids-only filters are treated as catch-all per SPEC_FULL open question 1")
}
