package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/stretchr/testify/require"

	"novarelay.dev/internal/event"
	"novarelay.dev/internal/filter"
	"novarelay.dev/internal/ratelimit"
	"novarelay.dev/internal/security"
	"novarelay.dev/internal/spam"
	"novarelay.dev/internal/store"
	"novarelay.dev/internal/subscription"
	"novarelay.dev/internal/validator"
)

func signedEvent(t *testing.T, kind int64, content string, createdAt int64) *event.E {
	t.Helper()
	sk, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pub := schnorr.SerializePubKey(sk.PubKey())
	e := &event.E{Pubkey: pub, CreatedAt: createdAt, Kind: kind, Content: content}
	e.ID = e.ComputeID()
	sig, err := schnorr.Sign(sk, e.ID)
	require.NoError(t, err)
	e.Sig = sig.Serialize()
	return e
}

type memStore struct {
	mu     sync.Mutex
	events map[string]*event.E
}

func newMemStore() *memStore { return &memStore{events: make(map[string]*event.E)} }

func (m *memStore) Store(_ context.Context, ev *event.E) (store.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[ev.IDHex()]; ok {
		return store.Duplicate, nil
	}
	m.events[ev.IDHex()] = ev
	return store.Stored, nil
}

func (m *memStore) Query(_ context.Context, f *filter.F, maxLimit int) ([]*event.E, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*event.E
	for _, ev := range m.events {
		if f.Matches(ev) {
			out = append(out, ev)
		}
	}
	limit := f.EffectiveLimit(maxLimit)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) DeleteAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = make(map[string]*event.E)
	return nil
}

func (m *memStore) Close() error { return nil }

type recordingSink struct {
	mu     sync.Mutex
	frames [][]any
	closed bool
}

func (s *recordingSink) WriteFrame(frame []any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) last() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

func newTestSession(t *testing.T) (*Session, *recordingSink, *memStore) {
	t.Helper()
	deps := Deps{
		Limiter:      ratelimit.New(ratelimit.Config{SourceCapacity: 100, SourceRefill: 10, AuthorCapacity: 100, AuthorRefill: 10, SubscriptionCost: 1, MaxConnectionsPerSource: 10}, nil, nil),
		SpamFilter:   spam.New(spam.Config{DuplicateWindow: time.Minute, MaxEventsPerMinute: 1000}),
		Store:        newMemStore(),
		Subscription: subscription.New(time.Minute),
		Security:     security.New(""),
	}
	limits := Limits{
		MaxSubIDLength:   64,
		MaxSubscriptions: 20,
		MaxFilters:       10,
		MaxLimit:         500,
		ValidatorLimits:  validator.Limits{MaxEventBytes: 65536, MaxEventTags: 2000, MaxContentLength: 8192},
	}
	sink := &recordingSink{}
	s := New("c1", "127.0.0.1", deps, limits, sink)
	return s, sink, deps.Store.(*memStore)
}

func frame(t *testing.T, parts ...any) []byte {
	t.Helper()
	b, err := json.Marshal(parts)
	require.NoError(t, err)
	return b
}

func TestHandleEventStoresAndAcknowledges(t *testing.T) {
	s, sink, st := newTestSession(t)
	ev := signedEvent(t, 1, "hello", time.Now().Unix())
	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	s.HandleFrame(context.Background(), frame(t, "EVENT", json.RawMessage(raw)))

	last := sink.last()
	require.Equal(t, "OK", last[0])
	require.Equal(t, ev.IDHex(), last[1])
	require.Equal(t, true, last[2])
	require.Contains(t, st.events, ev.IDHex())
}

func TestHandleEventRejectsInvalidSignature(t *testing.T) {
	s, sink, _ := newTestSession(t)
	ev := signedEvent(t, 1, "hello", time.Now().Unix())
	ev.Sig[0] ^= 0xff
	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	s.HandleFrame(context.Background(), frame(t, "EVENT", json.RawMessage(raw)))

	last := sink.last()
	require.Equal(t, "OK", last[0])
	require.Equal(t, false, last[2])
	require.Contains(t, last[3], "invalid:")
}

func TestHandleEventDuplicateReportsAsNoop(t *testing.T) {
	s, sink, st := newTestSession(t)
	ev := signedEvent(t, 1, "hello", time.Now().Unix())
	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	// A resubmission over the wire within the spam filter's duplicate-content
	// window is rejected there as "spam:" before the store is consulted, so
	// the event is placed in the store directly to reach the store's
	// Duplicate outcome.
	st.events[ev.IDHex()] = ev
	s.HandleFrame(context.Background(), frame(t, "EVENT", json.RawMessage(raw)))

	last := sink.last()
	require.Equal(t, false, last[2])
	require.Contains(t, last[3], "duplicate:")
}

func TestHandleReqEmitsHistoricalEventsThenEOSE(t *testing.T) {
	s, sink, _ := newTestSession(t)
	ev := signedEvent(t, 1, "hello", time.Now().Unix())
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	s.HandleFrame(context.Background(), frame(t, "EVENT", json.RawMessage(raw)))

	filterRaw, err := json.Marshal(filter.F{Kinds: []int64{1}})
	require.NoError(t, err)
	s.HandleFrame(context.Background(), frame(t, "REQ", "sub1", json.RawMessage(filterRaw)))

	sink.mu.Lock()
	frames := append([][]any{}, sink.frames...)
	sink.mu.Unlock()

	require.Equal(t, "EOSE", frames[len(frames)-1][0])
	found := false
	for _, f := range frames {
		if f[0] == "EVENT" && f[1] == "sub1" {
			found = true
		}
	}
	require.True(t, found)
}

func TestHandleCloseRemovesSubscription(t *testing.T) {
	s, _, _ := newTestSession(t)
	filterRaw, err := json.Marshal(filter.F{})
	require.NoError(t, err)
	s.HandleFrame(context.Background(), frame(t, "REQ", "sub1", json.RawMessage(filterRaw)))
	s.HandleFrame(context.Background(), frame(t, "CLOSE", "sub1"))
	require.Empty(t, s.activeSubs)
}

func TestMalformedFrameEmitsNotice(t *testing.T) {
	s, sink, _ := newTestSession(t)
	s.HandleFrame(context.Background(), []byte("not a json array"))
	last := sink.last()
	require.Equal(t, "NOTICE", last[0])
}

func TestUnrecognizedCommandEmitsNotice(t *testing.T) {
	s, sink, _ := newTestSession(t)
	s.HandleFrame(context.Background(), frame(t, "BOGUS"))
	last := sink.last()
	require.Equal(t, "NOTICE", last[0])
}

func TestHandleEventRateLimitExhaustionEmitsNotice(t *testing.T) {
	deps := Deps{
		Limiter:      ratelimit.New(ratelimit.Config{SourceCapacity: 0, SourceRefill: 0, AuthorCapacity: 100, AuthorRefill: 10, SubscriptionCost: 1}, nil, nil),
		SpamFilter:   spam.New(spam.Config{DuplicateWindow: time.Minute, MaxEventsPerMinute: 1000}),
		Store:        newMemStore(),
		Subscription: subscription.New(time.Minute),
		Security:     security.New(""),
	}
	limits := Limits{MaxSubIDLength: 64, MaxSubscriptions: 20, MaxFilters: 10, MaxLimit: 500, ValidatorLimits: validator.Limits{MaxEventBytes: 65536, MaxEventTags: 2000, MaxContentLength: 8192}}
	sink := &recordingSink{}
	s := New("c1", "127.0.0.1", deps, limits, sink)

	ev := signedEvent(t, 1, "hello", time.Now().Unix())
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	s.HandleFrame(context.Background(), frame(t, "EVENT", json.RawMessage(raw)))

	last := sink.last()
	require.Equal(t, "NOTICE", last[0])
	require.Contains(t, last[1], "rate-limited:")
}

func TestHandleEventBlockedRecordsSecurityViolation(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{SourceCapacity: 100, SourceRefill: 10, AuthorCapacity: 100, AuthorRefill: 10, SubscriptionCost: 1}, nil, []string{"127.0.0.1"})
	policy := security.New("")
	deps := Deps{
		Limiter:      limiter,
		SpamFilter:   spam.New(spam.Config{DuplicateWindow: time.Minute, MaxEventsPerMinute: 1000}),
		Store:        newMemStore(),
		Subscription: subscription.New(time.Minute),
		Security:     policy,
	}
	limits := Limits{MaxSubIDLength: 64, MaxSubscriptions: 20, MaxFilters: 10, MaxLimit: 500, ValidatorLimits: validator.Limits{MaxEventBytes: 65536, MaxEventTags: 2000, MaxContentLength: 8192}}
	sink := &recordingSink{}
	s := New("c1", "127.0.0.1", deps, limits, sink)

	ev := signedEvent(t, 1, "hello", time.Now().Unix())
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	s.HandleFrame(context.Background(), frame(t, "EVENT", json.RawMessage(raw)))

	last := sink.last()
	require.Equal(t, "OK", last[0])
	require.Equal(t, false, last[2])
	require.Contains(t, last[3], "blocked:")

	counts := policy.Counts(time.Now())
	require.Equal(t, 1, counts.Tracked)
}

func TestHandleEventRequiresAuthWhenConfigured(t *testing.T) {
	policy := security.New("wss://relay.example")
	deps := Deps{
		Limiter:      ratelimit.New(ratelimit.Config{SourceCapacity: 100, SourceRefill: 10, AuthorCapacity: 100, AuthorRefill: 10, SubscriptionCost: 1}, nil, nil),
		SpamFilter:   spam.New(spam.Config{DuplicateWindow: time.Minute, MaxEventsPerMinute: 1000}),
		Store:        newMemStore(),
		Subscription: subscription.New(time.Minute),
		Security:     policy,
	}
	limits := Limits{
		MaxSubIDLength: 64, MaxSubscriptions: 20, MaxFilters: 10, MaxLimit: 500,
		ValidatorLimits: validator.Limits{MaxEventBytes: 65536, MaxEventTags: 2000, MaxContentLength: 8192},
		AuthRequired:    true,
	}
	sink := &recordingSink{}
	s := New("c1", "127.0.0.1", deps, limits, sink)

	ev := signedEvent(t, 1, "hello", time.Now().Unix())
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	s.HandleFrame(context.Background(), frame(t, "EVENT", json.RawMessage(raw)))

	last := sink.last()
	require.Equal(t, "OK", last[0])
	require.Equal(t, false, last[2])
	require.Contains(t, last[3], "blocked: authentication required")

	now := time.Now()
	nonce := policy.IssueChallenge("c1", now)
	authEv := &event.E{Kind: event.KindAuth, CreatedAt: now.Unix(), Pubkey: ev.Pubkey, Tags: event.Tags{
		{"challenge", nonce}, {"relay", "wss://relay.example"},
	}}
	authEv.ID = authEv.ComputeID()
	ok, reason := policy.VerifyAuth("c1", authEv, now)
	require.True(t, ok, reason)

	s.HandleFrame(context.Background(), frame(t, "EVENT", json.RawMessage(raw)))
	last = sink.last()
	require.Equal(t, "OK", last[0])
	require.Equal(t, true, last[2])
}

func TestHandleFrameRejectsBannedConnection(t *testing.T) {
	s, sink, _ := newTestSession(t)
	s.deps.Security.Record(s.ID, security.SeverityCritical, time.Now())

	s.HandleFrame(context.Background(), frame(t, "BOGUS"))

	last := sink.last()
	require.Equal(t, "NOTICE", last[0])
	require.Contains(t, last[1], "banned")
	require.True(t, sink.closed)
}
