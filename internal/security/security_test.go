package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"novarelay.dev/internal/event"
)

func TestScoreBandsProgression(t *testing.T) {
	p := New("wss://relay.example")
	now := time.Now()

	require.Equal(t, Allow, p.Record("c1", SeverityMinor, now))
	require.Equal(t, Warn, p.Record("c1", SeverityModerate, now))
	require.Equal(t, Throttle, p.Record("c1", SeverityModerate, now))
}

func TestCriticalSeverityBansImmediately(t *testing.T) {
	p := New("")
	require.Equal(t, Ban, p.Record("c1", SeverityCritical, time.Now()))
}

func TestMoreThanFiveRecentViolationsBans(t *testing.T) {
	p := New("")
	now := time.Now()
	for i := 0; i < 6; i++ {
		p.Record("c1", SeverityMinor, now)
	}
	require.Equal(t, Ban, p.Status("c1", now))
}

func TestDecayReducesScoreOverTime(t *testing.T) {
	p := New("")
	now := time.Now()
	p.Record("c1", SeverityModerate, now)
	require.Equal(t, Warn, p.Status("c1", now.Add(time.Minute)))
	require.Equal(t, Allow, p.Status("c1", now.Add(6*time.Minute)))
}

func TestAuthChallengeRoundTrip(t *testing.T) {
	p := New("wss://relay.example")
	now := time.Now()
	nonce := p.IssueChallenge("c1", now)

	ev := &event.E{
		Kind:      event.KindAuth,
		CreatedAt: now.Unix(),
		Pubkey:    []byte("pubkey-bytes-not-validated-here"),
		Tags: event.Tags{
			{"challenge", nonce},
			{"relay", "wss://relay.example"},
		},
	}
	ok, reason := p.VerifyAuth("c1", ev, now)
	require.True(t, ok, reason)
	require.True(t, p.IsAuthenticated("c1", now))
	require.True(t, p.HasPermission("c1", PermRead, now))
	require.True(t, p.HasPermission("c1", PermWrite, now))
	require.True(t, p.HasPermission("c1", PermDelete, now))
	require.True(t, p.HasPermission("c1", PermAdmin, now))
	require.False(t, p.HasPermission("c2", PermRead, now))

	p.Revoke("c1")
	require.False(t, p.IsAuthenticated("c1", now))
	require.False(t, p.HasPermission("c1", PermRead, now))
}

func TestAuthRejectsMismatchedChallenge(t *testing.T) {
	p := New("wss://relay.example")
	now := time.Now()
	p.IssueChallenge("c1", now)

	ev := &event.E{
		Kind:      event.KindAuth,
		CreatedAt: now.Unix(),
		Tags: event.Tags{
			{"challenge", "wrong-nonce"},
			{"relay", "wss://relay.example"},
		},
	}
	ok, reason := p.VerifyAuth("c1", ev, now)
	require.False(t, ok)
	require.NotEmpty(t, reason)
}

func TestAuthRejectsStaleTimestamp(t *testing.T) {
	p := New("")
	now := time.Now()
	nonce := p.IssueChallenge("c1", now)
	ev := &event.E{
		Kind:      event.KindAuth,
		CreatedAt: now.Add(-20 * time.Minute).Unix(),
		Tags:      event.Tags{{"challenge", nonce}},
	}
	ok, _ := p.VerifyAuth("c1", ev, now)
	require.False(t, ok)
}

func TestCountsAndAudit(t *testing.T) {
	p := New("")
	now := time.Now()
	p.Record("c1", SeverityCritical, now)
	p.Record("c2", SeverityMinor, now)

	counts := p.Counts(now)
	require.Equal(t, 2, counts.Tracked)
	require.Equal(t, 1, counts.Banned)

	audit := p.RecentAudit(time.Hour, now)
	require.Len(t, audit, 2)
}
