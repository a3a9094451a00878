// Package security implements the security policy and authentication
// boundary (§4.6): per-connection violation scoring with time-decay, ban/
// throttle verdicts, and the kind-22242 challenge/response authentication
// contract. Grounded on the teacher's escalating-offense bookkeeping in
// pkg/utils/iptracker.IPTracker (the same idiom internal/ratelimit and
// internal/spam use) and the teacher's auth challenge flow in
// pkg/protocol/socketapi, reorganized around the specification's score
// bands and ban rules.
package security

import (
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"lukechampine.com/frand"

	"novarelay.dev/internal/event"
	"novarelay.dev/internal/metrics"
)

// Severity levels for recorded violations (§4.6).
const (
	SeverityMinor    = 1
	SeverityModerate = 3
	SeverityMajor    = 5
	SeverityCritical = 10
)

// Verdict is the action the caller must take in response to a violation.
type Verdict int

const (
	Allow Verdict = iota
	Warn
	Throttle
	Disconnect
	Ban
)

const (
	decayInterval   = 5 * time.Minute
	decayAmount     = 5
	throttleWindow  = 30 * time.Second
	recentViolation = 60 * time.Second
	maxRecentCount  = 5
	challengeTTL    = 5 * time.Minute
	grantTTL        = 24 * time.Hour
)

type violation struct {
	severity int
	at       time.Time
}

type connState struct {
	score      int
	violations []violation
	lastDecay  time.Time
	bannedAt   time.Time
	banned     bool
	throttled  time.Time
}

type challenge struct {
	nonce  string
	issued time.Time
}

// Permission is one capability a successful authentication can grant a
// connection (§4.6: "a permission set ⊆ {read, write, delete, admin}").
type Permission string

const (
	PermRead   Permission = "read"
	PermWrite  Permission = "write"
	PermDelete Permission = "delete"
	PermAdmin  Permission = "admin"
)

// allPermissions is what a successful kind-22242 challenge/response grants.
// The wire protocol has no capability-negotiation step for AUTH (no tag or
// field lets a client request a narrower set), so the open question of which
// subset of {read, write, delete, admin} to grant is resolved as: the full
// set, on every successful authentication.
var allPermissions = map[Permission]struct{}{
	PermRead: {}, PermWrite: {}, PermDelete: {}, PermAdmin: {},
}

type grant struct {
	pubkey      string
	granted     time.Time
	permissions map[Permission]struct{}
}

// Policy is the single serialized owner of per-connection violation state
// and the authentication boundary (§5: one mutex covering both -- a
// connection's ban status and its auth grant are consulted together on
// every frame).
type Policy struct {
	mu sync.Mutex

	conns      map[string]*connState
	challenges map[string]challenge
	grants     map[string]grant

	relayURL string
}

// New constructs a Policy. relayURL is compared against the "relay" tag of
// kind-22242 auth events (NIP-42 §4.6).
func New(relayURL string) *Policy {
	return &Policy{
		conns:      make(map[string]*connState),
		challenges: make(map[string]challenge),
		grants:     make(map[string]grant),
		relayURL:   relayURL,
	}
}

// Record logs a violation of the given severity for connID and returns the
// verdict the caller must act on, after applying time-decay (§4.6).
func (p *Policy) Record(connID string, severity int, now time.Time) Verdict {
	v := p.record(connID, severity, now)
	metrics.ViolationsRecorded.WithLabelValues(verdictLabel(v)).Inc()
	return v
}

func verdictLabel(v Verdict) string {
	switch v {
	case Allow:
		return "allow"
	case Warn:
		return "warn"
	case Throttle:
		return "throttle"
	case Disconnect:
		return "disconnect"
	case Ban:
		return "ban"
	default:
		return "unknown"
	}
}

func (p *Policy) record(connID string, severity int, now time.Time) Verdict {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.connStateLocked(connID)
	p.decayLocked(st, now)

	st.violations = append(st.violations, violation{severity: severity, at: now})
	st.score += severity

	if severity >= SeverityCritical {
		st.banned = true
		st.bannedAt = now
		return Ban
	}

	recent := 0
	for _, v := range st.violations {
		if now.Sub(v.at) <= recentViolation {
			recent++
		}
	}
	if recent > maxRecentCount {
		st.banned = true
		st.bannedAt = now
		return Ban
	}
	if st.score >= 10 {
		st.banned = true
		st.bannedAt = now
		return Ban
	}

	switch {
	case st.score <= 2:
		return Allow
	case st.score <= 5:
		return Warn
	case st.score <= 8:
		st.throttled = now.Add(throttleWindow)
		return Throttle
	default:
		return Disconnect
	}
}

// Status reports the current verdict for connID without recording a new
// violation, honoring an active throttle window.
func (p *Policy) Status(connID string, now time.Time) Verdict {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.conns[connID]
	if !ok {
		return Allow
	}
	p.decayLocked(st, now)
	if st.banned {
		return Ban
	}
	if now.Before(st.throttled) {
		return Throttle
	}
	switch {
	case st.score <= 2:
		return Allow
	case st.score <= 5:
		return Warn
	default:
		return Throttle
	}
}

// Reset clears a connection's accumulated state, e.g. on disconnect.
func (p *Policy) Reset(connID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, connID)
	delete(p.grants, connID)
}

func (p *Policy) connStateLocked(connID string) *connState {
	st, ok := p.conns[connID]
	if !ok {
		st = &connState{}
		p.conns[connID] = st
	}
	return st
}

func (p *Policy) decayLocked(st *connState, now time.Time) {
	if st.lastDecay.IsZero() {
		st.lastDecay = now
		return
	}
	elapsed := now.Sub(st.lastDecay)
	if elapsed < decayInterval {
		return
	}
	steps := int(elapsed / decayInterval)
	st.score -= steps * decayAmount
	if st.score < 0 {
		st.score = 0
	}
	st.lastDecay = st.lastDecay.Add(time.Duration(steps) * decayInterval)
}

// IssueChallenge mints a fresh 32-byte hex challenge nonce for connID,
// valid for challengeTTL (§4.6 NIP-42-style auth).
func (p *Policy) IssueChallenge(connID string, now time.Time) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	nonce := hex.EncodeToString(frand.Bytes(32))
	p.challenges[connID] = challenge{nonce: nonce, issued: now}
	return nonce
}

// VerifyAuth validates a kind-22242 auth event against the challenge
// previously issued to connID: it must carry matching "challenge" and
// "relay" tags and be timestamped within 600s of now. The caller is
// expected to have already run ev through validator.Validate (structural
// shape, id, and signature) before calling VerifyAuth -- this only checks
// the auth-specific constraints §4.6 adds on top of that. On success it
// grants connID a 24-hour authenticated pubkey.
func (p *Policy) VerifyAuth(connID string, ev *event.E, now time.Time) (ok bool, reason string) {
	if ev.Kind != event.KindAuth {
		return false, "invalid: auth event must be kind 22242"
	}
	if diff := now.Unix() - ev.CreatedAt; diff > 600 || diff < -600 {
		return false, "invalid: auth event outside acceptable time window"
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.challenges[connID]
	if !ok || now.Sub(ch.issued) > challengeTTL {
		return false, "invalid: no active challenge or challenge expired"
	}

	challengeTag, _ := ev.Tags.Find("challenge")
	relayTag, _ := ev.Tags.Find("relay")
	if challengeTag != ch.nonce {
		return false, "invalid: challenge tag does not match"
	}
	if p.relayURL != "" && relayTag != p.relayURL {
		return false, "invalid: relay tag does not match"
	}

	p.grants[connID] = grant{pubkey: ev.PubkeyHex(), granted: now, permissions: allPermissions}
	delete(p.challenges, connID)
	return true, ""
}

// IsAuthenticated reports whether connID holds a live (unexpired) grant.
func (p *Policy) IsAuthenticated(connID string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.grants[connID]
	if !ok {
		return false
	}
	if now.Sub(g.granted) > grantTTL {
		delete(p.grants, connID)
		return false
	}
	return true
}

// HasPermission reports whether connID holds a live grant that includes
// perm (§4.6: "the core consumes only is_authenticated(conn_id),
// has_permission(conn_id, perm), and revoke(conn_id)").
func (p *Policy) HasPermission(connID string, perm Permission, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.grants[connID]
	if !ok || now.Sub(g.granted) > grantTTL {
		return false
	}
	_, has := g.permissions[perm]
	return has
}

// Revoke removes any authentication grant held by connID.
func (p *Policy) Revoke(connID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.grants, connID)
}

// Audit is one entry in the recent violation log (§6 GET /security/audit).
type Audit struct {
	ConnID   string
	Severity int
	At       time.Time
}

// RecentAudit returns every violation recorded within the last window,
// across all connections, newest first.
func (p *Policy) RecentAudit(window time.Duration, now time.Time) []Audit {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := now.Add(-window)
	var out []Audit
	for connID, st := range p.conns {
		for _, v := range st.violations {
			if v.at.After(cutoff) {
				out = append(out, Audit{ConnID: connID, Severity: v.severity, At: v.at})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	return out
}

// Counts summarizes current ban/throttle state for §6 GET /security/status.
type Counts struct {
	Tracked   int
	Banned    int
	Throttled int
}

func (p *Policy) Counts(now time.Time) Counts {
	p.mu.Lock()
	defer p.mu.Unlock()
	var c Counts
	c.Tracked = len(p.conns)
	for _, st := range p.conns {
		if st.banned {
			c.Banned++
		} else if now.Before(st.throttled) {
			c.Throttled++
		}
	}
	return c
}

