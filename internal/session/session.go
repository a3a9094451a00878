// Package session implements the per-connection orchestrator (§4.8): it
// owns a connection's inbound frame stream and outbound frame sink, and
// wires the validator, rate limiter, PoW verifier, spam filter, event
// repository and subscription manager into the wire protocol's request/
// response shape. Grounded on the teacher's pkg/protocol/socketapi message
// dispatch loop (handleEvent/handleReq/handleClose), reorganized around
// this specification's exact OK/NOTICE taxonomy.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"novarelay.dev/internal/chk"
	"novarelay.dev/internal/event"
	"novarelay.dev/internal/filter"
	"novarelay.dev/internal/metrics"
	"novarelay.dev/internal/pow"
	"novarelay.dev/internal/ratelimit"
	"novarelay.dev/internal/security"
	"novarelay.dev/internal/spam"
	"novarelay.dev/internal/store"
	"novarelay.dev/internal/subscription"
	"novarelay.dev/internal/validator"
)

// Sink is the outbound frame writer a Session drives. Implementations must
// not block indefinitely; the session's own back-pressure bound (§5) is
// enforced by the transport adapter, not here.
type Sink interface {
	WriteFrame(frame []any) error
	Close() error
}

// Limits bundles the admission caps §4.8's REQ handling enforces.
type Limits struct {
	MaxSubIDLength   int
	MaxSubscriptions int
	MaxFilters       int
	MaxLimit         int
	ValidatorLimits  validator.Limits
	PowMinimum       int

	// AuthRequired gates EVENT admission on the connection holding a live
	// write grant (§4.6, §6 "auth_required"). AuthAllowList, if non-empty,
	// further restricts publishing to the listed hex pubkeys once
	// authenticated -- a restricted-write relay.
	AuthRequired  bool
	AuthAllowList []string
}

// Deps are the serialized components a Session's per-frame handlers call
// into. Each is independently safe for concurrent use across sessions.
type Deps struct {
	Limiter      *ratelimit.Limiter
	SpamFilter   *spam.Filter
	Store        store.I
	Subscription *subscription.Manager
	Security     *security.Policy
}

// Session is the per-connection orchestrator. It is not safe for
// concurrent use by multiple goroutines -- the transport adapter must run
// one Session's inbound loop on a single task, per §5's single-task-per-
// connection scheduling model.
type Session struct {
	ID     string
	Source string

	deps   Deps
	limits Limits
	sink   Sink

	activeSubs   map[string]struct{}
	authAllowSet map[string]struct{}
}

// New constructs a Session bound to connID/source and registers it with
// the subscription manager's connection registry.
func New(connID, source string, deps Deps, limits Limits, sink Sink) *Session {
	var authAllowSet map[string]struct{}
	if len(limits.AuthAllowList) > 0 {
		authAllowSet = make(map[string]struct{}, len(limits.AuthAllowList))
		for _, pubkey := range limits.AuthAllowList {
			authAllowSet[pubkey] = struct{}{}
		}
	}
	s := &Session{
		ID: connID, Source: source, deps: deps, limits: limits, sink: sink,
		activeSubs: make(map[string]struct{}), authAllowSet: authAllowSet,
	}
	deps.Subscription.RegisterConnection(connID, source, sinkAdapter{s})
	return s
}

type sinkAdapter struct{ s *Session }

func (a sinkAdapter) Send(subID string, ev *event.E) error {
	return a.s.sink.WriteFrame([]any{"EVENT", subID, eventJSON(ev)})
}

// Close unregisters the session from every serialized component it
// touched (§5 cancellation: "triggers unregistration").
func (s *Session) Close() {
	s.deps.Subscription.UnregisterConnection(s.ID)
	s.deps.Limiter.ReleaseConnection(s.Source)
	s.deps.Security.Reset(s.ID)
	metrics.SubscriptionsActive.Sub(float64(len(s.activeSubs)))
	s.activeSubs = make(map[string]struct{})
}

// HandleFrame dispatches one inbound wire frame (§4.8). Binary frames must
// be rejected by the caller before reaching HandleFrame.
func (s *Session) HandleFrame(ctx context.Context, raw []byte) {
	now := time.Now()
	if s.deps.Security.Status(s.ID, now) == security.Ban {
		s.notice("blocked: connection is banned")
		_ = s.sink.Close()
		return
	}

	var envelope []json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil || len(envelope) == 0 {
		s.notice("malformed: frame is not a JSON array")
		return
	}
	var command string
	if err := json.Unmarshal(envelope[0], &command); err != nil {
		s.notice("malformed: frame's first element must be a command string")
		return
	}

	switch command {
	case "EVENT":
		if len(envelope) < 2 {
			s.notice("malformed: EVENT frame requires an event object")
			return
		}
		s.handleEvent(ctx, envelope[1])
	case "REQ":
		if len(envelope) < 2 {
			s.notice("malformed: REQ frame requires a subscription id")
			return
		}
		s.handleReq(ctx, envelope[1:])
	case "CLOSE":
		if len(envelope) < 2 {
			s.notice("malformed: CLOSE frame requires a subscription id")
			return
		}
		s.handleClose(envelope[1])
	case "AUTH":
		if len(envelope) < 2 {
			s.notice("malformed: AUTH frame requires an event object")
			return
		}
		s.handleAuth(envelope[1])
	default:
		s.notice("malformed: unrecognized command " + command)
	}
}

func (s *Session) handleEvent(ctx context.Context, raw json.RawMessage) {
	now := time.Now()
	res := validator.Validate(raw, s.limits.ValidatorLimits, now)
	if !res.Valid() {
		id := ""
		if res.Event != nil {
			id = res.Event.IDHex()
		}
		metrics.EventsAdmitted.WithLabelValues("invalid").Inc()
		if s.terminateOn(s.deps.Security.Record(s.ID, security.SeverityModerate, now)) {
			return
		}
		s.ok(id, false, res.Reason)
		return
	}
	ev := res.Event

	if s.limits.AuthRequired {
		if !s.deps.Security.HasPermission(s.ID, security.PermWrite, now) {
			metrics.EventsAdmitted.WithLabelValues("blocked").Inc()
			s.ok(ev.IDHex(), false, "blocked: authentication required to publish")
			return
		}
		if _, ok := s.authAllowSet[ev.PubkeyHex()]; len(s.authAllowSet) > 0 && !ok {
			metrics.EventsAdmitted.WithLabelValues("blocked").Inc()
			s.ok(ev.IDHex(), false, "blocked: pubkey is not permitted to publish")
			return
		}
	}

	// §7: rate-limit outcomes split in two. A policy block (deny list) is a
	// violation and is reported via OK; plain bucket exhaustion is delivered
	// as NOTICE, not OK. An event over MaxEventBytes never reaches this point:
	// the validator has already answered it with an "invalid:" OK.
	rl := s.deps.Limiter.AdmitEvent(s.Source, ev.PubkeyHex(), len(raw), s.limits.ValidatorLimits.MaxEventBytes, now)
	if !rl.Allowed() {
		if rl.Denied {
			metrics.EventsAdmitted.WithLabelValues("blocked").Inc()
			if s.terminateOn(s.deps.Security.Record(s.ID, security.SeverityMajor, now)) {
				return
			}
			s.ok(ev.IDHex(), false, rl.Reason)
			return
		}
		metrics.EventsAdmitted.WithLabelValues("rate_limited").Inc()
		s.notice(rl.Reason)
		return
	}

	if ok, reason := pow.Verify(ev, s.limits.PowMinimum); !ok {
		metrics.EventsAdmitted.WithLabelValues("pow_failed").Inc()
		s.ok(ev.IDHex(), false, reason)
		return
	}

	spamRes := s.deps.SpamFilter.Check(ev, now)
	if spamRes.Verdict == spam.Reject {
		metrics.EventsAdmitted.WithLabelValues("spam").Inc()
		if s.terminateOn(s.deps.Security.Record(s.ID, security.SeverityModerate, now)) {
			return
		}
		s.ok(ev.IDHex(), false, spamRes.Reason)
		return
	}

	if ev.Category() != event.Ephemeral {
		outcome, err := s.deps.Store.Store(ctx, ev)
		if chk.E(err) {
			metrics.EventsAdmitted.WithLabelValues("error").Inc()
			s.ok(ev.IDHex(), false, "error: "+err.Error())
			return
		}
		if outcome == store.Duplicate {
			metrics.EventsAdmitted.WithLabelValues("duplicate").Inc()
			s.ok(ev.IDHex(), false, "duplicate: already have this event")
			return
		}
		metrics.EventsAdmitted.WithLabelValues("stored").Inc()
	} else {
		metrics.EventsAdmitted.WithLabelValues("ephemeral").Inc()
	}

	s.deps.Subscription.Broadcast(ev, now)
	s.ok(ev.IDHex(), true, "")
}

func (s *Session) handleReq(ctx context.Context, parts []json.RawMessage) {
	now := time.Now()
	var subID string
	if err := json.Unmarshal(parts[0], &subID); err != nil {
		s.notice("malformed: subscription id must be a string")
		return
	}

	rl := s.deps.Limiter.AdmitSubscription(s.Source, now)
	if !rl.Allowed() {
		if rl.Denied {
			if s.terminateOn(s.deps.Security.Record(s.ID, security.SeverityMajor, now)) {
				return
			}
		}
		s.notice(rl.Reason)
		return
	}

	if s.limits.MaxSubIDLength > 0 && len(subID) > s.limits.MaxSubIDLength {
		s.notice(fmt.Sprintf("invalid: subscription id exceeds %d characters", s.limits.MaxSubIDLength))
		return
	}

	filterParts := parts[1:]
	if s.limits.MaxFilters > 0 && len(filterParts) > s.limits.MaxFilters {
		s.notice(fmt.Sprintf("invalid: too many filters: maximum is %d", s.limits.MaxFilters))
		return
	}
	filters := make([]*filter.F, 0, len(filterParts))
	for _, raw := range filterParts {
		f := &filter.F{}
		if err := json.Unmarshal(raw, f); err != nil {
			s.notice("malformed: invalid filter")
			return
		}
		if f.Limit != nil && *f.Limit > s.limits.MaxLimit {
			clamped := s.limits.MaxLimit
			f.Limit = &clamped
		}
		filters = append(filters, f)
	}

	_, replacing := s.activeSubs[subID]
	if !replacing && s.limits.MaxSubscriptions > 0 && len(s.activeSubs) >= s.limits.MaxSubscriptions {
		s.notice(fmt.Sprintf("invalid: too many subscriptions: maximum is %d", s.limits.MaxSubscriptions))
		return
	}

	s.deps.Subscription.AddSubscription(s.ID, subID, filters)
	if !replacing {
		s.activeSubs[subID] = struct{}{}
		metrics.SubscriptionsActive.Inc()
	}

	for _, f := range filters {
		events, err := s.deps.Store.Query(ctx, f, s.limits.MaxLimit)
		if chk.E(err) {
			s.notice("error: " + err.Error())
			continue
		}
		for i := len(events) - 1; i >= 0; i-- {
			_ = s.sink.WriteFrame([]any{"EVENT", subID, eventJSON(events[i])})
		}
	}
	_ = s.sink.WriteFrame([]any{"EOSE", subID})
}

func (s *Session) handleClose(raw json.RawMessage) {
	var subID string
	if err := json.Unmarshal(raw, &subID); err != nil {
		s.notice("malformed: subscription id must be a string")
		return
	}
	s.deps.Subscription.RemoveSubscription(subID)
	if _, ok := s.activeSubs[subID]; ok {
		delete(s.activeSubs, subID)
		metrics.SubscriptionsActive.Dec()
	}
}

func (s *Session) handleAuth(raw json.RawMessage) {
	now := time.Now()
	res := validator.Validate(raw, s.limits.ValidatorLimits, now)
	if !res.Valid() {
		s.notice(res.Reason)
		return
	}
	if ok, reason := s.deps.Security.VerifyAuth(s.ID, res.Event, now); !ok {
		s.notice(reason)
	}
}

func (s *Session) ok(eventID string, accepted bool, message string) {
	if message == "" {
		_ = s.sink.WriteFrame([]any{"OK", eventID, accepted})
		return
	}
	_ = s.sink.WriteFrame([]any{"OK", eventID, accepted, message})
}

func (s *Session) notice(message string) {
	_ = s.sink.WriteFrame([]any{"NOTICE", message})
}

// terminateOn acts on a security.Verdict returned by Security.Record: a Ban
// or Disconnect verdict ends the connection immediately (§4.6 graduated
// response, §7: "may terminate the connection"). Reports whether it did so,
// so callers can skip their own OK/NOTICE framing in that case.
func (s *Session) terminateOn(v security.Verdict) bool {
	if v != security.Ban && v != security.Disconnect {
		return false
	}
	s.notice("blocked: connection terminated by security policy")
	_ = s.sink.Close()
	return true
}

func eventJSON(ev *event.E) map[string]any {
	tags := make([][]string, len(ev.Tags))
	for i, t := range ev.Tags {
		tags[i] = []string(t)
	}
	return map[string]any{
		"id":         ev.IDHex(),
		"pubkey":     ev.PubkeyHex(),
		"created_at": ev.CreatedAt,
		"kind":       ev.Kind,
		"tags":       tags,
		"content":    ev.Content,
		"sig":        ev.SigHex(),
	}
}
