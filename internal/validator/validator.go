// Package validator implements the admission pipeline's structural,
// cryptographic, temporal and per-kind policy checks (§4.1). Grounded on
// the teacher relay's HandleEvent validation sequence (signature recheck,
// id recompute, per-kind tag checks) in pkg/protocol/socketapi/handleEvent.go,
// reorganized into a single pure function per the specification's ordered
// step list.
package validator

import (
	"encoding/json"
	"fmt"
	"time"

	"novarelay.dev/internal/crypto"
	"novarelay.dev/internal/event"
)

// Limits bounds the structural checks the validator enforces; populated
// from config.C at startup.
type Limits struct {
	MaxEventBytes    int
	MaxEventTags     int
	MaxContentLength int
}

// Result is the outcome of validating one raw wire frame.
type Result struct {
	Event  *event.E
	Reason string // user-visible rejection message; empty when Valid
}

// Valid reports whether the event passed every check.
func (r Result) Valid() bool { return r.Reason == "" }

// Validate runs the §4.1 steps, in order, against a raw JSON event object.
func Validate(raw []byte, limits Limits, now time.Time) Result {
	if !looksLikeObject(raw) {
		return Result{Reason: "malformed: not a JSON object"}
	}
	if limits.MaxEventBytes > 0 && len(raw) > limits.MaxEventBytes {
		return Result{Reason: fmt.Sprintf(
			"invalid: event too large: maximum size is %d bytes", limits.MaxEventBytes,
		)}
	}
	ev, err := event.ParseJSON(raw)
	if err != nil {
		return Result{Reason: "malformed: " + err.Error()}
	}
	if err = ev.ValidateShape(); err != nil {
		return Result{Event: ev, Reason: "malformed: " + err.Error()}
	}

	want := ev.ComputeID()
	if !bytesEqual(want, ev.ID) {
		return Result{Event: ev, Reason: "invalid: event id does not match"}
	}

	ok, err := crypto.VerifySchnorr(ev.Pubkey, ev.ID, ev.Sig)
	if err != nil || !ok {
		return Result{Event: ev, Reason: "invalid: bad signature"}
	}

	if reason := checkTimeWindow(ev.CreatedAt, now); reason != "" {
		return Result{Event: ev, Reason: reason}
	}

	if reason := checkKindPolicy(ev); reason != "" {
		return Result{Event: ev, Reason: reason}
	}

	if limits.MaxEventTags > 0 && len(ev.Tags) > limits.MaxEventTags {
		return Result{Event: ev, Reason: fmt.Sprintf(
			"invalid: too many tags: maximum is %d", limits.MaxEventTags,
		)}
	}
	if limits.MaxContentLength > 0 && len(ev.Content) > limits.MaxContentLength {
		return Result{Event: ev, Reason: fmt.Sprintf(
			"invalid: content too long: maximum is %d bytes", limits.MaxContentLength,
		)}
	}

	return Result{Event: ev}
}

func looksLikeObject(raw []byte) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

const (
	twoYears     = 2 * 365 * 24 * time.Hour
	fifteenMins  = 15 * time.Minute
)

func checkTimeWindow(createdAt int64, now time.Time) string {
	ts := time.Unix(createdAt, 0)
	if ts.Before(now.Add(-twoYears)) {
		return "invalid: event too old"
	}
	if ts.After(now.Add(fifteenMins)) {
		return "invalid: event too far in the future"
	}
	return ""
}

func checkKindPolicy(ev *event.E) string {
	switch ev.Kind {
	case event.KindMetadata:
		if !json.Valid([]byte(ev.Content)) {
			return "invalid: kind 0 content must be valid JSON"
		}
	case event.KindContacts:
		for _, t := range ev.Tags {
			if t.Name() == "p" && len(t) < 2 {
				return "invalid: kind 3 p tags require a pubkey value"
			}
		}
	case event.KindDM:
		if ev.Content == "" {
			return "invalid: kind 4 content must not be empty"
		}
	case event.KindDeletion:
		found := false
		for _, t := range ev.Tags {
			if t.Name() == "e" && len(t) >= 2 {
				found = true
				break
			}
		}
		if !found {
			return "invalid: kind 5 requires at least one e tag"
		}
	case event.KindReaction:
		if ev.Content == "" {
			return "invalid: kind 7 content must not be empty"
		}
	}
	return ""
}
