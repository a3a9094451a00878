// Package filter implements the subscription/query selection predicate
// (§3). Grounded on the teacher's encoders/filter.F, simplified to plain
// slices since the canonical-hash/dedup concerns of the teacher's codec
// are not part of this specification.
package filter

import (
	"encoding/json"

	"novarelay.dev/internal/event"
)

// F is a selection predicate over events. Every field is optional; an
// empty F matches every event.
type F struct {
	IDs     []string `json:"ids,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Kinds   []int64  `json:"kinds,omitempty"`
	E       []string `json:"#e,omitempty"`
	P       []string `json:"#p,omitempty"`
	Since   *int64   `json:"since,omitempty"`
	Until   *int64   `json:"until,omitempty"`
	Limit   *int     `json:"limit,omitempty"`
}

// UnmarshalJSON accepts both "#e"/"#p" and bare "e"/"p" spellings for the
// tag selectors (§6: "the core treats them equivalently by letter").
func (f *F) UnmarshalJSON(b []byte) error {
	type alias F
	aux := &struct {
		EAlt []string `json:"e,omitempty"`
		PAlt []string `json:"p,omitempty"`
		*alias
	}{alias: (*alias)(f)}
	if err := json.Unmarshal(b, aux); err != nil {
		return err
	}
	if len(f.E) == 0 {
		f.E = aux.EAlt
	}
	if len(f.P) == 0 {
		f.P = aux.PAlt
	}
	return nil
}

// IsCatchAll reports whether no selector field is present at all -- the
// filter matches every event.
func (f *F) IsCatchAll() bool {
	return len(f.IDs) == 0 && len(f.Authors) == 0 && len(f.Kinds) == 0 &&
		len(f.E) == 0 && len(f.P) == 0 && f.Since == nil && f.Until == nil
}

// HasIndexableSelector reports whether the filter has at least one selector
// the subscription matcher indexes on (authors, kinds, #e, #p). See
// SPEC_FULL.md open-question decision 1 for why IDs/since/until alone do
// not count as indexable here.
func (f *F) HasIndexableSelector() bool {
	return len(f.Authors) > 0 || len(f.Kinds) > 0 || len(f.E) > 0 || len(f.P) > 0
}

// Matches reports whether ev satisfies every present selector in f.
func (f *F) Matches(ev *event.E) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, ev.IDHex()) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, ev.PubkeyHex()) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt64(f.Kinds, ev.Kind) {
		return false
	}
	if len(f.E) > 0 && !matchesTagSet(ev, "e", f.E) {
		return false
	}
	if len(f.P) > 0 && !matchesTagSet(ev, "p", f.P) {
		return false
	}
	if f.Since != nil && ev.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && ev.CreatedAt > *f.Until {
		return false
	}
	return true
}

func matchesTagSet(ev *event.E, name string, want []string) bool {
	for _, t := range ev.Tags {
		if t.Name() != name {
			continue
		}
		if containsString(want, t.Value()) {
			return true
		}
	}
	return false
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsInt64(set []int64, v int64) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// EffectiveLimit returns the filter's limit clamped to maxLimit, defaulting
// to maxLimit when the filter specifies none.
func (f *F) EffectiveLimit(maxLimit int) int {
	if f.Limit == nil {
		return maxLimit
	}
	if *f.Limit > maxLimit {
		return maxLimit
	}
	if *f.Limit < 0 {
		return 0
	}
	return *f.Limit
}
