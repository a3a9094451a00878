// Package event implements the canonical event record, its canonical
// serialization and id computation, and per-kind category classification.
// Grounded on the teacher relay's event.E / event.J split between an
// internal binary-friendly record and its wire JSON shape.
package event

import (
	"encoding/hex"
	"fmt"
)

// E is the canonical in-memory representation of a nostr-style event. Ids,
// keys and signatures are kept as raw bytes; hex is only at the wire edge.
type E struct {
	ID        []byte // 32 bytes
	Pubkey    []byte // 32 bytes
	CreatedAt int64
	Kind      int64
	Tags      Tags
	Content   string
	Sig       []byte // 64 bytes
}

// Tag is an ordered sequence of strings; element 0 is the tag name.
type Tag []string

// Tags is an ordered sequence of Tag.
type Tags []Tag

// Name returns the tag's name, or "" for a malformed empty tag.
func (t Tag) Name() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the tag's second element, or "" when absent.
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// Find returns the value of the first tag with the given name, and whether
// one was found.
func (t Tags) Find(name string) (value string, found bool) {
	for _, tag := range t {
		if tag.Name() == name {
			return tag.Value(), true
		}
	}
	return "", false
}

// All returns every tag with the given name.
func (t Tags) All(name string) (out []Tag) {
	for _, tag := range t {
		if tag.Name() == name {
			out = append(out, tag)
		}
	}
	return out
}

// IDHex renders the event id as 64 lowercase hex characters.
func (e *E) IDHex() string { return hex.EncodeToString(e.ID) }

// PubkeyHex renders the author key as 64 lowercase hex characters.
func (e *E) PubkeyHex() string { return hex.EncodeToString(e.Pubkey) }

// SigHex renders the signature as 128 lowercase hex characters.
func (e *E) SigHex() string { return hex.EncodeToString(e.Sig) }

// KindCategory classifies an event's kind per §3 of the specification.
type KindCategory int

const (
	Regular KindCategory = iota
	Replaceable
	Ephemeral
	ParameterizedReplaceable
	Deletion
)

const (
	KindMetadata  = 0
	KindContacts  = 3
	KindDM        = 4
	KindDeletion  = 5
	KindReaction  = 7
	KindAuth      = 22242
)

// Category returns the kind category for the given kind number.
func Category(kind int64) KindCategory {
	switch {
	case kind == KindDeletion:
		return Deletion
	case kind == 0 || kind == 3:
		return Replaceable
	case kind >= 10000 && kind < 20000:
		return Replaceable
	case kind >= 20000 && kind < 30000:
		return Ephemeral
	case kind >= 30000 && kind < 40000:
		return ParameterizedReplaceable
	default:
		return Regular
	}
}

// Category is a convenience accessor for e.Kind's category.
func (e *E) Category() KindCategory { return Category(e.Kind) }

// DTagValue returns the value of the first "d" tag, or "" if absent, for use
// as the third component of a parameterized-replaceable replacement key.
func (e *E) DTagValue() string {
	v, _ := e.Tags.Find("d")
	return v
}

// ReplacementKey identifies the (author, kind[, d]) slot a replaceable or
// parameterized-replaceable event occupies. Regular/ephemeral/deletion
// events have no replacement key.
type ReplacementKey struct {
	Pubkey string
	Kind   int64
	D      string
}

// ReplacementKey returns the event's replacement key and whether it has one.
func (e *E) ReplacementKey() (ReplacementKey, bool) {
	switch e.Category() {
	case Replaceable:
		return ReplacementKey{Pubkey: e.PubkeyHex(), Kind: e.Kind}, true
	case ParameterizedReplaceable:
		return ReplacementKey{Pubkey: e.PubkeyHex(), Kind: e.Kind, D: e.DTagValue()}, true
	default:
		return ReplacementKey{}, false
	}
}

func (e *E) String() string {
	return fmt.Sprintf("event{id=%s kind=%d author=%s}", e.IDHex(), e.Kind, e.PubkeyHex())
}
