package event

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// wire is the JSON-on-the-wire shape of an event (§3, §6), using hex strings
// for binary fields the way every client on the wire expects.
type wire struct {
	ID        string   `json:"id"`
	Pubkey    string   `json:"pubkey"`
	CreatedAt int64    `json:"created_at"`
	Kind      int64    `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string   `json:"content"`
	Sig       string   `json:"sig"`
}

// UnmarshalJSON decodes an event from its wire JSON form. Hex fields are
// decoded to raw bytes but are not length-checked here -- shape validation
// is the validator's job (§4.1 step 4), not the codec's.
func (e *E) UnmarshalJSON(b []byte) error {
	var w wire
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return err
	}
	id, err := hex.DecodeString(w.ID)
	if err != nil {
		return fmt.Errorf("id: %w", err)
	}
	pk, err := hex.DecodeString(w.Pubkey)
	if err != nil {
		return fmt.Errorf("pubkey: %w", err)
	}
	sig, err := hex.DecodeString(w.Sig)
	if err != nil {
		return fmt.Errorf("sig: %w", err)
	}
	tags := make(Tags, 0, len(w.Tags))
	for _, t := range w.Tags {
		if len(t) == 0 {
			return fmt.Errorf("tag with no elements")
		}
		tags = append(tags, Tag(t))
	}
	e.ID = id
	e.Pubkey = pk
	e.CreatedAt = w.CreatedAt
	e.Kind = w.Kind
	e.Tags = tags
	e.Content = w.Content
	e.Sig = sig
	return nil
}

// MarshalJSON encodes an event into its wire JSON form.
func (e *E) MarshalJSON() ([]byte, error) {
	tags := make([][]string, len(e.Tags))
	for i, t := range e.Tags {
		tags[i] = []string(t)
	}
	w := wire{
		ID:        e.IDHex(),
		Pubkey:    e.PubkeyHex(),
		CreatedAt: e.CreatedAt,
		Kind:      e.Kind,
		Tags:      tags,
		Content:   e.Content,
		Sig:       e.SigHex(),
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(w); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ParseJSON decodes a single event from raw wire JSON bytes.
func ParseJSON(b []byte) (*E, error) {
	e := &E{}
	if err := e.UnmarshalJSON(b); err != nil {
		return nil, err
	}
	return e, nil
}
