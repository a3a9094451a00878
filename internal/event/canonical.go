package event

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/minio/sha256-simd"
)

// Canonical renders the canonical serialization the id is the SHA-256 of:
// the compact JSON array [0, pubkey, created_at, kind, tags, content] with
// lexicographic key order (there are no object keys at this level -- it is
// an array -- but string values are escaped per the same rules a
// lexicographically-ordered JSON encoder would apply: only '"', '\\' and
// control characters are escaped, nothing else, and strings are never
// reordered). encoding/json is intentionally not used here: its default
// escaping of U+2028/U+2029 would change the hash for events containing
// those code points.
func (e *E) Canonical() []byte {
	buf := make([]byte, 0, 256+len(e.Content))
	buf = append(buf, '[', '0', ',')
	buf = appendQuoted(buf, hex.EncodeToString(e.Pubkey))
	buf = append(buf, ',')
	buf = strconv.AppendInt(buf, e.CreatedAt, 10)
	buf = append(buf, ',')
	buf = strconv.AppendInt(buf, e.Kind, 10)
	buf = append(buf, ',')
	buf = append(buf, '[')
	for i, t := range e.Tags {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '[')
		for j, s := range t {
			if j > 0 {
				buf = append(buf, ',')
			}
			buf = appendQuoted(buf, s)
		}
		buf = append(buf, ']')
	}
	buf = append(buf, ']', ',')
	buf = appendQuoted(buf, e.Content)
	buf = append(buf, ']')
	return buf
}

// appendQuoted appends s to buf as a minimal JSON string literal: only '"',
// '\\', and ASCII control characters are escaped.
func appendQuoted(buf []byte, s string) []byte {
	buf = append(buf, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			buf = append(buf, '\\', '"')
		case '\\':
			buf = append(buf, '\\', '\\')
		case '\n':
			buf = append(buf, '\\', 'n')
		case '\r':
			buf = append(buf, '\\', 'r')
		case '\t':
			buf = append(buf, '\\', 't')
		case '\b':
			buf = append(buf, '\\', 'b')
		case '\f':
			buf = append(buf, '\\', 'f')
		default:
			if c < 0x20 {
				buf = append(buf, '\\', 'u')
				buf = append(buf, hexDigits(uint16(c))...)
			} else {
				buf = append(buf, c)
			}
		}
	}
	buf = append(buf, '"')
	return buf
}

func hexDigits(v uint16) []byte {
	const digits = "0123456789abcdef"
	return []byte{
		digits[(v>>12)&0xf],
		digits[(v>>8)&0xf],
		digits[(v>>4)&0xf],
		digits[v&0xf],
	}
}

// ComputeID returns the canonical SHA-256 id for the event's current
// content, independent of whatever is currently in e.ID.
func (e *E) ComputeID() []byte {
	sum := sha256.Sum256(e.Canonical())
	return sum[:]
}

// ValidateShape checks the minimal structural invariants every event must
// satisfy regardless of kind: well-formed hex fields of the right length.
func (e *E) ValidateShape() error {
	if len(e.ID) != sha256.Size {
		return fmt.Errorf("id must be %d bytes, got %d", sha256.Size, len(e.ID))
	}
	if len(e.Pubkey) != 32 {
		return fmt.Errorf("pubkey must be 32 bytes, got %d", len(e.Pubkey))
	}
	if len(e.Sig) != 64 {
		return fmt.Errorf("sig must be 64 bytes, got %d", len(e.Sig))
	}
	for _, t := range e.Tags {
		if len(t) == 0 {
			return fmt.Errorf("tag with zero elements")
		}
	}
	return nil
}
