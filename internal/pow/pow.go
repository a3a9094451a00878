// Package pow implements the leading-zero-bit proof-of-work check (§4.2).
package pow

import (
	"strconv"

	"novarelay.dev/internal/event"
)

// Difficulty returns the count of leading zero bits of id.
func Difficulty(id []byte) int {
	n := 0
	for _, b := range id {
		if b == 0 {
			n += 8
			continue
		}
		for mask := byte(0x80); mask > 0; mask >>= 1 {
			if b&mask != 0 {
				return n
			}
			n++
		}
	}
	return n
}

// Verify reports whether ev satisfies the minimum difficulty requirement.
// When minDifficulty is 0 every event is accepted (PoW disabled).
func Verify(ev *event.E, minDifficulty int) (ok bool, reason string) {
	if minDifficulty == 0 {
		return true, ""
	}
	var nonceTag event.Tag
	found := false
	for _, t := range ev.Tags {
		if t.Name() == "nonce" && len(t) >= 3 {
			nonceTag = t
			found = true
			break
		}
	}
	if !found {
		return false, "pow: missing nonce tag"
	}
	if target, err := strconv.Atoi(nonceTag[2]); err == nil {
		if target != Difficulty(ev.ID) {
			return false, "pow: committed target does not match actual difficulty"
		}
	}
	d := Difficulty(ev.ID)
	if d < minDifficulty {
		return false, "pow: insufficient difficulty"
	}
	return true, ""
}
