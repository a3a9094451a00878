// Package spam implements the stateful spam-heuristic gate (§4.4).
// Grounded on the teacher's mutex-guarded bookkeeping idiom (see
// pkg/utils/iptracker.IPTracker) applied to a duplicate-content window and
// per-minute admission counter instead of per-IP block state.
package spam

import (
	"crypto/sha256"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"

	"novarelay.dev/internal/event"
)

// Verdict is the result of running the spam filter against one event.
type Verdict int

const (
	Pass Verdict = iota
	Suspicious
	Reject
)

// Result carries the verdict and, for Reject/Suspicious, the reason.
type Result struct {
	Verdict Verdict
	Reason  string
}

var urlRe = regexp.MustCompile(`https?://\S+`)

// Config bounds the heuristics; populated from config.C.
type Config struct {
	Keywords              []string
	ShortenerDomains      []string
	DuplicateWindow       time.Duration
	MaxEventsPerMinute    int
	MinContentLength      int
	MaxMentionsPerEvent   int
	MaxURLsPerEvent       int
	MaxTagsPerEvent       int
	MaxHashtagsPerEvent   int
}

type seenEntry struct {
	at time.Time
}

// Filter is the single serialized owner of spam-detection state: the
// duplicate-content hash window and the trailing-60s admission counter.
type Filter struct {
	mu sync.Mutex

	cfg Config

	seen          map[[32]byte]seenEntry
	admittedAt    []time.Time // trailing timestamps of admitted content hashes
	lastCleanup   time.Time
}

// New constructs a Filter from cfg.
func New(cfg Config) *Filter {
	return &Filter{cfg: cfg, seen: make(map[[32]byte]seenEntry)}
}

// Check runs every §4.4 heuristic, in order, against ev at time now.
func (f *Filter) Check(ev *event.E, now time.Time) Result {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.maybeCleanupLocked(now)

	hash := sha256.Sum256([]byte(ev.Content))
	if prior, ok := f.seen[hash]; ok && now.Sub(prior.at) < f.cfg.DuplicateWindow {
		return Result{Reject, "spam: duplicate content"}
	}
	cutoff := now.Add(-60 * time.Second)
	recent := 0
	for _, ts := range f.admittedAt {
		if ts.After(cutoff) {
			recent++
		}
	}
	if f.cfg.MaxEventsPerMinute > 0 && recent >= f.cfg.MaxEventsPerMinute {
		return Result{Reject, "spam: too many events admitted in the last minute"}
	}

	lower := strings.ToLower(ev.Content)
	for _, kw := range f.cfg.Keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return Result{Reject, "spam: content contains a blocked keyword"}
		}
	}

	verdict := Pass
	reason := ""
	raiseSuspicious := func(why string) {
		if verdict == Pass {
			verdict = Suspicious
			reason = why
		}
	}

	if len(ev.Content) > 10 && capsRatio(ev.Content) > 0.7 {
		raiseSuspicious("spam: excessive capitalization")
	}
	if hasLongRepeat(ev.Content, 10) {
		raiseSuspicious("spam: excessive character repetition")
	}
	if words := strings.Fields(ev.Content); len(words) > 5 {
		if repetitionRatio(words) > 0.5 {
			raiseSuspicious("spam: excessive word repetition")
		}
	}
	if ev.Kind == 1 && len(ev.Content) < f.cfg.MinContentLength {
		raiseSuspicious("spam: content shorter than minimum")
	}

	mentions := 0
	for _, t := range ev.Tags {
		if t.Name() == "p" {
			mentions++
		}
	}
	if f.cfg.MaxMentionsPerEvent > 0 && mentions > f.cfg.MaxMentionsPerEvent {
		return Result{Reject, "spam: too many mentions"}
	}
	if mentions > 5 {
		raiseSuspicious("spam: many mentions")
	}

	urls := urlRe.FindAllString(ev.Content, -1)
	if f.cfg.MaxURLsPerEvent > 0 && len(urls) > f.cfg.MaxURLsPerEvent {
		return Result{Reject, "spam: too many urls"}
	}
	for _, u := range urls {
		for _, d := range f.cfg.ShortenerDomains {
			if d != "" && strings.Contains(u, d) {
				raiseSuspicious("spam: shortener url")
				break
			}
		}
	}

	if f.cfg.MaxTagsPerEvent > 0 && len(ev.Tags) > f.cfg.MaxTagsPerEvent {
		return Result{Reject, "spam: too many tags"}
	}
	hashtags := 0
	for _, t := range ev.Tags {
		if t.Name() == "t" {
			hashtags++
		}
	}
	if f.cfg.MaxHashtagsPerEvent > 0 && hashtags > f.cfg.MaxHashtagsPerEvent {
		raiseSuspicious("spam: many hashtags")
	}

	f.seen[hash] = seenEntry{at: now}
	f.admittedAt = append(f.admittedAt, now)
	return Result{verdict, reason}
}

func capsRatio(s string) float64 {
	letters, upper := 0, 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if letters == 0 {
		return 0
	}
	return float64(upper) / float64(letters)
}

func hasLongRepeat(s string, max int) bool {
	if len(s) == 0 {
		return false
	}
	run := 1
	runes := []rune(s)
	for i := 1; i < len(runes); i++ {
		if runes[i] == runes[i-1] {
			run++
			if run > max {
				return true
			}
		} else {
			run = 1
		}
	}
	return false
}

func repetitionRatio(words []string) float64 {
	unique := make(map[string]struct{}, len(words))
	for _, w := range words {
		unique[w] = struct{}{}
	}
	return float64(len(words)-len(unique)) / float64(len(words))
}

// Cleanup drops duplicate-hash entries older than the duplicate window and
// admission timestamps older than 60s. Intended to run every 5 minutes (§4.4).
func (f *Filter) Cleanup(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanupLocked(now)
}

func (f *Filter) maybeCleanupLocked(now time.Time) {
	if now.Sub(f.lastCleanup) < 5*time.Minute {
		return
	}
	f.cleanupLocked(now)
}

func (f *Filter) cleanupLocked(now time.Time) {
	f.lastCleanup = now
	cutoff := now.Add(-f.cfg.DuplicateWindow)
	for k, v := range f.seen {
		if v.at.Before(cutoff) {
			delete(f.seen, k)
		}
	}
	admittedCutoff := now.Add(-60 * time.Second)
	kept := f.admittedAt[:0]
	for _, ts := range f.admittedAt {
		if ts.After(admittedCutoff) {
			kept = append(kept, ts)
		}
	}
	f.admittedAt = kept
}
