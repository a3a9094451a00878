// Package ratelimit implements the token-bucket admission gate (§4.3): one
// bucket table keyed by source address, one by author key, plus
// allow/deny lists and a per-source connection cap. Grounded on the
// teacher's single-writer, mutex-guarded bookkeeping style (see
// pkg/utils/iptracker.IPTracker), generalized to a lock-striped
// xsync.MapOf for the bucket tables since these are on the hot admission
// path for every connection and event (§5, §9: "inherently actor-shaped
// state" -- here structured as a table of independently-serialized
// buckets rather than one coarse lock).
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Result is the outcome of an admission check.
type Result struct {
	Reason string // empty means allowed
	Denied bool   // true for a blocked (deny-list or connection-cap) result, false for limited
}

// Allowed reports whether the result permits the operation.
func (r Result) Allowed() bool { return r.Reason == "" }

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refill     float64 // tokens/sec
	lastRefill time.Time
	lastTouch  time.Time
}

func newBucket(capacity, refill float64, now time.Time) *bucket {
	return &bucket{tokens: capacity, capacity: capacity, refill: refill, lastRefill: now, lastTouch: now}
}

// take attempts to consume n tokens, refilling lazily first. Returns
// whether the consumption succeeded.
func (b *bucket) take(n float64, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.refill
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastRefill = now
	}
	b.lastTouch = now
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

func (b *bucket) atCapacitySince(now time.Time) (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens >= b.capacity, b.lastTouch
}

// Config configures bucket capacities/refill rates and connection caps.
type Config struct {
	SourceCapacity          float64
	SourceRefill            float64
	AuthorCapacity          float64
	AuthorRefill            float64
	SubscriptionCost        float64
	MaxConnectionsPerSource int
	MaxBucketsPerTable      int
}

// Limiter is the single serialized owner of all rate-limiting state for the
// relay. Every exported method is safe for concurrent use; the underlying
// tables use lock striping (xsync.MapOf) rather than a single global mutex,
// while each individual bucket's refill/consume is itself serialized.
type Limiter struct {
	cfg Config

	bySource *xsync.MapOf[string, *bucket]
	byAuthor *xsync.MapOf[string, *bucket]

	connMu  sync.Mutex
	active  map[string]int

	listMu    sync.Mutex
	allowList map[string]struct{}
	denyList  map[string]struct{}
}

// New constructs a Limiter from cfg and a seed allow/deny list.
func New(cfg Config, allowList, denyList []string) *Limiter {
	l := &Limiter{
		cfg:       cfg,
		bySource:  xsync.NewMapOf[string, *bucket](),
		byAuthor:  xsync.NewMapOf[string, *bucket](),
		active:    make(map[string]int),
		allowList: make(map[string]struct{}, len(allowList)),
		denyList:  make(map[string]struct{}, len(denyList)),
	}
	for _, a := range allowList {
		l.allowList[a] = struct{}{}
	}
	for _, d := range denyList {
		if _, allowed := l.allowList[d]; !allowed {
			l.denyList[d] = struct{}{}
		}
	}
	return l
}

// Allow adds an address to the allow list, removing it from the deny list
// (§4.3: "adding to allow-list removes from deny-list").
func (l *Limiter) Allow(addr string) {
	l.listMu.Lock()
	defer l.listMu.Unlock()
	l.allowList[addr] = struct{}{}
	delete(l.denyList, addr)
}

// Deny adds an address to the deny list, unless it is allow-listed.
func (l *Limiter) Deny(addr string) {
	l.listMu.Lock()
	defer l.listMu.Unlock()
	if _, ok := l.allowList[addr]; ok {
		return
	}
	l.denyList[addr] = struct{}{}
}

func (l *Limiter) listStatus(addr string) (allowed, denied bool) {
	l.listMu.Lock()
	defer l.listMu.Unlock()
	_, allowed = l.allowList[addr]
	_, denied = l.denyList[addr]
	return
}

// AdmitConnection applies the connection cap and allow/deny lists for a new
// connection from src. On success the caller must call ReleaseConnection
// when the connection closes.
func (l *Limiter) AdmitConnection(src string) Result {
	allowed, denied := l.listStatus(src)
	if denied {
		return Result{Reason: "blocked: source address is denied", Denied: true}
	}
	if allowed {
		l.connMu.Lock()
		l.active[src]++
		l.connMu.Unlock()
		return Result{}
	}
	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.cfg.MaxConnectionsPerSource > 0 && l.active[src] >= l.cfg.MaxConnectionsPerSource {
		return Result{Reason: "blocked: too many connections from this source", Denied: true}
	}
	l.active[src]++
	return Result{}
}

// ReleaseConnection releases the connection counter for src.
func (l *Limiter) ReleaseConnection(src string) {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.active[src] > 0 {
		l.active[src]--
		if l.active[src] == 0 {
			delete(l.active, src)
		}
	}
}

// AdmitEvent consumes one token from both the source and author buckets
// for an EVENT submission.
func (l *Limiter) AdmitEvent(src, author string, eventSize, maxEventBytes int, now time.Time) Result {
	if allowed, denied := l.listStatus(src); denied {
		return Result{Reason: "blocked: source address is denied", Denied: true}
	} else if allowed {
		return Result{}
	}
	if maxEventBytes > 0 && eventSize > maxEventBytes {
		return Result{Reason: fmt.Sprintf(
			"rate-limited: event too large: %d bytes exceeds the %d byte cap", eventSize, maxEventBytes,
		)}
	}
	sb := l.bucketFor(l.bySource, src, l.cfg.SourceCapacity, l.cfg.SourceRefill, now)
	if !sb.take(1, now) {
		return Result{Reason: "rate-limited: source address bucket exhausted"}
	}
	if author != "" {
		ab := l.bucketFor(l.byAuthor, author, l.cfg.AuthorCapacity, l.cfg.AuthorRefill, now)
		if !ab.take(1, now) {
			return Result{Reason: "rate-limited: author bucket exhausted"}
		}
	}
	return Result{}
}

// AdmitSubscription consumes the subscription cost from the source bucket
// for a REQ.
func (l *Limiter) AdmitSubscription(src string, now time.Time) Result {
	if allowed, denied := l.listStatus(src); denied {
		return Result{Reason: "blocked: source address is denied", Denied: true}
	} else if allowed {
		return Result{}
	}
	sb := l.bucketFor(l.bySource, src, l.cfg.SourceCapacity, l.cfg.SourceRefill, now)
	if !sb.take(l.cfg.SubscriptionCost, now) {
		return Result{Reason: "rate-limited: subscription bucket exhausted"}
	}
	return Result{}
}

func (l *Limiter) bucketFor(table *xsync.MapOf[string, *bucket], key string, cap_, refill float64, now time.Time) *bucket {
	b, _ := table.LoadOrCompute(key, func() *bucket {
		return newBucket(cap_, refill, now)
	})
	return b
}

// Cleanup drops buckets that have been at full capacity continuously for at
// least one refill period, and caps each table's size by evicting the
// least-recently-touched entries. Intended to run hourly (§4.3).
func (l *Limiter) Cleanup(now time.Time) {
	cleanupTable(l.bySource, now, l.cfg.MaxBucketsPerTable)
	cleanupTable(l.byAuthor, now, l.cfg.MaxBucketsPerTable)
}

func cleanupTable(table *xsync.MapOf[string, *bucket], now time.Time, maxEntries int) {
	type entry struct {
		key       string
		lastTouch time.Time
	}
	var idle []entry
	table.Range(func(key string, b *bucket) bool {
		atCap, lastTouch := b.atCapacitySince(now)
		refillPeriod := time.Second
		if b.refill > 0 {
			refillPeriod = time.Duration(float64(time.Second) * (b.capacity / b.refill))
		}
		if atCap && now.Sub(lastTouch) >= refillPeriod {
			table.Delete(key)
			return true
		}
		idle = append(idle, entry{key, lastTouch})
		return true
	})
	if maxEntries <= 0 {
		return
	}
	size := table.Size()
	if size <= maxEntries {
		return
	}
	// Evict least-recently-touched entries until within budget.
	excess := size - maxEntries
	oldest := idle
	for i := 0; i < len(oldest) && excess > 0; i++ {
		min := i
		for j := i + 1; j < len(oldest); j++ {
			if oldest[j].lastTouch.Before(oldest[min].lastTouch) {
				min = j
			}
		}
		oldest[i], oldest[min] = oldest[min], oldest[i]
		table.Delete(oldest[i].key)
		excess--
	}
}
