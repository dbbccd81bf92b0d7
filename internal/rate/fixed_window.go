// Package rate provides the fixed-window request limiter shared by every
// gated route. Two adjacent windows can admit up to 2*limit requests across
// their boundary.
package rate

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog/log"
)

const (
	DefaultLimit    = 30
	DefaultWindow   = 60 * time.Second
	DefaultCapacity = 100_000

	anonUser  = "anon"
	noSession = "nosession"
)

type bucket struct {
	count   int
	resetAt time.Time
}

// Decision is the outcome of one Check.
type Decision struct {
	Allowed   bool
	Remaining int
	Limit     int
	Window    time.Duration
	ResetAt   time.Time
}

// ResetEpoch is the window reset time in unix seconds.
func (d Decision) ResetEpoch() int64 { return d.ResetAt.Unix() }

// RetryAfter is the whole number of seconds until the window resets, at least 1.
func (d Decision) RetryAfter(now time.Time) int {
	secs := int(d.ResetAt.Sub(now).Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// FixedWindow counts requests per key in fixed windows. Memory is bounded by
// capacity; the least recently used key is evicted first.
type FixedWindow struct {
	mu       sync.Mutex
	capacity int
	buckets  *simplelru.LRU[string, *bucket]
	nowFunc  func() time.Time
}

// NewFixedWindow tracks at most capacity keys, DefaultCapacity if capacity <= 0.
func NewFixedWindow(capacity int) *FixedWindow {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l, err := simplelru.NewLRU[string, *bucket](capacity, nil)
	if err != nil {
		// only possible for capacity <= 0
		panic(err)
	}
	return &FixedWindow{capacity: capacity, buckets: l, nowFunc: time.Now}
}

// Check counts one request for key and reports whether it is within limit.
func (f *FixedWindow) Check(key string, limit int, window time.Duration) Decision {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	now := f.nowFunc()

	f.mu.Lock()
	b, ok := f.buckets.Get(key)
	if !ok || !b.resetAt.After(now) {
		if n := f.buckets.Len(); !ok && n > f.capacity*90/100 && n%100 == 0 {
			log.Warn().Int("tracked_keys", n).Int("capacity", f.capacity).Msg("rate limiter approaching capacity")
		}
		b = &bucket{resetAt: now.Add(window)}
		f.buckets.Add(key, b)
	}
	b.count++
	count, resetAt := b.count, b.resetAt
	f.mu.Unlock()

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= limit,
		Remaining: remaining,
		Limit:     limit,
		Window:    window,
		ResetAt:   resetAt,
	}
}

// Len is the number of tracked keys.
func (f *FixedWindow) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buckets.Len()
}

// Key builds the composite limiter key for one identity tuple on one route.
// Missing user or session ids get fixed placeholders.
func Key(clientID, ip, userID, sessionID, route string) string {
	if userID == "" {
		userID = anonUser
	}
	if sessionID == "" {
		sessionID = noSession
	}
	var sb strings.Builder
	sb.Grow(len(clientID) + len(ip) + len(userID) + len(sessionID) + len(route) + 4)
	for i, p := range []string{clientID, ip, userID, sessionID, route} {
		if i > 0 {
			sb.WriteByte('|')
		}
		sb.WriteString(p)
	}
	return sb.String()
}

// Headers returns the X-RateLimit-* values for d.
func (d Decision) Headers() map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(d.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(d.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(d.ResetEpoch(), 10),
	}
}
