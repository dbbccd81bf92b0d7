// Package jwks fetches and caches the identity provider's public key set.
package jwks

import (
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"tripp/gateway/internal/circuitbreaker"
	"tripp/gateway/internal/metrics"
)

const (
	DefaultTTL          = 5 * time.Minute
	DefaultFetchTimeout = 3000 * time.Millisecond
	DefaultAlg          = "RS256"

	maxBodyBytes = 1 << 20
)

// Entry is one key of a fetched set.
type Entry struct {
	KID string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`

	Key crypto.PublicKey `json:"-"`
}

// KeySet is an immutable snapshot of the remote set.
type KeySet struct {
	Keys        []Entry
	FetchedAt   time.Time
	CachedUntil time.Time
}

// Lookup returns the entry for kid whose algorithm matches alg.
// Entries without an "alg" are treated as RS256.
func (ks *KeySet) Lookup(kid, alg string) *Entry {
	if ks == nil {
		return nil
	}
	for i := range ks.Keys {
		e := &ks.Keys[i]
		if e.KID != kid {
			continue
		}
		ea := e.Alg
		if ea == "" {
			ea = DefaultAlg
		}
		if ea == alg {
			return e
		}
	}
	return nil
}

// FetchError reports a failed key set fetch. Callers may retry later.
type FetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("jwks fetch %s: status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("jwks fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

var errEmptySet = errors.New("key set has no usable keys")

// Options configures a Cache. Zero TTL and Timeout take the package defaults.
type Options struct {
	URL     string
	TTL     time.Duration
	Timeout time.Duration
	// Client defaults to a pooled cleanhttp client.
	Client *http.Client
	// Breaker is optional; when set, fetches fail fast while it is open.
	Breaker *circuitbreaker.CircuitBreaker
}

// Cache holds the process-wide key set. Construct one per process.
type Cache struct {
	url     string
	ttl     time.Duration
	timeout time.Duration
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	group   singleflight.Group

	mu      sync.RWMutex
	set     *KeySet
	nowFunc func() time.Time
}

// New returns an empty Cache. The first Get fetches.
func New(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultFetchTimeout
	}
	if opts.Client == nil {
		opts.Client = cleanhttp.DefaultPooledClient()
	}
	return &Cache{
		url:     opts.URL,
		ttl:     opts.TTL,
		timeout: opts.Timeout,
		client:  opts.Client,
		breaker: opts.Breaker,
		nowFunc: time.Now,
	}
}

// Get returns the cached set while it is fresh, otherwise fetches it.
// Concurrent misses share one fetch.
func (c *Cache) Get(ctx context.Context) (*KeySet, error) {
	now := c.nowFunc()
	c.mu.RLock()
	set := c.set
	c.mu.RUnlock()
	if set != nil && now.Before(set.CachedUntil) {
		metrics.KeySetCacheHit.Inc()
		return set, nil
	}

	v, err, _ := c.group.Do("jwks", func() (any, error) {
		return c.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*KeySet), nil
}

// Invalidate drops the cached set so the next Get refetches.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.set = nil
	c.mu.Unlock()
}

func (c *Cache) refresh(ctx context.Context) (*KeySet, error) {
	if c.breaker != nil {
		if err := c.breaker.Allow(); err != nil {
			metrics.KeySetFetch.WithLabelValues("breaker_open").Inc()
			return nil, &FetchError{URL: c.url, Err: err}
		}
	}
	set, err := c.fetch(ctx)
	if err != nil {
		if c.breaker != nil {
			c.breaker.Failure()
		}
		metrics.KeySetFetch.WithLabelValues("error").Inc()
		log.Warn().Err(err).Str("jwks_url", c.url).Msg("key set fetch failed")
		return nil, err
	}
	if c.breaker != nil {
		c.breaker.Success()
	}
	metrics.KeySetFetch.WithLabelValues("ok").Inc()

	c.mu.Lock()
	c.set = set
	c.mu.Unlock()
	return set, nil
}

func (c *Cache) fetch(ctx context.Context) (*KeySet, error) {
	// The shared fetch outlives a cancelled caller but never the timeout.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, &FetchError{URL: c.url, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: c.url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, &FetchError{URL: c.url, Status: resp.StatusCode}
	}

	var doc struct {
		Keys []Entry `json:"keys"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&doc); err != nil {
		return nil, &FetchError{URL: c.url, Err: fmt.Errorf("decode: %w", err)}
	}

	keys := make([]Entry, 0, len(doc.Keys))
	for _, e := range doc.Keys {
		if e.KID == "" {
			continue
		}
		pub, err := KeyFromComponents(e.Kty, e.N, e.E)
		if err != nil {
			log.Debug().Err(err).Str("kid", e.KID).Msg("skipping unusable key")
			continue
		}
		e.Key = pub
		keys = append(keys, e)
	}
	if len(keys) == 0 {
		return nil, &FetchError{URL: c.url, Err: errEmptySet}
	}

	now := c.nowFunc()
	return &KeySet{
		Keys:        keys,
		FetchedAt:   now,
		CachedUntil: now.Add(c.ttl),
	}, nil
}
