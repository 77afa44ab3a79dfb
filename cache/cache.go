// Package cache implements the fingerprint-keyed Cache Layer:
// exact lookup by idempotency-style fingerprint, semantic lookup by cosine
// similarity over query embeddings, TTL expiry, LRU eviction bounding
// process memory, and single-flight build deduplication so concurrent
// misses for the same fingerprint trigger exactly one build. Bounded
// residency comes from hashicorp's LRU and build dedup from x/sync's
// singleflight, each doing exactly the job its name suggests.
package cache

import (
	"context"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/researchmcp/orchestrator/internal/telemetry"
	"github.com/researchmcp/orchestrator/jobs"
	"github.com/researchmcp/orchestrator/store"
)

// Entry is an in-process cache entry. It mirrors store.CacheEntry, including
// the embedding needed for semantic matching, minus the persisted hit
// counter.
type Entry struct {
	Fingerprint    string
	Kind           jobs.Kind
	Result         []byte
	QueryEmbedding []float32
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// Backend persists cache entries so a restarted process can recover warm
// state. store.RetrievalStore satisfies this directly; cache/redis offers
// a distributed alternative.
type Backend interface {
	GetCacheEntry(ctx context.Context, fingerprint string) (store.CacheEntry, error)
	PutCacheEntry(ctx context.Context, e store.CacheEntry) error
	ScanCacheEntries(ctx context.Context, kind jobs.Kind) ([]store.CacheEntry, error)
}

// Cache is the process-local result cache.
type Cache struct {
	backend    Backend
	logger     telemetry.Logger
	lru        *lru.Cache[string, Entry]
	flight     singleflight.Group
	similarity float64
	defaultTTL time.Duration
	clock      func() time.Time
	mu         sync.RWMutex
	byKindScan map[jobs.Kind][]string // fingerprint list per kind, for semantic scan
}

// New constructs a Cache bounded to maxEntries, using similarityThreshold
// as the minimum cosine similarity for a semantic hit and defaultTTL for entries that don't specify their own.
func New(backend Backend, logger telemetry.Logger, maxEntries int, similarityThreshold float64, defaultTTL time.Duration) (*Cache, error) {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	l, err := lru.New[string, Entry](maxEntries)
	if err != nil {
		return nil, err
	}
	return &Cache{
		backend:    backend,
		logger:     logger,
		lru:        l,
		similarity: similarityThreshold,
		defaultTTL: defaultTTL,
		clock:      time.Now,
		byKindScan: make(map[jobs.Kind][]string),
	}, nil
}

// Get performs an exact fingerprint lookup, falling back to the durable
// backend (and warming the in-process LRU) on an in-process miss. It
// returns ok=false on miss or expiry.
func (c *Cache) Get(ctx context.Context, fingerprint string) (Entry, bool, error) {
	if e, ok := c.lru.Get(fingerprint); ok {
		if c.clock().Before(e.ExpiresAt) {
			return e, true, nil
		}
		c.lru.Remove(fingerprint)
		return Entry{}, false, nil
	}
	if c.backend == nil {
		return Entry{}, false, nil
	}
	stored, err := c.backend.GetCacheEntry(ctx, fingerprint)
	if err != nil {
		if err == store.ErrNotFound {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	if c.clock().After(stored.ExpiresAt) {
		return Entry{}, false, nil
	}
	e := Entry{
		Fingerprint:    stored.Fingerprint,
		Kind:           stored.Kind,
		Result:         stored.Result,
		QueryEmbedding: stored.QueryEmbedding,
		CreatedAt:      stored.CreatedAt,
		ExpiresAt:      stored.ExpiresAt,
	}
	c.lru.Add(fingerprint, e)
	c.trackKind(e)
	return e, true, nil
}

// GetSemantic scans in-process entries of kind for the highest cosine
// similarity to queryEmbedding, returning it when similarity meets the
// configured threshold. Degrades to a miss,
// never an error, when no entry of kind is resident.
func (c *Cache) GetSemantic(_ context.Context, kind jobs.Kind, queryEmbedding []float32) (Entry, bool) {
	if len(queryEmbedding) == 0 {
		return Entry{}, false
	}
	c.mu.RLock()
	fingerprints := append([]string(nil), c.byKindScan[kind]...)
	c.mu.RUnlock()

	now := c.clock()
	var best Entry
	bestSim := -1.0
	for _, fp := range fingerprints {
		e, ok := c.lru.Peek(fp)
		if !ok || now.After(e.ExpiresAt) || len(e.QueryEmbedding) == 0 {
			continue
		}
		sim := cosineSimilarity(queryEmbedding, e.QueryEmbedding)
		if sim > bestSim {
			bestSim, best = sim, e
		}
	}
	if bestSim >= c.similarity {
		return best, true
	}
	return Entry{}, false
}

// Put inserts or replaces an entry, in-process and in the durable backend.
func (c *Cache) Put(ctx context.Context, e Entry) error {
	if e.ExpiresAt.IsZero() {
		e.ExpiresAt = c.clock().Add(c.defaultTTL)
	}
	c.lru.Add(e.Fingerprint, e)
	c.trackKind(e)
	if c.backend == nil {
		return nil
	}
	return c.backend.PutCacheEntry(ctx, store.CacheEntry{
		Fingerprint:    e.Fingerprint,
		Kind:           e.Kind,
		Result:         e.Result,
		QueryEmbedding: e.QueryEmbedding,
		CreatedAt:      e.CreatedAt,
		ExpiresAt:      e.ExpiresAt,
	})
}

func (c *Cache) trackKind(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, fp := range c.byKindScan[e.Kind] {
		if fp == e.Fingerprint {
			return
		}
	}
	c.byKindScan[e.Kind] = append(c.byKindScan[e.Kind], e.Fingerprint)
}

// Build runs fn to produce a cache entry for fingerprint, ensuring only one
// concurrent caller actually executes fn per fingerprint — concurrent callers for the same
// fingerprint block on and share the first caller's result.
func (c *Cache) Build(ctx context.Context, fingerprint string, fn func(ctx context.Context) (Entry, error)) (Entry, error) {
	v, err, shared := c.flight.Do(fingerprint, func() (any, error) {
		e, err := fn(ctx)
		if err != nil {
			return Entry{}, err
		}
		if err := c.Put(ctx, e); err != nil {
			return Entry{}, err
		}
		return e, nil
	})
	if shared {
		c.logger.Debug(ctx, "cache: build shared across concurrent callers", "fingerprint", fingerprint)
	}
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry), nil
}

func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
