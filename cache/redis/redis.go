// Package redis implements cache.Backend against Redis, the distributed
// alternative to the process-local in-memory backend, selected with
// CACHE_BACKEND=redis. It stores a JSON-encoded record
// under a namespaced key with an explicit TTL, plus a per-kind Redis set for
// the kind-scoped scan semantic search needs.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/researchmcp/orchestrator/jobs"
	"github.com/researchmcp/orchestrator/store"
)

// Backend implements cache.Backend on top of a *redis.Client.
type Backend struct {
	rdb    *redis.Client
	prefix string
}

// New constructs a Backend. keyPrefix namespaces every key this backend
// writes (e.g. "researchmcp:cache:"), so a shared Redis instance can host
// multiple deployments.
func New(rdb *redis.Client, keyPrefix string) *Backend {
	if keyPrefix == "" {
		keyPrefix = "researchmcp:cache:"
	}
	return &Backend{rdb: rdb, prefix: keyPrefix}
}

func (b *Backend) entryKey(fingerprint string) string {
	return b.prefix + "entry:" + fingerprint
}

func (b *Backend) kindSetKey(kind jobs.Kind) string {
	return b.prefix + "kind:" + string(kind)
}

type wireEntry struct {
	Fingerprint    string    `json:"fingerprint"`
	Kind           jobs.Kind `json:"kind"`
	Result         []byte    `json:"result"`
	QueryEmbedding []float32 `json:"query_embedding,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	HitCount       int64     `json:"hit_count"`
}

// GetCacheEntry implements cache.Backend.
func (b *Backend) GetCacheEntry(ctx context.Context, fingerprint string) (store.CacheEntry, error) {
	raw, err := b.rdb.Get(ctx, b.entryKey(fingerprint)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return store.CacheEntry{}, store.ErrNotFound
		}
		return store.CacheEntry{}, fmt.Errorf("cache/redis: get: %w", err)
	}
	var w wireEntry
	if err := json.Unmarshal(raw, &w); err != nil {
		return store.CacheEntry{}, fmt.Errorf("cache/redis: decode entry: %w", err)
	}
	return store.CacheEntry{
		Fingerprint:    w.Fingerprint,
		Kind:           w.Kind,
		Result:         w.Result,
		QueryEmbedding: w.QueryEmbedding,
		CreatedAt:      w.CreatedAt,
		ExpiresAt:      w.ExpiresAt,
		HitCount:       w.HitCount,
	}, nil
}

// PutCacheEntry implements cache.Backend.
func (b *Backend) PutCacheEntry(ctx context.Context, e store.CacheEntry) error {
	w := wireEntry{
		Fingerprint:    e.Fingerprint,
		Kind:           e.Kind,
		Result:         e.Result,
		QueryEmbedding: e.QueryEmbedding,
		CreatedAt:      e.CreatedAt,
		ExpiresAt:      e.ExpiresAt,
		HitCount:       e.HitCount,
	}
	raw, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("cache/redis: encode entry: %w", err)
	}
	ttl := time.Until(e.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	pipe := b.rdb.TxPipeline()
	pipe.Set(ctx, b.entryKey(e.Fingerprint), raw, ttl)
	pipe.SAdd(ctx, b.kindSetKey(e.Kind), e.Fingerprint)
	pipe.Expire(ctx, b.kindSetKey(e.Kind), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache/redis: put pipeline: %w", err)
	}
	return nil
}

// ScanCacheEntries implements cache.Backend.
func (b *Backend) ScanCacheEntries(ctx context.Context, kind jobs.Kind) ([]store.CacheEntry, error) {
	members, err := b.rdb.SMembers(ctx, b.kindSetKey(kind)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("cache/redis: smembers: %w", err)
	}
	out := make([]store.CacheEntry, 0, len(members))
	for _, fp := range members {
		e, err := b.GetCacheEntry(ctx, fp)
		if err == store.ErrNotFound {
			b.rdb.SRem(ctx, b.kindSetKey(kind), fp)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
