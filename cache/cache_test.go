package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/researchmcp/orchestrator/jobs"
	"github.com/researchmcp/orchestrator/store"
)

type memBackend struct {
	mu      sync.Mutex
	entries map[string]store.CacheEntry
}

func newMemBackend() *memBackend {
	return &memBackend{entries: make(map[string]store.CacheEntry)}
}

func (b *memBackend) GetCacheEntry(_ context.Context, fingerprint string) (store.CacheEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[fingerprint]
	if !ok {
		return store.CacheEntry{}, store.ErrNotFound
	}
	return e, nil
}

func (b *memBackend) PutCacheEntry(_ context.Context, e store.CacheEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[e.Fingerprint] = e
	return nil
}

func (b *memBackend) ScanCacheEntries(_ context.Context, kind jobs.Kind) ([]store.CacheEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []store.CacheEntry
	for _, e := range b.entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestGetExactHitAndExpiry(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	c, err := New(backend, nil, 100, 0.95, time.Hour)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := time.Now()
	c.clock = func() time.Time { return now }

	if err := c.Put(ctx, Entry{Fingerprint: "fp1", Kind: jobs.KindResearch, Result: []byte(`{"ok":true}`)}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	e, ok, err := c.Get(ctx, "fp1")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if string(e.Result) != `{"ok":true}` {
		t.Fatalf("unexpected result: %s", e.Result)
	}

	now = now.Add(2 * time.Hour)
	_, ok, err = c.Get(ctx, "fp1")
	if err != nil {
		t.Fatalf("Get after expiry: %v", err)
	}
	if ok {
		t.Fatal("expected miss after TTL expiry")
	}
}

func TestGetSemanticMatchesAboveThreshold(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	c, err := New(backend, nil, 100, 0.9, time.Hour)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := c.Put(ctx, Entry{
		Fingerprint:    "fp-a",
		Kind:           jobs.KindResearch,
		Result:         []byte(`"a"`),
		QueryEmbedding: []float32{1, 0, 0},
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Near-identical embedding should match.
	e, ok := c.GetSemantic(ctx, jobs.KindResearch, []float32{0.99, 0.01, 0})
	if !ok {
		t.Fatal("expected semantic hit for near-identical embedding")
	}
	if e.Fingerprint != "fp-a" {
		t.Fatalf("unexpected match: %+v", e)
	}

	// Orthogonal embedding should not match.
	_, ok = c.GetSemantic(ctx, jobs.KindResearch, []float32{0, 1, 0})
	if ok {
		t.Fatal("expected no semantic hit for orthogonal embedding")
	}
}

func TestBuildSingleFlightDedupesConcurrentCallers(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	c, err := New(backend, nil, 100, 0.95, time.Hour)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var calls atomic.Int64
	const callers = 20
	var wg sync.WaitGroup
	results := make([]Entry, callers)
	errs := make([]error, callers)

	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			e, err := c.Build(ctx, "shared-fp", func(ctx context.Context) (Entry, error) {
				calls.Add(1)
				time.Sleep(10 * time.Millisecond)
				return Entry{Fingerprint: "shared-fp", Kind: jobs.KindResearch, Result: []byte(`"built"`)}, nil
			})
			results[i] = e
			errs[i] = err
		}(i)
	}
	close(start)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("expected exactly 1 build call, got %d", calls.Load())
	}
	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d returned error: %v", i, err)
		}
		if string(results[i].Result) != `"built"` {
			t.Fatalf("caller %d got unexpected result: %s", i, results[i].Result)
		}
	}
}

func TestGetPropagatesBackendErrors(t *testing.T) {
	ctx := context.Background()
	failing := failingBackend{err: errors.New("boom")}
	c, err := New(failing, nil, 100, 0.95, time.Hour)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, _, err = c.Get(ctx, "missing")
	if err == nil {
		t.Fatal("expected backend error to propagate")
	}
}

type failingBackend struct{ err error }

func (f failingBackend) GetCacheEntry(context.Context, string) (store.CacheEntry, error) {
	return store.CacheEntry{}, f.err
}
func (f failingBackend) PutCacheEntry(context.Context, store.CacheEntry) error { return f.err }
func (f failingBackend) ScanCacheEntries(context.Context, jobs.Kind) ([]store.CacheEntry, error) {
	return nil, f.err
}
