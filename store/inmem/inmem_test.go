package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/researchmcp/orchestrator/jobs"
	"github.com/researchmcp/orchestrator/store"
)

func TestInsertJobDeduplicatesByIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	s := New(time.Hour)

	job := jobs.Job{ID: "job-1", IdempotencyKey: "fp-a", Kind: jobs.KindResearch}
	id1, existing1, err := s.InsertJob(ctx, job)
	if err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	if existing1 {
		t.Fatal("first insert should not be existing")
	}

	dup := jobs.Job{ID: "job-2", IdempotencyKey: "fp-a", Kind: jobs.KindResearch}
	id2, existing2, err := s.InsertJob(ctx, dup)
	if err != nil {
		t.Fatalf("InsertJob dup: %v", err)
	}
	if !existing2 {
		t.Fatal("second insert with same key should report existing")
	}
	if id2 != id1 {
		t.Fatalf("expected dedup to return %q, got %q", id1, id2)
	}
}

func TestClaimNextLeasedJobReclaimsExpiredLease(t *testing.T) {
	ctx := context.Background()
	s := New(time.Hour)
	now := time.Now()
	s.SetClock(func() time.Time { return now })

	_, _, err := s.InsertJob(ctx, jobs.Job{ID: "job-1", IdempotencyKey: "fp-1", Kind: jobs.KindResearch})
	if err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	claimed, err := s.ClaimNextLeasedJob(ctx, "worker-a", 10*time.Second)
	if err != nil {
		t.Fatalf("ClaimNextLeasedJob: %v", err)
	}
	if claimed.Status != jobs.StatusLeased || claimed.LeaseOwner != "worker-a" {
		t.Fatalf("unexpected claim result: %+v", claimed)
	}

	// No other job claimable while the lease is live.
	if _, err := s.ClaimNextLeasedJob(ctx, "worker-b", 10*time.Second); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound while lease live, got %v", err)
	}

	// Advance past lease expiry; a different worker should reclaim it.
	now = now.Add(11 * time.Second)
	reclaimed, err := s.ClaimNextLeasedJob(ctx, "worker-b", 10*time.Second)
	if err != nil {
		t.Fatalf("ClaimNextLeasedJob after expiry: %v", err)
	}
	if reclaimed.LeaseOwner != "worker-b" {
		t.Fatalf("expected reclaim by worker-b, got owner %q", reclaimed.LeaseOwner)
	}
	if reclaimed.AttemptCount != 2 {
		t.Fatalf("expected AttemptCount 2 after reclaim, got %d", reclaimed.AttemptCount)
	}
}

func TestAppendEventSequenceIsGapFree(t *testing.T) {
	ctx := context.Background()
	s := New(time.Hour)
	_, _, _ = s.InsertJob(ctx, jobs.Job{ID: "job-1", IdempotencyKey: "fp-1", Kind: jobs.KindResearch})

	for i := 0; i < 5; i++ {
		id, err := s.AppendEvent(ctx, "job-1", jobs.EventJobProgress, []byte(`{}`))
		if err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
		if id != int64(i+1) {
			t.Fatalf("expected event id %d, got %d", i+1, id)
		}
	}

	events, err := s.ReadEvents(ctx, "job-1", 2, 100)
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events after id 2, got %d", len(events))
	}
	if events[0].EventID != 3 {
		t.Fatalf("expected first returned event id 3, got %d", events[0].EventID)
	}
}

func TestFinishJobRejectsIllegalTransition(t *testing.T) {
	ctx := context.Background()
	s := New(time.Hour)
	_, _, _ = s.InsertJob(ctx, jobs.Job{ID: "job-1", IdempotencyKey: "fp-1", Kind: jobs.KindResearch})

	// Job is still queued; FinishJob requires a running job transitioning to
	// a terminal state reachable from queued only via Canceled. The queued
	// job has no lease owner, so passing "" gets past the owner check and
	// the transition check is what rejects the call.
	if err := s.FinishJob(ctx, "job-1", "", jobs.StatusSucceeded, []byte(`{}`)); err == nil {
		t.Fatal("expected illegal transition error")
	}
}

func TestHybridSearchDegradesWithoutEmbeddings(t *testing.T) {
	ctx := context.Background()
	s := New(time.Hour)
	if err := s.UpsertIndexDocument(ctx, store.IndexedDocument{
		SourceType: "wiki", SourceID: "1", Title: "Go concurrency", Content: "goroutines channels select",
	}); err != nil {
		t.Fatalf("UpsertIndexDocument: %v", err)
	}
	if err := s.UpsertIndexDocument(ctx, store.IndexedDocument{
		SourceType: "wiki", SourceID: "2", Title: "Rust ownership", Content: "borrow checker lifetimes",
	}); err != nil {
		t.Fatalf("UpsertIndexDocument: %v", err)
	}

	result, err := s.HybridSearch(ctx, "goroutines channels", nil, 10, store.ScopeDocs, store.SearchWeights{BM25: 0.7, Vector: 0.3})
	if err != nil {
		t.Fatalf("HybridSearch: %v", err)
	}
	if !result.Degraded {
		t.Fatal("expected degraded=true when no query embedding is supplied")
	}
	if len(result.Hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(result.Hits))
	}
	if result.Hits[0].SourceID != "1" {
		t.Fatalf("expected doc 1 to rank first by BM25, got %q", result.Hits[0].SourceID)
	}
}

func TestHybridSearchCombinesBM25AndVector(t *testing.T) {
	ctx := context.Background()
	s := New(time.Hour)
	matchEmbedding := []float32{1, 0, 0}
	offEmbedding := []float32{0, 1, 0}

	if err := s.UpsertIndexDocument(ctx, store.IndexedDocument{
		SourceType: "wiki", SourceID: "match", Content: "goroutines channels select concurrency", DocEmbedding: matchEmbedding,
	}); err != nil {
		t.Fatalf("UpsertIndexDocument: %v", err)
	}
	if err := s.UpsertIndexDocument(ctx, store.IndexedDocument{
		SourceType: "wiki", SourceID: "other", Content: "cooking recipes baking bread", DocEmbedding: offEmbedding,
	}); err != nil {
		t.Fatalf("UpsertIndexDocument: %v", err)
	}

	result, err := s.HybridSearch(ctx, "goroutines channels", matchEmbedding, 10, store.ScopeDocs, store.SearchWeights{BM25: 0.7, Vector: 0.3})
	if err != nil {
		t.Fatalf("HybridSearch: %v", err)
	}
	if result.Degraded {
		t.Fatal("expected no degradation when both signals present")
	}
	if len(result.Hits) != 2 || result.Hits[0].SourceID != "match" {
		t.Fatalf("expected 'match' to rank first, got %+v", result.Hits)
	}
}
