// Package inmem provides an in-memory RetrievalStore for tests and local
// development: a single mutex guarding plain Go maps, defensive copies on
// read/write, no durability across restarts. It implements the full
// contract — including lease claiming, idempotency, the per-job event
// sequence, and hybrid search — so unit tests can run against it without a
// database.
package inmem

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/researchmcp/orchestrator/jobs"
	"github.com/researchmcp/orchestrator/store"
	"github.com/researchmcp/orchestrator/store/rank"
)

type idemRecord struct {
	jobID      string
	createdAt  time.Time
	expiresAt  time.Time
	retryCount int
}

// Store is the in-memory RetrievalStore implementation.
type Store struct {
	mu sync.Mutex

	jobs           map[string]jobs.Job
	events         map[string][]jobs.Event // jobID -> events in append order
	cancelRequests map[string]bool
	idempotency    map[string]idemRecord

	reports    []store.Report
	nextReport int64

	docs map[string]store.IndexedDocument // key: sourceType+"/"+sourceID

	cache map[string]store.CacheEntry

	bm25           rank.BM25Params
	idempotencyTTL time.Duration
	clock          func() time.Time
}

// New constructs an empty in-memory store. idempotencyTTL governs how long
// an idempotency record remains valid for dedup purposes.
func New(idempotencyTTL time.Duration) *Store {
	if idempotencyTTL <= 0 {
		idempotencyTTL = time.Hour
	}
	return &Store{
		jobs:           make(map[string]jobs.Job),
		events:         make(map[string][]jobs.Event),
		cancelRequests: make(map[string]bool),
		idempotency:    make(map[string]idemRecord),
		docs:           make(map[string]store.IndexedDocument),
		cache:          make(map[string]store.CacheEntry),
		bm25:           rank.DefaultBM25Params(),
		idempotencyTTL: idempotencyTTL,
		clock:          time.Now,
	}
}

// SetClock overrides the time source, for deterministic tests of lease
// expiry and TTL behavior.
func (s *Store) SetClock(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = fn
}

func (s *Store) now() time.Time { return s.clock() }

// InsertJob implements store.JobStore.
func (s *Store) InsertJob(_ context.Context, job jobs.Job) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if rec, ok := s.idempotency[job.IdempotencyKey]; ok && rec.expiresAt.After(now) {
		return rec.jobID, true, nil
	}

	job.Status = jobs.StatusQueued
	job.CreatedAt = now
	s.jobs[job.ID] = job
	s.events[job.ID] = nil
	s.idempotency[job.IdempotencyKey] = idemRecord{
		jobID:     job.ID,
		createdAt: now,
		expiresAt: now.Add(s.idempotencyTTL),
	}
	return job.ID, false, nil
}

// GetJob implements store.JobStore.
func (s *Store) GetJob(_ context.Context, jobID string) (jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return jobs.Job{}, store.ErrNotFound
	}
	return j, nil
}

// ClaimNextLeasedJob implements store.JobStore. It scans for the
// oldest-created queued job, or a leased/running job whose lease has
// expired (crash recovery), and claims it. Iteration order over the map is
// made deterministic by sorting candidates on CreatedAt, oldest first.
func (s *Store) ClaimNextLeasedJob(_ context.Context, workerID string, leaseTTL time.Duration) (jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var candidates []jobs.Job
	for _, j := range s.jobs {
		switch j.Status {
		case jobs.StatusQueued:
			candidates = append(candidates, j)
		case jobs.StatusLeased, jobs.StatusRunning:
			if j.LeaseExpiresAt.Before(now) {
				candidates = append(candidates, j)
			}
		}
	}
	if len(candidates) == 0 {
		return jobs.Job{}, store.ErrNotFound
	}
	sort.Slice(candidates, func(i, k int) bool { return candidates[i].CreatedAt.Before(candidates[k].CreatedAt) })
	claimed := candidates[0]
	claimed.Status = jobs.StatusLeased
	claimed.LeaseOwner = workerID
	claimed.LeaseExpiresAt = now.Add(leaseTTL)
	claimed.AttemptCount++
	if claimed.StartedAt.IsZero() {
		claimed.StartedAt = now
	}
	s.jobs[claimed.ID] = claimed
	return claimed, nil
}

// Heartbeat implements store.JobStore.
func (s *Store) Heartbeat(_ context.Context, jobID, workerID string, leaseTTL time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	if j.LeaseOwner != workerID {
		return store.ErrLeaseNotOwned
	}
	j.LeaseExpiresAt = s.now().Add(leaseTTL)
	s.jobs[jobID] = j
	return nil
}

// TransitionRunning implements store.JobStore.
func (s *Store) TransitionRunning(_ context.Context, jobID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	if j.LeaseOwner != workerID {
		return store.ErrLeaseNotOwned
	}
	if !jobs.CanTransition(j.Status, jobs.StatusRunning) {
		return &jobs.ErrIllegalTransition{From: j.Status, To: jobs.StatusRunning}
	}
	j.Status = jobs.StatusRunning
	s.jobs[jobID] = j
	return nil
}

// UpdateProgress implements store.JobStore.
func (s *Store) UpdateProgress(_ context.Context, jobID, workerID string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	if j.LeaseOwner != workerID {
		return store.ErrLeaseNotOwned
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	j.Progress = progress
	j.ProgressUpdatedAt = s.now()
	s.jobs[jobID] = j
	return nil
}

// AppendEvent implements store.JobStore.
func (s *Store) AppendEvent(_ context.Context, jobID string, typ jobs.EventType, payload []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return 0, store.ErrNotFound
	}
	evs := s.events[jobID]
	nextID := int64(len(evs) + 1)
	e := jobs.Event{
		JobID:     jobID,
		EventID:   nextID,
		Type:      typ,
		Payload:   append([]byte(nil), payload...),
		Timestamp: s.now(),
	}
	s.events[jobID] = append(evs, e)
	return nextID, nil
}

// ReadEvents implements store.JobStore.
func (s *Store) ReadEvents(_ context.Context, jobID string, sinceEventID int64, limit int) ([]jobs.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.events[jobID]
	prealloc := len(evs)
	if limit > 0 && limit < prealloc {
		prealloc = limit
	}
	out := make([]jobs.Event, 0, prealloc)
	for _, e := range evs {
		if e.EventID <= sinceEventID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// FinishJob implements store.JobStore.
func (s *Store) FinishJob(_ context.Context, jobID, workerID string, status jobs.Status, result []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	if j.LeaseOwner != workerID && status != jobs.StatusCanceled {
		return store.ErrLeaseNotOwned
	}
	if !jobs.CanTransition(j.Status, status) {
		return &jobs.ErrIllegalTransition{From: j.Status, To: status}
	}
	j.Status = status
	j.Result = append([]byte(nil), result...)
	j.FinishedAt = s.now()
	s.jobs[jobID] = j

	var evType jobs.EventType
	switch status {
	case jobs.StatusSucceeded:
		evType = jobs.EventJobSucceeded
	case jobs.StatusFailed:
		evType = jobs.EventJobFailed
	case jobs.StatusCanceled:
		evType = jobs.EventJobCanceled
	}
	evs := s.events[jobID]
	nextID := int64(len(evs) + 1)
	s.events[jobID] = append(evs, jobs.Event{
		JobID: jobID, EventID: nextID, Type: evType,
		Payload: append([]byte(nil), result...), Timestamp: s.now(),
	})
	return nil
}

// RequestCancel implements store.JobStore.
func (s *Store) RequestCancel(_ context.Context, jobID string) (jobs.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return "", store.ErrNotFound
	}
	previous := j.Status
	s.cancelRequests[jobID] = true
	return previous, nil
}

// IsCancelRequested implements store.JobStore.
func (s *Store) IsCancelRequested(_ context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelRequests[jobID], nil
}

// ReapTerminal implements store.JobStore.
func (s *Store) ReapTerminal(_ context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var n int64
	for id, j := range s.jobs {
		if j.Status.IsTerminal() && now.Sub(j.FinishedAt) > olderThan {
			delete(s.jobs, id)
			delete(s.events, id)
			delete(s.cancelRequests, id)
			n++
		}
	}
	return n, nil
}

// BumpRetry implements store.JobStore.
func (s *Store) BumpRetry(_ context.Context, idempotencyKey string, newJob jobs.Job, maxAttempts int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.idempotency[idempotencyKey]
	if !ok {
		return "", store.ErrNotFound
	}
	if rec.retryCount+1 >= maxAttempts {
		return "", errors.New("store: max retry attempts reached")
	}
	now := s.now()
	newJob.Status = jobs.StatusQueued
	newJob.CreatedAt = now
	s.jobs[newJob.ID] = newJob
	s.events[newJob.ID] = nil
	rec.jobID = newJob.ID
	rec.retryCount++
	rec.expiresAt = now.Add(s.idempotencyTTL)
	s.idempotency[idempotencyKey] = rec
	return newJob.ID, nil
}

// InsertReport implements store.RetrievalStore.
func (s *Store) InsertReport(_ context.Context, r store.Report) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextReport++
	r.ID = s.nextReport
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	s.reports = append(s.reports, r)
	return r.ID, nil
}

// GetReport implements store.RetrievalStore.
func (s *Store) GetReport(_ context.Context, id int64) (store.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.reports {
		if r.ID == id {
			return r, nil
		}
	}
	return store.Report{}, store.ErrNotFound
}

// UpsertIndexDocument implements store.RetrievalStore.
func (s *Store) UpsertIndexDocument(_ context.Context, d store.IndexedDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := d.SourceType + "/" + d.SourceID
	now := s.now()
	if existing, ok := s.docs[key]; ok {
		d.CreatedAt = existing.CreatedAt
	} else {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	s.docs[key] = d
	return nil
}

// HybridSearch implements store.RetrievalStore: the candidate set is every
// resident document and report in scope, scored and ranked by the shared
// rank package.
func (s *Store) HybridSearch(_ context.Context, queryText string, queryEmbedding []float32, k int, scope store.SearchScope, weights store.SearchWeights) (store.HybridSearchResult, error) {
	s.mu.Lock()
	var cands []rank.Candidate
	if scope == store.ScopeBoth || scope == store.ScopeDocs {
		for _, d := range s.docs {
			cands = append(cands, rank.Candidate{
				SourceType: "doc:" + d.SourceType,
				SourceID:   d.SourceID,
				Title:      d.Title,
				Content:    d.Content,
				Embedding:  d.DocEmbedding,
				CreatedAt:  d.UpdatedAt,
			})
		}
	}
	if scope == store.ScopeBoth || scope == store.ScopeReports {
		for _, r := range s.reports {
			cands = append(cands, rank.Candidate{
				SourceType: "report",
				SourceID:   strconv.FormatInt(r.ID, 10),
				Title:      rank.Truncate(r.OriginalQuery, 80),
				Content:    r.OriginalQuery + "\n" + r.FinalReport,
				Embedding:  r.QueryEmbedding,
				CreatedAt:  r.CreatedAt,
			})
		}
	}
	s.mu.Unlock()

	return rank.Rank(s.bm25, cands, queryText, queryEmbedding, k, weights), nil
}

// GetCacheEntry implements store.RetrievalStore.
func (s *Store) GetCacheEntry(_ context.Context, fingerprint string) (store.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[fingerprint]
	if !ok {
		return store.CacheEntry{}, store.ErrNotFound
	}
	return e, nil
}

// PutCacheEntry implements store.RetrievalStore.
func (s *Store) PutCacheEntry(_ context.Context, e store.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[e.Fingerprint] = e
	return nil
}

// ScanCacheEntries implements store.RetrievalStore.
func (s *Store) ScanCacheEntries(_ context.Context, kind jobs.Kind) ([]store.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.CacheEntry, 0)
	for _, e := range s.cache {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out, nil
}

// Close implements store.RetrievalStore. No resources to release.
func (s *Store) Close() error { return nil }
