// Package store defines the persistence layer interfaces for the
// orchestrator: the retrieval store and its job-store sub-interface.
// Concrete backends live in subpackages — store/postgres for production,
// store/inmem for tests and local development — a narrow interface with
// interchangeable implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/researchmcp/orchestrator/jobs"
)

// Sentinel errors shared by every backend. Backends must return these (or
// errors satisfying errors.Is against them) rather than backend-specific
// error values, so callers can branch without importing a concrete backend.
var (
	// ErrNotFound indicates no row exists for the requested key.
	ErrNotFound = errors.New("store: not found")
	// ErrTransient indicates a retryable failure: connection reset,
	// deadlock, serialization failure.
	ErrTransient = errors.New("store: transient failure")
	// ErrLeaseNotOwned indicates a heartbeat/finish call named a worker that
	// does not currently hold the job's lease.
	ErrLeaseNotOwned = errors.New("store: lease not owned by caller")
)

type (
	// Report is a persisted research result.
	Report struct {
		ID             int64
		OriginalQuery  string
		FinalReport    string
		QueryEmbedding []float32
		Metadata       map[string]any
		Rating         *int
		CreatedAt      time.Time
	}

	// IndexedDocument is a persisted retrieval candidate.
	IndexedDocument struct {
		SourceType   string
		SourceID     string
		Title        string
		Content      string
		DocEmbedding []float32
		DocLen       int
		CreatedAt    time.Time
		UpdatedAt    time.Time
	}

	// CacheEntry is a persisted fingerprint-keyed cache row. The process-local Cache Layer (package cache) is the primary
	// consumer; persisting entries lets a restarted process recover warm
	// cache state instead of recomputing every in-flight fingerprint.
	CacheEntry struct {
		Fingerprint    string
		Kind           jobs.Kind
		Result         []byte
		QueryEmbedding []float32
		CreatedAt      time.Time
		ExpiresAt      time.Time
		HitCount       int64
	}

	// IdempotencyRecord is the persisted mapping from a fingerprint to the
	// job it created.
	IdempotencyRecord struct {
		Key        string
		JobID      string
		CreatedAt  time.Time
		ExpiresAt  time.Time
		RetryCount int
	}

	// SearchScope restricts hybrid_search candidates.
	SearchScope string

	// SearchWeights combines BM25 and vector scores.
	SearchWeights struct {
		BM25   float64
		Vector float64
	}

	// Hit is a single hybrid_search result.
	Hit struct {
		SourceType string
		SourceID   string
		Title      string
		Snippet    string
		Score      float64
		BM25Score  float64
		VecScore   float64
		CreatedAt  time.Time
	}

	// HybridSearchResult carries ranked hits plus a flag reporting that one
	// scoring component was unavailable and the other took full weight.
	HybridSearchResult struct {
		Hits     []Hit
		Degraded bool
	}

	// JobStore is the sub-interface of the Retrieval Store dealing
	// exclusively with jobs, their lease lifecycle, and their event log
	//.
	JobStore interface {
		// InsertJob atomically inserts job under idempotencyKey, or returns
		// the job id of an existing unexpired record for that key with
		// existing=true.
		InsertJob(ctx context.Context, job jobs.Job) (jobID string, existing bool, err error)

		// GetJob loads a job by id. Returns ErrNotFound if absent.
		GetJob(ctx context.Context, jobID string) (jobs.Job, error)

		// ClaimNextLeasedJob atomically selects the oldest queued job (or a
		// leased or running job whose lease has expired), marks it leased under
		// workerID for leaseTTL, increments AttemptCount, and returns it.
		// Returns ErrNotFound if no job is claimable.
		ClaimNextLeasedJob(ctx context.Context, workerID string, leaseTTL time.Duration) (jobs.Job, error)

		// Heartbeat extends the lease iff workerID currently owns it.
		// Returns ErrLeaseNotOwned otherwise.
		Heartbeat(ctx context.Context, jobID, workerID string, leaseTTL time.Duration) error

		// TransitionRunning marks a leased job running; must be called by
		// the lease owner.
		TransitionRunning(ctx context.Context, jobID, workerID string) error

		// UpdateProgress records the job's 0-100 progress value; must be
		// called by the lease owner.
		UpdateProgress(ctx context.Context, jobID, workerID string, progress int) error

		// AppendEvent inserts an event with EventID = max(EventID)+1 for the
		// job, under a per-job serialization lock.
		AppendEvent(ctx context.Context, jobID string, typ jobs.EventType, payload []byte) (eventID int64, err error)

		// ReadEvents returns up to limit events with EventID > sinceEventID
		// in ascending order.
		ReadEvents(ctx context.Context, jobID string, sinceEventID int64, limit int) ([]jobs.Event, error)

		// FinishJob transitions a job to a terminal status and records the
		// result, guarded by an owner check, emitting the terminal event in
		// the same transaction.
		FinishJob(ctx context.Context, jobID, workerID string, status jobs.Status, result []byte) error

		// RequestCancel marks a non-terminal job for cancellation,
		// idempotently, and returns the status observed before the request.
		RequestCancel(ctx context.Context, jobID string) (previous jobs.Status, err error)

		// IsCancelRequested reports whether cancellation has been requested
		// for jobID. Workers poll this at cooperative checkpoints.
		IsCancelRequested(ctx context.Context, jobID string) (bool, error)

		// ReapTerminal hard-deletes terminal jobs (and their events) older
		// than olderThan, returning the number removed.
		ReapTerminal(ctx context.Context, olderThan time.Duration) (int64, error)

		// BumpRetry records a bounded retry against idempotencyKey, creating
		// a new job whose RetryOf points at the previous failed job, and
		// returns the new job id. Returns an error once RetryCount+1, the
		// number of attempts already made under the key, has reached
		// maxAttempts.
		BumpRetry(ctx context.Context, idempotencyKey string, newJob jobs.Job, maxAttempts int) (jobID string, err error)
	}

	// RetrievalStore is the full persistence contract: the Job
	// Store plus reports, indexed documents, cache entries, and hybrid
	// search.
	RetrievalStore interface {
		JobStore

		// InsertReport persists a successful research result, assigning a
		// numeric report id.
		InsertReport(ctx context.Context, r Report) (int64, error)

		// GetReport loads a report by id.
		GetReport(ctx context.Context, id int64) (Report, error)

		// UpsertIndexDocument inserts or replaces an indexed document keyed
		// by (SourceType, SourceID).
		UpsertIndexDocument(ctx context.Context, d IndexedDocument) error

		// HybridSearch ranks candidates in scope by the weighted combination
		// of normalised BM25 and cosine-similarity scores.
		HybridSearch(ctx context.Context, queryText string, queryEmbedding []float32, k int, scope SearchScope, weights SearchWeights) (HybridSearchResult, error)

		// GetCacheEntry and PutCacheEntry persist cache state so a
		// restarted process can recover warm entries; the process-local
		// Cache Layer is authoritative for single-flight and LRU semantics.
		GetCacheEntry(ctx context.Context, fingerprint string) (CacheEntry, error)
		PutCacheEntry(ctx context.Context, e CacheEntry) error
		ScanCacheEntries(ctx context.Context, kind jobs.Kind) ([]CacheEntry, error)

		// Close releases backend resources (connection pools, etc).
		Close() error
	}
)

// Search scopes.
const (
	ScopeBoth    SearchScope = "both"
	ScopeReports SearchScope = "reports"
	ScopeDocs    SearchScope = "docs"
)
