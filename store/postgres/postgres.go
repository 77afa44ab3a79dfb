// Package postgres implements store.RetrievalStore on PostgreSQL via
// pgx/v5: jobs and their event logs, idempotency records, reports and
// indexed documents with pgvector embedding columns, and persisted cache
// entries. Lease claiming uses SELECT ... FOR UPDATE SKIP LOCKED so any
// number of workers can poll the queue without handing the same job to two
// of them, and the per-job event sequence is assigned under a row lock on
// the job itself so event ids stay gap-free under concurrent appends.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/researchmcp/orchestrator/jobs"
	"github.com/researchmcp/orchestrator/store"
	"github.com/researchmcp/orchestrator/store/rank"
)

// Store is the PostgreSQL-backed RetrievalStore.
type Store struct {
	pool           *pgxpool.Pool
	bm25           rank.BM25Params
	idempotencyTTL time.Duration
	// candidateLimit bounds how many rows each search component (full-text,
	// vector) contributes to the hybrid candidate set.
	candidateLimit int
}

// Option customises a Store.
type Option func(*Store)

// WithBM25Params overrides the default k1/b ranking parameters.
func WithBM25Params(p rank.BM25Params) Option {
	return func(s *Store) { s.bm25 = p }
}

// WithIdempotencyTTL overrides how long idempotency records dedup new
// submissions.
func WithIdempotencyTTL(ttl time.Duration) Option {
	return func(s *Store) { s.idempotencyTTL = ttl }
}

// New connects to dsn, applies pending migrations, and returns the Store.
func New(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	s := &Store{
		pool:           pool,
		bm25:           rank.DefaultBM25Params(),
		idempotencyTTL: time.Hour,
		candidateLimit: 512,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// classify maps pgx errors onto the store sentinel taxonomy so callers can
// retry serialisation failures and deadlocks without inspecting SQLSTATEs.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03": // serialization, deadlock, lock not available
			return fmt.Errorf("%w: %v", store.ErrTransient, err)
		}
	}
	if pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %v", store.ErrTransient, err)
	}
	return err
}

const jobColumns = `id, idempotency_key, kind, params, status, lease_owner,
	lease_expires_at, attempt_count, progress, progress_updated_at, result,
	retry_of, created_at, started_at, finished_at`

func scanJob(row pgx.Row) (jobs.Job, error) {
	var (
		j                               jobs.Job
		leaseExp, progUpd, started, fin *time.Time
		params, result                  []byte
	)
	err := row.Scan(&j.ID, &j.IdempotencyKey, &j.Kind, &params, &j.Status,
		&j.LeaseOwner, &leaseExp, &j.AttemptCount, &j.Progress, &progUpd,
		&result, &j.RetryOf, &j.CreatedAt, &started, &fin)
	if err != nil {
		return jobs.Job{}, classify(err)
	}
	j.Params = params
	j.Result = result
	if leaseExp != nil {
		j.LeaseExpiresAt = *leaseExp
	}
	if progUpd != nil {
		j.ProgressUpdatedAt = *progUpd
	}
	if started != nil {
		j.StartedAt = *started
	}
	if fin != nil {
		j.FinishedAt = *fin
	}
	return j, nil
}

// InsertJob implements store.JobStore. A single transaction either claims
// the idempotency key and inserts the job, or observes an unexpired record
// and returns its job id. The unique constraint on idempotency_keys.key is
// what makes N concurrent inserts with the same key converge on one job.
func (s *Store) InsertJob(ctx context.Context, job jobs.Job) (string, bool, error) {
	var (
		jobID    string
		existing bool
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Claim the key row first. The unique index serialises concurrent
		// submitters here: the upsert only lands when the key is new or its
		// record has expired, so exactly one caller wins and only the
		// winner inserts a job row. A loser racing a not-yet-committed
		// winner blocks on the conflicting insert until it commits, then
		// observes the winner's record.
		var claimedJobID string
		err := tx.QueryRow(ctx, `
			INSERT INTO idempotency_keys (key, job_id, created_at, expires_at)
			VALUES ($1, $2, now(), now() + $3)
			ON CONFLICT (key) DO UPDATE
			SET job_id = EXCLUDED.job_id, created_at = EXCLUDED.created_at,
			    expires_at = EXCLUDED.expires_at, retry_count = 0
			WHERE idempotency_keys.expires_at <= now()
			RETURNING job_id`,
			job.IdempotencyKey, job.ID, s.idempotencyTTL).Scan(&claimedJobID)
		if errors.Is(err, pgx.ErrNoRows) {
			// Unexpired record held by someone else: dedup onto its job.
			if err := tx.QueryRow(ctx,
				"SELECT job_id FROM idempotency_keys WHERE key = $1",
				job.IdempotencyKey).Scan(&jobID); err != nil {
				return err
			}
			existing = true
			return nil
		}
		if err != nil {
			return err
		}

		params := job.Params
		if len(params) == 0 {
			params = []byte("{}")
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO jobs (id, idempotency_key, kind, params, status, retry_of, created_at)
			VALUES ($1, $2, $3, $4, 'queued', $5, now())`,
			job.ID, job.IdempotencyKey, job.Kind, params, job.RetryOf); err != nil {
			return err
		}
		jobID = job.ID
		return nil
	})
	if err != nil {
		return "", false, classify(err)
	}
	return jobID, existing, nil
}

// GetJob implements store.JobStore.
func (s *Store) GetJob(ctx context.Context, jobID string) (jobs.Job, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = $1", jobID)
	return scanJob(row)
}

// ClaimNextLeasedJob implements store.JobStore. SKIP LOCKED lets concurrent
// claimers pass over a row another worker is mid-claim on instead of
// blocking, and an expired lease on a leased or running job makes the job
// claimable again, which is the whole of crash recovery.
func (s *Store) ClaimNextLeasedJob(ctx context.Context, workerID string, leaseTTL time.Duration) (jobs.Job, error) {
	row := s.pool.QueryRow(ctx, `
		WITH candidate AS (
			SELECT id FROM jobs
			WHERE status = 'queued'
			   OR (status IN ('leased', 'running') AND lease_expires_at < now())
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE jobs SET
			status = 'leased',
			lease_owner = $1,
			lease_expires_at = now() + $2,
			attempt_count = attempt_count + 1,
			started_at = COALESCE(started_at, now())
		FROM candidate
		WHERE jobs.id = candidate.id
		RETURNING jobs.id, jobs.idempotency_key, jobs.kind, jobs.params,
			jobs.status, jobs.lease_owner, jobs.lease_expires_at,
			jobs.attempt_count, jobs.progress, jobs.progress_updated_at,
			jobs.result, jobs.retry_of, jobs.created_at, jobs.started_at,
			jobs.finished_at`,
		workerID, leaseTTL)
	return scanJob(row)
}

// Heartbeat implements store.JobStore.
func (s *Store) Heartbeat(ctx context.Context, jobID, workerID string, leaseTTL time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET lease_expires_at = now() + $3
		WHERE id = $1 AND lease_owner = $2 AND status IN ('leased', 'running')`,
		jobID, workerID, leaseTTL)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return s.ownerCheckError(ctx, jobID, workerID)
	}
	return nil
}

// TransitionRunning implements store.JobStore.
func (s *Store) TransitionRunning(ctx context.Context, jobID, workerID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'running'
		WHERE id = $1 AND lease_owner = $2 AND status = 'leased'`,
		jobID, workerID)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return s.ownerCheckError(ctx, jobID, workerID)
	}
	return nil
}

// ownerCheckError distinguishes "no such job" from "lease not owned" after a
// guarded UPDATE matched zero rows.
func (s *Store) ownerCheckError(ctx context.Context, jobID, workerID string) error {
	var owner string
	var status jobs.Status
	err := s.pool.QueryRow(ctx, "SELECT lease_owner, status FROM jobs WHERE id = $1", jobID).
		Scan(&owner, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return classify(err)
	}
	if owner != workerID {
		return store.ErrLeaseNotOwned
	}
	return &jobs.ErrIllegalTransition{From: status, To: jobs.StatusRunning}
}

// UpdateProgress implements store.JobStore.
func (s *Store) UpdateProgress(ctx context.Context, jobID, workerID string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET progress = $3, progress_updated_at = now()
		WHERE id = $1 AND lease_owner = $2 AND status IN ('leased', 'running')`,
		jobID, workerID, progress)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return s.ownerCheckError(ctx, jobID, workerID)
	}
	return nil
}

// AppendEvent implements store.JobStore. The UPDATE of next_event_id takes a
// row lock on the job, serialising concurrent appends for the same job so
// the (job_id, event_id) sequence never gaps.
func (s *Store) AppendEvent(ctx context.Context, jobID string, typ jobs.EventType, payload []byte) (int64, error) {
	var eventID int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
			UPDATE jobs SET next_event_id = next_event_id + 1
			WHERE id = $1
			RETURNING next_event_id`, jobID).Scan(&eventID); err != nil {
			return err
		}
		if len(payload) == 0 {
			payload = []byte("{}")
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO job_events (job_id, event_id, type, payload, ts)
			VALUES ($1, $2, $3, $4, now())`,
			jobID, eventID, typ, payload)
		return err
	})
	if err != nil {
		return 0, classify(err)
	}
	return eventID, nil
}

// ReadEvents implements store.JobStore.
func (s *Store) ReadEvents(ctx context.Context, jobID string, sinceEventID int64, limit int) ([]jobs.Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, event_id, type, payload, ts
		FROM job_events
		WHERE job_id = $1 AND event_id > $2
		ORDER BY event_id
		LIMIT $3`, jobID, sinceEventID, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []jobs.Event
	for rows.Next() {
		var e jobs.Event
		var payload []byte
		if err := rows.Scan(&e.JobID, &e.EventID, &e.Type, &payload, &e.Timestamp); err != nil {
			return nil, classify(err)
		}
		e.Payload = payload
		out = append(out, e)
	}
	return out, classify(rows.Err())
}

// FinishJob implements store.JobStore. The state flip and the terminal event
// land in one transaction, so a reader can never observe the terminal event
// without the terminal state or vice versa.
func (s *Store) FinishJob(ctx context.Context, jobID, workerID string, status jobs.Status, result []byte) error {
	var evType jobs.EventType
	switch status {
	case jobs.StatusSucceeded:
		evType = jobs.EventJobSucceeded
	case jobs.StatusFailed:
		evType = jobs.EventJobFailed
	case jobs.StatusCanceled:
		evType = jobs.EventJobCanceled
	default:
		return &jobs.ErrIllegalTransition{From: "", To: status}
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var current jobs.Status
		var owner string
		if err := tx.QueryRow(ctx,
			"SELECT status, lease_owner FROM jobs WHERE id = $1 FOR UPDATE", jobID,
		).Scan(&current, &owner); err != nil {
			return err
		}
		if owner != workerID && status != jobs.StatusCanceled {
			return store.ErrLeaseNotOwned
		}
		if !jobs.CanTransition(current, status) {
			return &jobs.ErrIllegalTransition{From: current, To: status}
		}

		res := result
		if len(res) == 0 {
			res = []byte("{}")
		}
		var eventID int64
		if err := tx.QueryRow(ctx, `
			UPDATE jobs SET
				status = $2, result = $3, finished_at = now(),
				next_event_id = next_event_id + 1
			WHERE id = $1
			RETURNING next_event_id`, jobID, status, res).Scan(&eventID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO job_events (job_id, event_id, type, payload, ts)
			VALUES ($1, $2, $3, $4, now())`,
			jobID, eventID, evType, res)
		return err
	})
	return classify(err)
}

// RequestCancel implements store.JobStore.
func (s *Store) RequestCancel(ctx context.Context, jobID string) (jobs.Status, error) {
	var previous jobs.Status
	err := s.pool.QueryRow(ctx, `
		UPDATE jobs SET cancel_requested = true
		WHERE id = $1
		RETURNING status`, jobID).Scan(&previous)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", classify(err)
	}
	return previous, nil
}

// IsCancelRequested implements store.JobStore.
func (s *Store) IsCancelRequested(ctx context.Context, jobID string) (bool, error) {
	var requested bool
	err := s.pool.QueryRow(ctx,
		"SELECT cancel_requested FROM jobs WHERE id = $1", jobID).Scan(&requested)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, store.ErrNotFound
	}
	return requested, classify(err)
}

// ReapTerminal implements store.JobStore. Events cascade with the job rows;
// idempotency records for reaped jobs expire on their own TTL.
func (s *Store) ReapTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE status IN ('succeeded', 'failed', 'canceled')
		  AND finished_at < now() - $1`, olderThan)
	if err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}

// BumpRetry implements store.JobStore.
func (s *Store) BumpRetry(ctx context.Context, idempotencyKey string, newJob jobs.Job, maxAttempts int) (string, error) {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var retryCount int
		err := tx.QueryRow(ctx, `
			SELECT retry_count FROM idempotency_keys
			WHERE key = $1 FOR UPDATE`, idempotencyKey).Scan(&retryCount)
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		if retryCount+1 >= maxAttempts {
			return fmt.Errorf("store: max retry attempts reached for key %s", idempotencyKey)
		}
		params := newJob.Params
		if len(params) == 0 {
			params = []byte("{}")
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO jobs (id, idempotency_key, kind, params, status, retry_of, created_at)
			VALUES ($1, $2, $3, $4, 'queued', $5, now())`,
			newJob.ID, idempotencyKey, newJob.Kind, params, newJob.RetryOf); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE idempotency_keys SET
				job_id = $2, retry_count = retry_count + 1,
				expires_at = now() + $3
			WHERE key = $1`, idempotencyKey, newJob.ID, s.idempotencyTTL)
		return err
	})
	if err != nil {
		return "", classify(err)
	}
	return newJob.ID, nil
}

// vectorLiteral renders v in pgvector's text input format.
func vectorLiteral(v []float32) string {
	if len(v) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(x), 'g', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}

// parseVector decodes pgvector's text output format.
func parseVector(s string) []float32 {
	s = strings.Trim(strings.TrimSpace(s), "[]")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil
		}
		out = append(out, float32(f))
	}
	return out
}
