// Package dispatch implements the Job API & Dispatch component (spec
// §4.8): submit/status/cancel against the Job Store, idempotency
// fingerprinting, and per-kind schema validation before a job is ever
// persisted. It is the synchronous entry point every transport adapter
// calls into; the Worker Pool picks up whatever it inserts.
package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/researchmcp/orchestrator/dispatch/schema"
	"github.com/researchmcp/orchestrator/internal/errkind"
	"github.com/researchmcp/orchestrator/jobs"
	"github.com/researchmcp/orchestrator/research"
	"github.com/researchmcp/orchestrator/store"
)

// SubmitResult is the submit() response.
type SubmitResult struct {
	JobID    string      `json:"job_id"`
	Status   jobs.Status `json:"status"`
	Existing bool        `json:"existing"`
	SSEURL   string      `json:"sse_url"`
}

// StatusFormat selects how much of a job's state status() returns.
type StatusFormat string

// Status formats.
const (
	FormatSummary StatusFormat = "summary"
	FormatFull    StatusFormat = "full"
	FormatEvents  StatusFormat = "events"
)

// StatusView is the status() response.
type StatusView struct {
	JobID    string       `json:"job_id"`
	Status   jobs.Status  `json:"status"`
	Progress int          `json:"progress"`
	ReportID *int64       `json:"reportId,omitempty"`
	Events   []jobs.Event `json:"events,omitempty"`
}

// CancelResult is the cancel() response.
type CancelResult struct {
	JobID          string      `json:"job_id"`
	Cancelled      bool        `json:"cancelled"`
	PreviousStatus jobs.Status `json:"previous_status"`
}

// Dispatcher validates, fingerprints, and submits jobs, and answers
// status/cancel queries against the Job Store.
type Dispatcher struct {
	Store             store.JobStore
	Schemas           *schema.Registry
	FingerprintLength int
	MaxAttempts       int
	SSEURLBase        string // e.g. "/events/"
}

// New constructs a Dispatcher. Pass schema.DefaultRegistry() for sr unless
// the caller registers custom per-kind schemas.
func New(s store.JobStore, sr *schema.Registry, fingerprintLength, maxAttempts int) *Dispatcher {
	if fingerprintLength <= 0 {
		fingerprintLength = DefaultFingerprintLength
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Dispatcher{Store: s, Schemas: sr, FingerprintLength: fingerprintLength, MaxAttempts: maxAttempts, SSEURLBase: "/events/"}
}

// Submit validates paramsJSON against kind's schema, computes (or sanitizes)
// the idempotency key, and inserts the job. When async is false, the caller
// is expected to have already decided to block on the job's event stream;
// Submit itself only ever returns the initial job handle.
func (d *Dispatcher) Submit(ctx context.Context, kind jobs.Kind, paramsJSON []byte, clientIdempotencyKey string) (SubmitResult, error) {
	if err := d.Schemas.Validate(kind, paramsJSON); err != nil {
		return SubmitResult{}, errkind.Wrap(errkind.InvalidParams, "params failed schema validation", err)
	}

	key := SanitizeClientKey(clientIdempotencyKey)
	if key == "" {
		key = d.fingerprintFor(kind, paramsJSON)
	}

	job := jobs.Job{
		ID:             generateJobID(kind),
		IdempotencyKey: key,
		Kind:           kind,
		Params:         json.RawMessage(paramsJSON),
		Status:         jobs.StatusQueued,
		CreatedAt:      time.Now().UTC(),
	}
	jobID, existing, err := d.Store.InsertJob(ctx, job)
	if err != nil {
		return SubmitResult{}, errkind.Wrap(errkind.Transient, "insert job", err)
	}

	status := jobs.StatusQueued
	if existing {
		current, err := d.Store.GetJob(ctx, jobID)
		if err == nil {
			status = current.Status
		}
	}
	return SubmitResult{
		JobID:    jobID,
		Status:   status,
		Existing: existing,
		SSEURL:   d.SSEURLBase + jobID,
	}, nil
}

// fingerprintFor computes the idempotency fingerprint for kind, using the
// research canonicalisation for research/followup jobs and a
// plain sorted-key JSON hash for every other kind, since only the
// submit_research tool surface defines a richer canonical form.
func (d *Dispatcher) fingerprintFor(kind jobs.Kind, paramsJSON []byte) string {
	if kind == jobs.KindResearch || kind == jobs.KindFollowup {
		var p research.Params
		if err := json.Unmarshal(paramsJSON, &p); err == nil {
			return Fingerprint(p.Normalized(), d.FingerprintLength)
		}
	}
	return genericFingerprint(paramsJSON, d.FingerprintLength)
}

// Status implements status(). reportId extraction is
// best-effort over the terminal event payload, matching the documented
// fallback chain: a numeric "reportId"/"report_id" field, then a
// "Report ID: <n>" string in the "message" field, then a payload that is
// itself a bare number or numeric string.
func (d *Dispatcher) Status(ctx context.Context, jobID string, format StatusFormat, sinceEventID int64, maxEvents int) (StatusView, error) {
	job, err := d.Store.GetJob(ctx, jobID)
	if err != nil {
		if err == store.ErrNotFound {
			return StatusView{}, errkind.New(errkind.NotFound, "no such job "+jobID)
		}
		return StatusView{}, errkind.Wrap(errkind.Transient, "get job", err)
	}
	view := StatusView{JobID: job.ID, Status: job.Status, Progress: job.Progress}

	if maxEvents <= 0 {
		maxEvents = 50
	}
	if format == FormatFull || format == FormatEvents {
		events, err := d.Store.ReadEvents(ctx, jobID, sinceEventID, maxEvents)
		if err != nil {
			return StatusView{}, errkind.Wrap(errkind.Transient, "read events", err)
		}
		view.Events = events
	}
	if job.Status.IsTerminal() && job.Result != nil {
		if id, ok := extractReportID(job.Result); ok {
			view.ReportID = &id
		}
	}
	return view, nil
}

// Cancel implements cancel(): idempotent cancellation
// request, returning the status observed immediately before the request.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) (CancelResult, error) {
	previous, err := d.Store.RequestCancel(ctx, jobID)
	if err != nil {
		if err == store.ErrNotFound {
			return CancelResult{}, errkind.New(errkind.NotFound, "no such job "+jobID)
		}
		return CancelResult{}, errkind.Wrap(errkind.Transient, "request cancel", err)
	}
	return CancelResult{JobID: jobID, Cancelled: !previous.IsTerminal(), PreviousStatus: previous}, nil
}

// BatchParams is the jobs.KindBatch payload.
type BatchParams struct {
	Queries []string `json:"queries"`
}

// BatchResult is the batch_research tool response.
type BatchResult struct {
	JobIDs []string `json:"jobIds"`
}

// SubmitBatch validates paramsJSON as a BatchParams document and submits one
// research job per query, fanning the batch out into independent,
// independently-idempotent jobs rather than a single job of jobs.KindBatch —
// the Worker Pool has no notion of a job containing sub-jobs, so a batch is
// just N ordinary submits sharing no job state.
func (d *Dispatcher) SubmitBatch(ctx context.Context, paramsJSON []byte, costPreference string) (BatchResult, error) {
	if err := d.Schemas.Validate(jobs.KindBatch, paramsJSON); err != nil {
		return BatchResult{}, errkind.Wrap(errkind.InvalidParams, "batch params failed schema validation", err)
	}
	var batch BatchParams
	if err := json.Unmarshal(paramsJSON, &batch); err != nil {
		return BatchResult{}, errkind.Wrap(errkind.InvalidParams, "decode batch params", err)
	}
	if len(batch.Queries) > 10 {
		return BatchResult{}, errkind.New(errkind.InvalidParams, "batch_research accepts at most 10 queries")
	}

	ids := make([]string, 0, len(batch.Queries))
	for _, q := range batch.Queries {
		params := research.Params{Query: q, CostPreference: costPreference}.Normalized()
		raw, err := json.Marshal(params)
		if err != nil {
			return BatchResult{}, err
		}
		result, err := d.Submit(ctx, jobs.KindResearch, raw, "")
		if err != nil {
			return BatchResult{}, err
		}
		ids = append(ids, result.JobID)
	}
	return BatchResult{JobIDs: ids}, nil
}

// generateJobID produces an opaque, timestamp-prefixed id with a random
// suffix.
func generateJobID(kind jobs.Kind) string {
	return fmt.Sprintf("%s-%d-%s", kind, time.Now().UnixNano(), uuid.NewString())
}

func genericFingerprint(paramsJSON []byte, keyLength int) string {
	var v any
	if err := json.Unmarshal(paramsJSON, &v); err != nil {
		v = string(paramsJSON)
	}
	raw, _ := json.Marshal(v)
	return hashHex(raw, keyLength)
}

func extractReportID(result json.RawMessage) (int64, bool) {
	var generic map[string]any
	if err := json.Unmarshal(result, &generic); err != nil {
		// Not an object: accept a bare JSON number or numeric string.
		var n json.Number
		if err := json.Unmarshal(result, &n); err == nil {
			if id, err := n.Int64(); err == nil {
				return id, true
			}
		}
		return 0, false
	}
	for _, key := range []string{"reportId", "report_id"} {
		if v, ok := generic[key]; ok {
			if f, ok := v.(float64); ok {
				return int64(f), true
			}
		}
	}
	if s, ok := generic["message"].(string); ok {
		if idx := strings.Index(s, "Report ID:"); idx >= 0 {
			var n int64
			if _, err := fmt.Sscanf(s[idx:], "Report ID: %d", &n); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

func hashHex(raw []byte, keyLength int) string {
	if keyLength <= 0 {
		keyLength = DefaultFingerprintLength
	}
	sum := sha256.Sum256(raw)
	digest := hex.EncodeToString(sum[:])
	if keyLength > len(digest) {
		keyLength = len(digest)
	}
	return digest[:keyLength]
}
