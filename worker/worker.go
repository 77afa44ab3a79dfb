// Package worker implements the fixed-size worker pool: each worker loops
// claim -> heartbeat -> execute -> finish against the job store,
// cooperatively canceling in-flight work when RequestCancel is observed.
// Crash recovery needs no separate sweeper — ClaimNextLeasedJob already
// reclaims any job whose lease has expired, including ones whose previous
// worker died mid-execution.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/researchmcp/orchestrator/eventbus"
	"github.com/researchmcp/orchestrator/internal/errkind"
	"github.com/researchmcp/orchestrator/internal/telemetry"
	"github.com/researchmcp/orchestrator/jobs"
	"github.com/researchmcp/orchestrator/store"
)

// Handler executes one job of a given Kind. Implementations must poll
// rc.Canceled() (or observe ctx.Done, which fires when cancellation is
// requested) at reasonable checkpoints; cancellation is cooperative and
// only observed at those boundaries. The returned result is stored verbatim as the
// job's terminal Result on success.
type Handler interface {
	Handle(ctx context.Context, rc *RunContext, job jobs.Job) (result []byte, err error)
}

// ErrRetryRequested marks a handler failure the pool should retry by
// creating a replacement job under the same idempotency key, provided the
// retry budget is not exhausted. Handlers opt in with RequestRetry; plain
// failures are never re-queued.
var ErrRetryRequested = errors.New("worker: retry requested")

// RequestRetry wraps err so the pool re-queues the job if attempts remain.
func RequestRetry(err error) error {
	if err == nil {
		return ErrRetryRequested
	}
	return fmt.Errorf("%w: %w", ErrRetryRequested, err)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, rc *RunContext, job jobs.Job) ([]byte, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, rc *RunContext, job jobs.Job) ([]byte, error) {
	return f(ctx, rc, job)
}

// RunContext is the per-job handle a Handler uses to emit progress and
// check for cancellation. It is not safe for concurrent use by multiple
// goroutines within a single Handler invocation.
type RunContext struct {
	pool     *Pool
	jobID    string
	workerID string
}

// Publish appends an event to the job's durable log and fans it out to live
// subscribers via the event bus, in that order, so catch-up readers never
// observe a live event before it is durable.
func (rc *RunContext) Publish(ctx context.Context, typ jobs.EventType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	eventID, err := rc.pool.jobStore.AppendEvent(ctx, rc.jobID, typ, raw)
	if err != nil {
		return err
	}
	if rc.pool.bus != nil {
		rc.pool.bus.Publish(ctx, jobs.Event{
			JobID: rc.jobID, EventID: eventID, Type: typ, Payload: raw, Timestamp: time.Now(),
		})
	}
	return nil
}

// SetProgress records the job's 0-100 progress and emits a job.progress
// event carrying the new value.
func (rc *RunContext) SetProgress(ctx context.Context, progress int) error {
	if err := rc.pool.jobStore.UpdateProgress(ctx, rc.jobID, rc.workerID, progress); err != nil {
		return err
	}
	return rc.Publish(ctx, jobs.EventJobProgress, map[string]any{"progress": progress})
}

// Canceled reports whether cancellation has been requested for this job.
// Handle should check this (or ctx.Err()) at iteration boundaries such as
// sub-query or token-chunk loops.
func (rc *RunContext) Canceled(ctx context.Context) bool {
	requested, err := rc.pool.jobStore.IsCancelRequested(ctx, rc.jobID)
	return err == nil && requested
}

// Pool is the fixed-size worker pool.
type Pool struct {
	jobStore          store.JobStore
	bus               *eventbus.Bus
	logger            telemetry.Logger
	handlers          map[jobs.Kind]Handler
	concurrency       int
	leaseTTL          time.Duration
	heartbeatInterval time.Duration
	pollInterval      time.Duration

	// MaxAttempts bounds handler-requested retries under one idempotency
	// key. Zero means the default of 3.
	MaxAttempts int
}

// New constructs a Pool. Register handlers with RegisterHandler before
// calling Run.
func New(jobStore store.JobStore, bus *eventbus.Bus, logger telemetry.Logger, concurrency int, leaseTTL, heartbeatInterval time.Duration) *Pool {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		jobStore:          jobStore,
		bus:               bus,
		logger:            logger,
		handlers:          make(map[jobs.Kind]Handler),
		concurrency:       concurrency,
		leaseTTL:          leaseTTL,
		heartbeatInterval: heartbeatInterval,
		pollInterval:      250 * time.Millisecond,
	}
}

// RegisterHandler associates a Handler with a job Kind. Must be called
// before Run.
func (p *Pool) RegisterHandler(kind jobs.Kind, h Handler) {
	p.handlers[kind] = h
}

// Run starts concurrency worker goroutines and blocks until ctx is
// canceled, at which point it waits for in-flight jobs to reach a
// cancellation checkpoint and return.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		workerID := uuid.NewString()
		go func() {
			defer wg.Done()
			p.loop(ctx, workerID)
		}()
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.jobStore.ClaimNextLeasedJob(ctx, workerID, p.leaseTTL)
		if errors.Is(err, store.ErrNotFound) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.pollInterval):
			}
			continue
		}
		if err != nil {
			p.logger.Warn(ctx, "worker: claim failed", "worker", workerID, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.pollInterval):
			}
			continue
		}
		p.process(ctx, workerID, job)
	}
}

func (p *Pool) process(ctx context.Context, workerID string, job jobs.Job) {
	rc := &RunContext{pool: p, jobID: job.ID, workerID: workerID}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go p.heartbeatLoop(runCtx, job.ID, workerID, cancel, heartbeatDone)

	if err := p.jobStore.TransitionRunning(ctx, job.ID, workerID); err != nil {
		close(heartbeatDone)
		p.logger.Warn(ctx, "worker: transition running failed", "job", job.ID, "error", err)
		return
	}
	_ = rc.Publish(ctx, jobs.EventJobStarted, map[string]any{"attempt": job.AttemptCount})

	handler, ok := p.handlers[job.Kind]
	if !ok {
		close(heartbeatDone)
		p.finish(ctx, workerID, job, jobs.StatusFailed, errkind.New(errkind.Fatal, "no handler registered for kind "+string(job.Kind)))
		return
	}

	result, err := handler.Handle(runCtx, rc, job)
	close(heartbeatDone)

	status := jobs.StatusSucceeded
	switch {
	case err != nil && (errors.Is(err, context.Canceled) || errkind.IsCanceled(err)):
		status = jobs.StatusCanceled
	case err != nil:
		status = jobs.StatusFailed
	}
	if status == jobs.StatusSucceeded {
		p.finishOK(ctx, workerID, job, result)
		return
	}
	p.finish(ctx, workerID, job, status, err)

	if status == jobs.StatusFailed && errors.Is(err, ErrRetryRequested) {
		p.scheduleRetry(ctx, job)
	}
}

// scheduleRetry creates a replacement job for a failed attempt under the
// same idempotency key, pointing RetryOf at the failed job. The store
// enforces the retry budget; exhaustion just leaves the failed terminal
// state in place.
func (p *Pool) scheduleRetry(ctx context.Context, failed jobs.Job) {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	replacement := jobs.Job{
		ID:             fmt.Sprintf("%s-%d-%s", failed.Kind, time.Now().UnixNano(), uuid.NewString()),
		IdempotencyKey: failed.IdempotencyKey,
		Kind:           failed.Kind,
		Params:         failed.Params,
		RetryOf:        failed.ID,
	}
	newID, err := p.jobStore.BumpRetry(ctx, failed.IdempotencyKey, replacement, maxAttempts)
	if err != nil {
		p.logger.Warn(ctx, "worker: retry not scheduled", "job", failed.ID, "error", err)
		return
	}
	p.logger.Info(ctx, "worker: retry scheduled", "job", failed.ID, "retry", newID)
}

func (p *Pool) heartbeatLoop(ctx context.Context, jobID, workerID string, cancel context.CancelFunc, done <-chan struct{}) {
	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.jobStore.Heartbeat(context.Background(), jobID, workerID, p.leaseTTL); err != nil {
				p.logger.Warn(ctx, "worker: heartbeat failed", "job", jobID, "error", err)
			}
			if requested, err := p.jobStore.IsCancelRequested(context.Background(), jobID); err == nil && requested {
				cancel()
			}
		}
	}
}

func (p *Pool) finishOK(ctx context.Context, workerID string, job jobs.Job, result []byte) {
	if err := p.jobStore.FinishJob(ctx, job.ID, workerID, jobs.StatusSucceeded, result); err != nil {
		p.logger.Warn(ctx, "worker: finish succeeded failed", "job", job.ID, "error", err)
		return
	}
	p.publishTerminal(ctx, job.ID, jobs.EventJobSucceeded, result)
}

func (p *Pool) finish(ctx context.Context, workerID string, job jobs.Job, status jobs.Status, cause error) {
	payload, _ := json.Marshal(map[string]any{
		"kind":    errkind.Classify(cause),
		"message": cause.Error(),
	})
	if err := p.jobStore.FinishJob(ctx, job.ID, workerID, status, payload); err != nil {
		p.logger.Warn(ctx, "worker: finish failed", "job", job.ID, "status", status, "error", err)
		return
	}
	evType := jobs.EventJobFailed
	if status == jobs.StatusCanceled {
		evType = jobs.EventJobCanceled
	}
	p.publishTerminal(ctx, job.ID, evType, payload)
}

func (p *Pool) publishTerminal(ctx context.Context, jobID string, typ jobs.EventType, payload []byte) {
	if p.bus == nil {
		return
	}
	events, err := p.jobStore.ReadEvents(ctx, jobID, 0, 1<<30)
	if err != nil || len(events) == 0 {
		return
	}
	last := events[len(events)-1]
	p.bus.Publish(ctx, jobs.Event{JobID: jobID, EventID: last.EventID, Type: typ, Payload: payload, Timestamp: last.Timestamp})
}
