package worker

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/researchmcp/orchestrator/eventbus"
	"github.com/researchmcp/orchestrator/jobs"
	"github.com/researchmcp/orchestrator/store/inmem"
)

func TestPoolRunsJobToSuccess(t *testing.T) {
	s := inmem.New(time.Hour)
	bus := eventbus.New(s, nil)
	pool := New(s, bus, nil, 2, 5*time.Second, 50*time.Millisecond)

	pool.RegisterHandler(jobs.KindResearch, HandlerFunc(func(ctx context.Context, rc *RunContext, job jobs.Job) ([]byte, error) {
		_ = rc.Publish(ctx, jobs.EventJobProgress, map[string]any{"stage": "working"})
		return []byte(`{"ok":true}`), nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	jobID, _, err := s.InsertJob(ctx, jobs.Job{ID: "job-1", IdempotencyKey: "fp-1", Kind: jobs.KindResearch, Params: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	runCtx, runCancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		pool.Run(runCtx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	var final jobs.Job
	for time.Now().Before(deadline) {
		final, err = s.GetJob(ctx, jobID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if final.Status.IsTerminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	runCancel()
	<-done

	if final.Status != jobs.StatusSucceeded {
		t.Fatalf("expected job to succeed, got status %q", final.Status)
	}
	if string(final.Result) != `{"ok":true}` {
		t.Fatalf("unexpected result: %s", final.Result)
	}

	events, err := s.ReadEvents(ctx, jobID, 0, 100)
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	var sawStarted, sawProgress, sawSucceeded bool
	for _, e := range events {
		switch e.Type {
		case jobs.EventJobStarted:
			sawStarted = true
		case jobs.EventJobProgress:
			sawProgress = true
		case jobs.EventJobSucceeded:
			sawSucceeded = true
		}
	}
	if !sawStarted || !sawProgress || !sawSucceeded {
		t.Fatalf("missing expected events: started=%v progress=%v succeeded=%v", sawStarted, sawProgress, sawSucceeded)
	}
}

func TestPoolMarksJobFailedOnHandlerError(t *testing.T) {
	s := inmem.New(time.Hour)
	bus := eventbus.New(s, nil)
	pool := New(s, bus, nil, 1, 5*time.Second, 50*time.Millisecond)

	pool.RegisterHandler(jobs.KindIndex, HandlerFunc(func(ctx context.Context, rc *RunContext, job jobs.Job) ([]byte, error) {
		return nil, context.DeadlineExceeded
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	jobID, _, err := s.InsertJob(ctx, jobs.Job{ID: "job-2", IdempotencyKey: "fp-2", Kind: jobs.KindIndex, Params: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	runCtx, runCancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		pool.Run(runCtx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	var final jobs.Job
	for time.Now().Before(deadline) {
		final, err = s.GetJob(ctx, jobID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if final.Status.IsTerminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	runCancel()
	<-done

	if final.Status != jobs.StatusFailed {
		t.Fatalf("expected job to fail, got status %q", final.Status)
	}
}

func TestPoolFailsJobWithNoRegisteredHandler(t *testing.T) {
	s := inmem.New(time.Hour)
	bus := eventbus.New(s, nil)
	pool := New(s, bus, nil, 1, 5*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	jobID, _, err := s.InsertJob(ctx, jobs.Job{ID: "job-3", IdempotencyKey: "fp-3", Kind: jobs.KindIngest, Params: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	runCtx, runCancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		pool.Run(runCtx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	var final jobs.Job
	for time.Now().Before(deadline) {
		final, err = s.GetJob(ctx, jobID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if final.Status.IsTerminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	runCancel()
	<-done

	if final.Status != jobs.StatusFailed {
		t.Fatalf("expected unmatched kind to fail, got status %q", final.Status)
	}
}

func TestPoolSchedulesRetryWhenHandlerRequestsIt(t *testing.T) {
	s := inmem.New(time.Hour)
	bus := eventbus.New(s, nil)
	pool := New(s, bus, nil, 1, 5*time.Second, 50*time.Millisecond)
	pool.MaxAttempts = 3

	var attempts atomic.Int64
	pool.RegisterHandler(jobs.KindResearch, HandlerFunc(func(ctx context.Context, rc *RunContext, job jobs.Job) ([]byte, error) {
		if attempts.Add(1) == 1 {
			return nil, RequestRetry(context.DeadlineExceeded)
		}
		return []byte(`{"ok":true}`), nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	firstID, _, err := s.InsertJob(ctx, jobs.Job{ID: "job-retry", IdempotencyKey: "fp-retry", Kind: jobs.KindResearch, Params: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	runCtx, runCancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		pool.Run(runCtx)
		close(done)
	}()

	// The pool fails the first attempt, schedules a replacement under the
	// same idempotency key, and runs it to success.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && attempts.Load() < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	runCancel()
	<-done

	first, err := s.GetJob(ctx, firstID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if first.Status != jobs.StatusFailed {
		t.Fatalf("expected the first attempt to be terminally failed, got %q", first.Status)
	}
	if got := attempts.Load(); got != 2 {
		t.Fatalf("expected the handler to run twice (original + retry), ran %d times", got)
	}
}
