package research

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/researchmcp/orchestrator/cache"
	"github.com/researchmcp/orchestrator/eventbus"
	"github.com/researchmcp/orchestrator/jobs"
	"github.com/researchmcp/orchestrator/provider"
	"github.com/researchmcp/orchestrator/store/inmem"
	"github.com/researchmcp/orchestrator/worker"
)

type fakeEmbedder struct{ dim int }

func (f fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, f.dim)
		v[0] = 1
		out[i] = v
	}
	return out, nil
}
func (f fakeEmbedder) Dimension() int { return f.dim }

type fakeStreamer struct {
	chunks []provider.Chunk
	i      int
}

func (s *fakeStreamer) Next(context.Context) (provider.Chunk, error) {
	if s.i >= len(s.chunks) {
		return provider.Chunk{Done: true}, nil
	}
	c := s.chunks[s.i]
	s.i++
	return c, nil
}
func (s *fakeStreamer) Close() error { return nil }

// fakeLLM answers the plan call with a fixed newline-separated list of
// sub-queries, synthesis streams with a fixed report, and sub-query streams
// with a two-chunk answer (unless the query is in failQueries, in which
// case Stream errors outright).
type fakeLLM struct {
	planSubQueries []string
	planCalls      atomic.Int64
	streamCalls    atomic.Int64
	failQueries    map[string]bool
}

func (f *fakeLLM) Complete(_ context.Context, req provider.Request) (provider.Response, error) {
	text := req.Messages[0].Text
	if strings.HasPrefix(text, "Break") || strings.HasPrefix(text, "Prior context") {
		f.planCalls.Add(1)
		return provider.Response{
			Text:  strings.Join(f.planSubQueries, "\n"),
			Usage: provider.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
		}, nil
	}
	return provider.Response{Text: "unexpected complete call"}, nil
}

func (f *fakeLLM) Stream(_ context.Context, req provider.Request) (provider.Streamer, error) {
	text := req.Messages[0].Text
	if strings.HasPrefix(text, "Synthesize") {
		return &fakeStreamer{chunks: []provider.Chunk{
			{TextDelta: "synthesized "},
			{TextDelta: "report"},
			{Done: true, Usage: provider.TokenUsage{InputTokens: 20, OutputTokens: 10, TotalTokens: 30}},
		}}, nil
	}
	f.streamCalls.Add(1)
	if f.failQueries[text] {
		return nil, fmt.Errorf("simulated upstream failure for %q", text)
	}
	return &fakeStreamer{chunks: []provider.Chunk{
		{TextDelta: "partial "},
		{TextDelta: "answer"},
		{Done: true, Usage: provider.TokenUsage{InputTokens: 5, OutputTokens: 5, TotalTokens: 10}},
	}}, nil
}

type harness struct {
	store *inmem.Store
	pool  *worker.Pool
}

// newHarness wires a fresh in-memory store, cache, bus, and a pool of
// concurrency workers around a Pipeline driven by llm.
func newHarness(t *testing.T, llm *fakeLLM, concurrency int) *harness {
	t.Helper()
	s := inmem.New(time.Hour)
	c, err := cache.New(s, nil, 100, 0.99, time.Hour)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	p := &Pipeline{
		LLM:                 llm,
		Embedder:            fakeEmbedder{dim: 8},
		Retrieval:           s,
		Cache:               c,
		MaxSubQueries:       4,
		Parallelism:         4,
		PartialFailureFloor: 0.5,
		FingerprintFn:       func(p Params) string { return "fp-" + p.Query },
	}
	bus := eventbus.New(s, nil)
	pool := worker.New(s, bus, nil, concurrency, 30*time.Second, time.Second)
	pool.RegisterHandler(jobs.KindResearch, worker.HandlerFunc(p.Handle))
	return &harness{store: s, pool: pool}
}

func (h *harness) submit(t *testing.T, id string, params Params) string {
	t.Helper()
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	jobID, _, err := h.store.InsertJob(context.Background(), jobs.Job{
		ID: id, IdempotencyKey: "idem-" + id,
		Kind: jobs.KindResearch, Params: paramsJSON,
	})
	if err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	return jobID
}

// runUntilTerminal runs the pool until every listed job is terminal.
func (h *harness) runUntilTerminal(t *testing.T, jobIDs ...string) map[string]jobs.Job {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.pool.Run(ctx)
		close(done)
	}()

	final := make(map[string]jobs.Job, len(jobIDs))
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		allDone := true
		for _, id := range jobIDs {
			j, err := h.store.GetJob(ctx, id)
			if err != nil {
				t.Fatalf("GetJob(%s): %v", id, err)
			}
			final[id] = j
			if !j.Status.IsTerminal() {
				allDone = false
			}
		}
		if allDone {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	for _, id := range jobIDs {
		if !final[id].Status.IsTerminal() {
			t.Fatalf("job %q never reached a terminal status (stuck at %q)", id, final[id].Status)
		}
	}
	return final
}

func runJob(t *testing.T, llm *fakeLLM, params Params) jobs.Job {
	t.Helper()
	h := newHarness(t, llm, 1)
	id := h.submit(t, "job-"+params.Query, params)
	return h.runUntilTerminal(t, id)[id]
}

func TestHandleSucceedsAndPersistsReport(t *testing.T) {
	llm := &fakeLLM{planSubQueries: []string{"sub query one", "sub query two"}}

	job := runJob(t, llm, Params{Query: "explain goroutines"})
	if job.Status != jobs.StatusSucceeded {
		t.Fatalf("expected success, got status %q (result=%s)", job.Status, job.Result)
	}

	var result Result
	if err := json.Unmarshal(job.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Report != "synthesized report" {
		t.Fatalf("unexpected report: %q", result.Report)
	}
	if result.ReportID == 0 {
		t.Fatal("expected a non-zero report id")
	}
	if result.Usage.TotalTokens == 0 {
		t.Fatal("expected non-zero aggregated token usage")
	}
}

func TestHandleEmitsStageEvents(t *testing.T) {
	llm := &fakeLLM{planSubQueries: []string{"one"}}
	h := newHarness(t, llm, 1)
	id := h.submit(t, "job-stages", Params{Query: "stages"})
	h.runUntilTerminal(t, id)

	events, err := h.store.ReadEvents(context.Background(), id, 0, 1000)
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	stages := make(map[string]int)
	for _, e := range events {
		if e.Type != jobs.EventToolStarted {
			continue
		}
		var payload struct {
			Stage string `json:"stage"`
		}
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		stages[payload.Stage]++
	}
	if stages[StagePlan] != 1 || stages[StageSynthesis] != 1 || stages[StageResearch] != 1 {
		t.Fatalf("unexpected tool.started stage counts: %v", stages)
	}
	last := events[len(events)-1]
	if last.Type != jobs.EventJobSucceeded {
		t.Fatalf("expected job.succeeded as the last event, got %s", last.Type)
	}
}

func TestConcurrentSameFingerprintBuildsOnce(t *testing.T) {
	llm := &fakeLLM{planSubQueries: []string{"a", "b"}}
	h := newHarness(t, llm, 4)

	ids := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		ids = append(ids, h.submit(t, fmt.Sprintf("job-sf-%d", i), Params{Query: "same query"}))
	}
	final := h.runUntilTerminal(t, ids...)

	if got := llm.planCalls.Load(); got != 1 {
		t.Fatalf("expected exactly one plan call across concurrent jobs, got %d", got)
	}
	var reports []string
	for _, id := range ids {
		j := final[id]
		if j.Status != jobs.StatusSucceeded {
			t.Fatalf("job %s: expected success, got %q (result=%s)", id, j.Status, j.Result)
		}
		var r Result
		if err := json.Unmarshal(j.Result, &r); err != nil {
			t.Fatalf("decode result: %v", err)
		}
		reports = append(reports, r.Report)
	}
	for _, r := range reports[1:] {
		if r != reports[0] {
			t.Fatalf("expected all jobs to share one result body, got %q vs %q", r, reports[0])
		}
	}
}

func TestHandleSucceedsAtExactlyThePartialFailureFloor(t *testing.T) {
	llm := &fakeLLM{
		planSubQueries: []string{"ok one", "ok two", "bad one", "bad two"},
		failQueries:    map[string]bool{"bad one": true, "bad two": true},
	}

	job := runJob(t, llm, Params{Query: "half fail"})
	if job.Status != jobs.StatusSucceeded {
		t.Fatalf("expected success at exactly the 50%% floor, got status %q (result=%s)", job.Status, job.Result)
	}

	var result Result
	if err := json.Unmarshal(job.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.FailedCount != 2 {
		t.Fatalf("expected 2 failed sub-queries recorded, got %d", result.FailedCount)
	}
	if len(result.MissingSubIDs) != 2 {
		t.Fatalf("expected 2 missing sub ids recorded, got %v", result.MissingSubIDs)
	}
	if !result.Degraded {
		t.Fatal("expected the degraded flag on a partially failed run")
	}
}

func TestHandleFailsBelowPartialFailureFloor(t *testing.T) {
	llm := &fakeLLM{
		planSubQueries: []string{"ok one", "bad one", "bad two", "bad three"},
		failQueries:    map[string]bool{"bad one": true, "bad two": true, "bad three": true},
	}

	job := runJob(t, llm, Params{Query: "mostly fail"})
	if job.Status != jobs.StatusFailed {
		t.Fatalf("expected failure below the partial-failure floor, got status %q", job.Status)
	}
}

func TestHandleRejectsEmptyQuery(t *testing.T) {
	llm := &fakeLLM{}
	job := runJob(t, llm, Params{Query: "   "})
	if job.Status != jobs.StatusFailed {
		t.Fatalf("expected InvalidParams failure for empty query, got status %q", job.Status)
	}
}
