// Package research implements the research job handler: plan a query into
// bounded parallel sub-research calls, synthesize their results into a
// report, and persist the outcome — registered as the worker.Handler for
// jobs.KindResearch and jobs.KindFollowup. A cache hit on the submission
// fingerprint short-circuits the whole pipeline, and concurrent jobs that
// miss on the same fingerprint share a single build.
package research

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/researchmcp/orchestrator/cache"
	"github.com/researchmcp/orchestrator/embedding"
	"github.com/researchmcp/orchestrator/internal/errkind"
	"github.com/researchmcp/orchestrator/jobs"
	"github.com/researchmcp/orchestrator/provider"
	"github.com/researchmcp/orchestrator/store"
	"github.com/researchmcp/orchestrator/worker"
)

// Pipeline stage names carried in tool.* event payloads.
const (
	StagePlan      = "plan"
	StageResearch  = "research"
	StageSynthesis = "synthesis"
)

// MultiModalItem is one element of an images/textDocuments/structuredData
// array in submit_research params.
type MultiModalItem struct {
	Content string `json:"content"`
}

// Params is the submit_research / batch_research tool payload.
type Params struct {
	Query          string           `json:"query"`
	CostPreference string           `json:"costPreference,omitempty"`
	AudienceLevel  string           `json:"audienceLevel,omitempty"`
	OutputFormat   string           `json:"outputFormat,omitempty"`
	IncludeSources bool             `json:"includeSources"`
	Images         []MultiModalItem `json:"images,omitempty"`
	TextDocuments  []MultiModalItem `json:"textDocuments,omitempty"`
	StructuredData []MultiModalItem `json:"structuredData,omitempty"`
	MaxSubQueries  int              `json:"max_sub_queries,omitempty"`
	FollowupOf     int64            `json:"followup_of,omitempty"`
	PriorContext   string           `json:"prior_context,omitempty"`
}

// Normalized fills in the tool surface's documented defaults:
// costPreference=low, audienceLevel=intermediate, outputFormat=report.
func (p Params) Normalized() Params {
	if p.CostPreference == "" {
		p.CostPreference = "low"
	}
	if p.AudienceLevel == "" {
		p.AudienceLevel = "intermediate"
	}
	if p.OutputFormat == "" {
		p.OutputFormat = "report"
	}
	return p
}

// Result is the jobs.Job.Result payload for a succeeded research job.
type Result struct {
	ReportID      int64               `json:"report_id"`
	Report        string              `json:"report"`
	SubQueries    []string            `json:"sub_queries"`
	MissingSubIDs []int               `json:"missing_sub_ids,omitempty"`
	Usage         provider.TokenUsage `json:"usage"`
	CacheHit      bool                `json:"cache_hit"`
	Degraded      bool                `json:"degraded"`
	FailedCount   int                 `json:"failed_sub_queries,omitempty"`
}

type subResult struct {
	query string
	text  string
	usage provider.TokenUsage
	err   error
}

// Pipeline implements worker.Handler for research jobs.
type Pipeline struct {
	LLM       provider.Client
	Embedder  embedding.Provider
	Retrieval store.RetrievalStore
	Cache     *cache.Cache
	// MaxSubQueries caps how many sub-queries the planner may fan out to.
	MaxSubQueries int
	// Parallelism bounds how many sub-research calls run at once.
	Parallelism int
	// PartialFailureFloor is the minimum fraction of sub-queries that must
	// succeed for synthesis to proceed; below it the job fails outright.
	PartialFailureFloor float64
	// CallTimeout bounds a single LLM call, streaming included. Zero means
	// no per-call deadline beyond the job context.
	CallTimeout time.Duration
	// FingerprintFn derives the cache/dedup fingerprint for a submission.
	// Nil disables caching and single-flight sharing.
	FingerprintFn func(Params) string
}

var _ worker.Handler = (*Pipeline)(nil)

// Handle implements worker.Handler. When a fingerprint is available the
// whole compute runs under the cache's single-flight guard, so any number
// of concurrent jobs with the same fingerprint produce one set of LLM calls
// and share the one result.
func (p *Pipeline) Handle(ctx context.Context, rc *worker.RunContext, job jobs.Job) ([]byte, error) {
	var params Params
	if err := json.Unmarshal(job.Params, &params); err != nil {
		return nil, errkind.Wrap(errkind.InvalidParams, "decode research params", err).WithStage(StagePlan)
	}
	params = params.Normalized()
	if strings.TrimSpace(params.Query) == "" {
		return nil, errkind.New(errkind.InvalidParams, "query must not be empty").WithStage(StagePlan)
	}

	fingerprint := ""
	if p.FingerprintFn != nil {
		fingerprint = p.FingerprintFn(params)
	}

	queryEmbedding, embErr := p.embed(ctx, params.Query)
	if embErr != nil && p.Embedder != nil {
		return nil, errkind.Wrap(errkind.Fatal, "embed query", embErr).WithStage(StagePlan)
	}

	if fingerprint == "" || p.Cache == nil {
		return p.compute(ctx, rc, params, queryEmbedding)
	}

	if e, ok, _ := p.Cache.Get(ctx, fingerprint); ok {
		return p.cacheHitResult(ctx, rc, e)
	}
	if e, ok := p.Cache.GetSemantic(ctx, job.Kind, queryEmbedding); ok {
		return p.cacheHitResult(ctx, rc, e)
	}

	built := false
	entry, err := p.Cache.Build(ctx, fingerprint, func(ctx context.Context) (cache.Entry, error) {
		built = true
		payload, err := p.compute(ctx, rc, params, queryEmbedding)
		if err != nil {
			return cache.Entry{}, err
		}
		return cache.Entry{
			Fingerprint:    fingerprint,
			Kind:           job.Kind,
			Result:         payload,
			QueryEmbedding: queryEmbedding,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	if !built {
		// Another job computed the shared result while this one waited.
		return p.cacheHitResult(ctx, rc, entry)
	}
	return entry.Result, nil
}

// compute runs the three pipeline stages and persists the report.
func (p *Pipeline) compute(ctx context.Context, rc *worker.RunContext, params Params, queryEmbedding []float32) ([]byte, error) {
	_ = rc.Publish(ctx, jobs.EventToolStarted, map[string]any{"stage": StagePlan})
	subQueries, planUsage, err := p.plan(ctx, params)
	if err != nil {
		return nil, errkind.Wrap(errkind.Transient, "plan sub-queries", err).WithStage(StagePlan)
	}
	_ = rc.Publish(ctx, jobs.EventToolCompleted, map[string]any{"stage": StagePlan, "sub_queries": len(subQueries)})
	_ = rc.SetProgress(ctx, 15)

	if rc.Canceled(ctx) || ctx.Err() != nil {
		return nil, errkind.New(errkind.Canceled, "canceled after planning").WithStage(StagePlan)
	}

	results := p.runSubQueries(ctx, rc, subQueries)

	succeeded := make([]subResult, 0, len(results))
	var missing []int
	totalUsage := planUsage
	for i, r := range results {
		totalUsage.InputTokens += r.usage.InputTokens
		totalUsage.OutputTokens += r.usage.OutputTokens
		totalUsage.TotalTokens += r.usage.TotalTokens
		if r.err != nil {
			if errkind.IsCanceled(r.err) {
				return nil, errkind.New(errkind.Canceled, "canceled during sub-research").WithStage(StageResearch)
			}
			missing = append(missing, i)
			continue
		}
		succeeded = append(succeeded, r)
	}
	floor := p.PartialFailureFloor
	if floor <= 0 {
		floor = 0.5
	}
	if len(results) > 0 && float64(len(succeeded))/float64(len(results)) < floor {
		return nil, errkind.New(errkind.PartialFailure,
			fmt.Sprintf("only %d/%d sub-queries succeeded", len(succeeded), len(results))).WithStage(StageResearch)
	}

	if rc.Canceled(ctx) || ctx.Err() != nil {
		return nil, errkind.New(errkind.Canceled, "canceled after sub-research").WithStage(StageResearch)
	}
	_ = rc.SetProgress(ctx, 70)

	report, synthUsage, err := p.synthesize(ctx, rc, params, succeeded)
	if err != nil {
		if errkind.IsCanceled(err) || ctx.Err() != nil {
			return nil, errkind.New(errkind.Canceled, "canceled during synthesis").WithStage(StageSynthesis)
		}
		return nil, errkind.Wrap(errkind.Transient, "synthesize report", err).WithStage(StageSynthesis)
	}
	totalUsage.InputTokens += synthUsage.InputTokens
	totalUsage.OutputTokens += synthUsage.OutputTokens
	totalUsage.TotalTokens += synthUsage.TotalTokens

	_ = rc.SetProgress(ctx, 90)

	reportID, err := p.Retrieval.InsertReport(ctx, store.Report{
		OriginalQuery:  params.Query,
		FinalReport:    report,
		QueryEmbedding: queryEmbedding,
	})
	if err != nil {
		return nil, errkind.Wrap(errkind.Transient, "persist report", err).WithStage(StageSynthesis)
	}

	_ = rc.SetProgress(ctx, 100)

	out := Result{
		ReportID:      reportID,
		Report:        report,
		SubQueries:    append([]string(nil), subQueries...),
		MissingSubIDs: missing,
		Usage:         totalUsage,
		Degraded:      len(missing) > 0,
		FailedCount:   len(missing),
	}
	return json.Marshal(out)
}

// callContext derives the per-call deadline for one LLM request.
func (p *Pipeline) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.CallTimeout)
}

func (p *Pipeline) embed(ctx context.Context, text string) ([]float32, error) {
	if p.Embedder == nil {
		return nil, nil
	}
	vecs, err := p.Embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("research: embedder returned no vectors")
	}
	return vecs[0], nil
}

func (p *Pipeline) cacheHitResult(ctx context.Context, rc *worker.RunContext, e cache.Entry) ([]byte, error) {
	_ = rc.Publish(ctx, jobs.EventCacheHit, map[string]any{"fingerprint": e.Fingerprint})
	var out Result
	if err := json.Unmarshal(e.Result, &out); err == nil {
		out.CacheHit = true
		if payload, err := json.Marshal(out); err == nil {
			return payload, nil
		}
	}
	return e.Result, nil
}

// plan asks the LLM to decompose the query into up to MaxSubQueries focused
// sub-questions, one per line.
func (p *Pipeline) plan(ctx context.Context, params Params) ([]string, provider.TokenUsage, error) {
	maxSub := params.MaxSubQueries
	if maxSub <= 0 {
		maxSub = p.MaxSubQueries
	}
	if maxSub <= 0 {
		maxSub = 5
	}
	prompt := fmt.Sprintf(
		"Break the following research query into at most %d focused, independently answerable sub-questions, one per line, no numbering:\n\n%s",
		maxSub, params.Query,
	)
	if params.PriorContext != "" {
		prompt = fmt.Sprintf("Prior context:\n%s\n\n%s", params.PriorContext, prompt)
	}
	ctx, cancel := p.callContext(ctx)
	defer cancel()
	resp, err := p.LLM.Complete(ctx, provider.Request{
		Messages:  []provider.Message{{Role: provider.RoleUser, Text: prompt}},
		MaxTokens: 1024,
	})
	if err != nil {
		return nil, provider.TokenUsage{}, err
	}
	lines := strings.Split(strings.TrimSpace(resp.Text), "\n")
	subQueries := make([]string, 0, len(lines))
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		subQueries = append(subQueries, l)
		if len(subQueries) >= maxSub {
			break
		}
	}
	if len(subQueries) == 0 {
		subQueries = []string{params.Query}
	}
	return subQueries, resp.Usage, nil
}

// runSubQueries executes each sub-query through a streaming LLM call,
// bounded to Parallelism concurrent calls in flight. Sub-tasks are
// independent: one failing is recorded in its slot and the rest proceed.
func (p *Pipeline) runSubQueries(ctx context.Context, rc *worker.RunContext, subQueries []string) []subResult {
	limit := p.Parallelism
	if limit <= 0 {
		limit = 4
	}
	sem := make(chan struct{}, limit)
	results := make([]subResult, len(subQueries))
	var wg sync.WaitGroup
	for i, q := range subQueries {
		wg.Add(1)
		go func(i int, q string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = p.runOne(ctx, rc, i, q)
		}(i, q)
	}
	wg.Wait()
	return results
}

func (p *Pipeline) runOne(ctx context.Context, rc *worker.RunContext, subID int, query string) subResult {
	_ = rc.Publish(ctx, jobs.EventToolStarted, map[string]any{"stage": StageResearch, "sub_id": subID, "query": query})
	if rc.Canceled(ctx) || ctx.Err() != nil {
		return subResult{query: query, err: errkind.New(errkind.Canceled, "canceled before sub-query")}
	}
	ctx, cancel := p.callContext(ctx)
	defer cancel()
	stream, err := p.LLM.Stream(ctx, provider.Request{
		Messages:  []provider.Message{{Role: provider.RoleUser, Text: query}},
		MaxTokens: 2048,
	})
	if err != nil {
		return subResult{query: query, err: err}
	}
	defer stream.Close()

	var sb strings.Builder
	var usage provider.TokenUsage
	for {
		if rc.Canceled(ctx) || ctx.Err() != nil {
			return subResult{query: query, err: errkind.New(errkind.Canceled, "canceled mid-stream")}
		}
		chunk, err := stream.Next(ctx)
		if err != nil {
			return subResult{query: query, text: sb.String(), err: err}
		}
		if chunk.TextDelta != "" {
			sb.WriteString(chunk.TextDelta)
			_ = rc.Publish(ctx, jobs.EventToolDelta, map[string]any{"stage": StageResearch, "sub_id": subID, "delta": chunk.TextDelta})
		}
		if chunk.Done {
			usage = chunk.Usage
			break
		}
	}
	_ = rc.Publish(ctx, jobs.EventToolCompleted, map[string]any{"stage": StageResearch, "sub_id": subID})
	return subResult{query: query, text: sb.String(), usage: usage}
}

// synthesize streams the synthesis model over the concatenated sub-answers,
// emitting every token delta as it arrives.
func (p *Pipeline) synthesize(ctx context.Context, rc *worker.RunContext, params Params, succeeded []subResult) (string, provider.TokenUsage, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Synthesize a cohesive %s for a %s audience from the following sub-answers to the query: %s\n\n",
		params.OutputFormat, params.AudienceLevel, params.Query)
	for _, r := range succeeded {
		prompt.WriteString("Q: ")
		prompt.WriteString(r.query)
		prompt.WriteString("\nA: ")
		prompt.WriteString(r.text)
		prompt.WriteString("\n\n")
	}

	_ = rc.Publish(ctx, jobs.EventToolStarted, map[string]any{"stage": StageSynthesis})
	callCtx, cancel := p.callContext(ctx)
	defer cancel()
	stream, err := p.LLM.Stream(callCtx, provider.Request{
		Messages:  []provider.Message{{Role: provider.RoleUser, Text: prompt.String()}},
		MaxTokens: 4096,
	})
	if err != nil {
		return "", provider.TokenUsage{}, err
	}
	defer stream.Close()

	var sb strings.Builder
	var usage provider.TokenUsage
	for {
		if rc.Canceled(ctx) || ctx.Err() != nil {
			return "", usage, errkind.New(errkind.Canceled, "canceled mid-synthesis")
		}
		chunk, err := stream.Next(ctx)
		if err != nil {
			return "", usage, err
		}
		if chunk.TextDelta != "" {
			sb.WriteString(chunk.TextDelta)
			_ = rc.Publish(ctx, jobs.EventToolDelta, map[string]any{"stage": StageSynthesis, "delta": chunk.TextDelta})
		}
		if chunk.Done {
			usage = chunk.Usage
			break
		}
	}
	_ = rc.Publish(ctx, jobs.EventToolCompleted, map[string]any{"stage": StageSynthesis})
	return sb.String(), usage, nil
}
