// Package transport receives decoded tool calls from the serving layers
// (stdio JSON-RPC, HTTP/SSE, WebSocket), routes them to the dispatcher and
// retrieval store, and shapes responses into the tool-call wire format.
// The serving layers themselves live in the stdio, httpapi, and ws
// subpackages; everything protocol-independent is here.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/researchmcp/orchestrator/dispatch"
	"github.com/researchmcp/orchestrator/embedding"
	"github.com/researchmcp/orchestrator/eventbus"
	"github.com/researchmcp/orchestrator/internal/errkind"
	"github.com/researchmcp/orchestrator/internal/telemetry"
	"github.com/researchmcp/orchestrator/jobs"
	"github.com/researchmcp/orchestrator/research"
	"github.com/researchmcp/orchestrator/store"
)

// Tool names served by the router.
const (
	ToolSubmitResearch = "submit_research"
	ToolBatchResearch  = "batch_research"
	ToolGetJobStatus   = "get_job_status"
	ToolCancelJob      = "cancel_job"
	ToolSearch         = "search"
)

// TextContent is one element of a synchronous tool result.
type TextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolResult is the synchronous tool-call response shape.
type ToolResult struct {
	Content []TextContent `json:"content"`
}

// AsyncResult is the response for an asynchronous submission.
type AsyncResult struct {
	JobID    string      `json:"job_id"`
	Status   jobs.Status `json:"status"`
	Existing bool        `json:"existing,omitempty"`
	SSEURL   string      `json:"sse_url"`
	UIURL    string      `json:"ui_url,omitempty"`
}

// WireEvent is the event frame every streaming transport emits.
type WireEvent struct {
	EventID int64           `json:"event_id"`
	Type    jobs.EventType  `json:"type"`
	Payload json.RawMessage `json:"payload"`
	TS      time.Time       `json:"ts"`
}

// ToWire converts a stored event into its wire frame.
func ToWire(e jobs.Event) WireEvent {
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return WireEvent{EventID: e.EventID, Type: e.Type, Payload: payload, TS: e.Timestamp}
}

// Router executes decoded tool calls. It is shared by every serving layer.
type Router struct {
	Dispatcher *dispatch.Dispatcher
	Retrieval  store.RetrievalStore
	Embedder   embedding.Provider
	Bus        *eventbus.Bus
	Logger     telemetry.Logger
	// SyncWait bounds how long an async=false submission blocks on the
	// event stream before giving up and returning the job handle.
	SyncWait time.Duration
	// UIURLBase, when set, is prefixed to job ids to form the ui_url field
	// of async submissions.
	UIURLBase string
}

// NewRouter constructs a Router with default timeouts.
func NewRouter(d *dispatch.Dispatcher, r store.RetrievalStore, e embedding.Provider, bus *eventbus.Bus, logger telemetry.Logger) *Router {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Router{
		Dispatcher: d,
		Retrieval:  r,
		Embedder:   e,
		Bus:        bus,
		Logger:     logger,
		SyncWait:   5 * time.Minute,
	}
}

// CallTool dispatches a decoded {name, arguments} tool call and returns the
// value to serialise back to the client.
func (r *Router) CallTool(ctx context.Context, name string, arguments json.RawMessage) (any, error) {
	switch name {
	case ToolSubmitResearch:
		return r.submitResearch(ctx, arguments)
	case ToolBatchResearch:
		return r.batchResearch(ctx, arguments)
	case ToolGetJobStatus:
		return r.getJobStatus(ctx, arguments)
	case ToolCancelJob:
		return r.cancelJob(ctx, arguments)
	case ToolSearch:
		return r.search(ctx, arguments)
	default:
		return nil, errkind.New(errkind.NotFound, "unknown tool "+name)
	}
}

type submitArgs struct {
	research.Params
	Async          *bool  `json:"async,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

func (r *Router) submitResearch(ctx context.Context, arguments json.RawMessage) (any, error) {
	var args submitArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return nil, errkind.Wrap(errkind.InvalidParams, "decode submit_research arguments", err)
	}
	async := true
	if args.Async != nil {
		async = *args.Async
	}

	paramsJSON, err := json.Marshal(args.Params.Normalized())
	if err != nil {
		return nil, err
	}
	result, err := r.Dispatcher.Submit(ctx, jobs.KindResearch, paramsJSON, args.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if async {
		return r.asyncResult(result), nil
	}
	return r.waitInline(ctx, result.JobID)
}

// waitInline blocks on the job's event stream until a terminal event
// arrives, then returns its payload as text content. The subscription is
// taken after submit with a zero cursor, so catch-up replay covers any
// events (terminal included) that landed before the subscription.
func (r *Router) waitInline(ctx context.Context, jobID string) (any, error) {
	waitCtx, cancel := context.WithTimeout(ctx, r.SyncWait)
	defer cancel()

	sub, ch, err := r.Bus.Subscribe(waitCtx, jobID, 0)
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	for {
		select {
		case <-waitCtx.Done():
			// Fall back to the job handle so the client can poll.
			view, err := r.Dispatcher.Status(ctx, jobID, dispatch.FormatSummary, 0, 0)
			if err != nil {
				return nil, err
			}
			return view, nil
		case e, ok := <-ch:
			if !ok {
				return nil, errkind.New(errkind.Transient, "event stream closed before terminal event")
			}
			if e.Type.IsTerminal() {
				return ToolResult{Content: []TextContent{{Type: "text", Text: string(e.Payload)}}}, nil
			}
		}
	}
}

func (r *Router) asyncResult(s dispatch.SubmitResult) AsyncResult {
	out := AsyncResult{
		JobID:    s.JobID,
		Status:   s.Status,
		Existing: s.Existing,
		SSEURL:   s.SSEURL,
	}
	if r.UIURLBase != "" {
		out.UIURL = r.UIURLBase + s.JobID
	}
	return out
}

type batchArgs struct {
	Queries           []string `json:"queries"`
	WaitForCompletion bool     `json:"waitForCompletion,omitempty"`
	TimeoutMs         int      `json:"timeoutMs,omitempty"`
	CostPreference    string   `json:"costPreference,omitempty"`
}

// BatchView is the batch_research response.
type BatchView struct {
	Batch dispatch.BatchResult `json:"batch"`
}

func (r *Router) batchResearch(ctx context.Context, arguments json.RawMessage) (any, error) {
	var args batchArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return nil, errkind.Wrap(errkind.InvalidParams, "decode batch_research arguments", err)
	}
	result, err := r.Dispatcher.SubmitBatch(ctx, arguments, args.CostPreference)
	if err != nil {
		return nil, err
	}
	if args.WaitForCompletion {
		timeout := time.Duration(args.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = 5 * time.Minute
		}
		r.waitForJobs(ctx, result.JobIDs, timeout)
	}
	return BatchView{Batch: result}, nil
}

// waitForJobs polls until every job is terminal or the timeout lapses. The
// batch result shape is the same either way; waiting only delays it.
func (r *Router) waitForJobs(ctx context.Context, jobIDs []string, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return
		}
		allDone := true
		for _, id := range jobIDs {
			view, err := r.Dispatcher.Status(ctx, id, dispatch.FormatSummary, 0, 0)
			if err != nil || !view.Status.IsTerminal() {
				allDone = false
				break
			}
		}
		if allDone {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(250 * time.Millisecond):
		}
	}
}

type statusArgs struct {
	JobID        string                `json:"job_id"`
	Format       dispatch.StatusFormat `json:"format,omitempty"`
	MaxEvents    int                   `json:"max_events,omitempty"`
	SinceEventID int64                 `json:"since_event_id,omitempty"`
}

func (r *Router) getJobStatus(ctx context.Context, arguments json.RawMessage) (any, error) {
	var args statusArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return nil, errkind.Wrap(errkind.InvalidParams, "decode get_job_status arguments", err)
	}
	if args.JobID == "" {
		return nil, errkind.New(errkind.InvalidParams, "job_id is required")
	}
	if args.Format == "" {
		args.Format = dispatch.FormatSummary
	}
	return r.Dispatcher.Status(ctx, args.JobID, args.Format, args.SinceEventID, args.MaxEvents)
}

type cancelArgs struct {
	JobID string `json:"job_id"`
}

func (r *Router) cancelJob(ctx context.Context, arguments json.RawMessage) (any, error) {
	var args cancelArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return nil, errkind.Wrap(errkind.InvalidParams, "decode cancel_job arguments", err)
	}
	if args.JobID == "" {
		return nil, errkind.New(errkind.InvalidParams, "job_id is required")
	}
	return r.Dispatcher.Cancel(ctx, args.JobID)
}

type searchArgs struct {
	Q      string            `json:"q"`
	K      int               `json:"k,omitempty"`
	Scope  store.SearchScope `json:"scope,omitempty"`
	Rerank bool              `json:"rerank,omitempty"`
}

// SearchView is the search tool response.
type SearchView struct {
	Hits     []store.Hit `json:"hits"`
	Degraded bool        `json:"degraded,omitempty"`
}

func (r *Router) search(ctx context.Context, arguments json.RawMessage) (any, error) {
	var args searchArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return nil, errkind.Wrap(errkind.InvalidParams, "decode search arguments", err)
	}
	if args.Q == "" {
		return nil, errkind.New(errkind.InvalidParams, "q is required")
	}
	if args.K <= 0 {
		args.K = 10
	}
	if args.Scope == "" {
		args.Scope = store.ScopeBoth
	}

	var queryEmbedding []float32
	if r.Embedder != nil {
		vecs, err := r.Embedder.Embed(ctx, []string{args.Q})
		if err != nil {
			r.Logger.Warn(ctx, "transport: search embedding failed, degrading to text-only", "error", err)
		} else if len(vecs) > 0 {
			queryEmbedding = vecs[0]
		}
	}

	weights := store.SearchWeights{BM25: 0.7, Vector: 0.3}
	if args.Rerank {
		weights = store.SearchWeights{BM25: 0.3, Vector: 0.7}
	}
	result, err := r.Retrieval.HybridSearch(ctx, args.Q, queryEmbedding, args.K, args.Scope, weights)
	if err != nil {
		return nil, fmt.Errorf("hybrid search: %w", err)
	}
	return SearchView{Hits: result.Hits, Degraded: result.Degraded}, nil
}
