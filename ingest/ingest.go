// Package ingest implements the worker.Handler for index and ingest jobs:
// it embeds submitted content and upserts it as an indexed document so
// hybrid search can rank it alongside past reports.
package ingest

import (
	"context"
	"encoding/json"

	"github.com/researchmcp/orchestrator/embedding"
	"github.com/researchmcp/orchestrator/internal/errkind"
	"github.com/researchmcp/orchestrator/jobs"
	"github.com/researchmcp/orchestrator/store"
	"github.com/researchmcp/orchestrator/store/rank"
	"github.com/researchmcp/orchestrator/worker"
)

// maxIndexedContentLen bounds how much of a document is stored for
// indexing; the rest is dropped rather than rejected.
const maxIndexedContentLen = 16 * 1024

// Params is the index/ingest job payload.
type Params struct {
	SourceType string `json:"source_type"`
	SourceID   string `json:"source_id"`
	Title      string `json:"title,omitempty"`
	Content    string `json:"content"`
}

// Result is the job result payload.
type Result struct {
	SourceType string `json:"source_type"`
	SourceID   string `json:"source_id"`
	DocLen     int    `json:"doc_len"`
	Truncated  bool   `json:"truncated,omitempty"`
}

// Handler indexes documents into the retrieval store.
type Handler struct {
	Embedder  embedding.Provider
	Retrieval store.RetrievalStore
}

var _ worker.Handler = (*Handler)(nil)

// Handle implements worker.Handler.
func (h *Handler) Handle(ctx context.Context, rc *worker.RunContext, job jobs.Job) ([]byte, error) {
	var params Params
	if err := json.Unmarshal(job.Params, &params); err != nil {
		return nil, errkind.Wrap(errkind.InvalidParams, "decode ingest params", err)
	}
	if params.SourceType == "" || params.SourceID == "" || params.Content == "" {
		return nil, errkind.New(errkind.InvalidParams, "source_type, source_id, and content are required")
	}

	content := params.Content
	truncated := false
	if len(content) > maxIndexedContentLen {
		content = content[:maxIndexedContentLen]
		truncated = true
	}

	var docEmbedding []float32
	if h.Embedder != nil {
		vecs, err := h.Embedder.Embed(ctx, []string{content})
		if err != nil {
			return nil, errkind.Wrap(errkind.Transient, "embed document", err)
		}
		if len(vecs) > 0 {
			docEmbedding = vecs[0]
		}
	}

	if rc.Canceled(ctx) || ctx.Err() != nil {
		return nil, errkind.New(errkind.Canceled, "canceled before upsert")
	}

	docLen := len(rank.Tokenize(content))
	if err := h.Retrieval.UpsertIndexDocument(ctx, store.IndexedDocument{
		SourceType:   params.SourceType,
		SourceID:     params.SourceID,
		Title:        params.Title,
		Content:      content,
		DocEmbedding: docEmbedding,
		DocLen:       docLen,
	}); err != nil {
		return nil, errkind.Wrap(errkind.Transient, "upsert document", err)
	}

	return json.Marshal(Result{
		SourceType: params.SourceType,
		SourceID:   params.SourceID,
		DocLen:     docLen,
		Truncated:  truncated,
	})
}
