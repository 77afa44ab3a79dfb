package embedding

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/sashabaranov/go-openai"
)

// EmbeddingsClient captures the subset of the OpenAI SDK used for batched
// remote embeddings, the same narrow-interface-for-testability shape as
// provider/openai's ChatClient.
type EmbeddingsClient interface {
	CreateEmbeddings(ctx context.Context, req sdk.EmbeddingRequestConverter) (sdk.EmbeddingResponse, error)
}

// Remote is a batched, network-backed embedding provider. Each Embed call
// issues one request for the whole batch and preserves input order in the
// returned vectors.
type Remote struct {
	client EmbeddingsClient
	model  sdk.EmbeddingModel
	dim    int
}

// NewRemote constructs a Remote provider against an explicit client, for
// tests.
func NewRemote(client EmbeddingsClient, model sdk.EmbeddingModel, dim int) (*Remote, error) {
	if client == nil {
		return nil, errors.New("embedding: remote client is required")
	}
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &Remote{client: client, model: model, dim: dim}, nil
}

// NewRemoteFromAPIKey constructs a Remote provider against the live OpenAI
// embeddings API.
func NewRemoteFromAPIKey(apiKey string, model sdk.EmbeddingModel, dim int) (*Remote, error) {
	if apiKey == "" {
		return nil, errors.New("embedding: api key is required")
	}
	return NewRemote(sdk.NewClient(apiKey), model, dim)
}

// Dimension implements Provider.
func (r *Remote) Dimension() int { return r.dim }

// Embed implements Provider, issuing a single batched request for all
// texts.
func (r *Remote) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := r.client.CreateEmbeddings(ctx, sdk.EmbeddingRequest{
		Input: texts,
		Model: r.model,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: remote create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding: remote returned %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		if len(d.Embedding) != r.dim {
			return nil, fmt.Errorf("embedding: remote vector dimension %d does not match configured %d", len(d.Embedding), r.dim)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}
