// Package provider defines the generic LLM client surface the research
// pipeline drives for planning, sub-research, and synthesis calls: a
// Complete/Stream pair over plain text messages, since the orchestrator has
// no tool-calling planner of its own. Concrete implementations live in
// provider/anthropic and provider/openai.
package provider

import (
	"context"
	"errors"
)

// ErrRateLimited is returned (wrapped) by a Client when the upstream
// provider signals rate limiting (HTTP 429 or provider-specific backoff
// hint), letting provider/middleware distinguish it from other failures.
var ErrRateLimited = errors.New("provider: rate limited")

type (
	// Role identifies the speaker of a Message.
	Role string

	// Message is one turn of a provider conversation.
	Message struct {
		Role Role
		Text string
	}

	// Request is a single completion request.
	Request struct {
		// Model is the provider-specific model identifier; empty uses the
		// client's configured default.
		Model string
		// Messages is the conversation so far, oldest first.
		Messages []Message
		// System is an optional system prompt.
		System string
		// MaxTokens bounds the completion length.
		MaxTokens int
		// Temperature controls sampling randomness; 0 uses the client default.
		Temperature float64
	}

	// TokenUsage reports accounting for a single call.
	TokenUsage struct {
		InputTokens  int
		OutputTokens int
		TotalTokens  int
	}

	// Response is a non-streaming completion result.
	Response struct {
		Text       string
		Usage      TokenUsage
		StopReason string
	}

	// Chunk is one increment of a streaming completion.
	Chunk struct {
		// TextDelta is the incremental text produced since the previous chunk.
		TextDelta string
		// Done is true on the final chunk, which also carries Usage.
		Done  bool
		Usage TokenUsage
	}

	// Streamer yields Chunks until exhausted. Callers must drain it (or call
	// Close) to release the underlying HTTP/SSE connection.
	Streamer interface {
		Next(ctx context.Context) (Chunk, error)
		Close() error
	}

	// Client is the capability the research pipeline depends on. Both
	// provider/anthropic and provider/openai implement it directly against
	// their respective SDKs; provider/middleware wraps it for rate limiting.
	Client interface {
		Complete(ctx context.Context, req Request) (Response, error)
		Stream(ctx context.Context, req Request) (Streamer, error)
	}
)

// Roles mirrored from the common provider conversation shape.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)
