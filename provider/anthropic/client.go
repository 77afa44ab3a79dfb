// Package anthropic adapts github.com/anthropics/anthropic-sdk-go to the
// provider.Client interface: a MessagesClient seam for testability,
// request/response translation, and rate-limit error classification.
package anthropic

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/researchmcp/orchestrator/provider"
)

// MessagesClient captures the subset of the Anthropic SDK used by Client, so
// tests can substitute a fake without a live API key.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Client implements provider.Client on top of Anthropic's Messages API.
type Client struct {
	msg          MessagesClient
	defaultModel string
	maxTokens    int
	temperature  float64
}

// New builds a Client from an explicit MessagesClient, for tests.
func New(msg MessagesClient, defaultModel string, maxTokens int, temperature float64) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("anthropic: default model is required")
	}
	return &Client{msg: msg, defaultModel: defaultModel, maxTokens: maxTokens, temperature: temperature}, nil
}

// NewFromAPIKey constructs a Client against the live Anthropic API.
func NewFromAPIKey(apiKey, defaultModel string, maxTokens int, temperature float64) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	sc := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&sc.Messages, defaultModel, maxTokens, temperature)
}

func (c *Client) params(req provider.Request) (sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return sdk.MessageNewParams{}, errors.New("anthropic: at least one message is required")
	}
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	if maxTokens <= 0 {
		return sdk.MessageNewParams{}, errors.New("anthropic: max_tokens must be positive")
	}
	msgs := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case provider.RoleUser:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Text)))
		case provider.RoleAssistant:
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Text)))
		}
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	system := req.System
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	temp := req.Temperature
	if temp == 0 {
		temp = c.temperature
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	return params, nil
}

// Complete implements provider.Client.
func (c *Client) Complete(ctx context.Context, req provider.Request) (provider.Response, error) {
	params, err := c.params(req)
	if err != nil {
		return provider.Response{}, err
	}
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return provider.Response{}, fmt.Errorf("%w: %w", provider.ErrRateLimited, err)
		}
		return provider.Response{}, fmt.Errorf("anthropic: messages.new: %w", err)
	}
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return provider.Response{
		Text:       text,
		StopReason: string(msg.StopReason),
		Usage: provider.TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}, nil
}

// Stream implements provider.Client.
func (c *Client) Stream(ctx context.Context, req provider.Request) (provider.Streamer, error) {
	params, err := c.params(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", provider.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("anthropic: messages.new stream: %w", err)
	}
	return &streamer{stream: stream}, nil
}

type streamer struct {
	stream       *ssestream.Stream[sdk.MessageStreamEventUnion]
	inputTokens  int
	outputTokens int
}

func (s *streamer) Next(ctx context.Context) (provider.Chunk, error) {
	if ctx.Err() != nil {
		return provider.Chunk{}, ctx.Err()
	}
	if !s.stream.Next() {
		if err := s.stream.Err(); err != nil {
			return provider.Chunk{}, fmt.Errorf("anthropic: stream: %w", err)
		}
		return provider.Chunk{Done: true, Usage: provider.TokenUsage{
			InputTokens:  s.inputTokens,
			OutputTokens: s.outputTokens,
			TotalTokens:  s.inputTokens + s.outputTokens,
		}}, nil
	}
	event := s.stream.Current()
	switch event.Type {
	case "message_start":
		s.inputTokens = int(event.Message.Usage.InputTokens)
	case "content_block_delta":
		if d := event.Delta.Text; d != "" {
			return provider.Chunk{TextDelta: d}, nil
		}
	case "message_delta":
		s.outputTokens = int(event.Usage.OutputTokens)
	}
	return provider.Chunk{}, nil
}

func (s *streamer) Close() error {
	return s.stream.Close()
}

func isRateLimited(err error) bool {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}
