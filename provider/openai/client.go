// Package openai adapts github.com/sashabaranov/go-openai to the
// provider.Client interface: a ChatClient seam for testability and
// request/response translation against Chat Completions.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	sdk "github.com/sashabaranov/go-openai"

	"github.com/researchmcp/orchestrator/provider"
)

// ChatClient captures the subset of the go-openai client used by Client.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request sdk.ChatCompletionRequest) (sdk.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, request sdk.ChatCompletionRequest) (*sdk.ChatCompletionStream, error)
}

// Client implements provider.Client via the OpenAI Chat Completions API.
type Client struct {
	chat         ChatClient
	defaultModel string
	maxTokens    int
	temperature  float64
}

// New builds a Client from an explicit ChatClient, for tests.
func New(chat ChatClient, defaultModel string, maxTokens int, temperature float64) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	modelID := strings.TrimSpace(defaultModel)
	if modelID == "" {
		return nil, errors.New("openai: default model is required")
	}
	return &Client{chat: chat, defaultModel: modelID, maxTokens: maxTokens, temperature: temperature}, nil
}

// NewFromAPIKey constructs a Client against the live OpenAI API.
func NewFromAPIKey(apiKey, defaultModel string, maxTokens int, temperature float64) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("openai: api key is required")
	}
	return New(sdk.NewClient(apiKey), defaultModel, maxTokens, temperature)
}

func (c *Client) request(req provider.Request) (sdk.ChatCompletionRequest, error) {
	if len(req.Messages) == 0 {
		return sdk.ChatCompletionRequest{}, errors.New("openai: at least one message is required")
	}
	modelID := strings.TrimSpace(req.Model)
	if modelID == "" {
		modelID = c.defaultModel
	}
	messages := make([]sdk.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, sdk.ChatCompletionMessage{Role: sdk.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, sdk.ChatCompletionMessage{Role: string(m.Role), Content: m.Text})
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	temp := req.Temperature
	if temp == 0 {
		temp = c.temperature
	}
	return sdk.ChatCompletionRequest{
		Model:       modelID,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: float32(temp),
	}, nil
}

// Complete implements provider.Client.
func (c *Client) Complete(ctx context.Context, req provider.Request) (provider.Response, error) {
	request, err := c.request(req)
	if err != nil {
		return provider.Response{}, err
	}
	resp, err := c.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		if isRateLimited(err) {
			return provider.Response{}, fmt.Errorf("%w: %w", provider.ErrRateLimited, err)
		}
		return provider.Response{}, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return provider.Response{}, errors.New("openai: response had no choices")
	}
	return provider.Response{
		Text:       resp.Choices[0].Message.Content,
		StopReason: string(resp.Choices[0].FinishReason),
		Usage: provider.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}, nil
}

// Stream implements provider.Client.
func (c *Client) Stream(ctx context.Context, req provider.Request) (provider.Streamer, error) {
	request, err := c.request(req)
	if err != nil {
		return nil, err
	}
	request.Stream = true
	stream, err := c.chat.CreateChatCompletionStream(ctx, request)
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", provider.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("openai: chat completion stream: %w", err)
	}
	return &streamer{stream: stream}, nil
}

type streamer struct {
	stream       *sdk.ChatCompletionStream
	inputTokens  int
	outputTokens int
}

func (s *streamer) Next(ctx context.Context) (provider.Chunk, error) {
	if ctx.Err() != nil {
		return provider.Chunk{}, ctx.Err()
	}
	resp, err := s.stream.Recv()
	if errors.Is(err, io.EOF) {
		return provider.Chunk{Done: true, Usage: provider.TokenUsage{
			InputTokens:  s.inputTokens,
			OutputTokens: s.outputTokens,
			TotalTokens:  s.inputTokens + s.outputTokens,
		}}, nil
	}
	if err != nil {
		return provider.Chunk{}, fmt.Errorf("openai: stream recv: %w", err)
	}
	if resp.Usage != nil {
		s.inputTokens = resp.Usage.PromptTokens
		s.outputTokens = resp.Usage.CompletionTokens
	}
	if len(resp.Choices) > 0 {
		if d := resp.Choices[0].Delta.Content; d != "" {
			return provider.Chunk{TextDelta: d}, nil
		}
	}
	return provider.Chunk{}, nil
}

func (s *streamer) Close() error {
	s.stream.Close()
	return nil
}

func isRateLimited(err error) bool {
	var apiErr *sdk.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429
	}
	return false
}
