// Package middleware provides reusable provider.Client middleware: an
// adaptive token-bucket limiter built on golang.org/x/time/rate that backs
// off on rate-limit signals and recovers gradually. The orchestrator runs
// single-process, so the limiter's state is process-local.
package middleware

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"github.com/researchmcp/orchestrator/provider"
)

// AdaptiveRateLimiter applies an AIMD-style token bucket in front of a
// provider.Client: it estimates the token cost of each request, blocks
// until capacity is available, and shrinks/grows its effective
// tokens-per-minute budget in response to provider.ErrRateLimited.
type AdaptiveRateLimiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM   float64
	minTPM       float64
	maxTPM       float64
	recoveryRate float64
}

// NewAdaptiveRateLimiter constructs a limiter with an initial and maximum
// tokens-per-minute budget. maxTPM <= 0 (or less than initialTPM) clamps to
// initialTPM.
func NewAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Middleware wraps next with the adaptive rate limit for both Complete and
// Stream calls.
func (l *AdaptiveRateLimiter) Middleware() func(provider.Client) provider.Client {
	return func(next provider.Client) provider.Client {
		if next == nil {
			return nil
		}
		return &limitedClient{next: next, limiter: l}
	}
}

type limitedClient struct {
	next    provider.Client
	limiter *AdaptiveRateLimiter
}

func (c *limitedClient) Complete(ctx context.Context, req provider.Request) (provider.Response, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return provider.Response{}, err
	}
	resp, err := c.next.Complete(ctx, req)
	c.limiter.observe(err)
	return resp, err
}

func (c *limitedClient) Stream(ctx context.Context, req provider.Request) (provider.Streamer, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return nil, err
	}
	stream, err := c.next.Stream(ctx, req)
	c.limiter.observe(err)
	return stream, err
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, req provider.Request) error {
	return l.limiter.WaitN(ctx, estimateTokens(req))
}

func (l *AdaptiveRateLimiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	if errors.Is(err, provider.ErrRateLimited) {
		l.backoff()
	}
}

func (l *AdaptiveRateLimiter) backoff() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	if newTPM == l.currentTPM {
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
}

func (l *AdaptiveRateLimiter) probe() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	if newTPM == l.currentTPM {
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
}

// estimateTokens is a cheap heuristic: ~1 token per 3 characters of message
// text, plus a fixed buffer for system prompt and provider framing.
func estimateTokens(req provider.Request) int {
	charCount := len(req.System)
	for _, m := range req.Messages {
		charCount += len(m.Text)
	}
	if charCount <= 0 {
		return 500
	}
	tokens := charCount / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}
