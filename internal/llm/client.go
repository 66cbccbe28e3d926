// Package llm adapts chat completion providers to a single prompt-in,
// text-out client.
//
// Gemini (through its OpenAI-compatible endpoint) and OpenAI share the
// langchaingo openai backend; Anthropic uses the langchaingo anthropic
// backend. Every call is rate limited, bounded by a timeout and retried with
// exponential backoff on transient provider errors.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/researchd/internal/config"
)

// ErrEmptyResponse is returned when the provider answers with no text.
var ErrEmptyResponse = errors.New("llm returned an empty response")

// Client completes a single prompt.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

const defaultBaseBackoff = time.Second

// LangChainClient calls a langchaingo model.
type LangChainClient struct {
	model       llms.Model
	provider    string
	modelName   string
	temperature float64
	maxTokens   int
	timeout     time.Duration
	limiter     *rate.Limiter
	maxRetries  int
	backoff     time.Duration
	logger      *zap.Logger
}

// New builds a client for cfg.Provider.
func New(cfg config.LLMConfig, logger *zap.Logger) (*LangChainClient, error) {
	if !cfg.APIKey.IsSet() {
		return nil, fmt.Errorf("%s api key required", cfg.Provider)
	}

	var (
		model llms.Model
		err   error
	)
	switch cfg.Provider {
	case "gemini", "openai":
		opts := []openai.Option{
			openai.WithToken(cfg.APIKey.Value()),
			openai.WithModel(cfg.Model),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err = openai.New(opts...)
	case "anthropic":
		model, err = anthropic.New(
			anthropic.WithToken(cfg.APIKey.Value()),
			anthropic.WithModel(cfg.Model),
		)
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s client: %w", cfg.Provider, err)
	}

	return NewWithModel(model, cfg, logger), nil
}

// NewWithModel wraps an existing langchaingo model.
func NewWithModel(model llms.Model, cfg config.LLMConfig, logger *zap.Logger) *LangChainClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &LangChainClient{
		model:       model,
		provider:    cfg.Provider,
		modelName:   cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
		limiter:     rate.NewLimiter(limit, burst),
		maxRetries:  cfg.MaxRetries,
		backoff:     defaultBaseBackoff,
		logger:      logger,
	}
}

// Complete sends prompt and returns the generated text.
func (c *LangChainClient) Complete(ctx context.Context, prompt string) (string, error) {
	start := time.Now()
	text, err := c.complete(ctx, prompt)

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	requestsTotal.WithLabelValues(c.provider, outcome).Inc()
	requestDuration.WithLabelValues(c.provider).Observe(time.Since(start).Seconds())
	return text, err
}

func (c *LangChainClient) complete(ctx context.Context, prompt string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	opts := []llms.CallOption{llms.WithTemperature(c.temperature)}
	if c.maxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(c.maxTokens))
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoff * time.Duration(1<<(attempt-1))
			retriesTotal.WithLabelValues(c.provider).Inc()
			c.logger.Debug("retrying llm call",
				zap.String("provider", c.provider),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		text, err := c.attempt(ctx, prompt, opts)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if c.maxRetries == 0 || !isRetryable(ctx, err) {
			return "", err
		}
	}
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *LangChainClient) attempt(ctx context.Context, prompt string, opts []llms.CallOption) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	text, err := llms.GenerateFromSinglePrompt(ctx, c.model, prompt, opts...)
	if err != nil {
		return "", fmt.Errorf("%s completion (%s): %w", c.provider, c.modelName, err)
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// isRetryable reports whether err looks transient. Caller cancellation and
// the per-call timeout are final.
func isRetryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "rate limit", "500", "502", "503", "504", "overloaded", "connection reset"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

var _ Client = (*LangChainClient)(nil)
