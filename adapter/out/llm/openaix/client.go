// Package openaix adapts go-openai to the core's LLMClient port.
package openaix

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"knowledgetree/core/domain"
	"knowledgetree/pkg/httputil"
	"knowledgetree/pkg/metrics"
	"knowledgetree/pkg/resilience"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "gpt-4o-mini"

// defaultRateLimitRetryAfter is used when the provider's 429 response
// carries no usable Retry-After value (go-openai's APIError doesn't
// surface response headers).
const defaultRateLimitRetryAfter = 20 * time.Second

// rateLimitError lets the Analyst Pool's retry loop recognize a 429 and
// park instead of counting it against the transport retry budget.
type rateLimitError struct {
	err        error
	retryAfter time.Duration
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("%s: %s", domain.ErrLLMRateLimited, e.err)
}

func (e *rateLimitError) Unwrap() error { return e.err }

func (e *rateLimitError) RetryAfter() time.Duration { return e.retryAfter }

// Config configures the adapter's underlying chat-completion model.
type Config struct {
	APIKey string
	Model  string
}

// Client implements out.LLMClient over OpenAI chat completions,
// circuit-breaker-wrapped so a failing provider fails fast rather than
// piling up blocked analyst goroutines.
type Client struct {
	client *openai.Client
	model  string
	cb     *resilience.CircuitBreaker
}

// New wires a Client over the shared OpenAI-tuned HTTP transport.
func New(cfg Config) *Client {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.HTTPClient = httputil.OpenAIClient()
	return &Client{
		client: openai.NewClientWithConfig(oc),
		model:  model,
		cb:     resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("llm-openai")),
	}
}

// Complete implements out.LLMClient. A temperature/maxTokens/timeout
// triple comes from the calling Analyst's Config; the adapter does not
// interpret retry or rate-limit semantics itself, that's the Analyst
// Pool's job. This method surfaces only the error
// kinds the pool's retry loop branches on.
func (c *Client) Complete(ctx context.Context, prompt string, temperature float64, maxTokens int, timeout time.Duration) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	defer func() { metrics.RecordLatency("llm.complete", time.Since(start)) }()

	var resp openai.ChatCompletionResponse
	cbErr := c.cb.Execute(func() error {
		var apiErr error
		resp, apiErr = c.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
			Model:       c.model,
			Temperature: float32(temperature),
			MaxTokens:   maxTokens,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleUser, Content: prompt},
			},
		})
		return apiErr
	})

	if errors.Is(cbErr, resilience.ErrCircuitOpen) || errors.Is(cbErr, resilience.ErrTooManyRequest) {
		return "", fmt.Errorf("%s: %w", string(domain.ErrLLMTransport), cbErr)
	}
	if cbErr != nil {
		var apiErr *openai.APIError
		if errors.As(cbErr, &apiErr) && apiErr.HTTPStatusCode == 429 {
			return "", &rateLimitError{err: cbErr, retryAfter: defaultRateLimitRetryAfter}
		}
		if callCtx.Err() != nil {
			return "", fmt.Errorf("%s: %w", string(domain.ErrLLMTransport), callCtx.Err())
		}
		return "", fmt.Errorf("%s: %w", string(domain.ErrLLMTransport), cbErr)
	}

	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}
