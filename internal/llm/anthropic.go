package llm

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/stellarlinkco/recall/internal/config"
)

const (
	defaultMaxRetries     = 3
	defaultRetryBaseDelay = time.Second
)

// Client wraps the Anthropic SDK behind the Generator interface with
// bounded retry on transient failures.
type Client struct {
	model      string
	maxRetries int
	baseDelay  time.Duration
	client     anthropic.Client
}

// NewClient builds a Generator from config. An empty API key is an error
// so misconfiguration surfaces at startup, not mid-conversation.
func NewClient(cfg *config.Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.Provider.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic client: missing api key (set RECALL_API_KEY or ANTHROPIC_API_KEY)")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(cfg.Provider.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &Client{
		model:      cfg.Agent.Model,
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultRetryBaseDelay,
		client:     anthropic.NewClient(opts...),
	}, nil
}

// Complete sends one request, retrying transient failures with
// exponential backoff.
func (c *Client) Complete(ctx context.Context, prompt, system string, maxOutput int, temperature float64) (string, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.baseDelay * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := c.doRequest(ctx, prompt, system, maxOutput, temperature)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("anthropic: max retries exceeded: %w", lastErr)
}

func (c *Client) doRequest(ctx context.Context, prompt, system string, maxOutput int, temperature float64) (string, error) {
	if maxOutput <= 0 {
		maxOutput = config.DefaultMaxOutputTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(maxOutput),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if temperature >= 0 {
		params.Temperature = anthropic.Float(temperature)
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic request: %w", err)
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(out.String())
	if text == "" {
		return "", fmt.Errorf("anthropic request: empty response content")
	}
	return text, nil
}

// isRetryable classifies transient backend failures worth another attempt.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()

	if strings.Contains(msg, "rate_limit") || strings.Contains(msg, "429") {
		return true
	}
	for _, code := range []string{"500", "502", "503", "504"} {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline")
}
