package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout   = 120 * time.Second
	defaultRateLimit = 10 // requests per second
	defaultBurst     = 5
	maxResponseBytes = 10 * 1024 * 1024
)

// Config configures an HTTP completion client.
type Config struct {
	// Name identifies the provider in errors and usage records.
	Name string `koanf:"name"`
	// BaseURL is the API endpoint root, e.g. https://api.openai.com.
	BaseURL string `koanf:"base_url"`
	// APIKey authenticates requests. Never logged.
	APIKey string `koanf:"api_key"`
	// TimeoutSeconds bounds each call (default: 120).
	TimeoutSeconds int `koanf:"timeout_seconds"`
	// RateLimit is the sustained requests-per-second cap (default: 10).
	RateLimit float64 `koanf:"rate_limit"`
}

// HTTPClient implements Completer against a chat-completions style API.
type HTTPClient struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewHTTPClient creates an HTTP completion client.
func NewHTTPClient(cfg Config, logger *zap.Logger) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider base URL is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := defaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	limit := rate.Limit(defaultRateLimit)
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	name := cfg.Name
	if name == "" {
		name = "default"
	}

	return &HTTPClient{
		name:       name,
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, defaultBurst),
		logger:     logger,
	}, nil
}

// chatRequest is the wire format for the completions endpoint.
type chatRequest struct {
	Model       string    `json:"model"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Messages    []Message `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Complete performs one completion call. It waits on the rate limiter,
// honors context cancellation, and classifies HTTP failures into
// retryable and non-retryable provider errors.
func (c *HTTPClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	body, err := json.Marshal(chatRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Messages:    req.Messages,
	})
	if err != nil {
		return nil, &Error{Provider: c.name, Message: fmt.Sprintf("marshal request: %v", err), Retryable: false}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Provider: c.name, Message: fmt.Sprintf("build request: %v", err), Retryable: false}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Transport errors and timeouts are transient.
		return nil, &Error{Provider: c.name, Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &Error{Provider: c.name, Message: fmt.Sprintf("read response: %v", err), Retryable: true}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp.StatusCode, data)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, &Error{Provider: c.name, Message: fmt.Sprintf("malformed response: %v", err), Retryable: true}
	}
	if parsed.Error != nil {
		return nil, &Error{Provider: c.name, Message: parsed.Error.Message, Retryable: true}
	}
	if len(parsed.Choices) == 0 {
		return nil, &Error{Provider: c.name, Message: "response contained no choices", Retryable: true}
	}

	c.logger.Debug("completion finished",
		zap.String("provider", c.name),
		zap.String("model", req.Model),
		zap.Int("tokens_in", parsed.Usage.PromptTokens),
		zap.Int("tokens_out", parsed.Usage.CompletionTokens),
		zap.Duration("elapsed", time.Since(start)),
	)

	return &Response{
		Content:      parsed.Choices[0].Message.Content,
		TokensIn:     parsed.Usage.PromptTokens,
		TokensOut:    parsed.Usage.CompletionTokens,
		FinishReason: parsed.Choices[0].FinishReason,
	}, nil
}

// statusError maps an HTTP status to a provider error. Rate limiting
// and server errors are retryable; auth and request errors are not.
func (c *HTTPClient) statusError(status int, body []byte) *Error {
	msg := string(body)
	if len(msg) > 512 {
		msg = msg[:512]
	}

	retryable := false
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		retryable = true
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusUnprocessableEntity:
		retryable = false
	default:
		retryable = status >= 500 && status < 600
	}

	return &Error{Provider: c.name, StatusCode: status, Message: msg, Retryable: retryable}
}
