// Package provider defines the upstream model provider interface and a
// chat-completions HTTP client implementation.
//
// The phase executor treats all provider errors uniformly as retryable
// unless the error is marked non-retryable (authentication failure,
// malformed request). Retrying itself is the executor's job; a client
// performs exactly one attempt per Complete call.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// Role constants for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single chat message sent to a model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one completion call. Model parameters come from the
// routing tier selected for the phase.
type Request struct {
	Model       string    `json:"model"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	Messages    []Message `json:"messages"`
}

// Response is the result of a completion call.
type Response struct {
	Content      string `json:"content"`
	TokensIn     int    `json:"tokens_in"`
	TokensOut    int    `json:"tokens_out"`
	FinishReason string `json:"finish_reason"`
}

// Completer is the upstream model provider interface consumed by the
// phase executor.
type Completer interface {
	// Complete sends messages to the model and returns the completion.
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Error is a provider-specific failure. Retryable distinguishes
// transient transport/rate-limit errors from permanent ones.
type Error struct {
	Provider   string
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s: status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Message)
}

// IsRetryable reports whether err should be retried. Unknown error
// types (network failures, timeouts) are treated as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}
