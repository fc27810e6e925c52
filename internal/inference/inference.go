// ABOUTME: Client and Stream contracts for streaming inference plus request and usage types
// ABOUTME: Streams report usage through the optional UsageReporter interface

package inference

import (
	"context"

	"github.com/2389/chatgate/internal/chat"
)

// Request is one streaming completion request.
type Request struct {
	ChatID       string
	Messages     []chat.Message
	Selection    chat.Selection
	ContextFlags map[string]bool
}

// Usage is the token accounting reported at the end of a stream.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Stream yields content deltas.
type Stream interface {
	// Recv returns the next delta. It returns io.EOF after the last delta.
	Recv() (string, error)
	Close() error
}

// UsageReporter is implemented by streams that learn token usage.
type UsageReporter interface {
	Usage() (Usage, bool)
}

// Client opens inference streams.
type Client interface {
	Stream(ctx context.Context, req Request) (Stream, error)
}
