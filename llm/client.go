// Package llm defines the chat-completion client used by flow
// execution and chunk enrichment, with an OpenRouter implementation.
// An AWS Bedrock implementation lives in the llm/bedrock submodule.
package llm

import "context"

// Client is a chat-completion provider. Implementations must honor
// context cancellation on both entry points and report token usage on
// every successful turn.
type Client interface {
	// Chat runs one complete request/response exchange.
	Chat(ctx context.Context, messages []ChatMessage, opts *ChatOptions) (*Response, error)

	// StreamChat starts a streaming exchange. The returned channel is
	// closed after the terminal frame; see StreamToken for framing.
	StreamChat(ctx context.Context, messages []ChatMessage, opts *ChatOptions) (<-chan StreamToken, error)
}
