package llm

import (
	"context"
	"sync"

	"github.com/zoeflow/zoeflow/schema"
)

// MockCall records one request made against the mock.
type MockCall struct {
	Messages []ChatMessage
	Opts     *ChatOptions
}

// MockClient is a scripted Client for tests. Calls consume Responses
// and Errs positionally; once the script runs out the last response
// repeats. Both entry points share the same script.
type MockClient struct {
	mu        sync.Mutex
	index     int
	Responses []*Response
	Errs      []error
	Calls     []MockCall
}

func (m *MockClient) next(messages []ChatMessage, opts *ChatOptions) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockCall{Messages: append([]ChatMessage(nil), messages...), Opts: opts})
	i := m.index
	m.index++

	if i < len(m.Errs) && m.Errs[i] != nil {
		return nil, m.Errs[i]
	}
	if len(m.Responses) == 0 {
		return &Response{Content: "mock response", FinishReason: "stop"}, nil
	}
	if i >= len(m.Responses) {
		i = len(m.Responses) - 1
	}
	resp := *m.Responses[i]
	if resp.Usage.Model == "" {
		resp.Usage = schema.UsageRecord{
			Model:        "mock",
			PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2,
			Kind: schema.UsageKindCompletion,
			At:   schema.NowMillis(),
		}
	}
	return &resp, nil
}

func (m *MockClient) Chat(ctx context.Context, messages []ChatMessage, opts *ChatOptions) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.next(messages, opts)
}

// StreamChat replays the scripted response as a short stream: the
// content split in two deltas, then a terminal frame with tool calls,
// finish reason, and usage.
func (m *MockClient) StreamChat(ctx context.Context, messages []ChatMessage, opts *ChatOptions) (<-chan StreamToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := m.next(messages, opts)
	if err != nil {
		return nil, err
	}

	tokens := make(chan StreamToken, 4)
	go func() {
		defer close(tokens)
		if resp.Content != "" {
			mid := len(resp.Content) / 2
			for _, delta := range []string{resp.Content[:mid], resp.Content[mid:]} {
				if delta == "" {
					continue
				}
				select {
				case tokens <- StreamToken{Delta: delta}:
				case <-ctx.Done():
					return
				}
			}
		}
		usage := resp.Usage
		select {
		case tokens <- StreamToken{
			ToolCalls:    resp.ToolCalls,
			FinishReason: resp.FinishReason,
			Usage:        &usage,
		}:
		case <-ctx.Done():
		}
	}()
	return tokens, nil
}

// CallCount returns how many requests the mock has served.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
