package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/zoeflow/zoeflow/errs"
	"github.com/zoeflow/zoeflow/schema"
)

const (
	// OpenRouterAPIURL is the default OpenAI-compatible endpoint.
	OpenRouterAPIURL = "https://openrouter.ai/api/v1"

	// DefaultChatModel is used when neither options nor environment
	// name a model.
	DefaultChatModel = "openai/gpt-4o-mini"
)

// OpenRouterClient implements Client against OpenRouter's
// OpenAI-compatible chat completions API.
type OpenRouterClient struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenRouterClient builds a client. Empty arguments fall back to
// OPENROUTER_API_KEY, OPENROUTER_BASE_URL, and OPENROUTER_MODEL.
func NewOpenRouterClient(apiKey, baseURL, model string, logger *slog.Logger) *OpenRouterClient {
	if apiKey == "" {
		apiKey = os.Getenv("OPENROUTER_API_KEY")
	}
	if baseURL == "" {
		baseURL = os.Getenv("OPENROUTER_BASE_URL")
	}
	if baseURL == "" {
		baseURL = OpenRouterAPIURL
	}
	if model == "" {
		model = os.Getenv("OPENROUTER_MODEL")
	}
	if model == "" {
		model = DefaultChatModel
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	return newOpenRouterClient(openai.NewClientWithConfig(cfg), model, logger)
}

// NewOpenRouterClientWithClient wires a prebuilt SDK client, used by
// tests against a stub server.
func NewOpenRouterClientWithClient(client *openai.Client, model string, logger *slog.Logger) *OpenRouterClient {
	if model == "" {
		model = DefaultChatModel
	}
	return newOpenRouterClient(client, model, logger)
}

func newOpenRouterClient(client *openai.Client, model string, logger *slog.Logger) *OpenRouterClient {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return &OpenRouterClient{client: client, model: model, logger: logger}
}

func (c *OpenRouterClient) Chat(ctx context.Context, messages []ChatMessage, opts *ChatOptions) (*Response, error) {
	req := c.buildRequest(messages, opts)
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, c.wrapErr(ctx, "chat completion", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errs.New(errs.KindProvider, "chat completion returned no choices")
	}
	choice := resp.Choices[0]
	out := &Response{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage:        usageRecord(req.Model, &resp.Usage),
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

func (c *OpenRouterClient) StreamChat(ctx context.Context, messages []ChatMessage, opts *ChatOptions) (<-chan StreamToken, error) {
	req := c.buildRequest(messages, opts)
	req.Stream = true
	req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, c.wrapErr(ctx, "start chat stream", err)
	}

	tokens := make(chan StreamToken)
	go func() {
		defer close(tokens)
		defer stream.Close()

		accum := newToolCallAccum()
		var finish string
		var usage *openai.Usage

		send := func(token StreamToken) bool {
			select {
			case tokens <- token:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				final := StreamToken{
					ToolCalls:    accum.assembled(),
					FinishReason: finish,
				}
				if usage != nil {
					rec := usageRecord(req.Model, usage)
					final.Usage = &rec
				}
				send(final)
				return
			}
			if err != nil {
				send(StreamToken{Err: c.wrapErr(ctx, "receive chat stream", err)})
				return
			}
			if resp.Usage != nil {
				usage = resp.Usage
			}
			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]
			if choice.FinishReason != "" {
				finish = string(choice.FinishReason)
			}
			for _, tc := range choice.Delta.ToolCalls {
				accum.add(tc)
			}
			if choice.Delta.Content != "" {
				if !send(StreamToken{Delta: choice.Delta.Content}) {
					return
				}
			}
		}
	}()
	return tokens, nil
}

func (c *OpenRouterClient) buildRequest(messages []ChatMessage, opts *ChatOptions) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: convertMessages(messages),
	}
	if opts == nil {
		return req
	}
	if opts.Model != "" {
		req.Model = opts.Model
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
		if req.Temperature == 0 {
			// The SDK omits a zero temperature from the payload; the
			// smallest non-zero value survives and rounds to 0 upstream.
			req.Temperature = math.SmallestNonzeroFloat32
		}
	}
	if opts.MaxTokens != nil {
		req.MaxTokens = *opts.MaxTokens
	}
	for _, tool := range opts.Tools {
		fn := openai.FunctionDefinition{
			Name:        tool.Name,
			Description: tool.Description,
		}
		if tool.Parameters != nil {
			fn.Parameters = tool.Parameters
		}
		req.Tools = append(req.Tools, openai.Tool{Type: openai.ToolTypeFunction, Function: &fn})
	}
	if opts.ToolChoice != nil {
		switch opts.ToolChoice.Mode {
		case ToolChoiceFunction:
			req.ToolChoice = openai.ToolChoice{
				Type:     openai.ToolTypeFunction,
				Function: openai.ToolFunction{Name: opts.ToolChoice.Name},
			}
		case ToolChoiceNone:
			req.ToolChoice = "none"
		case ToolChoiceRequired:
			req.ToolChoice = "required"
		default:
			req.ToolChoice = "auto"
		}
	}
	return req
}

func (c *OpenRouterClient) wrapErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.KindCancelled, op, err)
	}
	c.logger.Error("openrouter request failed", "op", op, "error", err)
	return errs.Wrap(errs.KindProvider, op, err)
}

func convertMessages(messages []ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		m := openai.ChatCompletionMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, m)
	}
	return out
}

func usageRecord(model string, usage *openai.Usage) schema.UsageRecord {
	rec := schema.UsageRecord{
		Model: model,
		Kind:  schema.UsageKindCompletion,
		At:    schema.NowMillis(),
	}
	if usage != nil {
		rec.PromptTokens = usage.PromptTokens
		rec.CompletionTokens = usage.CompletionTokens
		rec.TotalTokens = usage.TotalTokens
	}
	return rec
}

// toolCallAccum reassembles streamed tool-call fragments. Providers
// key fragments by index; id and name arrive on the first fragment and
// arguments accumulate across the rest.
type toolCallAccum struct {
	order []int
	calls map[int]*ToolCall
}

func newToolCallAccum() *toolCallAccum {
	return &toolCallAccum{calls: map[int]*ToolCall{}}
}

func (a *toolCallAccum) add(tc openai.ToolCall) {
	idx := len(a.order)
	if tc.Index != nil {
		idx = *tc.Index
	}
	call, ok := a.calls[idx]
	if !ok {
		call = &ToolCall{}
		a.calls[idx] = call
		a.order = append(a.order, idx)
	}
	if tc.ID != "" {
		call.ID = tc.ID
	}
	if tc.Function.Name != "" {
		call.Name = tc.Function.Name
	}
	call.Arguments += tc.Function.Arguments
}

func (a *toolCallAccum) assembled() []ToolCall {
	if len(a.order) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		out = append(out, *a.calls[idx])
	}
	return out
}

// IsForcedToolChoiceError reports whether a provider rejected a forced
// tool choice, the case the caller retries once with auto.
func IsForcedToolChoiceError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		msg = apiErr.Message
	}
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "tool_choice") || strings.Contains(msg, "tool choice")
}
