// Package bedrock implements llm.Client on the AWS Bedrock Converse
// API. It is a separate sub-module so the root module does not pull
// AWS SDK dependencies unless a deployment selects this provider.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/zoeflow/zoeflow/errs"
	"github.com/zoeflow/zoeflow/llm"
	"github.com/zoeflow/zoeflow/schema"
)

const (
	// DefaultModel is used when no model is configured.
	DefaultModel = Claude35SonnetV2
	// DefaultMaxTokens caps completion length when no option is given.
	DefaultMaxTokens = 4096
	// DefaultRegion is the fallback AWS region.
	DefaultRegion = "us-east-1"
)

// Model identifiers commonly deployed through Converse.
const (
	Claude35Sonnet   = "anthropic.claude-3-5-sonnet-20240620-v1:0"
	Claude35SonnetV2 = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	Claude35Haiku    = "anthropic.claude-3-5-haiku-20241022-v1:0"
	Claude37Sonnet   = "anthropic.claude-3-7-sonnet-20250219-v1:0"
	Claude4Sonnet    = "anthropic.claude-sonnet-4-20250514-v1:0"
	Claude4Opus      = "anthropic.claude-opus-4-20250514-v1:0"
	NovaProV1        = "amazon.nova-pro-v1:0"
	NovaLiteV1       = "amazon.nova-lite-v1:0"
	NovaMicroV1      = "amazon.nova-micro-v1:0"
	Llama33_70B      = "meta.llama3-3-70b-instruct-v1:0"
	MistralLarge     = "mistral.mistral-large-2402-v1:0"
)

// Client calls Bedrock models through Converse and ConverseStream.
type Client struct {
	client    *bedrockruntime.Client
	model     string
	region    string
	maxTokens int32
	logger    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithModel sets the default model identifier.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithRegion sets the AWS region.
func WithRegion(region string) Option {
	return func(c *Client) { c.region = region }
}

// WithMaxTokens sets the default completion token cap.
func WithMaxTokens(maxTokens int32) Option {
	return func(c *Client) { c.maxTokens = maxTokens }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithCredentials uses static AWS credentials instead of the default
// provider chain.
func WithCredentials(accessKeyID, secretAccessKey, sessionToken string) Option {
	return func(c *Client) {
		cfg, err := config.LoadDefaultConfig(context.Background(),
			config.WithRegion(c.region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				accessKeyID,
				secretAccessKey,
				sessionToken,
			)),
		)
		if err == nil {
			c.client = bedrockruntime.NewFromConfig(cfg)
		}
	}
}

// WithRuntimeClient injects a prebuilt Bedrock runtime client.
func WithRuntimeClient(client *bedrockruntime.Client) Option {
	return func(c *Client) { c.client = client }
}

// New builds a Client. The region resolves from AWS_REGION, then
// AWS_DEFAULT_REGION, then DefaultRegion.
func New(opts ...Option) *Client {
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = os.Getenv("AWS_DEFAULT_REGION")
	}
	if region == "" {
		region = DefaultRegion
	}

	c := &Client{
		model:     DefaultModel,
		region:    region,
		maxTokens: DefaultMaxTokens,
		logger:    slog.New(slog.NewJSONHandler(os.Stdout, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		cfg, err := config.LoadDefaultConfig(context.Background(),
			config.WithRegion(c.region),
		)
		if err == nil {
			c.client = bedrockruntime.NewFromConfig(cfg)
		}
	}
	return c
}

// Chat runs one complete Converse exchange.
func (c *Client) Chat(ctx context.Context, messages []llm.ChatMessage, opts *llm.ChatOptions) (*llm.Response, error) {
	req := c.buildRequest(messages, opts)
	out, err := c.client.Converse(ctx, req.converse())
	if err != nil {
		return nil, c.wrapErr(ctx, "converse", err)
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return nil, errs.New(errs.KindProvider, "converse returned no message")
	}

	resp := &llm.Response{
		FinishReason: mapStopReason(out.StopReason),
		Usage:        usageRecord(req.modelID, out.Usage),
	}
	for _, block := range msg.Value.Content {
		switch b := block.(type) {
		case *types.ContentBlockMemberText:
			resp.Content += b.Value
		case *types.ContentBlockMemberToolUse:
			resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{
				ID:        aws.ToString(b.Value.ToolUseId),
				Name:      aws.ToString(b.Value.Name),
				Arguments: documentJSON(b.Value.Input),
			})
		}
	}
	return resp, nil
}

// StreamChat runs a ConverseStream exchange. Text arrives as Delta
// frames; assembled tool calls, the stop reason, and usage arrive on
// the terminal frame.
func (c *Client) StreamChat(ctx context.Context, messages []llm.ChatMessage, opts *llm.ChatOptions) (<-chan llm.StreamToken, error) {
	req := c.buildRequest(messages, opts)
	out, err := c.client.ConverseStream(ctx, req.converseStream())
	if err != nil {
		return nil, c.wrapErr(ctx, "start converse stream", err)
	}

	tokens := make(chan llm.StreamToken)
	go func() {
		defer close(tokens)
		stream := out.GetStream()
		defer stream.Close()

		var assembled []llm.ToolCall
		var current *llm.ToolCall
		var finish string
		var usage *types.TokenUsage

		send := func(token llm.StreamToken) bool {
			select {
			case tokens <- token:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for event := range stream.Events() {
			switch v := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if start, ok := v.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					current = &llm.ToolCall{
						ID:   aws.ToString(start.Value.ToolUseId),
						Name: aws.ToString(start.Value.Name),
					}
				}

			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := v.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if delta.Value != "" && !send(llm.StreamToken{Delta: delta.Value}) {
						return
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if current != nil && delta.Value.Input != nil {
						current.Arguments += aws.ToString(delta.Value.Input)
					}
				}

			case *types.ConverseStreamOutputMemberContentBlockStop:
				if current != nil {
					if current.Arguments == "" {
						current.Arguments = "{}"
					}
					assembled = append(assembled, *current)
					current = nil
				}

			case *types.ConverseStreamOutputMemberMessageStop:
				finish = mapStopReason(v.Value.StopReason)

			case *types.ConverseStreamOutputMemberMetadata:
				usage = v.Value.Usage
			}
		}
		if err := stream.Err(); err != nil {
			send(llm.StreamToken{Err: c.wrapErr(ctx, "receive converse stream", err)})
			return
		}

		final := llm.StreamToken{ToolCalls: assembled, FinishReason: finish}
		rec := usageRecord(req.modelID, usage)
		final.Usage = &rec
		send(final)
	}()
	return tokens, nil
}

// converseRequest is the provider-shaped form of one exchange, shared
// by the unary and streaming entry points.
type converseRequest struct {
	modelID   string
	system    []types.SystemContentBlock
	messages  []types.Message
	inference *types.InferenceConfiguration
	tools     *types.ToolConfiguration
}

func (r *converseRequest) converse() *bedrockruntime.ConverseInput {
	return &bedrockruntime.ConverseInput{
		ModelId:         aws.String(r.modelID),
		Messages:        r.messages,
		System:          r.system,
		InferenceConfig: r.inference,
		ToolConfig:      r.tools,
	}
}

func (r *converseRequest) converseStream() *bedrockruntime.ConverseStreamInput {
	return &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(r.modelID),
		Messages:        r.messages,
		System:          r.system,
		InferenceConfig: r.inference,
		ToolConfig:      r.tools,
	}
}

func (c *Client) buildRequest(messages []llm.ChatMessage, opts *llm.ChatOptions) *converseRequest {
	req := &converseRequest{
		modelID:   c.model,
		inference: &types.InferenceConfiguration{MaxTokens: aws.Int32(c.maxTokens)},
	}
	req.system, req.messages = convertConversation(messages)

	if opts == nil {
		return req
	}
	if opts.Model != "" {
		req.modelID = opts.Model
	}
	if opts.Temperature != nil {
		req.inference.Temperature = aws.Float32(*opts.Temperature)
	}
	if opts.MaxTokens != nil {
		req.inference.MaxTokens = aws.Int32(int32(*opts.MaxTokens))
	}
	if len(opts.Tools) > 0 {
		req.tools = buildToolConfig(opts.Tools, opts.ToolChoice)
	}
	return req
}

// convertConversation maps chat messages to Converse turns. System
// messages become system blocks, tool results become user-role tool
// result blocks, and adjacent same-role turns are merged because the
// API requires strict user/assistant alternation.
func convertConversation(messages []llm.ChatMessage) ([]types.SystemContentBlock, []types.Message) {
	var system []types.SystemContentBlock
	var turns []types.Message

	appendTurn := func(role types.ConversationRole, blocks ...types.ContentBlock) {
		if len(blocks) == 0 {
			return
		}
		if n := len(turns); n > 0 && turns[n-1].Role == role {
			turns[n-1].Content = append(turns[n-1].Content, blocks...)
			return
		}
		turns = append(turns, types.Message{Role: role, Content: blocks})
	}

	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			system = append(system, &types.SystemContentBlockMemberText{Value: msg.Content})

		case llm.RoleUser:
			appendTurn(types.ConversationRoleUser, &types.ContentBlockMemberText{Value: msg.Content})

		case llm.RoleAssistant:
			var blocks []types.ContentBlock
			if msg.Content != "" {
				blocks = append(blocks, &types.ContentBlockMemberText{Value: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, &types.ContentBlockMemberToolUse{
					Value: types.ToolUseBlock{
						ToolUseId: aws.String(tc.ID),
						Name:      aws.String(tc.Name),
						Input:     document.NewLazyDocument(parseArguments(tc.Arguments)),
					},
				})
			}
			appendTurn(types.ConversationRoleAssistant, blocks...)

		case llm.RoleTool:
			appendTurn(types.ConversationRoleUser, &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(msg.ToolCallID),
					Content: []types.ToolResultContentBlock{
						&types.ToolResultContentBlockMemberText{Value: msg.Content},
					},
				},
			})
		}
	}
	return system, turns
}

func buildToolConfig(tools []llm.ToolDefinition, choice *llm.ToolChoice) *types.ToolConfiguration {
	cfg := &types.ToolConfiguration{}
	for _, tool := range tools {
		spec := types.ToolSpecification{
			Name:        aws.String(tool.Name),
			Description: aws.String(tool.Description),
		}
		params := tool.Parameters
		if params == nil {
			params = map[string]any{"type": "object"}
		}
		spec.InputSchema = &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(params)}
		cfg.Tools = append(cfg.Tools, &types.ToolMemberToolSpec{Value: spec})
	}
	if choice == nil {
		return cfg
	}
	switch choice.Mode {
	case llm.ToolChoiceFunction:
		cfg.ToolChoice = &types.ToolChoiceMemberTool{
			Value: types.SpecificToolChoice{Name: aws.String(choice.Name)},
		}
	case llm.ToolChoiceRequired:
		cfg.ToolChoice = &types.ToolChoiceMemberAny{Value: types.AnyToolChoice{}}
	default:
		cfg.ToolChoice = &types.ToolChoiceMemberAuto{Value: types.AutoToolChoice{}}
	}
	return cfg
}

// parseArguments decodes a tool-call argument payload for the document
// wrapper. Unparseable payloads fall back to an empty object.
func parseArguments(raw string) any {
	var args any
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err == nil && args != nil {
			return args
		}
	}
	return map[string]any{}
}

// documentJSON renders a tool-use input document back to the JSON
// string form the rest of the system passes around.
func documentJSON(doc document.Interface) string {
	if doc == nil {
		return "{}"
	}
	var v any
	if err := doc.UnmarshalSmithyDocument(&v); err != nil {
		return "{}"
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// mapStopReason translates Converse stop reasons into the finish
// vocabulary the OpenRouter client reports.
func mapStopReason(reason types.StopReason) string {
	switch reason {
	case types.StopReasonEndTurn, types.StopReasonStopSequence:
		return "stop"
	case types.StopReasonToolUse:
		return "tool_calls"
	case types.StopReasonMaxTokens:
		return "length"
	case types.StopReasonGuardrailIntervened, types.StopReasonContentFiltered:
		return "content_filter"
	default:
		return string(reason)
	}
}

func usageRecord(model string, usage *types.TokenUsage) schema.UsageRecord {
	rec := schema.UsageRecord{
		Model: model,
		Kind:  schema.UsageKindCompletion,
		At:    schema.NowMillis(),
	}
	if usage != nil {
		rec.PromptTokens = int(aws.ToInt32(usage.InputTokens))
		rec.CompletionTokens = int(aws.ToInt32(usage.OutputTokens))
		rec.TotalTokens = int(aws.ToInt32(usage.TotalTokens))
	}
	return rec
}

func (c *Client) wrapErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.KindCancelled, op, err)
	}
	c.logger.Error("bedrock request failed", "op", op, "model", c.model, "error", err)
	return errs.Wrap(errs.KindProvider, op, err)
}

var _ llm.Client = (*Client)(nil)
