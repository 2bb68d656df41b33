package llm

import (
	"strings"

	"github.com/zoeflow/zoeflow/schema"
)

// MessageRole identifies the author of a chat message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// ChatMessage is one turn of a conversation. Assistant turns may carry
// tool calls; tool turns answer a specific call via ToolCallID.
type ChatMessage struct {
	Role       MessageRole `json:"role"`
	Content    string      `json:"content,omitempty"`
	ToolCalls  []ToolCall  `json:"toolCalls,omitempty"`
	ToolCallID string      `json:"toolCallId,omitempty"`
}

func NewSystemMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleSystem, Content: content}
}

func NewUserMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: content}
}

func NewAssistantMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: content}
}

// NewToolMessage carries one tool result back to the model.
func NewToolMessage(toolCallID, content string) ChatMessage {
	return ChatMessage{Role: RoleTool, Content: content, ToolCallID: toolCallID}
}

// ToolCall is a model-requested invocation of a named tool. Arguments
// is the raw JSON argument object as produced by the provider.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a callable tool. Parameters is a JSON
// Schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Tool choice modes.
const (
	ToolChoiceAuto     = "auto"
	ToolChoiceNone     = "none"
	ToolChoiceRequired = "required"
	ToolChoiceFunction = "function"
)

// ToolChoice steers whether and which tool the model must call. The
// zero Mode behaves like auto.
type ToolChoice struct {
	Mode string `json:"mode"`
	Name string `json:"name,omitempty"`
}

// ForceTool requires the model to call the named tool.
func ForceTool(name string) *ToolChoice {
	return &ToolChoice{Mode: ToolChoiceFunction, Name: name}
}

// AutoTools lets the model decide freely.
func AutoTools() *ToolChoice {
	return &ToolChoice{Mode: ToolChoiceAuto}
}

// ChatOptions gather per-request knobs. A nil options value means the
// client defaults: its configured model, provider-default sampling.
type ChatOptions struct {
	Model       string
	Temperature *float32
	MaxTokens   *int
	Tools       []ToolDefinition
	ToolChoice  *ToolChoice
}

// Response is a complete (non-streaming) model turn.
type Response struct {
	Content      string             `json:"content,omitempty"`
	ToolCalls    []ToolCall         `json:"toolCalls,omitempty"`
	FinishReason string             `json:"finishReason,omitempty"`
	Usage        schema.UsageRecord `json:"usage"`
}

// HasToolCalls reports whether the model asked for tool invocations.
func (r *Response) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// StreamToken is one frame of a streamed response. Content arrives as
// Delta fragments; assembled tool calls, the finish reason, and usage
// arrive on the final frame. A receive failure surfaces as a terminal
// frame with Err set.
type StreamToken struct {
	Delta        string              `json:"delta,omitempty"`
	ToolCalls    []ToolCall          `json:"toolCalls,omitempty"`
	FinishReason string              `json:"finishReason,omitempty"`
	Usage        *schema.UsageRecord `json:"usage,omitempty"`
	Err          error               `json:"-"`
}

// CollectStream drains a token stream into a single Response. onDelta,
// when non-nil, observes each content fragment as it arrives.
func CollectStream(tokens <-chan StreamToken, onDelta func(string)) (*Response, error) {
	var sb strings.Builder
	resp := &Response{}
	for token := range tokens {
		if token.Err != nil {
			return nil, token.Err
		}
		if token.Delta != "" {
			sb.WriteString(token.Delta)
			if onDelta != nil {
				onDelta(token.Delta)
			}
		}
		if len(token.ToolCalls) > 0 {
			resp.ToolCalls = append(resp.ToolCalls, token.ToolCalls...)
		}
		if token.FinishReason != "" {
			resp.FinishReason = token.FinishReason
		}
		if token.Usage != nil {
			resp.Usage = *token.Usage
		}
	}
	resp.Content = sb.String()
	return resp, nil
}
