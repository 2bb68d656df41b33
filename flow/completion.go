package flow

import (
	"context"

	"github.com/spf13/cast"

	"github.com/zoeflow/zoeflow/errs"
	"github.com/zoeflow/zoeflow/llm"
	"github.com/zoeflow/zoeflow/schema"
)

// maxToolIterations bounds the completion tool loop.
const maxToolIterations = 10

// execCompletion runs the LLM completion node. Without tools it streams
// a single response. With tools it loops call, execute, feed back until
// the model answers in plain text, up to maxToolIterations rounds.
func (e *Engine) execCompletion(ctx context.Context, rc *RunContext, node Node) (*NodeResult, error) {
	prompt, err := rc.ResolveString(dataString(node, "prompt", "${input}"))
	if err != nil {
		return nil, err
	}
	if prompt != "" {
		rc.state.Conversation = append(rc.state.Conversation, llm.NewUserMessage(prompt))
	}

	tools, err := rc.collectTools(node)
	if err != nil {
		return nil, err
	}

	opts := e.completionOptions(node)
	if len(tools) == 0 {
		messages, err := rc.requestMessages(node)
		if err != nil {
			return nil, err
		}
		resp, err := rc.streamOnce(ctx, messages, opts)
		if err != nil {
			return nil, err
		}
		return rc.finishCompletion(ctx, resp), nil
	}
	return rc.runToolLoop(ctx, node, opts, tools)
}

// runToolLoop drives the iterative tool-calling conversation. Inputs
// are re-resolved every iteration because tool calls may have mutated
// vars, and the tool choice is forced only on the first round.
func (rc *RunContext) runToolLoop(ctx context.Context, node Node, opts *llm.ChatOptions, tools []runtimeTool) (*NodeResult, error) {
	defs := make([]llm.ToolDefinition, len(tools))
	byName := make(map[string]runtimeTool, len(tools))
	for i, tool := range tools {
		defs[i] = tool.def
		byName[tool.def.Name] = tool
	}
	forced := completionToolChoice(dataString(node, "toolChoice", ""))

	for iteration := 0; iteration < maxToolIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, errs.Wrap(errs.KindCancelled, "tool loop", err)
		}
		messages, err := rc.requestMessages(node)
		if err != nil {
			return nil, err
		}
		callOpts := *opts
		callOpts.Tools = defs
		if iteration == 0 {
			callOpts.ToolChoice = forced
		}

		resp, err := rc.streamOnce(ctx, messages, &callOpts)
		if err != nil {
			return nil, err
		}
		if !resp.HasToolCalls() {
			return rc.finishCompletion(ctx, resp), nil
		}

		rc.recordUsage(ctx, resp.Usage, schema.UsageKindInternal)
		calls := ensureCallIDs(resp.ToolCalls)
		rc.state.Conversation = append(rc.state.Conversation, llm.ChatMessage{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: calls,
		})
		results, err := rc.executeToolCalls(ctx, node, byName, calls)
		if err != nil {
			return nil, err
		}
		rc.state.Conversation = append(rc.state.Conversation, results...)
	}
	return nil, errs.Errorf(errs.KindInternal, "tool loop exceeded %d iterations at node %s", maxToolIterations, node.ID)
}

// finishCompletion books the final assistant turn into usage, the
// conversation, and the visible thread.
func (rc *RunContext) finishCompletion(ctx context.Context, resp *llm.Response) *NodeResult {
	rc.recordUsage(ctx, resp.Usage, schema.UsageKindCompletion)
	rc.state.Conversation = append(rc.state.Conversation, llm.NewAssistantMessage(resp.Content))
	msg := rc.thread.AddMessage(string(llm.RoleAssistant), resp.Content)
	return &NodeResult{Payload: resp.Content, AssistantMessageID: msg.ID}
}

// requestMessages assembles one request: the resolved system prompt,
// the node's context messages, then the running conversation.
func (rc *RunContext) requestMessages(node Node) ([]llm.ChatMessage, error) {
	var messages []llm.ChatMessage
	system, err := rc.ResolveString(dataString(node, "systemPrompt", ""))
	if err != nil {
		return nil, err
	}
	if system != "" {
		messages = append(messages, llm.NewSystemMessage(system))
	}
	contextMsgs, err := rc.contextMessagesFor(node)
	if err != nil {
		return nil, err
	}
	for _, cm := range contextMsgs {
		messages = append(messages, llm.ChatMessage{Role: llm.MessageRole(cm.Role), Content: cm.Content})
	}
	return append(messages, rc.state.Conversation...), nil
}

// streamOnce performs one streaming call and collects it. A provider
// rejecting the forced tool choice is retried once with auto selection.
func (rc *RunContext) streamOnce(ctx context.Context, messages []llm.ChatMessage, opts *llm.ChatOptions) (*llm.Response, error) {
	resp, err := rc.collectOnce(ctx, messages, opts)
	if err != nil && opts != nil && opts.ToolChoice != nil && opts.ToolChoice.Mode == llm.ToolChoiceFunction && llm.IsForcedToolChoiceError(err) {
		rc.engine.logger.Warn("forced tool choice rejected, retrying with auto",
			"tool", opts.ToolChoice.Name, "error", err)
		relaxed := *opts
		relaxed.ToolChoice = llm.AutoTools()
		return rc.collectOnce(ctx, messages, &relaxed)
	}
	return resp, err
}

func (rc *RunContext) collectOnce(ctx context.Context, messages []llm.ChatMessage, opts *llm.ChatOptions) (*llm.Response, error) {
	stream, err := rc.engine.client.StreamChat(ctx, messages, opts)
	if err != nil {
		return nil, err
	}
	return llm.CollectStream(stream, rc.hooks.OnToken)
}

// completionOptions reads the node's sampling attributes, falling back
// to the engine's default model.
func (e *Engine) completionOptions(node Node) *llm.ChatOptions {
	opts := &llm.ChatOptions{Model: dataString(node, "model", e.model)}
	if raw, ok := node.Data["temperature"]; ok {
		if temp, err := cast.ToFloat32E(raw); err == nil {
			opts.Temperature = &temp
		}
	}
	if max := dataInt(node, "maxTokens", 0); max > 0 {
		opts.MaxTokens = &max
	}
	return opts
}

// completionToolChoice interprets the node's toolChoice attribute: a
// mode keyword, a tool name to force, or empty for provider default.
func completionToolChoice(v string) *llm.ToolChoice {
	switch v {
	case "":
		return nil
	case llm.ToolChoiceAuto, llm.ToolChoiceNone, llm.ToolChoiceRequired:
		return &llm.ToolChoice{Mode: v}
	default:
		return llm.ForceTool(v)
	}
}
