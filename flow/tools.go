package flow

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/cast"
	"golang.org/x/sync/errgroup"

	"github.com/zoeflow/zoeflow/errs"
	"github.com/zoeflow/zoeflow/llm"
)

// Built-in tool names.
const (
	toolNameRag          = "rag_search"
	toolNameReadDocument = "read_document"
	toolNameCoinFlip     = "coin_flip"
	toolNameDiceRoll     = "dice_roll"
	toolNameGlobalState  = "global_state"
)

// runtimeTool pairs a tool definition with its invoker.
type runtimeTool struct {
	def    llm.ToolDefinition
	invoke ToolHandler
}

// collectTools gathers the callable tools of a completion node: the
// tool-like nodes wired into it, the node's configured tool JSON, and
// the built-in global_state tool. Duplicate names keep the first
// definition. An empty result means the node runs without a tool loop.
func (rc *RunContext) collectTools(node Node) ([]runtimeTool, error) {
	var tools []runtimeTool
	seen := map[string]bool{}
	add := func(t runtimeTool) {
		if t.def.Name == "" || seen[t.def.Name] {
			return
		}
		seen[t.def.Name] = true
		tools = append(tools, t)
	}

	for _, edge := range rc.graph.Incoming(node.ID) {
		if edge.TargetPort == PortEnable {
			continue
		}
		src, ok := rc.graph.NodeByID(edge.Source)
		if !ok || src.Muted || !IsToolNode(src.Type) {
			continue
		}
		tool, err := rc.nodeTool(src)
		if err != nil {
			return nil, err
		}
		add(tool)
	}

	configured, err := parseConfiguredTools(node.Data["tools"])
	if err != nil {
		return nil, err
	}
	for _, def := range configured {
		add(runtimeTool{def: def, invoke: rc.developerInvoker(def.Name)})
	}

	if len(tools) == 0 {
		return nil, nil
	}
	add(rc.globalStateTool())
	return tools, nil
}

// nodeTool builds the tool contributed by a tool-like node.
func (rc *RunContext) nodeTool(node Node) (runtimeTool, error) {
	switch node.Type {
	case NodeRag:
		return runtimeTool{
			def: llm.ToolDefinition{
				Name:        dataString(node, "toolName", toolNameRag),
				Description: "Search the " + dataString(node, "storeId", "") + " document store for passages relevant to a query.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{"type": "string", "description": "Search query text."},
						"topK":  map[string]any{"type": "integer", "description": "Number of passages to return."},
					},
					"required": []string{"query"},
				},
			},
			invoke: func(ctx context.Context, args map[string]any) (string, error) {
				hits, err := rc.ragSearch(ctx, node, cast.ToString(args["query"]), cast.ToInt(args["topK"]))
				if err != nil {
					return "", err
				}
				return marshalToolResult(hits)
			},
		}, nil

	case NodeReadDocument:
		return runtimeTool{
			def: llm.ToolDefinition{
				Name:        dataString(node, "toolName", toolNameReadDocument),
				Description: "Read the full content of a stored document.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"docId":   map[string]any{"type": "string", "description": "Document identifier."},
						"version": map[string]any{"type": "string", "description": "Specific version; omit for the latest."},
					},
				},
			},
			invoke: func(ctx context.Context, args map[string]any) (string, error) {
				docID := cast.ToString(args["docId"])
				if docID == "" {
					docID = dataString(node, "docId", "")
				}
				version := cast.ToString(args["version"])
				if version == "" {
					version = dataString(node, "version", "")
				}
				return rc.readDocument(docID, version)
			},
		}, nil

	case NodeCoinFlip:
		return runtimeTool{
			def: llm.ToolDefinition{
				Name:        dataString(node, "toolName", toolNameCoinFlip),
				Description: "Flip a fair coin. Returns heads or tails.",
				Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
			},
			invoke: func(ctx context.Context, args map[string]any) (string, error) {
				return flipCoin(), nil
			},
		}, nil

	case NodeDiceRoll:
		return runtimeTool{
			def: llm.ToolDefinition{
				Name:        dataString(node, "toolName", toolNameDiceRoll),
				Description: "Roll dice. Returns the rolled values.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"sides": map[string]any{"type": "integer", "description": "Faces per die."},
						"count": map[string]any{"type": "integer", "description": "Number of dice."},
					},
				},
			},
			invoke: func(ctx context.Context, args map[string]any) (string, error) {
				sides := cast.ToInt(args["sides"])
				if sides == 0 {
					sides = dataInt(node, "sides", 6)
				}
				count := cast.ToInt(args["count"])
				if count == 0 {
					count = dataInt(node, "count", 1)
				}
				rolls := rollDice(sides, count)
				parts := make([]string, len(rolls))
				for i, roll := range rolls {
					parts[i] = strconv.Itoa(roll)
				}
				return strings.Join(parts, ", "), nil
			},
		}, nil

	case NodeTool:
		name := dataString(node, "name", "")
		if name == "" {
			return runtimeTool{}, errs.Errorf(errs.KindValidation, "tool node %s has no name", node.ID)
		}
		return runtimeTool{
			def: llm.ToolDefinition{
				Name:        name,
				Description: dataString(node, "description", ""),
				Parameters:  toolParameters(node.Data["parameters"]),
			},
			invoke: rc.developerInvoker(name),
		}, nil
	}
	return runtimeTool{}, errs.Errorf(errs.KindValidation, "node type %s contributes no tool", node.Type)
}

// developerInvoker dispatches to a registered tool handler by name.
// Lookup is deferred to call time so late registrations still apply.
func (rc *RunContext) developerInvoker(name string) ToolHandler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		handler, ok := rc.engine.tools[name]
		if !ok {
			return "", errs.Errorf(errs.KindNotFound, "tool %s is not registered", name)
		}
		return handler(ctx, args)
	}
}

// globalStateTool exposes the run's vars to the model: action set
// writes a dotted path, action get reads one.
func (rc *RunContext) globalStateTool() runtimeTool {
	return runtimeTool{
		def: llm.ToolDefinition{
			Name:        toolNameGlobalState,
			Description: "Read or write a shared variable of this flow run. Use action \"set\" with path and value to write, or action \"get\" with path to read.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"action": map[string]any{"type": "string", "enum": []string{"set", "get"}},
					"path":   map[string]any{"type": "string", "description": "Dotted variable path, e.g. user.name."},
					"value":  map[string]any{"description": "Value to store when action is set."},
				},
				"required": []string{"action", "path"},
			},
		},
		invoke: func(ctx context.Context, args map[string]any) (string, error) {
			path := cast.ToString(args["path"])
			if path == "" {
				return "", errs.New(errs.KindValidation, "global_state requires a path")
			}
			switch action := cast.ToString(args["action"]); action {
			case "set":
				rc.SetVar(path, args["value"])
				return "ok", nil
			case "get":
				value, ok := rc.Var(path)
				if !ok {
					return "null", nil
				}
				return marshalToolResult(value)
			default:
				return "", errs.Errorf(errs.KindValidation, "global_state action %q is not supported", action)
			}
		},
	}
}

// executeToolCalls runs one iteration's tool calls concurrently and
// returns the tool messages in completion order. A call naming an
// unknown tool yields a recoverable text result instead of failing the
// node.
func (rc *RunContext) executeToolCalls(ctx context.Context, node Node, tools map[string]runtimeTool, calls []llm.ToolCall) ([]llm.ChatMessage, error) {
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	results := make([]llm.ChatMessage, 0, len(calls))
	for _, call := range calls {
		g.Go(func() error {
			args := parseToolArgs(call.Arguments)
			if rc.hooks.OnToolCall != nil {
				rc.hooks.OnToolCall(node.ID, call.Name, args)
			}
			tool, ok := tools[call.Name]
			var out string
			if !ok {
				out = "unknown tool: " + call.Name
			} else {
				var err error
				out, err = tool.invoke(gctx, args)
				if err != nil {
					return err
				}
			}
			mu.Lock()
			results = append(results, llm.NewToolMessage(call.ID, out))
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// ensureCallIDs assigns stable ids to tool calls that arrived without
// one, so tool results can reference their originating call.
func ensureCallIDs(calls []llm.ToolCall) []llm.ToolCall {
	out := make([]llm.ToolCall, len(calls))
	for i, call := range calls {
		if call.ID == "" {
			call.ID = uuid.NewString()
		}
		out[i] = call
	}
	return out
}

// parseToolArgs decodes a tool call's argument JSON. Payloads that are
// not a JSON object are preserved under __raw.
func parseToolArgs(raw string) map[string]any {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(trimmed), &args); err == nil && args != nil {
		return args
	}
	return map[string]any{"__raw": raw}
}

// parseConfiguredTools decodes the completion node's tools attribute,
// either a JSON string or a decoded array.
func parseConfiguredTools(v any) ([]llm.ToolDefinition, error) {
	if v == nil {
		return nil, nil
	}
	var raw []byte
	switch tv := v.(type) {
	case string:
		if strings.TrimSpace(tv) == "" {
			return nil, nil
		}
		raw = []byte(tv)
	default:
		encoded, err := json.Marshal(tv)
		if err != nil {
			return nil, errs.Wrap(errs.KindValidation, "encode configured tools", err)
		}
		raw = encoded
	}
	var defs []llm.ToolDefinition
	if err := json.Unmarshal(raw, &defs); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "parse configured tools", err)
	}
	return defs, nil
}

// toolParameters coerces a parameters attribute to a JSON Schema map.
func toolParameters(v any) map[string]any {
	switch tv := v.(type) {
	case map[string]any:
		return tv
	case string:
		var params map[string]any
		if err := json.Unmarshal([]byte(tv), &params); err == nil {
			return params
		}
	}
	return map[string]any{"type": "object"}
}

func marshalToolResult(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, "encode tool result", err)
	}
	return string(raw), nil
}
