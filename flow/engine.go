package flow

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/cast"

	"github.com/zoeflow/zoeflow/errs"
	"github.com/zoeflow/zoeflow/llm"
	"github.com/zoeflow/zoeflow/schema"
	"github.com/zoeflow/zoeflow/storage"
	"github.com/zoeflow/zoeflow/usage"
	"github.com/zoeflow/zoeflow/vectorstore"
)

// ToolHandler executes a developer-registered tool and returns the
// text fed back to the model.
type ToolHandler func(ctx context.Context, args map[string]any) (string, error)

// ExecutorFunc runs one node.
type ExecutorFunc func(ctx context.Context, rc *RunContext, node Node) (*NodeResult, error)

// NodeResult is what an executor hands back to the traversal loop.
type NodeResult struct {
	Payload            any
	NextPort           string
	AssistantMessageID string
}

// Hooks receive trace callbacks during a run. All fields are optional.
type Hooks struct {
	OnNodeStart  func(node Node)
	OnNodeFinish func(step Step)
	OnNodeError  func(node Node, err error)
	OnToken      func(delta string)
	OnToolCall   func(nodeID, tool string, args map[string]any)
	OnRunEnd     func(run *Run)
}

// Engine executes flow graphs. Executors dispatch on node type; the
// registry is extensible so deployments can add custom variants.
type Engine struct {
	client    llm.Client
	vectors   *vectorstore.Service
	docs      *storage.DocumentStore
	ledger    *usage.Ledger
	model     string
	executors map[NodeType]ExecutorFunc
	tools     map[string]ToolHandler
	logger    *slog.Logger
}

// NewEngine wires the engine. vectors, docs, and ledger may be nil
// when the graph uses no node that needs them; model is the default
// completion model.
func NewEngine(client llm.Client, vectors *vectorstore.Service, docs *storage.DocumentStore, ledger *usage.Ledger, model string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	e := &Engine{
		client:  client,
		vectors: vectors,
		docs:    docs,
		ledger:  ledger,
		model:   model,
		tools:   map[string]ToolHandler{},
		logger:  logger,
	}
	e.executors = map[NodeType]ExecutorFunc{
		NodeStart:        e.execStart,
		NodeEnd:          e.execEnd,
		NodeMessage:      e.execMessage,
		NodeSetVariable:  e.execSetVariable,
		NodeCompletion:   e.execCompletion,
		NodeGuardrails:   e.execGuardrails,
		NodeRag:          e.execRag,
		NodeReadDocument: e.execReadDocument,
		NodeCoinFlip:     e.execCoinFlip,
		NodeDiceRoll:     e.execDiceRoll,
		NodeTool:         e.execToolNode,
	}
	return e
}

// RegisterExecutor installs or replaces the executor for a node type.
func (e *Engine) RegisterExecutor(t NodeType, fn ExecutorFunc) {
	e.executors[t] = fn
}

// RegisterTool installs a developer tool callable from Tool nodes and
// configured tool JSON.
func (e *Engine) RegisterTool(name string, handler ToolHandler) {
	e.tools[name] = handler
}

// RunInput describes one run. StartNodeID plus InitialState resume a
// prior run from its step log; StartEdgeID picks the Start fan-out
// branch.
type RunInput struct {
	Graph        *Graph
	UserMessage  string
	Conversation []llm.ChatMessage
	InitialVars  map[string]any
	StartEdgeID  string
	StartNodeID  string
	InitialState *Snapshot
	Thread       *ChatThread
	Hooks        Hooks
}

// RunContext carries the per-run state shared by executors.
type RunContext struct {
	engine *Engine
	graph  *Graph
	state  *State
	eval   *Evaluator
	run    *Run
	thread *ChatThread
	hooks  Hooks

	// varsMu serializes vars access for concurrent tool calls.
	varsMu sync.Mutex
}

// State returns the mutable run state.
func (rc *RunContext) State() *State { return rc.state }

// Graph returns the graph being executed.
func (rc *RunContext) Graph() *Graph { return rc.graph }

// Thread returns the visible chat thread.
func (rc *RunContext) Thread() *ChatThread { return rc.thread }

// Resolve evaluates a ${...} template against the run state.
func (rc *RunContext) Resolve(raw string) (any, error) {
	return rc.eval.Resolve(raw, rc.state)
}

// ResolveString evaluates a template and coerces the result to text.
func (rc *RunContext) ResolveString(raw string) (string, error) {
	return rc.eval.ResolveString(raw, rc.state)
}

// SetVar writes a dotted path in vars and invalidates the evaluator's
// memoized snapshot.
func (rc *RunContext) SetVar(path string, value any) {
	rc.varsMu.Lock()
	rc.state.SetVar(path, value)
	rc.varsMu.Unlock()
	rc.eval.Invalidate()
}

// Var reads a dotted path from vars.
func (rc *RunContext) Var(path string) (any, bool) {
	rc.varsMu.Lock()
	defer rc.varsMu.Unlock()
	return rc.state.Var(path)
}

// recordUsage attributes one provider response to the run and the
// shared ledger.
func (rc *RunContext) recordUsage(ctx context.Context, rec schema.UsageRecord, kind string) {
	rec.Kind = kind
	rc.run.Usage = append(rc.run.Usage, rec)
	if rc.engine.ledger != nil {
		if err := rc.engine.ledger.Append(ctx, rec); err != nil {
			rc.engine.logger.Warn("usage ledger append failed", "error", err)
		}
	}
}

// Run walks the graph from its start node (or a resume point) until no
// outgoing edge remains. The returned run carries the step log even
// when an error terminated the traversal.
func (e *Engine) Run(ctx context.Context, in RunInput) (*Run, error) {
	if in.Graph == nil {
		return nil, errs.New(errs.KindValidation, "graph is required")
	}
	if err := in.Graph.Validate(); err != nil {
		return nil, err
	}

	var state *State
	if in.InitialState != nil {
		state = FromSnapshot(*in.InitialState)
	} else {
		state = NewState(in.UserMessage, in.InitialVars, in.Conversation)
	}

	var current Node
	if in.StartNodeID != "" {
		node, ok := in.Graph.NodeByID(in.StartNodeID)
		if !ok {
			return nil, errs.Errorf(errs.KindNotFound, "start node %s not in graph", in.StartNodeID)
		}
		current = node
	} else {
		node, ok := in.Graph.StartNode()
		if !ok {
			return nil, errs.New(errs.KindValidation, "graph has no start node")
		}
		current = node
	}

	thread := in.Thread
	if thread == nil {
		thread = NewThread(in.StartEdgeID)
	}
	run := &Run{
		ID:               uuid.NewString(),
		UserMessage:      in.UserMessage,
		BaseConversation: append([]llm.ChatMessage{}, in.Conversation...),
		StartEdgeID:      in.StartEdgeID,
		StartedAt:        schema.NowMillis(),
	}
	rc := &RunContext{
		engine: e,
		graph:  in.Graph,
		state:  state,
		eval:   NewEvaluator(),
		run:    run,
		thread: thread,
		hooks:  in.Hooks,
	}
	if in.UserMessage != "" && in.InitialState == nil {
		thread.AddMessage(string(llm.RoleUser), in.UserMessage)
	}
	e.logger.Info("flow run started", "run", run.ID, "graph", in.Graph.Name, "start", current.ID)

	visited := map[string]bool{}
	preferredEdge := in.StartEdgeID
	var runErr error

	for {
		if err := ctx.Err(); err != nil {
			runErr = errs.Wrap(errs.KindCancelled, "flow run", err)
			break
		}
		if visited[current.ID] {
			runErr = errs.Errorf(errs.KindConflict, "cycle detected at node %s", current.ID)
			break
		}
		visited[current.ID] = true

		if in.Hooks.OnNodeStart != nil {
			in.Hooks.OnNodeStart(current)
		}

		var result *NodeResult
		if current.Muted || !rc.nodeEnabled(current) {
			result = &NodeResult{Payload: state.Payload}
		} else {
			executor, ok := e.executors[current.Type]
			if !ok {
				runErr = errs.Errorf(errs.KindValidation, "no executor for node type %s", current.Type)
				break
			}
			var err error
			result, err = executor(ctx, rc, current)
			if err != nil {
				if !errs.IsCancelled(err) {
					e.logger.Error("node failed", "run", run.ID, "node", current.ID, "type", current.Type, "error", err)
					if in.Hooks.OnNodeError != nil {
						in.Hooks.OnNodeError(current, err)
					}
				}
				runErr = err
				break
			}
		}

		state.SetNodeOutput(current.ID, result.Payload)
		state.Payload = result.Payload

		next, edge := selectNext(in.Graph, current, result.NextPort, preferredEdge)
		preferredEdge = ""

		step := Step{
			NodeID:             current.ID,
			NodeType:           current.Type,
			NextPort:           result.NextPort,
			AssistantMessageID: result.AssistantMessageID,
			State:              state.Snapshot(),
		}
		if edge != nil && step.NextPort == "" {
			step.NextPort = edge.SourcePort
		}
		if next != nil {
			step.NextNodeID = next.ID
		}
		run.Steps = append(run.Steps, step)
		if in.Hooks.OnNodeFinish != nil {
			in.Hooks.OnNodeFinish(step)
		}

		if next == nil {
			break
		}
		current = *next
	}

	run.FinishedAt = schema.NowMillis()
	thread.Runs = append(thread.Runs, run)
	if in.Hooks.OnRunEnd != nil {
		in.Hooks.OnRunEnd(run)
	}
	if runErr != nil {
		return run, runErr
	}
	e.logger.Info("flow run finished", "run", run.ID, "steps", len(run.Steps))
	return run, nil
}

// selectNext picks the edge to follow out of node. A preferred edge id
// wins when it names one of the node's edges; a declared next port
// must match an edge's source port or the run ends; otherwise the
// first port-less edge wins, falling back to the first edge.
func selectNext(g *Graph, node Node, nextPort, preferredEdgeID string) (*Node, *Edge) {
	edges := g.Outgoing(node.ID)
	if len(edges) == 0 {
		return nil, nil
	}
	var chosen *Edge
	if preferredEdgeID != "" {
		for i := range edges {
			if edges[i].ID == preferredEdgeID {
				chosen = &edges[i]
				break
			}
		}
	}
	if chosen == nil && nextPort != "" {
		for i := range edges {
			if edges[i].SourcePort == nextPort {
				chosen = &edges[i]
				break
			}
		}
		if chosen == nil {
			return nil, nil
		}
	}
	if chosen == nil {
		for i := range edges {
			if edges[i].SourcePort == "" {
				chosen = &edges[i]
				break
			}
		}
	}
	if chosen == nil {
		chosen = &edges[0]
	}
	target, ok := g.NodeByID(chosen.Target)
	if !ok {
		return nil, nil
	}
	return &target, chosen
}

// nodeEnabled evaluates the node's enable input port. Every wired
// upstream output must be truthy; missing outputs default to enabled.
func (rc *RunContext) nodeEnabled(node Node) bool {
	for _, edge := range rc.graph.Incoming(node.ID) {
		if edge.TargetPort != PortEnable {
			continue
		}
		if out, ok := rc.state.NodeOutput(edge.Source); ok && !cast.ToBool(out) {
			return false
		}
	}
	return true
}

// contextMessagesFor gathers the context messages visible to a node:
// the ones accumulated along the path plus fresh contributions from
// message nodes wired into this node, deduplicated by source node and
// ordered by ascending priority.
func (rc *RunContext) contextMessagesFor(node Node) ([]ContextMessage, error) {
	msgs := append([]ContextMessage{}, rc.state.ContextMessages...)
	seen := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		if m.SourceNodeID != "" {
			seen[m.SourceNodeID] = true
		}
	}
	for _, edge := range rc.graph.Incoming(node.ID) {
		src, ok := rc.graph.NodeByID(edge.Source)
		if !ok || src.Type != NodeMessage || src.Muted || seen[src.ID] {
			continue
		}
		msg, err := rc.messageContribution(src)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
		seen[src.ID] = true
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Priority < msgs[j].Priority })
	return msgs, nil
}

// messageContribution resolves a message node's templates against the
// current state. Contributions are re-resolved on every gather so tool
// calls that mutate vars are reflected mid-loop.
func (rc *RunContext) messageContribution(node Node) (ContextMessage, error) {
	content, err := rc.ResolveString(dataString(node, "content", ""))
	if err != nil {
		return ContextMessage{}, err
	}
	role := dataString(node, "role", string(llm.RoleSystem))
	return ContextMessage{
		Role:         role,
		Content:      content,
		Priority:     dataInt(node, "priority", 0),
		SourceNodeID: node.ID,
	}, nil
}
