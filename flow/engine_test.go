package flow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoeflow/zoeflow/errs"
	"github.com/zoeflow/zoeflow/llm"
	"github.com/zoeflow/zoeflow/storage"
)

func newTestEngine(client llm.Client) *Engine {
	if client == nil {
		client = &llm.MockClient{}
	}
	return NewEngine(client, nil, nil, nil, "test-model", nil)
}

func linearGraph() *Graph {
	return &Graph{
		Name: "linear",
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "set", Type: NodeSetVariable, Data: map[string]any{"path": "user.name", "value": "Ada"}},
			{ID: "end", Type: NodeEnd},
		},
		Edges: []Edge{
			{ID: "e1", Source: "start", Target: "set"},
			{ID: "e2", Source: "set", Target: "end"},
		},
	}
}

func TestRunLinearGraph(t *testing.T) {
	engine := newTestEngine(nil)

	run, err := engine.Run(context.Background(), RunInput{
		Graph:       linearGraph(),
		UserMessage: "hello",
	})
	require.NoError(t, err)
	require.Len(t, run.Steps, 3)

	assert.Equal(t, "start", run.Steps[0].NodeID)
	assert.Equal(t, "set", run.Steps[0].NextNodeID)
	assert.Equal(t, "set", run.Steps[1].NodeID)
	assert.Equal(t, "end", run.Steps[1].NextNodeID)
	assert.Equal(t, "end", run.Steps[2].NodeID)
	assert.Empty(t, run.Steps[2].NextNodeID)

	last, ok := run.LastStep()
	require.True(t, ok)
	assert.Equal(t, "hello", last.State.Payload)
	assert.Equal(t, map[string]any{"user": map[string]any{"name": "Ada"}}, last.State.Vars)
	assert.NotZero(t, run.StartedAt)
	assert.NotZero(t, run.FinishedAt)
}

func TestRunRecordsUserMessageOnThread(t *testing.T) {
	engine := newTestEngine(nil)
	thread := NewThread("")

	_, err := engine.Run(context.Background(), RunInput{
		Graph:       linearGraph(),
		UserMessage: "hello",
		Thread:      thread,
	})
	require.NoError(t, err)
	require.Len(t, thread.Messages, 1)
	assert.Equal(t, "user", thread.Messages[0].Role)
	assert.Equal(t, "hello", thread.Messages[0].Content)
	require.Len(t, thread.Runs, 1)
}

func TestRunValidatesInput(t *testing.T) {
	engine := newTestEngine(nil)
	ctx := context.Background()

	_, err := engine.Run(ctx, RunInput{})
	assert.True(t, errs.IsKind(err, errs.KindValidation))

	_, err = engine.Run(ctx, RunInput{Graph: &Graph{Nodes: []Node{{ID: "x", Type: NodeEnd}}}})
	assert.True(t, errs.IsKind(err, errs.KindValidation))

	_, err = engine.Run(ctx, RunInput{Graph: linearGraph(), StartNodeID: "ghost"})
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
}

func TestRunDetectsCycles(t *testing.T) {
	engine := newTestEngine(nil)
	g := &Graph{
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "a", Type: NodeSetVariable, Data: map[string]any{"path": "x", "value": 1}},
		},
		Edges: []Edge{
			{ID: "e1", Source: "start", Target: "a"},
			{ID: "e2", Source: "a", Target: "start"},
		},
	}

	run, err := engine.Run(context.Background(), RunInput{Graph: g})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindConflict))
	// The step log up to the revisit survives for inspection.
	assert.Len(t, run.Steps, 2)
}

func TestRunHonorsCancellation(t *testing.T) {
	engine := newTestEngine(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := engine.Run(ctx, RunInput{Graph: linearGraph()})
	require.Error(t, err)
	assert.True(t, errs.IsCancelled(err))
	assert.Empty(t, run.Steps)
}

func TestRunRoutesByNextPort(t *testing.T) {
	engine := newTestEngine(nil)
	engine.RegisterExecutor("fork", func(ctx context.Context, rc *RunContext, node Node) (*NodeResult, error) {
		return &NodeResult{Payload: rc.State().Payload, NextPort: "right"}, nil
	})

	g := &Graph{
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "fork", Type: "fork"},
			{ID: "left", Type: NodeEnd},
			{ID: "right", Type: NodeEnd},
		},
		Edges: []Edge{
			{ID: "e1", Source: "start", Target: "fork"},
			{ID: "e2", Source: "fork", Target: "left", SourcePort: "left"},
			{ID: "e3", Source: "fork", Target: "right", SourcePort: "right"},
		},
	}

	run, err := engine.Run(context.Background(), RunInput{Graph: g})
	require.NoError(t, err)
	require.Len(t, run.Steps, 3)
	assert.Equal(t, "right", run.Steps[1].NextPort)
	assert.Equal(t, "right", run.Steps[2].NodeID)
}

func TestRunEndsWhenPortHasNoEdge(t *testing.T) {
	engine := newTestEngine(nil)
	engine.RegisterExecutor("fork", func(ctx context.Context, rc *RunContext, node Node) (*NodeResult, error) {
		return &NodeResult{NextPort: "missing"}, nil
	})

	g := &Graph{
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "fork", Type: "fork"},
			{ID: "after", Type: NodeEnd},
		},
		Edges: []Edge{
			{ID: "e1", Source: "start", Target: "fork"},
			{ID: "e2", Source: "fork", Target: "after", SourcePort: "other"},
		},
	}

	run, err := engine.Run(context.Background(), RunInput{Graph: g})
	require.NoError(t, err)
	// The declared port matches no edge, so the run stops at the fork.
	require.Len(t, run.Steps, 2)
	assert.Equal(t, "fork", run.Steps[1].NodeID)
	assert.Empty(t, run.Steps[1].NextNodeID)
}

func TestRunStartEdgeSelectsBranch(t *testing.T) {
	engine := newTestEngine(nil)
	g := &Graph{
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "a", Type: NodeEnd},
			{ID: "b", Type: NodeEnd},
		},
		Edges: []Edge{
			{ID: "e-a", Source: "start", Target: "a"},
			{ID: "e-b", Source: "start", Target: "b"},
		},
	}

	run, err := engine.Run(context.Background(), RunInput{Graph: g, StartEdgeID: "e-b"})
	require.NoError(t, err)
	require.Len(t, run.Steps, 2)
	assert.Equal(t, "b", run.Steps[1].NodeID)

	// Without a start edge the first edge wins.
	run, err = engine.Run(context.Background(), RunInput{Graph: g})
	require.NoError(t, err)
	assert.Equal(t, "a", run.Steps[1].NodeID)
}

func TestRunSkipsMutedNodes(t *testing.T) {
	engine := newTestEngine(nil)
	g := linearGraph()
	g.Nodes[1].Muted = true

	run, err := engine.Run(context.Background(), RunInput{Graph: g, UserMessage: "in"})
	require.NoError(t, err)
	require.Len(t, run.Steps, 3)

	last, _ := run.LastStep()
	assert.Empty(t, last.State.Vars)
	// Muted nodes pass the payload through unchanged.
	assert.Equal(t, "in", last.State.Payload)
}

func TestRunEnablePortGatesExecution(t *testing.T) {
	engine := newTestEngine(nil)
	engine.RegisterExecutor("boolSource", func(ctx context.Context, rc *RunContext, node Node) (*NodeResult, error) {
		return &NodeResult{Payload: node.Data["out"]}, nil
	})

	build := func(gateValue bool) *Graph {
		return &Graph{
			Nodes: []Node{
				{ID: "start", Type: NodeStart},
				{ID: "gate", Type: "boolSource", Data: map[string]any{"out": gateValue}},
				{ID: "set", Type: NodeSetVariable, Data: map[string]any{"path": "x", "value": "set"}},
				{ID: "end", Type: NodeEnd},
			},
			Edges: []Edge{
				{ID: "e1", Source: "start", Target: "gate"},
				{ID: "e2", Source: "gate", Target: "set"},
				{ID: "e3", Source: "gate", Target: "set", TargetPort: PortEnable},
				{ID: "e4", Source: "set", Target: "end"},
			},
		}
	}

	run, err := engine.Run(context.Background(), RunInput{Graph: build(false)})
	require.NoError(t, err)
	last, _ := run.LastStep()
	assert.Empty(t, last.State.Vars)

	run, err = engine.Run(context.Background(), RunInput{Graph: build(true)})
	require.NoError(t, err)
	last, _ = run.LastStep()
	assert.Equal(t, map[string]any{"x": "set"}, last.State.Vars)
}

func TestRunHooksFire(t *testing.T) {
	engine := newTestEngine(nil)

	var started, finished []string
	var runEnded bool
	_, err := engine.Run(context.Background(), RunInput{
		Graph: linearGraph(),
		Hooks: Hooks{
			OnNodeStart:  func(node Node) { started = append(started, node.ID) },
			OnNodeFinish: func(step Step) { finished = append(finished, step.NodeID) },
			OnRunEnd:     func(run *Run) { runEnded = true },
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"start", "set", "end"}, started)
	assert.Equal(t, []string{"start", "set", "end"}, finished)
	assert.True(t, runEnded)
}

func TestRunNodeErrorStopsTraversal(t *testing.T) {
	client := &llm.MockClient{Errs: []error{errs.New(errs.KindProvider, "upstream down")}}
	engine := newTestEngine(client)

	g := &Graph{
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "c", Type: NodeCompletion},
			{ID: "end", Type: NodeEnd},
		},
		Edges: []Edge{
			{ID: "e1", Source: "start", Target: "c"},
			{ID: "e2", Source: "c", Target: "end"},
		},
	}

	var failed string
	run, err := engine.Run(context.Background(), RunInput{
		Graph:       g,
		UserMessage: "hi",
		Hooks:       Hooks{OnNodeError: func(node Node, err error) { failed = node.ID }},
	})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindProvider))
	assert.Equal(t, "c", failed)
	// Only the start step completed.
	assert.Len(t, run.Steps, 1)
}

func TestRunResumesFromSnapshot(t *testing.T) {
	engine := newTestEngine(nil)

	first, err := engine.Run(context.Background(), RunInput{
		Graph:       linearGraph(),
		UserMessage: "hello",
	})
	require.NoError(t, err)
	require.Len(t, first.Steps, 3)

	// Resume after the setVariable step, replaying only the end node.
	resumeFrom := first.Steps[1]
	require.Equal(t, "end", resumeFrom.NextNodeID)

	thread := NewThread("")
	second, err := engine.Run(context.Background(), RunInput{
		Graph:        linearGraph(),
		StartNodeID:  resumeFrom.NextNodeID,
		InitialState: &resumeFrom.State,
		Thread:       thread,
	})
	require.NoError(t, err)
	require.Len(t, second.Steps, 1)
	assert.Equal(t, "end", second.Steps[0].NodeID)

	last, _ := second.LastStep()
	assert.Equal(t, map[string]any{"user": map[string]any{"name": "Ada"}}, last.State.Vars)
	assert.Equal(t, "hello", last.State.Payload)
	// Resumption must not replay the user message into the thread.
	assert.Empty(t, thread.Messages)
}

func TestExecMessageContributesContext(t *testing.T) {
	engine := newTestEngine(nil)
	g := &Graph{
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "m", Type: NodeMessage, Data: map[string]any{"role": "system", "content": "be ${vars.tone}", "priority": 2}},
			{ID: "end", Type: NodeEnd},
		},
		Edges: []Edge{
			{ID: "e1", Source: "start", Target: "m"},
			{ID: "e2", Source: "m", Target: "end"},
		},
	}

	run, err := engine.Run(context.Background(), RunInput{
		Graph:       g,
		InitialVars: map[string]any{"tone": "brief"},
	})
	require.NoError(t, err)

	last, _ := run.LastStep()
	require.Len(t, last.State.ContextMessages, 1)
	msg := last.State.ContextMessages[0]
	assert.Equal(t, "system", msg.Role)
	assert.Equal(t, "be brief", msg.Content)
	assert.Equal(t, 2, msg.Priority)
	assert.Equal(t, "m", msg.SourceNodeID)
	// System contributions do not show up in the visible chat.
	assert.Empty(t, last.State.Conversation)
}

func TestExecMessageAssistantRoleJoinsThread(t *testing.T) {
	engine := newTestEngine(nil)
	g := &Graph{
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "m", Type: NodeMessage, Data: map[string]any{"role": "assistant", "content": "canned reply"}},
		},
		Edges: []Edge{{ID: "e1", Source: "start", Target: "m"}},
	}

	thread := NewThread("")
	run, err := engine.Run(context.Background(), RunInput{Graph: g, Thread: thread})
	require.NoError(t, err)

	require.Len(t, thread.Messages, 1)
	assert.Equal(t, "assistant", thread.Messages[0].Role)
	assert.Equal(t, "canned reply", thread.Messages[0].Content)
	assert.NotEmpty(t, run.Steps[1].AssistantMessageID)
	assert.Equal(t, thread.Messages[0].ID, run.Steps[1].AssistantMessageID)

	last, _ := run.LastStep()
	require.Len(t, last.State.Conversation, 1)
	assert.Equal(t, llm.RoleAssistant, last.State.Conversation[0].Role)
}

func TestExecSetVariableFromInputPort(t *testing.T) {
	engine := newTestEngine(nil)
	engine.RegisterExecutor("emit", func(ctx context.Context, rc *RunContext, node Node) (*NodeResult, error) {
		return &NodeResult{Payload: "from-port"}, nil
	})

	g := &Graph{
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "src", Type: "emit"},
			{ID: "set", Type: NodeSetVariable, Data: map[string]any{"path": "captured"}},
			{ID: "end", Type: NodeEnd},
		},
		Edges: []Edge{
			{ID: "e1", Source: "start", Target: "src"},
			{ID: "e2", Source: "src", Target: "set"},
			{ID: "e3", Source: "src", Target: "set", TargetPort: "value"},
			{ID: "e4", Source: "set", Target: "end"},
		},
	}

	run, err := engine.Run(context.Background(), RunInput{Graph: g})
	require.NoError(t, err)
	last, _ := run.LastStep()
	assert.Equal(t, map[string]any{"captured": "from-port"}, last.State.Vars)
}

func TestExecSetVariableRequiresPath(t *testing.T) {
	engine := newTestEngine(nil)
	g := &Graph{
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "set", Type: NodeSetVariable},
		},
		Edges: []Edge{{ID: "e1", Source: "start", Target: "set"}},
	}

	_, err := engine.Run(context.Background(), RunInput{Graph: g})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestExecReadDocument(t *testing.T) {
	paths := storage.NewPaths(t.TempDir())
	docs := storage.NewDocumentStore(paths)
	require.NoError(t, docs.Store("doc-1", "100", []byte("# Stored\n\ncontent")))

	engine := NewEngine(&llm.MockClient{}, nil, docs, nil, "test-model", nil)
	g := &Graph{
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "read", Type: NodeReadDocument, Data: map[string]any{"docId": "doc-1"}},
			{ID: "end", Type: NodeEnd},
		},
		Edges: []Edge{
			{ID: "e1", Source: "start", Target: "read"},
			{ID: "e2", Source: "read", Target: "end"},
		},
	}

	run, err := engine.Run(context.Background(), RunInput{Graph: g})
	require.NoError(t, err)
	last, _ := run.LastStep()
	assert.Equal(t, "# Stored\n\ncontent", last.State.Payload)
}

func TestExecDiceRollRespectsBounds(t *testing.T) {
	engine := newTestEngine(nil)
	g := &Graph{
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "dice", Type: NodeDiceRoll, Data: map[string]any{"sides": 6, "count": 3}},
		},
		Edges: []Edge{{ID: "e1", Source: "start", Target: "dice"}},
	}

	run, err := engine.Run(context.Background(), RunInput{Graph: g})
	require.NoError(t, err)
	last, _ := run.LastStep()
	rolls, ok := last.State.Payload.([]int)
	require.True(t, ok)
	require.Len(t, rolls, 3)
	for _, roll := range rolls {
		assert.GreaterOrEqual(t, roll, 1)
		assert.LessOrEqual(t, roll, 6)
	}
}

func TestExecToolNodeDispatchesRegisteredTool(t *testing.T) {
	engine := newTestEngine(nil)
	engine.RegisterTool("shout", func(ctx context.Context, args map[string]any) (string, error) {
		return "HEARD: " + args["text"].(string), nil
	})

	g := &Graph{
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "t", Type: NodeTool, Data: map[string]any{
				"name": "shout",
				"args": map[string]any{"text": "${input}"},
			}},
		},
		Edges: []Edge{{ID: "e1", Source: "start", Target: "t"}},
	}

	run, err := engine.Run(context.Background(), RunInput{Graph: g, UserMessage: "hello"})
	require.NoError(t, err)
	last, _ := run.LastStep()
	assert.Equal(t, "HEARD: hello", last.State.Payload)
}

func TestExecToolNodeUnknownTool(t *testing.T) {
	engine := newTestEngine(nil)
	g := &Graph{
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "t", Type: NodeTool, Data: map[string]any{"name": "nope"}},
		},
		Edges: []Edge{{ID: "e1", Source: "start", Target: "t"}},
	}

	_, err := engine.Run(context.Background(), RunInput{Graph: g})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
}
