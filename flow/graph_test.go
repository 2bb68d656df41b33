package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoeflow/zoeflow/errs"
)

func TestParseGraph(t *testing.T) {
	raw := []byte(`{
		"name": "greeter",
		"nodes": [
			{"id": "start", "type": "start"},
			{"id": "c", "type": "completion", "data": {"prompt": "${input}"}}
		],
		"edges": [
			{"id": "e1", "source": "start", "target": "c"}
		]
	}`)

	g, err := ParseGraph(raw)
	require.NoError(t, err)
	assert.Equal(t, "greeter", g.Name)
	require.Len(t, g.Nodes, 2)
	assert.Equal(t, NodeCompletion, g.Nodes[1].Type)
	assert.Equal(t, "${input}", g.Nodes[1].Data["prompt"])

	_, err = ParseGraph([]byte("{not json"))
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestGraphValidate(t *testing.T) {
	valid := func() *Graph {
		return &Graph{
			Nodes: []Node{{ID: "a", Type: NodeStart}, {ID: "b", Type: NodeEnd}},
			Edges: []Edge{{ID: "e1", Source: "a", Target: "b"}},
		}
	}
	require.NoError(t, valid().Validate())

	cases := []struct {
		name   string
		mutate func(*Graph)
	}{
		{"no nodes", func(g *Graph) { g.Nodes = nil }},
		{"node without id", func(g *Graph) { g.Nodes[0].ID = "" }},
		{"node without type", func(g *Graph) { g.Nodes[0].Type = "" }},
		{"duplicate node id", func(g *Graph) { g.Nodes[1].ID = "a" }},
		{"edge without id", func(g *Graph) { g.Edges[0].ID = "" }},
		{"duplicate edge id", func(g *Graph) { g.Edges = append(g.Edges, Edge{ID: "e1", Source: "a", Target: "b"}) }},
		{"unknown source", func(g *Graph) { g.Edges[0].Source = "ghost" }},
		{"unknown target", func(g *Graph) { g.Edges[0].Target = "ghost" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := valid()
			tc.mutate(g)
			err := g.Validate()
			require.Error(t, err)
			assert.True(t, errs.IsKind(err, errs.KindValidation))
		})
	}
}

func TestGraphValidateKeepsUnknownNodeTypes(t *testing.T) {
	g := &Graph{Nodes: []Node{{ID: "x", Type: "customThing"}}}
	assert.NoError(t, g.Validate())
}

func TestGraphEdgeOrder(t *testing.T) {
	g := &Graph{
		Nodes: []Node{{ID: "a", Type: NodeStart}, {ID: "b", Type: NodeEnd}, {ID: "c", Type: NodeEnd}},
		Edges: []Edge{
			{ID: "e1", Source: "a", Target: "b"},
			{ID: "e2", Source: "a", Target: "c"},
			{ID: "e3", Source: "b", Target: "c"},
		},
	}

	out := g.Outgoing("a")
	require.Len(t, out, 2)
	assert.Equal(t, "e1", out[0].ID)
	assert.Equal(t, "e2", out[1].ID)

	in := g.Incoming("c")
	require.Len(t, in, 2)
	assert.Equal(t, "e2", in[0].ID)
	assert.Equal(t, "e3", in[1].ID)

	assert.Empty(t, g.Outgoing("c"))
}

func TestGraphStartNode(t *testing.T) {
	g := &Graph{Nodes: []Node{{ID: "x", Type: NodeEnd}, {ID: "s", Type: NodeStart}}}
	start, ok := g.StartNode()
	require.True(t, ok)
	assert.Equal(t, "s", start.ID)

	_, ok = (&Graph{Nodes: []Node{{ID: "x", Type: NodeEnd}}}).StartNode()
	assert.False(t, ok)
}

func TestIsToolNode(t *testing.T) {
	for _, typ := range []NodeType{NodeRag, NodeReadDocument, NodeTool, NodeCoinFlip, NodeDiceRoll} {
		assert.True(t, IsToolNode(typ), string(typ))
	}
	for _, typ := range []NodeType{NodeStart, NodeEnd, NodeCompletion, NodeMessage, NodeGuardrails, NodeSetVariable} {
		assert.False(t, IsToolNode(typ), string(typ))
	}
}
