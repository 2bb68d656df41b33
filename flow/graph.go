// Package flow executes user-defined directed graphs of typed nodes,
// including the tool-calling completion loop, with cancellation,
// resumability, and per-node trace callbacks.
package flow

import (
	"encoding/json"

	"github.com/zoeflow/zoeflow/errs"
)

// NodeType tags a node variant. Executors are looked up by tag.
type NodeType string

const (
	NodeStart        NodeType = "start"
	NodeCompletion   NodeType = "completion"
	NodeMessage      NodeType = "message"
	NodeGuardrails   NodeType = "guardrails"
	NodeRag          NodeType = "rag"
	NodeReadDocument NodeType = "readDocument"
	NodeTool         NodeType = "tool"
	NodeCoinFlip     NodeType = "coinFlip"
	NodeDiceRoll     NodeType = "diceRoll"
	NodeSetVariable  NodeType = "setVariable"
	NodeEnd          NodeType = "end"
)

// PortEnable is the reserved input port that gates node execution.
const PortEnable = "enable"

// Guardrails output ports.
const (
	PortPass = "pass"
	PortFail = "fail"
)

// toolNodeTypes are the node variants that contribute a callable tool
// when wired into a completion node.
var toolNodeTypes = map[NodeType]bool{
	NodeRag:          true,
	NodeReadDocument: true,
	NodeTool:         true,
	NodeCoinFlip:     true,
	NodeDiceRoll:     true,
}

// IsToolNode reports whether t contributes a tool to connected
// completion nodes.
func IsToolNode(t NodeType) bool {
	return toolNodeTypes[t]
}

// Node is one vertex of a flow graph. Data carries the variant's
// attributes as loose JSON; executors coerce what they need.
type Node struct {
	ID    string         `json:"id"`
	Type  NodeType       `json:"type"`
	Name  string         `json:"name,omitempty"`
	Muted bool           `json:"muted,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// Edge connects a source node's output port to a target node's input
// port. Empty ports mean the default flow connection.
type Edge struct {
	ID         string `json:"id"`
	Source     string `json:"source"`
	Target     string `json:"target"`
	SourcePort string `json:"sourcePort,omitempty"`
	TargetPort string `json:"targetPort,omitempty"`
}

// Graph is a flow definition.
type Graph struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// ParseGraph decodes a graph from JSON and validates it.
func ParseGraph(raw []byte) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "parse flow graph", err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// Validate rejects graphs with duplicate ids, dangling edge endpoints,
// or untyped nodes. It does not reject unknown node types; those fail
// at execution time so custom executors stay possible.
func (g *Graph) Validate() error {
	if len(g.Nodes) == 0 {
		return errs.New(errs.KindValidation, "graph has no nodes")
	}
	nodes := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			return errs.New(errs.KindValidation, "node without id")
		}
		if n.Type == "" {
			return errs.Errorf(errs.KindValidation, "node %s has no type", n.ID)
		}
		if nodes[n.ID] {
			return errs.Errorf(errs.KindValidation, "duplicate node id %s", n.ID)
		}
		nodes[n.ID] = true
	}
	edges := make(map[string]bool, len(g.Edges))
	for _, e := range g.Edges {
		if e.ID == "" {
			return errs.New(errs.KindValidation, "edge without id")
		}
		if edges[e.ID] {
			return errs.Errorf(errs.KindValidation, "duplicate edge id %s", e.ID)
		}
		edges[e.ID] = true
		if !nodes[e.Source] {
			return errs.Errorf(errs.KindValidation, "edge %s references unknown source %s", e.ID, e.Source)
		}
		if !nodes[e.Target] {
			return errs.Errorf(errs.KindValidation, "edge %s references unknown target %s", e.ID, e.Target)
		}
	}
	return nil
}

// NodeByID returns the node with the given id.
func (g *Graph) NodeByID(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// StartNode returns the first node tagged start.
func (g *Graph) StartNode() (Node, bool) {
	for _, n := range g.Nodes {
		if n.Type == NodeStart {
			return n, true
		}
	}
	return Node{}, false
}

// Outgoing returns the edges leaving a node, in declared order.
func (g *Graph) Outgoing(nodeID string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// Incoming returns the edges entering a node, in declared order.
func (g *Graph) Incoming(nodeID string) []Edge {
	var in []Edge
	for _, e := range g.Edges {
		if e.Target == nodeID {
			in = append(in, e)
		}
	}
	return in
}
