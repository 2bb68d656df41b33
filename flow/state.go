package flow

import (
	"strings"

	"github.com/zoeflow/zoeflow/llm"
)

// ContextMessage is a prompt snippet injected ahead of the
// conversation on completion requests. SourceNodeID identifies the
// contributing node for deduplication.
type ContextMessage struct {
	Role         string `json:"role"`
	Content      string `json:"content"`
	Priority     int    `json:"priority,omitempty"`
	SourceNodeID string `json:"sourceNodeId,omitempty"`
}

// State is the mutable execution state of one run. Payload is the
// value flowing along edges, Vars is a nested dotted-path map, and
// Conversation is the chat history the completion nodes extend.
// nodeOutputs maps node id to its last payload and stays out of
// persisted snapshots.
type State struct {
	Payload         any
	ContextMessages []ContextMessage
	Vars            map[string]any
	Conversation    []llm.ChatMessage

	nodeOutputs map[string]any
}

// NewState builds a run state from the caller's inputs. vars is
// deep-copied so the caller's map stays untouched.
func NewState(payload any, vars map[string]any, conversation []llm.ChatMessage) *State {
	copied, _ := deepCopyValue(vars).(map[string]any)
	if copied == nil {
		copied = map[string]any{}
	}
	return &State{
		Payload:      payload,
		Vars:         copied,
		Conversation: append([]llm.ChatMessage{}, conversation...),
		nodeOutputs:  map[string]any{},
	}
}

// Snapshot is the persistable form of State used in the run log.
type Snapshot struct {
	Payload         any               `json:"payload,omitempty"`
	ContextMessages []ContextMessage  `json:"contextMessages,omitempty"`
	Vars            map[string]any    `json:"vars,omitempty"`
	Conversation    []llm.ChatMessage `json:"conversation,omitempty"`
}

// Snapshot deep-copies the state so later mutation cannot alias into
// recorded steps.
func (s *State) Snapshot() Snapshot {
	vars, _ := deepCopyValue(s.Vars).(map[string]any)
	return Snapshot{
		Payload:         deepCopyValue(s.Payload),
		ContextMessages: append([]ContextMessage{}, s.ContextMessages...),
		Vars:            vars,
		Conversation:    append([]llm.ChatMessage{}, s.Conversation...),
	}
}

// FromSnapshot restores a state for resumption.
func FromSnapshot(snap Snapshot) *State {
	s := NewState(snap.Payload, snap.Vars, snap.Conversation)
	s.ContextMessages = append([]ContextMessage{}, snap.ContextMessages...)
	return s
}

// AddContextMessage records a contribution, replacing any earlier one
// from the same source node.
func (s *State) AddContextMessage(msg ContextMessage) {
	if msg.SourceNodeID != "" {
		for i, existing := range s.ContextMessages {
			if existing.SourceNodeID == msg.SourceNodeID {
				s.ContextMessages[i] = msg
				return
			}
		}
	}
	s.ContextMessages = append(s.ContextMessages, msg)
}

// SetNodeOutput records a node's final payload.
func (s *State) SetNodeOutput(nodeID string, value any) {
	s.nodeOutputs[nodeID] = value
}

// NodeOutput returns a node's last payload.
func (s *State) NodeOutput(nodeID string) (any, bool) {
	v, ok := s.nodeOutputs[nodeID]
	return v, ok
}

// SetVar writes a value at a dotted path, creating intermediate maps.
// An intermediate non-map value is replaced by a map.
func (s *State) SetVar(path string, value any) {
	if path == "" {
		return
	}
	parts := strings.Split(path, ".")
	node := s.Vars
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]any)
		if !ok {
			child = map[string]any{}
			node[part] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = value
}

// Var reads a value at a dotted path.
func (s *State) Var(path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var current any = s.Vars
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// deepCopyValue copies the JSON-shaped subset of Go values: maps,
// slices, and scalars. Other types are shared by reference.
func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = deepCopyValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}
