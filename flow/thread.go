package flow

import (
	"github.com/google/uuid"

	"github.com/zoeflow/zoeflow/llm"
	"github.com/zoeflow/zoeflow/schema"
)

// Message is one visible chat entry of a thread.
type Message struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
	At      int64  `json:"at"`
}

// ChatThread groups the visible messages and runs of one conversation.
type ChatThread struct {
	ID       string    `json:"id"`
	EdgeID   string    `json:"edgeId,omitempty"`
	Messages []Message `json:"messages"`
	Runs     []*Run    `json:"runs"`
}

// NewThread creates an empty thread. edgeID pins the Start fan-out
// branch the thread was opened on.
func NewThread(edgeID string) *ChatThread {
	return &ChatThread{ID: uuid.NewString(), EdgeID: edgeID}
}

// AddMessage appends a visible chat message and returns it.
func (t *ChatThread) AddMessage(role, content string) Message {
	msg := Message{
		ID:      uuid.NewString(),
		Role:    role,
		Content: content,
		At:      schema.NowMillis(),
	}
	t.Messages = append(t.Messages, msg)
	return msg
}

// Run records one execution of a graph. Steps form the resume log:
// the latest step's NextNodeID plus its State determine how to resume.
type Run struct {
	ID               string               `json:"id"`
	UserMessage      string               `json:"userMessage,omitempty"`
	BaseConversation []llm.ChatMessage    `json:"baseConversation,omitempty"`
	StartEdgeID      string               `json:"startEdgeId,omitempty"`
	Steps            []Step               `json:"steps"`
	Usage            []schema.UsageRecord `json:"usage,omitempty"`
	StartedAt        int64                `json:"startedAt"`
	FinishedAt       int64                `json:"finishedAt,omitempty"`
}

// Step is one node transition. State snapshots the execution state
// after the node completed, excluding transient node outputs.
type Step struct {
	NodeID             string   `json:"nodeId"`
	NodeType           NodeType `json:"nodeType"`
	NextNodeID         string   `json:"nextNodeId,omitempty"`
	NextPort           string   `json:"nextPort,omitempty"`
	AssistantMessageID string   `json:"assistantMessageId,omitempty"`
	State              Snapshot `json:"state"`
}

// LastStep returns the most recent step of the run.
func (r *Run) LastStep() (Step, bool) {
	if len(r.Steps) == 0 {
		return Step{}, false
	}
	return r.Steps[len(r.Steps)-1], true
}
