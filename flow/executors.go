package flow

import (
	"context"
	"math/rand"

	"github.com/samber/lo"
	"github.com/spf13/cast"

	"github.com/zoeflow/zoeflow/errs"
	"github.com/zoeflow/zoeflow/llm"
	"github.com/zoeflow/zoeflow/schema"
	"github.com/zoeflow/zoeflow/vectorstore"
)

// dataString coerces a node attribute to string, empty meaning unset.
func dataString(node Node, key, fallback string) string {
	if v, ok := node.Data[key]; ok {
		if s := cast.ToString(v); s != "" {
			return s
		}
	}
	return fallback
}

func dataInt(node Node, key string, fallback int) int {
	if v, ok := node.Data[key]; ok {
		if n, err := cast.ToIntE(v); err == nil {
			return n
		}
	}
	return fallback
}

func dataBool(node Node, key string, fallback bool) bool {
	if v, ok := node.Data[key]; ok {
		if b, err := cast.ToBoolE(v); err == nil {
			return b
		}
	}
	return fallback
}

// inputPort reads the output of the node wired into the named input
// port, when that node has already executed.
func (rc *RunContext) inputPort(node Node, port string) (any, bool) {
	for _, edge := range rc.graph.Incoming(node.ID) {
		if edge.TargetPort != port {
			continue
		}
		if v, ok := rc.state.NodeOutput(edge.Source); ok {
			return v, true
		}
	}
	return nil, false
}

func (e *Engine) execStart(ctx context.Context, rc *RunContext, node Node) (*NodeResult, error) {
	return &NodeResult{Payload: rc.state.Payload}, nil
}

func (e *Engine) execEnd(ctx context.Context, rc *RunContext, node Node) (*NodeResult, error) {
	return &NodeResult{Payload: rc.state.Payload}, nil
}

// execMessage contributes a context message; user and assistant roles
// additionally appear in the visible chat and the conversation.
func (e *Engine) execMessage(ctx context.Context, rc *RunContext, node Node) (*NodeResult, error) {
	msg, err := rc.messageContribution(node)
	if err != nil {
		return nil, err
	}
	rc.state.AddContextMessage(msg)

	var assistantMessageID string
	switch msg.Role {
	case string(llm.RoleUser), string(llm.RoleAssistant):
		added := rc.thread.AddMessage(msg.Role, msg.Content)
		if msg.Role == string(llm.RoleAssistant) {
			assistantMessageID = added.ID
		}
		rc.state.Conversation = append(rc.state.Conversation, llm.ChatMessage{
			Role:    llm.MessageRole(msg.Role),
			Content: msg.Content,
		})
	}
	return &NodeResult{Payload: rc.state.Payload, AssistantMessageID: assistantMessageID}, nil
}

// execSetVariable resolves path and value from input ports or node
// attributes, writes vars, and passes the payload through.
func (e *Engine) execSetVariable(ctx context.Context, rc *RunContext, node Node) (*NodeResult, error) {
	var path string
	if v, ok := rc.inputPort(node, "path"); ok {
		path = cast.ToString(v)
	} else {
		resolved, err := rc.ResolveString(dataString(node, "path", ""))
		if err != nil {
			return nil, err
		}
		path = resolved
	}
	if path == "" {
		return nil, errs.Errorf(errs.KindValidation, "setVariable node %s has no path", node.ID)
	}

	var value any
	if v, ok := rc.inputPort(node, "value"); ok {
		value = v
	} else if raw, ok := node.Data["value"]; ok {
		if s, isString := raw.(string); isString {
			resolved, err := rc.Resolve(s)
			if err != nil {
				return nil, err
			}
			value = resolved
		} else {
			value = raw
		}
	} else {
		value = rc.state.Payload
	}

	rc.SetVar(path, value)
	return &NodeResult{Payload: rc.state.Payload}, nil
}

// execRag searches the node's store with the resolved query and yields
// the fused hits as payload.
func (e *Engine) execRag(ctx context.Context, rc *RunContext, node Node) (*NodeResult, error) {
	query, err := rc.ResolveString(dataString(node, "query", "${input}"))
	if err != nil {
		return nil, err
	}
	hits, err := rc.ragSearch(ctx, node, query, dataInt(node, "topK", 0))
	if err != nil {
		return nil, err
	}
	return &NodeResult{Payload: hits}, nil
}

// ragHit is the citation-sized projection of a query result.
type ragHit struct {
	Text        string  `json:"text"`
	Score       float32 `json:"score"`
	DocID       string  `json:"docId,omitempty"`
	HeadingPath string  `json:"headingPath,omitempty"`
}

func (rc *RunContext) ragSearch(ctx context.Context, node Node, query string, topK int) ([]ragHit, error) {
	if rc.engine.vectors == nil {
		return nil, errs.New(errs.KindInternal, "vector service not configured")
	}
	storeID := dataString(node, "storeId", "")
	if storeID == "" {
		return nil, errs.Errorf(errs.KindValidation, "rag node %s has no storeId", node.ID)
	}
	result, err := rc.engine.vectors.QueryMany(ctx, vectorstore.QueryManyInput{
		StoreID: storeID,
		Queries: []string{query},
		TopK:    topK,
		Model:   dataString(node, "model", ""),
	})
	if err != nil {
		return nil, err
	}
	return lo.Map(result.Fused, func(r schema.QueryResult, _ int) ragHit {
		hit := ragHit{Text: r.Text, Score: r.Score}
		if r.Metadata != nil {
			hit.DocID = cast.ToString(r.Metadata[schema.MetaDocID])
			hit.HeadingPath = cast.ToString(r.Metadata[schema.MetaHeadingPath])
		}
		return hit
	}), nil
}

// execReadDocument loads a stored document's content as payload.
func (e *Engine) execReadDocument(ctx context.Context, rc *RunContext, node Node) (*NodeResult, error) {
	docID, err := rc.ResolveString(dataString(node, "docId", ""))
	if err != nil {
		return nil, err
	}
	content, err := rc.readDocument(docID, dataString(node, "version", ""))
	if err != nil {
		return nil, err
	}
	return &NodeResult{Payload: content}, nil
}

func (rc *RunContext) readDocument(docID, version string) (string, error) {
	if rc.engine.docs == nil {
		return "", errs.New(errs.KindInternal, "document store not configured")
	}
	if docID == "" {
		return "", errs.New(errs.KindValidation, "docId is required")
	}
	content, _, err := rc.engine.docs.Read(docID, version)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

func (e *Engine) execCoinFlip(ctx context.Context, rc *RunContext, node Node) (*NodeResult, error) {
	return &NodeResult{Payload: flipCoin()}, nil
}

func flipCoin() string {
	if rand.Intn(2) == 0 {
		return "heads"
	}
	return "tails"
}

func (e *Engine) execDiceRoll(ctx context.Context, rc *RunContext, node Node) (*NodeResult, error) {
	rolls := rollDice(dataInt(node, "sides", 6), dataInt(node, "count", 1))
	if len(rolls) == 1 {
		return &NodeResult{Payload: rolls[0]}, nil
	}
	return &NodeResult{Payload: rolls}, nil
}

func rollDice(sides, count int) []int {
	if sides < 2 {
		sides = 6
	}
	if count < 1 {
		count = 1
	}
	rolls := make([]int, count)
	for i := range rolls {
		rolls[i] = rand.Intn(sides) + 1
	}
	return rolls
}

// execToolNode invokes a developer-registered tool on the traversal
// path. Arguments come from the node's args attribute (templates
// resolved) or, failing that, from the payload.
func (e *Engine) execToolNode(ctx context.Context, rc *RunContext, node Node) (*NodeResult, error) {
	name := dataString(node, "name", "")
	if name == "" {
		return nil, errs.Errorf(errs.KindValidation, "tool node %s has no name", node.ID)
	}
	handler, ok := e.tools[name]
	if !ok {
		return nil, errs.Errorf(errs.KindNotFound, "tool %s is not registered", name)
	}

	args, err := rc.toolNodeArgs(node)
	if err != nil {
		return nil, err
	}
	out, err := handler(ctx, args)
	if err != nil {
		return nil, err
	}
	return &NodeResult{Payload: out}, nil
}

func (rc *RunContext) toolNodeArgs(node Node) (map[string]any, error) {
	if raw, ok := node.Data["args"].(map[string]any); ok {
		args := make(map[string]any, len(raw))
		for k, v := range raw {
			if s, isString := v.(string); isString {
				resolved, err := rc.Resolve(s)
				if err != nil {
					return nil, err
				}
				args[k] = resolved
				continue
			}
			args[k] = v
		}
		return args, nil
	}
	if m, ok := rc.state.Payload.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{"input": rc.state.Payload}, nil
}
