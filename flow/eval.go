package flow

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spf13/cast"

	"github.com/zoeflow/zoeflow/errs"
	"github.com/zoeflow/zoeflow/llm"
)

// programCacheSize bounds the compiled-expression memo.
const programCacheSize = 256

// Evaluator resolves ${...} templates against the run state. The
// expression environment exposes input, messages, contextMessages, and
// vars. Compiled programs are memoized; the vars snapshot is memoized
// separately and must be invalidated after every vars write.
type Evaluator struct {
	programs *lru.Cache[string, *vm.Program]

	mu   sync.Mutex
	vars map[string]any
}

// NewEvaluator builds an evaluator with an empty program cache.
func NewEvaluator() *Evaluator {
	cache, _ := lru.New[string, *vm.Program](programCacheSize)
	return &Evaluator{programs: cache}
}

// Invalidate drops the memoized vars snapshot. Callers must invoke it
// after mutating state.Vars.
func (e *Evaluator) Invalidate() {
	e.mu.Lock()
	e.vars = nil
	e.mu.Unlock()
}

// Resolve evaluates a template. A string that is exactly one ${...}
// expression returns the expression's typed value; mixed templates
// interpolate each expression into the surrounding text.
func (e *Evaluator) Resolve(raw string, state *State) (any, error) {
	if !strings.Contains(raw, "${") {
		return raw, nil
	}
	segments, err := splitTemplate(raw)
	if err != nil {
		return nil, err
	}
	if len(segments) == 1 && segments[0].expr {
		return e.eval(segments[0].text, state)
	}
	var sb strings.Builder
	for _, seg := range segments {
		if !seg.expr {
			sb.WriteString(seg.text)
			continue
		}
		value, err := e.eval(seg.text, state)
		if err != nil {
			return nil, err
		}
		sb.WriteString(stringify(value))
	}
	return sb.String(), nil
}

// ResolveString evaluates a template and coerces the result to text.
func (e *Evaluator) ResolveString(raw string, state *State) (string, error) {
	value, err := e.Resolve(raw, state)
	if err != nil {
		return "", err
	}
	return stringify(value), nil
}

func (e *Evaluator) eval(src string, state *State) (any, error) {
	program, ok := e.programs.Get(src)
	if !ok {
		compiled, err := expr.Compile(src, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, errs.Wrap(errs.KindValidation, "compile expression "+src, err)
		}
		e.programs.Add(src, compiled)
		program = compiled
	}
	env := map[string]any{
		"input":           state.Payload,
		"messages":        messagesEnv(state.Conversation),
		"contextMessages": contextMessagesEnv(state.ContextMessages),
		"vars":            e.varsSnapshot(state),
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "evaluate expression "+src, err)
	}
	return out, nil
}

// messagesEnv projects the conversation into maps keyed like the wire
// format, so expressions address fields as messages[-1].content.
func messagesEnv(messages []llm.ChatMessage) []map[string]any {
	out := make([]map[string]any, len(messages))
	for i, m := range messages {
		entry := map[string]any{
			"role":    string(m.Role),
			"content": m.Content,
		}
		if m.ToolCallID != "" {
			entry["toolCallId"] = m.ToolCallID
		}
		out[i] = entry
	}
	return out
}

func contextMessagesEnv(messages []ContextMessage) []map[string]any {
	out := make([]map[string]any, len(messages))
	for i, m := range messages {
		out[i] = map[string]any{
			"role":         m.Role,
			"content":      m.Content,
			"priority":     m.Priority,
			"sourceNodeId": m.SourceNodeID,
		}
	}
	return out
}

// varsSnapshot returns the memoized copy of state.Vars, rebuilding it
// after an invalidation. Expressions see a stable view even while
// concurrent tool calls mutate the live map.
func (e *Evaluator) varsSnapshot(state *State) map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.vars == nil {
		copied, _ := deepCopyValue(state.Vars).(map[string]any)
		if copied == nil {
			copied = map[string]any{}
		}
		e.vars = copied
	}
	return e.vars
}

type segment struct {
	expr bool
	text string
}

// splitTemplate cuts a template into literal and expression segments.
// Braces inside an expression are matched by counting, so map and
// string literals survive.
func splitTemplate(raw string) ([]segment, error) {
	var segments []segment
	rest := raw
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			if rest != "" {
				segments = append(segments, segment{text: rest})
			}
			return segments, nil
		}
		if start > 0 {
			segments = append(segments, segment{text: rest[:start]})
		}
		depth := 1
		end := -1
		for i := start + 2; i < len(rest); i++ {
			switch rest[i] {
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					end = i
				}
			}
			if end >= 0 {
				break
			}
		}
		if end < 0 {
			return nil, errs.Errorf(errs.KindValidation, "unterminated expression in template %q", raw)
		}
		segments = append(segments, segment{expr: true, text: strings.TrimSpace(rest[start+2 : end])})
		rest = rest[end+1:]
	}
}

// stringify renders an expression result for interpolation. Scalars go
// through cast; composite values render as JSON.
func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, err := cast.ToStringE(v); err == nil {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}
