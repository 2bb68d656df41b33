package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoeflow/zoeflow/errs"
	"github.com/zoeflow/zoeflow/llm"
)

func TestResolvePlainStringPassesThrough(t *testing.T) {
	ev := NewEvaluator()
	s := NewState("payload", nil, nil)

	out, err := ev.Resolve("no expressions here", s)
	require.NoError(t, err)
	assert.Equal(t, "no expressions here", out)
}

func TestResolveSingleExpressionKeepsType(t *testing.T) {
	ev := NewEvaluator()
	s := NewState(map[string]any{"k": "v"}, map[string]any{"count": 3}, nil)

	out, err := ev.Resolve("${input}", s)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": "v"}, out)

	out, err = ev.Resolve("${vars.count}", s)
	require.NoError(t, err)
	assert.Equal(t, 3, out)

	out, err = ev.Resolve("${vars.count + 1}", s)
	require.NoError(t, err)
	assert.Equal(t, 4, out)
}

func TestResolveNegativeIndexing(t *testing.T) {
	ev := NewEvaluator()
	vars := map[string]any{"rolls": []any{1, 5, 9}}
	s := NewState(nil, vars, nil)

	out, err := ev.Resolve("${vars.rolls[-1]}", s)
	require.NoError(t, err)
	assert.Equal(t, 9, out)
}

func TestResolveMessagesByWireFields(t *testing.T) {
	ev := NewEvaluator()
	s := NewState(nil, nil, []llm.ChatMessage{
		llm.NewUserMessage("first"),
		llm.NewAssistantMessage("latest"),
	})
	s.ContextMessages = []ContextMessage{
		{Role: "system", Content: "background", SourceNodeID: "msg-1"},
	}

	out, err := ev.ResolveString("last=${messages[-1].content} role=${messages[0].role}", s)
	require.NoError(t, err)
	assert.Equal(t, "last=latest role=user", out)

	src, err := ev.Resolve("${contextMessages[0].sourceNodeId}", s)
	require.NoError(t, err)
	assert.Equal(t, "msg-1", src)
}

func TestResolveInterpolation(t *testing.T) {
	ev := NewEvaluator()
	vars := map[string]any{
		"user": map[string]any{"name": "Ada"},
		"roll": 4,
	}
	s := NewState("ignored", vars, nil)

	out, err := ev.ResolveString("Hello ${vars.user.name}, you rolled ${vars.roll}.", s)
	require.NoError(t, err)
	assert.Equal(t, "Hello Ada, you rolled 4.", out)
}

func TestResolveCompositeValuesRenderAsJSON(t *testing.T) {
	ev := NewEvaluator()
	s := NewState(nil, map[string]any{"list": []any{1, 2}}, nil)

	out, err := ev.ResolveString("items: ${vars.list}", s)
	require.NoError(t, err)
	assert.Equal(t, "items: [1,2]", out)
}

func TestResolveBracesInsideExpression(t *testing.T) {
	ev := NewEvaluator()
	s := NewState(nil, nil, nil)

	out, err := ev.ResolveString(`value: ${ {"a": 1}["a"] }`, s)
	require.NoError(t, err)
	assert.Equal(t, "value: 1", out)
}

func TestResolveUndefinedVariableIsNil(t *testing.T) {
	ev := NewEvaluator()
	s := NewState(nil, nil, nil)

	out, err := ev.Resolve("${vars.never}", s)
	require.NoError(t, err)
	assert.Nil(t, out)

	text, err := ev.ResolveString("before ${vars.never} after", s)
	require.NoError(t, err)
	assert.Equal(t, "before  after", text)
}

func TestResolveUnterminatedExpression(t *testing.T) {
	ev := NewEvaluator()
	s := NewState(nil, nil, nil)

	_, err := ev.Resolve("broken ${input", s)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestResolveCompileErrorIsValidation(t *testing.T) {
	ev := NewEvaluator()
	s := NewState(nil, nil, nil)

	_, err := ev.Resolve("${1 +}", s)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestInvalidateRefreshesVarsSnapshot(t *testing.T) {
	ev := NewEvaluator()
	s := NewState(nil, map[string]any{"color": "red"}, nil)

	out, err := ev.Resolve("${vars.color}", s)
	require.NoError(t, err)
	assert.Equal(t, "red", out)

	// Writes must be followed by Invalidate to become visible.
	s.SetVar("color", "blue")
	ev.Invalidate()

	out, err = ev.Resolve("${vars.color}", s)
	require.NoError(t, err)
	assert.Equal(t, "blue", out)
}

func TestSplitTemplateSegments(t *testing.T) {
	segments, err := splitTemplate("a ${x} b ${y}")
	require.NoError(t, err)
	require.Len(t, segments, 4)
	assert.Equal(t, segment{text: "a "}, segments[0])
	assert.Equal(t, segment{expr: true, text: "x"}, segments[1])
	assert.Equal(t, segment{text: " b "}, segments[2])
	assert.Equal(t, segment{expr: true, text: "y"}, segments[3])

	segments, err = splitTemplate("no expr")
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.False(t, segments[0].expr)
}
