package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessage(t *testing.T) {
	err := New(KindNotFound, "document abc123 not found")
	assert.Equal(t, "document abc123 not found", err.Error())

	wrapped := Wrap(KindCorrupt, "read store file", errors.New("unexpected EOF"))
	assert.Equal(t, "read store file: unexpected EOF", wrapped.Error())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindValidation, KindOf(New(KindValidation, "bad store id")))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.Equal(t, KindCancelled, KindOf(context.Canceled))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestKindSurvivesWrapping(t *testing.T) {
	inner := New(KindConflict, "dimension mismatch")
	outer := fmt.Errorf("upsert failed: %w", inner)

	assert.Equal(t, KindConflict, KindOf(outer))
	assert.True(t, IsKind(outer, KindConflict))

	var e *Error
	require.True(t, errors.As(outer, &e))
	assert.Equal(t, "dimension mismatch", e.Message)
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(KindInternal, "nothing", nil))
}

func TestIsCancelled(t *testing.T) {
	assert.True(t, IsCancelled(context.Canceled))
	assert.True(t, IsCancelled(Wrap(KindCancelled, "job cancelled", context.Canceled)))
	assert.False(t, IsCancelled(New(KindProvider, "upstream 500")))
}
