package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler(ctx context.Context, call HandlerCall) (any, error) { return nil, nil }

func TestHandlerRegistry(t *testing.T) {
	r := NewHandlerRegistry()
	require.NoError(t, r.Register("b", noopHandler))
	require.NoError(t, r.Register("a", noopHandler, NeedEvent, NeedStore))

	err := r.Register("a", noopHandler)
	assert.True(t, errors.Is(err, ErrDuplicateHandler))
	assert.Error(t, r.Register("nil", nil))
	assert.Error(t, r.Register("", noopHandler))

	fn, needs, err := r.Lookup("a")
	require.NoError(t, err)
	assert.NotNil(t, fn)
	assert.Equal(t, NeedEvent|NeedStore, needs)
	assert.Zero(t, needs&NeedContext)

	_, _, err = r.Lookup("missing")
	var nf *HandlerNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "missing", nf.Name)

	assert.Equal(t, []string{"a", "b"}, r.Names())
}

func TestMustRegisterPanicsOnDuplicate(t *testing.T) {
	r := NewHandlerRegistry()
	r.MustRegister("x", noopHandler)
	assert.Panics(t, func() { r.MustRegister("x", noopHandler) })
}

func TestInvokeHandlerRecoversPanic(t *testing.T) {
	_, err := invokeHandler(context.Background(), func(ctx context.Context, call HandlerCall) (any, error) {
		panic("boom")
	}, HandlerCall{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}
