package connect

import (
	"context"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"

	"bringyour.com/statesync/state"
)

func TestSignalSingle(t *testing.T) {
	ctx := context.Background()

	dispatcher := NewDispatcher()
	assert.Equal(t, dispatcher.Declare("add", AritySingle, true), nil)
	// an equal declaration is a no op
	assert.Equal(t, dispatcher.Declare("add", AritySingle, true), nil)
	assert.Equal(t, errors.Is(dispatcher.Declare("add", ArityMulti, true), ErrHandlerConflict), true)

	_, err := dispatcher.Invoke(ctx, "add", nil)
	assert.Equal(t, errors.Is(err, ErrNoHandler), true)

	_, err = dispatcher.Invoke(ctx, "nope", nil)
	assert.Equal(t, errors.Is(err, ErrUnknownSignal), true)
	_, err = dispatcher.Bind("nope", nil)
	assert.Equal(t, errors.Is(err, ErrUnknownSignal), true)

	_, err = dispatcher.Bind("add", func(ctx context.Context, args []state.Value) (state.Value, error) {
		return state.Int(-1), nil
	})
	assert.Equal(t, err, nil)
	// a late bind replaces
	unbind, err := dispatcher.Bind("add", func(ctx context.Context, args []state.Value) (state.Value, error) {
		sum := int64(0)
		for _, arg := range args {
			sum += int64(arg.(state.Int))
		}
		return state.Int(sum), nil
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, 1, dispatcher.HandlerCount("add"))

	results, err := dispatcher.Invoke(ctx, "add", []state.Value{state.Int(2), state.Int(3)})
	assert.Equal(t, err, nil)
	assert.Equal(t, []state.Value{state.Int(5)}, results)

	unbind()
	assert.Equal(t, 0, dispatcher.HandlerCount("add"))
	_, err = dispatcher.Invoke(ctx, "add", nil)
	assert.Equal(t, errors.Is(err, ErrNoHandler), true)
}

func TestSignalSingleConflict(t *testing.T) {
	ctx := context.Background()

	dispatcher := NewDispatcher()
	dispatcher.RequireDeclare("reset", AritySingle, false)

	handler := func(ctx context.Context, args []state.Value) (state.Value, error) {
		return nil, nil
	}
	unbind, err := dispatcher.BindAll("reset", handler, handler)
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, dispatcher.HandlerCount("reset"))

	_, err = dispatcher.Invoke(ctx, "reset", nil)
	assert.Equal(t, errors.Is(err, ErrHandlerConflict), true)

	unbind()
	assert.Equal(t, 0, dispatcher.HandlerCount("reset"))
}

func TestSignalMulti(t *testing.T) {
	ctx := context.Background()

	dispatcher := NewDispatcher()
	dispatcher.RequireDeclare("collect", ArityMulti, true)
	dispatcher.RequireDeclare("notify", ArityMulti, false)

	results, err := dispatcher.Invoke(ctx, "collect", nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, 0, len(results))

	for i := range 3 {
		_, err := dispatcher.Bind("collect", func(ctx context.Context, args []state.Value) (state.Value, error) {
			return state.Int(i), nil
		})
		assert.Equal(t, err, nil)
	}

	results, err = dispatcher.Invoke(ctx, "collect", nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, []state.Value{state.Int(0), state.Int(1), state.Int(2)}, results)

	calls := 0
	for range 2 {
		dispatcher.Bind("notify", func(ctx context.Context, args []state.Value) (state.Value, error) {
			calls += 1
			return nil, nil
		})
	}
	results, err = dispatcher.Invoke(ctx, "notify", nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, 0, len(results))
	assert.Equal(t, 2, calls)

	assert.Equal(t, 2, len(dispatcher.Declarations()))
	declaration, ok := dispatcher.Declaration("collect")
	assert.Equal(t, ok, true)
	assert.Equal(t, ArityMulti, declaration.Arity)
}

func TestSignalHandlerFailure(t *testing.T) {
	ctx := context.Background()

	dispatcher := NewDispatcher()
	dispatcher.RequireDeclare("fail", AritySingle, false)
	dispatcher.RequireDeclare("panic", AritySingle, false)
	dispatcher.RequireDeclare("empty", AritySingle, true)

	dispatcher.Bind("fail", func(ctx context.Context, args []state.Value) (state.Value, error) {
		return nil, state.ErrReadOnly
	})
	dispatcher.Bind("panic", func(ctx context.Context, args []state.Value) (state.Value, error) {
		panic("handler bug")
	})
	dispatcher.Bind("empty", func(ctx context.Context, args []state.Value) (state.Value, error) {
		return nil, nil
	})

	_, err := dispatcher.Invoke(ctx, "fail", nil)
	assert.Equal(t, errors.Is(err, ErrHandlerFailed), true)
	assert.Equal(t, errors.Is(err, state.ErrReadOnly), true)

	_, err = dispatcher.Invoke(ctx, "panic", nil)
	assert.Equal(t, errors.Is(err, ErrHandlerFailed), true)

	_, err = dispatcher.Invoke(ctx, "empty", nil)
	assert.Equal(t, errors.Is(err, ErrHandlerFailed), true)
}

func TestParseArity(t *testing.T) {
	arity, err := ParseArity("multi")
	assert.Equal(t, err, nil)
	assert.Equal(t, ArityMulti, arity)
	arity, err = ParseArity("")
	assert.Equal(t, err, nil)
	assert.Equal(t, AritySingle, arity)
	_, err = ParseArity("many")
	assert.NotEqual(t, err, nil)
}
