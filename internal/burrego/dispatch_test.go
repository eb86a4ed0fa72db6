package burrego

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/kubewarden/policy-evaluator/internal/callback"
	"github.com/kubewarden/policy-evaluator/internal/hostcall"
	"github.com/kubewarden/policy-evaluator/internal/policy"
	"github.com/kubewarden/policy-evaluator/internal/sandbox"
)

func TestRegistryLookupMissing(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Lookup("nope")
	require.False(t, ok)
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	r.Register("time.now_ns", func(context.Context, []json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage("1"), nil
	})
	fn, ok := r.Lookup("time.now_ns")
	require.True(t, ok)
	out, err := fn(context.Background(), nil)
	require.NoError(t, err)
	require.JSONEq(t, "1", string(out))
}

func TestRegistryResolveSkipsUnregisteredNames(t *testing.T) {
	r := NewRegistry()
	r.Register("kubernetes.get_resource", func(context.Context, []json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})

	byID := r.resolve(map[int32]string{
		1: "kubernetes.get_resource",
		2: "no.such.builtin",
	})

	require.Len(t, byID, 1)
	_, ok := byID[1]
	require.True(t, ok)
	_, ok = byID[2]
	require.False(t, ok)
}

func TestUndefinedReturnsNilNil(t *testing.T) {
	v, err := Undefined()
	require.NoError(t, err)
	require.Nil(t, v)
}

func newTestChannel(t *testing.T, handler hostcall.Handler) *callback.Channel {
	t.Helper()
	catalog := hostcall.NewCatalog(logr.Discard())
	catalog.Register("test/echo", handler, nil)
	return callback.New(catalog)
}

func TestCallbackBuiltinForwardsFirstArgAsPayload(t *testing.T) {
	var gotPayload json.RawMessage
	ch := newTestChannel(t, func(_ context.Context, _ string, payload json.RawMessage) (json.RawMessage, error) {
		gotPayload = payload
		return json.RawMessage(`"ok"`), nil
	})

	fn := callbackBuiltin(ch, "test/echo", "")
	out, err := fn(context.Background(), []json.RawMessage{json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)
	require.JSONEq(t, `"ok"`, string(out))
	require.JSONEq(t, `{"a":1}`, string(gotPayload))
}

func TestCallbackBuiltinDefaultsToNullWithNoArgs(t *testing.T) {
	var gotPayload json.RawMessage
	ch := newTestChannel(t, func(_ context.Context, _ string, payload json.RawMessage) (json.RawMessage, error) {
		gotPayload = payload
		return json.RawMessage(`true`), nil
	})

	fn := callbackBuiltin(ch, "test/echo", "")
	_, err := fn(context.Background(), nil)
	require.NoError(t, err)
	require.JSONEq(t, "null", string(gotPayload))
}

func TestCallbackBuiltinPropagatesHandlerError(t *testing.T) {
	wantErr := errors.New("boom")
	ch := newTestChannel(t, func(context.Context, string, json.RawMessage) (json.RawMessage, error) {
		return nil, wantErr
	})

	fn := callbackBuiltin(ch, "test/echo", "")
	_, err := fn(context.Background(), nil)
	require.ErrorIs(t, err, policy.ErrHostCall)
}

func TestDispatcherCallUnknownBuiltinIDReturnsZero(t *testing.T) {
	d := newDispatcher(NewRegistry(), nil)
	d.byID = map[int32]BuiltinFunc{}

	got := d.call(context.Background(), 7)
	require.Equal(t, int32(0), got)
	require.NoError(t, d.trap)
}

func TestDispatcherCallFuelExhaustedRecordsTrap(t *testing.T) {
	r := NewRegistry()
	r.Register("time.now_ns", func(context.Context, []json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage("1"), nil
	})
	d := newDispatcher(r, nil)
	d.byID = r.resolve(map[int32]string{1: "time.now_ns"})
	d.idToName = map[int32]string{1: "time.now_ns"}
	d.inst = &sandbox.Instance{}

	got := d.call(context.Background(), 1)
	require.Equal(t, int32(0), got)
	require.ErrorIs(t, d.trap, policy.ErrTimeout)
}

func TestDispatcherWireCapabilityRefreshesByIDAfterBind(t *testing.T) {
	ch := newTestChannel(t, func(context.Context, string, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage("1"), nil
	})
	d := newDispatcher(NewRegistry(), ch)
	d.idToName = map[int32]string{3: "kubernetes.get_resource"}
	d.byID = d.registry.resolve(d.idToName)
	require.Empty(t, d.byID)

	d.wireCapability("kubernetes.get_resource", "test/echo", "")

	require.Len(t, d.byID, 1)
	_, ok := d.byID[3]
	require.True(t, ok)
}

func TestDispatcherRecordTrapKeepsFirstError(t *testing.T) {
	d := newDispatcher(NewRegistry(), nil)
	d.recordTrap(errors.New("first"))
	d.recordTrap(errors.New("second"))
	require.Equal(t, "first", d.trap.Error())
}

func TestDispatcherFromContextRoundTrip(t *testing.T) {
	d := newDispatcher(NewRegistry(), nil)
	ctx := withDispatcher(context.Background(), d)
	require.Same(t, d, dispatcherFrom(ctx))
}

func TestDispatcherFromContextMissingReturnsNil(t *testing.T) {
	require.Nil(t, dispatcherFrom(context.Background()))
}

// TestHostBuiltinFuncsFallBackToUndefinedWithoutDispatcher exercises the
// package-level host import functions buildHostModule registers: since the
// "env" host module is shared across every VM an Engine ever instantiates,
// these must resolve their dispatcher from the context instead of a bound
// receiver, and behave as "undefined"/no-op when none is present.
func TestHostBuiltinFuncsFallBackToUndefinedWithoutDispatcher(t *testing.T) {
	ctx := context.Background()
	require.EqualValues(t, 0, hostBuiltin0(ctx, 1, 0))
	require.EqualValues(t, 0, hostBuiltin1(ctx, 1, 0, 0))
	require.EqualValues(t, 0, hostBuiltin2(ctx, 1, 0, 0, 0))
	require.EqualValues(t, 0, hostBuiltin3(ctx, 1, 0, 0, 0, 0))
	require.EqualValues(t, 0, hostBuiltin4(ctx, 1, 0, 0, 0, 0, 0))
	require.NotPanics(t, func() { hostOpaAbort(ctx, 0) })
	require.NotPanics(t, func() { hostOpaPrintln(ctx, 0) })
}

func TestHostBuiltinFuncsDispatchThroughContextDispatcher(t *testing.T) {
	r := NewRegistry()
	r.Register("time.now_ns", func(context.Context, []json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage("1"), nil
	})
	d := newDispatcher(r, nil)
	d.idToName = map[int32]string{1: "time.now_ns"}
	d.byID = r.resolve(d.idToName)
	d.inst = &sandbox.Instance{}

	ctx := withDispatcher(context.Background(), d)
	got := hostBuiltin0(ctx, 1, 0)
	require.Equal(t, int32(0), got)
	require.ErrorIs(t, d.trap, policy.ErrTimeout)
}
