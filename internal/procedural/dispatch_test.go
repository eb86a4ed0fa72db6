package procedural

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kubewarden/policy-evaluator/internal/sandbox"
)

func TestInvokeContextRoundTrip(t *testing.T) {
	ic := &invokeContext{guestReq: []byte("hi")}
	ctx := withInvokeContext(context.Background(), ic)
	require.Same(t, ic, fromInvokeContext(ctx))
}

func TestFromInvokeContextMissingReturnsNil(t *testing.T) {
	require.Nil(t, fromInvokeContext(context.Background()))
}

func TestHostCallWithNoInvokeContextFailsCleanly(t *testing.T) {
	d := &dispatcher{}
	stack := make([]uint64, 8)
	stack[0] = 99

	d.hostCall(context.Background(), nil, stack)

	require.EqualValues(t, 0, stack[0])
}

func TestHostCallFuelExhaustedSetsHostErr(t *testing.T) {
	d := &dispatcher{inst: &sandbox.Instance{}}
	ic := &invokeContext{}
	ctx := withInvokeContext(context.Background(), ic)
	stack := make([]uint64, 8)

	d.hostCall(ctx, nil, stack)

	require.EqualValues(t, 0, stack[0])
	require.ErrorIs(t, ic.hostErr, errFuelExhausted)
}

func TestHostResponseLenReportsStoredLength(t *testing.T) {
	d := &dispatcher{}
	ic := &invokeContext{hostResp: []byte("hello")}
	ctx := withInvokeContext(context.Background(), ic)
	results := make([]uint64, 1)

	d.hostResponseLen(ctx, results)

	require.EqualValues(t, 5, results[0])
}

func TestHostResponseLenZeroWithNoResponse(t *testing.T) {
	d := &dispatcher{}
	ic := &invokeContext{}
	ctx := withInvokeContext(context.Background(), ic)
	results := make([]uint64, 1)

	d.hostResponseLen(ctx, results)

	require.EqualValues(t, 0, results[0])
}

func TestHostErrorLenReportsStoredLength(t *testing.T) {
	d := &dispatcher{}
	ic := &invokeContext{hostErr: errFuelExhausted}
	ctx := withInvokeContext(context.Background(), ic)
	results := make([]uint64, 1)

	d.hostErrorLen(ctx, results)

	require.EqualValues(t, len(errFuelExhausted.Error()), results[0])
}

func TestHostErrorLenZeroWithNoError(t *testing.T) {
	d := &dispatcher{}
	ic := &invokeContext{}
	ctx := withInvokeContext(context.Background(), ic)
	results := make([]uint64, 1)

	d.hostErrorLen(ctx, results)

	require.EqualValues(t, 0, results[0])
}

func TestGuestRequestNoopWithoutInvokeContext(t *testing.T) {
	d := &dispatcher{}
	require.NotPanics(t, func() {
		d.guestRequest(context.Background(), nil, []uint64{0, 0})
	})
}

func TestHostResponseNoopWithoutInvokeContext(t *testing.T) {
	d := &dispatcher{}
	require.NotPanics(t, func() {
		d.hostResponse(context.Background(), nil, []uint64{0})
	})
}

func TestGuestResponseNoopWithoutInvokeContext(t *testing.T) {
	d := &dispatcher{}
	require.NotPanics(t, func() {
		d.guestResponse(context.Background(), nil, []uint64{0, 0})
	})
}

func TestGuestErrorNoopWithoutInvokeContext(t *testing.T) {
	d := &dispatcher{}
	require.NotPanics(t, func() {
		d.guestError(context.Background(), nil, []uint64{0, 0})
	})
}

func TestHostErrorNoopWithoutHostErr(t *testing.T) {
	d := &dispatcher{}
	ic := &invokeContext{}
	ctx := withInvokeContext(context.Background(), ic)
	require.NotPanics(t, func() {
		d.hostError(ctx, nil, []uint64{0})
	})
}

func TestDispatcherFromContextRoundTrip(t *testing.T) {
	d := &dispatcher{}
	ctx := withDispatcher(context.Background(), d)
	require.Same(t, d, dispatcherFrom(ctx))
}

func TestDispatcherFromContextMissingReturnsNil(t *testing.T) {
	require.Nil(t, dispatcherFrom(context.Background()))
}

// TestPackageHostFuncsResolveDispatcherFromContext exercises the
// package-level functions buildHostModule registers against the shared
// "wapc" host module: since that module is instantiated once per Engine
// and reused by every Runtime, these must recover the calling Runtime's
// dispatcher from the context (set by Runtime.call) rather than closing
// over one directly, and no-op cleanly when no dispatcher is present.
func TestPackageHostFuncsResolveDispatcherFromContext(t *testing.T) {
	ctx := context.Background()
	require.NotPanics(t, func() { hostCall(ctx, nil, make([]uint64, 8)) })
	require.NotPanics(t, func() { consoleLog(ctx, nil, []uint64{0, 0}) })
	require.NotPanics(t, func() { guestRequest(ctx, nil, []uint64{0, 0}) })
	require.NotPanics(t, func() { hostResponse(ctx, nil, []uint64{0}) })
	require.NotPanics(t, func() { guestResponse(ctx, nil, []uint64{0, 0}) })
	require.NotPanics(t, func() { guestError(ctx, nil, []uint64{0, 0}) })
	require.NotPanics(t, func() { hostError(ctx, nil, []uint64{0}) })

	results := make([]uint64, 1)
	hostResponseLen(ctx, results)
	require.EqualValues(t, 0, results[0])
	hostErrorLen(ctx, results)
	require.EqualValues(t, 0, results[0])
}

func TestPackageHostCallDispatchesThroughContextDispatcher(t *testing.T) {
	d := &dispatcher{inst: &sandbox.Instance{}}
	ic := &invokeContext{}
	ctx := withInvokeContext(withDispatcher(context.Background(), d), ic)
	stack := make([]uint64, 8)

	hostCall(ctx, nil, stack)

	require.EqualValues(t, 0, stack[0])
	require.ErrorIs(t, ic.hostErr, errFuelExhausted)
}
