package hostcall

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/kubewarden/policy-evaluator/internal/policy"
)

func TestCatalogDispatchUnknownCapability(t *testing.T) {
	c := NewCatalog(logr.Discard())
	_, err := c.Dispatch(context.Background(), "nope/nope", "ns", json.RawMessage(`{}`))
	require.ErrorIs(t, err, policy.ErrHostCall)
}

func TestCatalogDispatchUncachedCallsHandlerEveryTime(t *testing.T) {
	c := NewCatalog(logr.Discard())
	var calls atomic.Int32
	c.Register("test/echo", func(_ context.Context, _ string, payload json.RawMessage) (json.RawMessage, error) {
		calls.Add(1)
		return payload, nil
	}, nil)

	for i := 0; i < 3; i++ {
		_, err := c.Dispatch(context.Background(), "test/echo", "ns", json.RawMessage(`{"x":1}`))
		require.NoError(t, err)
	}
	require.EqualValues(t, 3, calls.Load())
}

func TestCatalogDispatchCachesPositiveResults(t *testing.T) {
	c := NewCatalog(logr.Discard())
	var calls atomic.Int32
	cache := NewTTLCache(10, time.Minute, time.Minute)
	c.Register("test/cached", func(_ context.Context, _ string, payload json.RawMessage) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(`{"result":true}`), nil
	}, cache)

	for i := 0; i < 5; i++ {
		res, err := c.Dispatch(context.Background(), "test/cached", "ns", json.RawMessage(`{"x":1}`))
		require.NoError(t, err)
		require.JSONEq(t, `{"result":true}`, string(res))
	}
	require.EqualValues(t, 1, calls.Load(), "handler should run once, subsequent calls hit the cache")
}

func TestCatalogDispatchNegativeCachingSuppressesRetriesUntilTTL(t *testing.T) {
	c := NewCatalog(logr.Discard())
	var calls atomic.Int32
	cache := NewTTLCache(10, time.Minute, time.Minute)
	wantErr := errors.New("boom")
	c.Register("test/fails", func(_ context.Context, _ string, _ json.RawMessage) (json.RawMessage, error) {
		calls.Add(1)
		return nil, wantErr
	}, cache)

	for i := 0; i < 4; i++ {
		_, err := c.Dispatch(context.Background(), "test/fails", "ns", json.RawMessage(`{}`))
		require.ErrorContains(t, err, "boom")
	}
	require.EqualValues(t, 1, calls.Load(), "a cached failure must not re-invoke the handler within the negative TTL window")
}

func TestRegisteredCapabilitiesListsEveryRegistration(t *testing.T) {
	c := NewCatalog(logr.Discard())
	c.Register("a/b", func(context.Context, string, json.RawMessage) (json.RawMessage, error) { return nil, nil }, nil)
	c.Register("c/d", func(context.Context, string, json.RawMessage) (json.RawMessage, error) { return nil, nil }, nil)

	caps := c.RegisteredCapabilities()
	require.ElementsMatch(t, []string{"a/b", "c/d"}, caps)
}
