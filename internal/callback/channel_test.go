package callback

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/kubewarden/policy-evaluator/internal/hostcall"
)

func newTestChannel(handler hostcall.Handler) *Channel {
	catalog := hostcall.NewCatalog(logr.Discard())
	catalog.Register("test/op", handler, nil)
	return New(catalog)
}

func TestChannelCallRoundTrip(t *testing.T) {
	ch := newTestChannel(func(_ context.Context, namespace string, payload json.RawMessage) (json.RawMessage, error) {
		require.Equal(t, "ns", namespace)
		return payload, nil
	})

	resp, err := ch.Call(context.Background(), "test/op", "ns", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(resp))
}

func TestChannelCallPropagatesHandlerError(t *testing.T) {
	wantErr := errors.New("boom")
	ch := newTestChannel(func(context.Context, string, json.RawMessage) (json.RawMessage, error) {
		return nil, wantErr
	})

	_, err := ch.Call(context.Background(), "test/op", "ns", json.RawMessage(`{}`))
	require.ErrorContains(t, err, "boom")
}

func TestChannelCallRemovesInFlightEntryAfterReturn(t *testing.T) {
	ch := newTestChannel(func(context.Context, string, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`null`), nil
	})

	_, err := ch.Call(context.Background(), "test/op", "ns", json.RawMessage(`{}`))
	require.NoError(t, err)

	ch.mu.Lock()
	inFlight := len(ch.inFlight)
	ch.mu.Unlock()
	require.Zero(t, inFlight)
}

func TestChannelCancelAllAbortsBlockedCalls(t *testing.T) {
	started := make(chan struct{})
	ch := newTestChannel(func(ctx context.Context, _ string, _ json.RawMessage) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	var wg sync.WaitGroup
	var callErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, callErr = ch.Call(context.Background(), "test/op", "ns", json.RawMessage(`{}`))
	}()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("handler never started")
	}

	ch.CancelAll()
	wg.Wait()
	require.ErrorIs(t, callErr, context.Canceled)
}
