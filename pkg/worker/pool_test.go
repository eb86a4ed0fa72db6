package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/kubewarden/policy-evaluator/internal/hostcall"
	"github.com/kubewarden/policy-evaluator/internal/sandbox"
	"github.com/kubewarden/policy-evaluator/pkg/evaluator"
)

func newTestEvaluator(t *testing.T) *evaluator.Evaluator {
	t.Helper()
	eng, err := sandbox.NewEngine(context.Background(), sandbox.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close(context.Background()) })

	registry := evaluator.NewRegistry(eng)
	return evaluator.New(registry, evaluator.Config{Catalog: hostcall.NewCatalog(logr.Discard())})
}

func TestPoolRejectsNonPositiveSize(t *testing.T) {
	_, err := New(context.Background(), newTestEvaluator(t), 0)
	require.Error(t, err)
}

func TestPoolSubmitReturnsEvaluatorError(t *testing.T) {
	p, err := New(context.Background(), newTestEvaluator(t), 2)
	require.NoError(t, err)
	defer func() { _ = p.Shutdown() }()

	_, err = p.Submit(context.Background(), "unregistered-policy", evaluator.EvaluationRequest{})
	require.ErrorIs(t, err, evaluator.ErrValidation)
}

func TestPoolSubmitConcurrentCallersAllGetAResult(t *testing.T) {
	p, err := New(context.Background(), newTestEvaluator(t), 3)
	require.NoError(t, err)
	defer func() { _ = p.Shutdown() }()

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = p.Submit(context.Background(), "unregistered-policy", evaluator.EvaluationRequest{})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.ErrorIs(t, err, evaluator.ErrValidation)
	}
}

func TestPoolSubmitHonorsCallerContextDeadline(t *testing.T) {
	p, err := New(context.Background(), newTestEvaluator(t), 1)
	require.NoError(t, err)
	defer func() { _ = p.Shutdown() }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	_, err = p.Submit(ctx, "unregistered-policy", evaluator.EvaluationRequest{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPoolShutdownStopsWorkers(t *testing.T) {
	p, err := New(context.Background(), newTestEvaluator(t), 2)
	require.NoError(t, err)
	require.NoError(t, p.Shutdown())
}
