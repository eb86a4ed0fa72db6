// Package worker implements the pool-of-single-threaded-workers scheduling
// model: a fixed number of goroutines, each processing at most one
// EvaluationRequest at a time against the shared Evaluator, so guests never
// run concurrently on the same worker the way two reconcilers never touch
// the same Kubernetes object at once.
package worker

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/kubewarden/policy-evaluator/pkg/evaluator"
)

// job is one Evaluate call queued onto the pool, with a channel the
// submitting goroutine blocks on for the result.
type job struct {
	ctx        context.Context
	policyName string
	request    evaluator.EvaluationRequest
	result     chan<- jobResult
}

type jobResult struct {
	response *evaluator.ValidationResponse
	err      error
}

// Pool dispatches EvaluationRequests across a fixed set of single-threaded
// workers sharing one Evaluator (and, through it, one PolicyModule
// registry and Host-Call Catalog — both read-only after construction and
// safe to share).
type Pool struct {
	eval *evaluator.Evaluator
	jobs chan job

	group  *errgroup.Group
	cancel context.CancelFunc
}

// New starts size workers, each pulling EvaluationRequests off an internal
// queue and running them against eval. size must be >= 1.
func New(parent context.Context, eval *evaluator.Evaluator, size int) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("worker pool size must be >= 1, got %d", size)
	}

	ctx, cancel := context.WithCancel(parent)
	group, gctx := errgroup.WithContext(ctx)

	p := &Pool{
		eval:   eval,
		jobs:   make(chan job, size),
		group:  group,
		cancel: cancel,
	}

	for i := 0; i < size; i++ {
		group.Go(func() error {
			p.run(gctx)
			return nil
		})
	}

	return p, nil
}

// run is one worker's loop: pull a job, evaluate it synchronously (so this
// goroutine never processes two requests at once), publish the result,
// repeat until the pool is shut down.
func (p *Pool) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-p.jobs:
			if !ok {
				return
			}
			resp, err := p.eval.Evaluate(j.ctx, j.policyName, j.request)
			j.result <- jobResult{response: resp, err: err}
		}
	}
}

// Submit enqueues one EvaluationRequest and blocks until a worker has
// processed it (or ctx is cancelled first). Safe to call concurrently from
// many goroutines; requests queue and drain in the order workers pick them
// up, with no ordering guarantee across the pool as a whole (per the
// concurrency model's "no ordering guarantee across workers").
func (p *Pool) Submit(ctx context.Context, policyName string, req evaluator.EvaluationRequest) (*evaluator.ValidationResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := make(chan jobResult, 1)
	j := job{ctx: ctx, policyName: policyName, request: req, result: result}

	select {
	case p.jobs <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-result:
		return r.response, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown signals every worker to exit once its current job (if any)
// finishes, and waits for them all to stop. It deliberately does not close
// the job queue: a concurrent Submit racing the close would panic sending
// on a closed channel, so workers instead stop via context cancellation. A
// Submit called after Shutdown simply blocks until its own ctx's deadline,
// since nothing is left to drain the queue.
func (p *Pool) Shutdown() error {
	p.cancel()
	return p.group.Wait()
}
