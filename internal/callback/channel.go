// Package callback implements the single-threaded cooperative bridge: during
// a guest call, host import handlers run synchronously on the same goroutine
// the guest is executing on, routed through one shared Channel so both the
// Rego and procedural runtimes correlate requests and responses the same way
// and in-flight host calls can be cancelled cooperatively via CancelAll.
package callback

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/kubewarden/policy-evaluator/internal/hostcall"
)

// Channel routes one guest's host calls to the shared Host-Call Catalog.
// It is not safe for concurrent use by two guest calls at once, so a Channel
// is owned by exactly one in-flight evaluation.
type Channel struct {
	catalog *hostcall.Catalog

	mu       sync.Mutex
	inFlight map[uuid.UUID]context.CancelFunc
}

// New binds a Channel to catalog. One Channel is created per evaluation and
// discarded with its PolicyInstance.
func New(catalog *hostcall.Catalog) *Channel {
	return &Channel{catalog: catalog, inFlight: make(map[uuid.UUID]context.CancelFunc)}
}

// Call performs one host call synchronously, as if the guest had blocked
// on it directly. It registers the in-flight request under a fresh id so
// CancelAll can abort it. The host call's context derives from ctx, so it
// also ends when the guest call's own deadline expires.
func (c *Channel) Call(ctx context.Context, capability, namespace string, payload json.RawMessage) (json.RawMessage, error) {
	id := uuid.New()
	callCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.inFlight[id] = cancel
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inFlight, id)
		c.mu.Unlock()
		cancel()
	}()

	return c.catalog.Dispatch(callCtx, capability, namespace, payload)
}

// CancelAll aborts every host call this Channel currently has in flight, so
// a blocked host import (e.g. a slow DNS lookup) can be stopped from another
// goroutine. Nothing in the sandbox or the runtimes calls it automatically
// when an instance is poisoned; the caller that owns the Channel decides
// when to invoke it.
func (c *Channel) CancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, cancel := range c.inFlight {
		cancel()
		delete(c.inFlight, id)
	}
}
