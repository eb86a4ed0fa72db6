// Package hostcall implements the curated Host-Call Catalog:
// the capability groups guests may invoke (cluster, OCI, sigstore,
// crypto/x509, net/DNS, time), their JSON payload contracts, and the
// TTL/LRU caching policy shared across all of them.
package hostcall

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/kubewarden/policy-evaluator/internal/policy"
)

// Handler answers one host-call capability. It never traps the guest on an
// expected domain error: failures are returned as a Go error
// and the caller (burrego/procedural glue) is responsible for encoding them
// per-ABI (a JSON {"error": msg} object, or address/return-code 0).
type Handler func(ctx context.Context, namespace string, payload json.RawMessage) (json.RawMessage, error)

// entry bundles a handler with the cache policy that applies to it.
type entry struct {
	handler Handler
	cache   *TTLCache // nil means "never cached" (e.g. crypto/x509, time)
}

// Catalog is the append-only registry of capability handlers: the
// BuiltinRegistry and Host-Call Catalog are append-only during an
// evaluator's lifetime.
type Catalog struct {
	entries map[string]*entry
	log     logr.Logger
}

// NewCatalog returns an empty catalog; capability groups register
// themselves into it via Register.
func NewCatalog(log logr.Logger) *Catalog {
	return &Catalog{entries: make(map[string]*entry), log: log}
}

// Register adds a capability. cache may be nil for handlers whose result
// must never be cached (time.now_ns, crypto verification of guest-supplied
// data).
func (c *Catalog) Register(capability string, h Handler, cache *TTLCache) {
	c.entries[capability] = &entry{handler: h, cache: cache}
}

// RegisteredCapabilities lists every capability id known to the catalog,
// used by the evaluator to expose each one to Rego policies as a builtin.
func (c *Catalog) RegisteredCapabilities() []string {
	out := make([]string, 0, len(c.entries))
	for k := range c.entries {
		out = append(out, k)
	}
	return out
}

// Dispatch resolves and invokes capability, consulting the cache first
// when one is configured. A missing capability or a handler failure is
// reported as policy.ErrHostCall (wrapping the handler's own error) so
// callers can map it to the ABI's "undefined/failure" convention without
// panicking the guest.
func (c *Catalog) Dispatch(ctx context.Context, capability, namespace string, payload json.RawMessage) (json.RawMessage, error) {
	e, ok := c.entries[capability]
	if !ok {
		return nil, fmt.Errorf("%w: unknown capability %q", policy.ErrHostCall, capability)
	}

	if e.cache == nil {
		res, err := e.handler(ctx, namespace, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", policy.ErrHostCall, err)
		}
		return res, nil
	}

	key := CanonicalKey(capability, namespace, payload)
	if value, found, negative, errText := e.cache.Get(key); found {
		if negative {
			return nil, fmt.Errorf("%w: %s", policy.ErrHostCall, errText)
		}
		return value, nil
	}

	result, err, _ := e.cache.group.Do(key, func() (interface{}, error) {
		res, err := e.handler(ctx, namespace, payload)
		if err != nil {
			e.cache.PutNegative(key, err)
			return nil, err
		}
		e.cache.Put(key, res)
		return res, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", policy.ErrHostCall, err)
	}
	return result.(json.RawMessage), nil
}
