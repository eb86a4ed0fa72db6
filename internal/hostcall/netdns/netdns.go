// Package netdns implements the Net/DNS capability group:
// lookup_host, delegated to a resolver and honoring the call's remaining
// deadline.
package netdns

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/kubewarden/policy-evaluator/internal/hostcall"
)

// Resolver abstracts net.Resolver so tests can substitute a fake.
type Resolver interface {
	LookupHost(ctx context.Context, host string) (addrs []string, err error)
}

type lookupRequest struct {
	Host string `json:"host"`
}

type lookupResponse struct {
	Addresses []string `json:"addresses"`
}

// Register wires lookup_host into catalog. cache may be nil to disable
// caching entirely; callers normally pass a *hostcall.TTLCache shared with
// no other capability, since DNS results have their own volatility profile.
func Register(catalog *hostcall.Catalog, resolver Resolver, cache *hostcall.TTLCache) {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	catalog.Register("net/dns_lookup_host", func(ctx context.Context, _ string, payload json.RawMessage) (json.RawMessage, error) {
		var req lookupRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decoding dns_lookup_host request: %w", err)
		}
		addrs, err := resolver.LookupHost(ctx, req.Host)
		if err != nil {
			return nil, fmt.Errorf("dns lookup of %q: %w", req.Host, err)
		}
		return json.Marshal(lookupResponse{Addresses: addrs})
	}, cache)
}
