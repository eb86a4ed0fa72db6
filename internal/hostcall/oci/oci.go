// Package oci implements the "OCI" capability group:
// get_oci_manifest, get_oci_manifest_digest, get_oci_manifest_config.
// The registry-pulling client itself is an out-of-scope "OCI-pull /
// image-signature verifier" collaborator; this package only defines the
// interface, the JSON shapes (using the real OCI image-spec and go-digest
// types), and registers a 60s-default cache.
package oci

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	digest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/kubewarden/policy-evaluator/internal/hostcall"
)

// Client is the out-of-scope collaborator: something that can resolve an
// OCI reference to a manifest.
type Client interface {
	GetManifest(ctx context.Context, imageRef string) (ocispec.Manifest, digest.Digest, error)
}

type manifestRequest struct {
	Image string `json:"image"`
}

type manifestResponse struct {
	Manifest ocispec.Manifest `json:"manifest"`
	Digest   string           `json:"digest"`
}

type digestResponse struct {
	Digest string `json:"digest"`
}

type configResponse struct {
	Config ocispec.Descriptor `json:"config"`
}

// Register wires the three OCI capabilities into catalog sharing one
// cache keyed by image reference, with the configured TTL (default 60s when
// ttl <= 0) and bound (default 1000 entries when maxEntries <= 0).
func Register(catalog *hostcall.Catalog, client Client, ttl time.Duration, maxEntries int) {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	cache := hostcall.NewTTLCache(maxEntries, ttl, ttl/4)

	resolve := func(ctx context.Context, payload json.RawMessage) (ocispec.Manifest, digest.Digest, error) {
		var req manifestRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return ocispec.Manifest{}, "", fmt.Errorf("decoding OCI manifest request: %w", err)
		}
		return client.GetManifest(ctx, req.Image)
	}

	catalog.Register("oci/get_oci_manifest", func(ctx context.Context, _ string, payload json.RawMessage) (json.RawMessage, error) {
		manifest, dgst, err := resolve(ctx, payload)
		if err != nil {
			return nil, err
		}
		return json.Marshal(manifestResponse{Manifest: manifest, Digest: dgst.String()})
	}, cache)

	catalog.Register("oci/get_oci_manifest_digest", func(ctx context.Context, _ string, payload json.RawMessage) (json.RawMessage, error) {
		_, dgst, err := resolve(ctx, payload)
		if err != nil {
			return nil, err
		}
		return json.Marshal(digestResponse{Digest: dgst.String()})
	}, cache)

	catalog.Register("oci/get_oci_manifest_config", func(ctx context.Context, _ string, payload json.RawMessage) (json.RawMessage, error) {
		manifest, _, err := resolve(ctx, payload)
		if err != nil {
			return nil, err
		}
		return json.Marshal(configResponse{Config: manifest.Config})
	}, cache)
}
