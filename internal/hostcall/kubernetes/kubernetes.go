// Package kubernetes implements the "Kubernetes" capability group:
// list_resources_by_namespace, list_resources_all, get_resource, can_i.
// The actual cluster API client is an out-of-scope external collaborator
// ("the Kubernetes API client used for cluster lookups"); this package only
// defines the interface it needs, the JSON request/response shapes, and the
// cache-key construction, following the client.Client-interface style of
// internal/pkg/policyserver/validation.go and
// k8s.io/apimachinery/pkg/runtime/schema.GroupVersionResource.
package kubernetes

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/kubewarden/policy-evaluator/internal/hostcall"
)

// ClusterClient is the out-of-scope collaborator interface: a
// cluster-reading client the Evaluator's caller supplies. Only read
// operations are exposed, matching what a policy is allowed to do.
type ClusterClient interface {
	ListResourcesByNamespace(ctx context.Context, gvr schema.GroupVersionResource, namespace string, labelSelector, fieldSelector string) (json.RawMessage, error)
	ListResourcesAll(ctx context.Context, gvr schema.GroupVersionResource, labelSelector, fieldSelector string) (json.RawMessage, error)
	GetResource(ctx context.Context, gvr schema.GroupVersionResource, namespace, name string) (json.RawMessage, error)
	CanI(ctx context.Context, verb string, gvr schema.GroupVersionResource, namespace, name string) (bool, error)
}

// listRequest is the JSON payload shape for list_resources_by_namespace and
// list_resources_all.
type listRequest struct {
	APIVersion    string `json:"apiVersion"`
	Kind          string `json:"kind"`
	Resource      string `json:"resource"`
	Namespace     string `json:"namespace,omitempty"`
	LabelSelector string `json:"labelSelector,omitempty"`
	FieldSelector string `json:"fieldSelector,omitempty"`
}

type getRequest struct {
	APIVersion string `json:"apiVersion"`
	Kind       string `json:"kind"`
	Resource   string `json:"resource"`
	Namespace  string `json:"namespace,omitempty"`
	Name       string `json:"name"`
}

type canIRequest struct {
	APIVersion string `json:"apiVersion"`
	Kind       string `json:"kind"`
	Resource   string `json:"resource"`
	Namespace  string `json:"namespace,omitempty"`
	Name       string `json:"name,omitempty"`
	Verb       string `json:"verb"`
}

type canIResponse struct {
	Allowed bool `json:"allowed"`
}

func gvrOf(apiVersion, kind, resource string) schema.GroupVersionResource {
	gv, _ := schemaParseGroupVersion(apiVersion)
	return schema.GroupVersionResource{Group: gv.Group, Version: gv.Version, Resource: resource}
}

// schemaParseGroupVersion wraps schema.ParseGroupVersion, swallowing the
// error: a malformed apiVersion simply yields an empty group/version, which
// the ClusterClient will then legitimately fail to resolve — that failure
// surfaces through the normal host-call error path rather than a second
// error type here.
func schemaParseGroupVersion(apiVersion string) (schema.GroupVersion, error) {
	return schema.ParseGroupVersion(apiVersion)
}

// Register wires the four Kubernetes capabilities into catalog, all sharing
// one cache keyed by (verb, gvk, namespace, name, selectors) by the chosen
// table, with the configured TTL (default 5s when ttl <= 0) and bound
// (default 1000 entries when maxEntries <= 0).
func Register(catalog *hostcall.Catalog, client ClusterClient, ttl time.Duration, maxEntries int) {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	cache := hostcall.NewTTLCache(maxEntries, ttl, ttl/2)

	catalog.Register("kubernetes/list_resources_by_namespace", func(ctx context.Context, namespace string, payload json.RawMessage) (json.RawMessage, error) {
		var req listRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decoding list_resources_by_namespace request: %w", err)
		}
		ns := req.Namespace
		if ns == "" {
			ns = namespace
		}
		return client.ListResourcesByNamespace(ctx, gvrOf(req.APIVersion, req.Kind, req.Resource), ns, req.LabelSelector, req.FieldSelector)
	}, cache)

	catalog.Register("kubernetes/list_resources_all", func(ctx context.Context, _ string, payload json.RawMessage) (json.RawMessage, error) {
		var req listRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decoding list_resources_all request: %w", err)
		}
		return client.ListResourcesAll(ctx, gvrOf(req.APIVersion, req.Kind, req.Resource), req.LabelSelector, req.FieldSelector)
	}, cache)

	catalog.Register("kubernetes/get_resource", func(ctx context.Context, namespace string, payload json.RawMessage) (json.RawMessage, error) {
		var req getRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decoding get_resource request: %w", err)
		}
		ns := req.Namespace
		if ns == "" {
			ns = namespace
		}
		return client.GetResource(ctx, gvrOf(req.APIVersion, req.Kind, req.Resource), ns, req.Name)
	}, cache)

	catalog.Register("kubernetes/can_i", func(ctx context.Context, namespace string, payload json.RawMessage) (json.RawMessage, error) {
		var req canIRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decoding can_i request: %w", err)
		}
		ns := req.Namespace
		if ns == "" {
			ns = namespace
		}
		allowed, err := client.CanI(ctx, req.Verb, gvrOf(req.APIVersion, req.Kind, req.Resource), ns, req.Name)
		if err != nil {
			return nil, err
		}
		return json.Marshal(canIResponse{Allowed: allowed})
	}, cache)
}
