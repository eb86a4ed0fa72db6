package burrego

import (
	"context"
	"encoding/json"
)

// BuiltinFunc answers one OPA builtin by name, given its already-JSON-
// decoded arguments. Returning (nil, nil) means "undefined" (OPA's
// non-strict-eval convention); an error is a hard failure the caller
// surfaces as policy.ErrHostCall.
type BuiltinFunc func(ctx context.Context, args []json.RawMessage) (json.RawMessage, error)

// Registry is the immutable-after-construction BuiltinRegistry:
// a mapping from OPA builtin name (e.g. "time.now_ns",
// "kubernetes.list_resources_by_namespace") to its handler.
type Registry struct {
	byName map[string]BuiltinFunc
}

// NewRegistry returns an empty Registry. Builtins are added with Register
// before the Registry is handed to a VM; it becomes logically append-only
// once evaluation starts.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]BuiltinFunc)}
}

func (r *Registry) Register(name string, fn BuiltinFunc) {
	r.byName[name] = fn
}

func (r *Registry) Lookup(name string) (BuiltinFunc, bool) {
	fn, ok := r.byName[name]
	return fn, ok
}

// resolve maps the policy's own id->name table (read from the guest's
// builtins() export) onto this Registry, producing the id->handler table
// dispatch.go actually calls. An id with no matching name, or a name with
// no registered handler, is recorded as "undefined" rather than an error —
// OPA Wasm modules are built to cope with an undefined builtin by treating
// the call's result as undefined, not by aborting.
func (r *Registry) resolve(idToName map[int32]string) map[int32]BuiltinFunc {
	out := make(map[int32]BuiltinFunc, len(idToName))
	for id, name := range idToName {
		if fn, ok := r.byName[name]; ok {
			out[id] = fn
		}
	}
	return out
}

// Undefined is returned by a BuiltinFunc that intentionally has nothing to
// say for this input (as opposed to failing).
func Undefined() (json.RawMessage, error) {
	return nil, nil
}

