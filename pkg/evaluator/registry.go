package evaluator

import (
	"context"
	"fmt"
	"sync"

	"github.com/kubewarden/policy-evaluator/internal/burrego"
	"github.com/kubewarden/policy-evaluator/internal/policy"
	"github.com/kubewarden/policy-evaluator/internal/procedural"
	"github.com/kubewarden/policy-evaluator/internal/sandbox"
)

// PolicyConfig names the per-policy details that live outside the Wasm
// bytes themselves: which Rego entrypoints to call, or which allocator a
// procedural guest exports. These correspond to the "execution_mode",
// "entrypoint" and related configuration options.
type PolicyConfig struct {
	Flavor policy.Flavor

	// ValidateEntrypoint is the Rego entrypoint validate() invokes: the
	// rule name for Rego-raw, "violation" for Rego-Gatekeeper. Empty means
	// "the module's sole entrypoint", valid only when exactly one is
	// compiled in.
	ValidateEntrypoint string

	// SettingsEntrypoint is the Rego entrypoint ValidateSettings invokes.
	// Defaults to "settings" when empty. Ignored for procedural policies,
	// which always call the validate_settings export.
	SettingsEntrypoint string

	// Allocator is the procedural guest's exported allocator function.
	// Defaults to procedural.DefaultAllocator ("guest_alloc") when empty.
	// Ignored for Rego policies, which always allocate via opa_malloc.
	Allocator string
}

func (c PolicyConfig) settingsEntrypoint() string {
	if c.SettingsEntrypoint == "" {
		return "settings"
	}
	return c.SettingsEntrypoint
}

func (c PolicyConfig) allocator() string {
	if c.Allocator == "" {
		return procedural.DefaultAllocator
	}
	return c.Allocator
}

type policyEntry struct {
	module *sandbox.Module
	config PolicyConfig
}

// Registry is the immutable, read-only-after-construction PolicyModule
// registry: a set of compiled modules keyed by the policy name callers use
// in Evaluate. Construction (fetching Wasm bytes, verifying signatures,
// resolving a policy reference to bytes) is an external collaborator's job;
// Registry only compiles and holds the result.
type Registry struct {
	eng *sandbox.Engine

	mu      sync.RWMutex
	entries map[string]*policyEntry
}

// NewRegistry returns an empty registry bound to eng. Populate it with Add
// before handing it to an Evaluator.
func NewRegistry(eng *sandbox.Engine) *Registry {
	return &Registry{eng: eng, entries: make(map[string]*policyEntry)}
}

// Add compiles wasmBytes under name according to cfg.Flavor, gated by the
// flavor's required host import module and exported symbol set. A second
// Add under the same name replaces the earlier entry; callers are
// responsible for closing the module they're replacing if they still hold
// a reference to it.
func (r *Registry) Add(ctx context.Context, name string, wasmBytes []byte, cfg PolicyConfig) error {
	var requiredImportModule string
	var requiredImportFuncs []string
	var requiredExports []string
	switch cfg.Flavor {
	case policy.FlavorProcedural:
		requiredImportModule = procedural.HostImportModule
		requiredImportFuncs = procedural.RequiredImportFuncs
		requiredExports = procedural.RequiredExports
	case policy.FlavorRegoOPA, policy.FlavorRegoGatekeeper:
		requiredImportModule = burrego.HostImportModule
		requiredImportFuncs = burrego.RequiredImportFuncs
		requiredExports = burrego.RequiredExports
	default:
		return fmt.Errorf("%w: unknown flavor %v for policy %q", policy.ErrValidation, cfg.Flavor, name)
	}

	mod, err := r.eng.Compile(ctx, wasmBytes, cfg.Flavor, requiredImportModule, requiredImportFuncs, requiredExports)
	if err != nil {
		return fmt.Errorf("registering policy %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = &policyEntry{module: mod, config: cfg}
	return nil
}

// lookup resolves name to its compiled Module and PolicyConfig.
func (r *Registry) lookup(name string) (*policyEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: no policy registered under %q", policy.ErrValidation, name)
	}
	return e, nil
}

// Names lists every policy name currently registered, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	return out
}

// Close releases every compiled module. Callers must ensure no PolicyInstance
// derived from them is still in use.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for name, e := range r.entries {
		if err := e.module.Close(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing policy %q: %w", name, err)
		}
	}
	r.entries = make(map[string]*policyEntry)
	return firstErr
}
