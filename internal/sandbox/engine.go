// Package sandbox wraps the underlying Wasm engine: module compilation,
// instance spawning, linear-memory access and the call-with-deadline /
// call-with-fuel envelope every guest invocation runs inside.
//
// Grounded on github.com/tetratelabs/wazero, the same engine OPA's own Wasm
// SDK and the wapc-go wazero engine use (see DESIGN.md).
package sandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/kubewarden/policy-evaluator/internal/policy"
)

// HostModuleBuilder builds the flavor-specific host import module (the
// "env" module for Rego, the "wapc" module for procedural policies) against
// a runtime, returning the instantiated host module. Implemented by
// internal/burrego and internal/procedural; Engine treats it as opaque.
//
// A given import module name is only ever built once per Engine (see
// ensureHostModule): its exported functions must resolve any evaluation- or
// instance-specific state through the context each guest call carries,
// never through values captured at build time, since the same instantiated
// host module backs every PolicyInstance the Engine spawns afterwards.
type HostModuleBuilder func(ctx context.Context, r wazero.Runtime) (api.Closer, error)

// Engine owns one wazero.Runtime and the configuration every PolicyModule
// compiled through it shares.
type Engine struct {
	runtime          wazero.Runtime
	log              logr.Logger
	memoryLimitPages uint32

	hostModulesMu sync.Mutex
	hostModules   map[string]api.Closer
}

// Config mirrors the "Engine configuration" subset: SIMD is
// configurable, multi-memory and reference types stay off, epoch
// interruption and fuel metering are always logically on (see DESIGN.md on
// how fuel is re-anchored to a host-call budget rather than an engine-native
// unit).
type Config struct {
	EnableSIMD bool
	Log        logr.Logger

	// MemoryLimitPages caps every guest memory instantiated against this
	// Engine's runtime (64 KiB per page). Because the host import module
	// is shared across every PolicyInstance (see ensureHostModule), this
	// is necessarily an Engine-wide ceiling rather than a per-call one:
	// policy.Limits.MemoryPagesMax is validated against it per Instantiate
	// call instead. Zero defaults to policy.DefaultLimits().MemoryPagesMax.
	MemoryLimitPages uint32
}

// NewEngine builds a fresh wazero.Runtime. One Engine is normally shared by
// an entire worker pool; PolicyModules compiled against it may be
// instantiated repeatedly without recompiling.
func NewEngine(ctx context.Context, cfg Config) (*Engine, error) {
	features := api.CoreFeaturesV1
	if cfg.EnableSIMD {
		features = api.CoreFeaturesV2
	}

	memPages := cfg.MemoryLimitPages
	if memPages == 0 {
		memPages = policy.DefaultLimits().MemoryPagesMax
	}

	rc := wazero.NewRuntimeConfig().
		WithCoreFeatures(features).
		WithMemoryLimitPages(memPages).
		WithCloseOnContextDone(true) // lets ctx deadlines preempt a running guest, our epoch substitute

	r := wazero.NewRuntimeWithConfig(ctx, rc)

	log := cfg.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	return &Engine{
		runtime:          r,
		log:              log,
		memoryLimitPages: memPages,
		hostModules:      make(map[string]api.Closer),
	}, nil
}

// Runtime exposes the underlying wazero.Runtime so host-module builders can
// register imports against it.
func (e *Engine) Runtime() wazero.Runtime {
	return e.runtime
}

// ensureHostModule builds and instantiates the importModule host module
// exactly once per Engine, memoizing the result so later Instantiate calls
// for the same flavor reuse it instead of trying to register a second
// module under the same fixed import name into the same runtime (which
// wazero rejects). Concurrent first callers race on hostModulesMu; only one
// actually builds.
func (e *Engine) ensureHostModule(ctx context.Context, importModule string, build HostModuleBuilder) error {
	e.hostModulesMu.Lock()
	defer e.hostModulesMu.Unlock()

	if _, ok := e.hostModules[importModule]; ok {
		return nil
	}
	closer, err := build(ctx, e.runtime)
	if err != nil {
		return fmt.Errorf("%w: installing host imports for %q: %w", policy.ErrValidation, importModule, err)
	}
	e.hostModules[importModule] = closer
	return nil
}

// Close tears down every host import module and guest module instantiated
// against this engine.
func (e *Engine) Close(ctx context.Context) error {
	e.hostModulesMu.Lock()
	for name, closer := range e.hostModules {
		_ = closer.Close(ctx)
		delete(e.hostModules, name)
	}
	e.hostModulesMu.Unlock()
	return e.runtime.Close(ctx)
}

// Compile validates and compiles raw Wasm bytes into a PolicyModule,
// rejecting modules whose imports are not drawn from requiredImportModule /
// requiredImportFuncs (the flavor's fixed Host-Call Catalog surface) and
// whose exports do not cover requiredExports. This implements the
// import/export gate.
func (e *Engine) Compile(ctx context.Context, wasmBytes []byte, flavor policy.Flavor, requiredImportModule string, requiredImportFuncs, requiredExports []string) (*Module, error) {
	compiled, err := e.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: compile failed: %w", policy.ErrValidation, err)
	}

	allowedFuncs := make(map[string]struct{}, len(requiredImportFuncs))
	for _, name := range requiredImportFuncs {
		allowedFuncs[name] = struct{}{}
	}

	for _, imp := range compiled.ImportedFunctions() {
		modName, funcName, _ := imp.Import()
		if modName != requiredImportModule {
			_ = compiled.Close(ctx)
			return nil, fmt.Errorf("%w: unexpected import module %q (want %q)", policy.ErrValidation, modName, requiredImportModule)
		}
		if _, ok := allowedFuncs[funcName]; !ok {
			_ = compiled.Close(ctx)
			return nil, fmt.Errorf("%w: unexpected import %s.%s is not part of the Host-Call Catalog surface for this flavor", policy.ErrValidation, modName, funcName)
		}
	}

	exported := compiled.ExportedFunctions()
	for _, name := range requiredExports {
		if _, ok := exported[name]; !ok {
			_ = compiled.Close(ctx)
			return nil, fmt.Errorf("%w: missing required export %q", policy.ErrValidation, name)
		}
	}

	return &Module{
		compiled: compiled,
		wasm:     wasmBytes,
		Flavor:   flavor,
	}, nil
}
