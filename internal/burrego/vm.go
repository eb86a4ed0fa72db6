package burrego

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kubewarden/policy-evaluator/internal/callback"
	"github.com/kubewarden/policy-evaluator/internal/policy"
	"github.com/kubewarden/policy-evaluator/internal/sandbox"
)

// deadlineFrom derives the wall-clock bound the sandbox Instance enforces
// from ctx's own deadline, falling back to a conservative default when
// none is set (callers are expected to set one; evaluate()'s default
// timeout_ms is 2000).
func deadlineFrom(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining > 0 {
			return remaining
		}
	}
	return 2 * time.Second
}

// VM drives one instantiated OPA-compiled Wasm module through repeated
// opa_eval calls, reusing the same eval context data across calls within
// one instance's lifetime the way a long-lived policy server does.
//
// flavor records which Rego shape (FlavorRegoOPA or FlavorRegoGatekeeper)
// the module was registered as. VM itself drives both the same way: it
// stages whatever input it is given and returns the raw result set. Building
// the Gatekeeper {"review", "parameters"} input and interpreting the
// violation results are done by the caller (pkg/evaluator).
type VM struct {
	inst   *sandbox.Instance
	abi    *abi
	disp   *dispatcher
	flavor policy.Flavor

	entrypoints map[string]int32
	dataAddr    int32
}

// New instantiates wasm inside eng under limits, wiring its opa_builtin*
// host imports to registry (falling back to callback channel ch for
// capability-backed builtins), and resolves the OPA Wasm ABI.
func New(
	ctx context.Context,
	eng *sandbox.Engine,
	mod *sandbox.Module,
	limits policy.Limits,
	registry *Registry,
	ch *callback.Channel,
	data json.RawMessage,
) (*VM, error) {
	disp := newDispatcher(registry, ch)
	ctx = withDispatcher(ctx, disp)

	inst, err := eng.Instantiate(ctx, mod, limits, "opa_malloc", HostImportModule, buildHostModule)
	if err != nil {
		return nil, err
	}

	a, err := bindABI(inst)
	if err != nil {
		_ = inst.Close(ctx)
		return nil, err
	}
	if err := disp.bindAfterInstantiate(ctx, a); err != nil {
		_ = inst.Close(ctx)
		return nil, err
	}
	disp.inst = inst

	entrypoints, err := a.readEntrypoints(ctx)
	if err != nil {
		_ = inst.Close(ctx)
		return nil, err
	}

	vm := &VM{
		inst:        inst,
		abi:         a,
		disp:        disp,
		flavor:      mod.Flavor,
		entrypoints: entrypoints,
	}

	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if vm.dataAddr, err = a.stageJSON(ctx, data); err != nil {
		_ = inst.Close(ctx)
		return nil, err
	}

	return vm, nil
}

// Close tears down the underlying sandbox instance.
func (vm *VM) Close(ctx context.Context) error {
	return vm.inst.Close(ctx)
}

// WireCapability exposes a Host-Call Catalog capability (e.g.
// "kubernetes/list_resources_by_namespace") to Rego policies as the
// builtin named builtinName, scoped to namespace. Must be called before
// Eval; typically once per VM right after New, using the request's own
// namespace.
func (vm *VM) WireCapability(builtinName, capability, namespace string) {
	vm.disp.wireCapability(builtinName, capability, namespace)
}

// EntrypointID resolves name to the guest's internal entrypoint id. The
// empty name resolves to the module's sole entrypoint when exactly one is
// exported, matching how single-rule policies are normally compiled.
func (vm *VM) EntrypointID(name string) (int32, error) {
	if name == "" {
		if len(vm.entrypoints) != 1 {
			return 0, fmt.Errorf("%w: no entrypoint named and module exports %d entrypoints", policy.ErrValidation, len(vm.entrypoints))
		}
		for _, id := range vm.entrypoints {
			return id, nil
		}
	}
	id, ok := vm.entrypoints[name]
	if !ok {
		return 0, fmt.Errorf("%w: unknown entrypoint %q", policy.ErrValidation, name)
	}
	return id, nil
}

// Eval runs one evaluation of entrypoint against input, returning the raw
// JSON result value OPA produced (an array of {result: ...} objects, per
// the opa_eval_ctx_get_result convention).
func (vm *VM) Eval(ctx context.Context, entrypoint int32, input json.RawMessage) (json.RawMessage, error) {
	ctx = withDispatcher(ctx, vm.disp)
	vm.disp.trap = nil

	inputAddr, err := vm.abi.stageJSON(ctx, input)
	if err != nil {
		return nil, err
	}

	ctxResults, err := vm.abi.evalCtxNew.Call(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: opa_eval_ctx_new: %w", policy.ErrGuestTrap, err)
	}
	evalCtx := ctxResults[0]

	if _, err := vm.abi.evalCtxSetInput.Call(ctx, evalCtx, uint64(inputAddr)); err != nil {
		return nil, fmt.Errorf("%w: opa_eval_ctx_set_input: %w", policy.ErrGuestTrap, err)
	}
	if _, err := vm.abi.evalCtxSetData.Call(ctx, evalCtx, uint64(vm.dataAddr)); err != nil {
		return nil, fmt.Errorf("%w: opa_eval_ctx_set_data: %w", policy.ErrGuestTrap, err)
	}
	if _, err := vm.abi.evalCtxSetEntry.Call(ctx, evalCtx, uint64(entrypoint)); err != nil {
		return nil, fmt.Errorf("%w: opa_eval_ctx_set_entrypoint: %w", policy.ErrGuestTrap, err)
	}

	if _, err := vm.inst.Call(ctx, "opa_eval", deadlineFrom(ctx), evalCtx); err != nil {
		return nil, err
	}
	if vm.disp.trap != nil {
		return nil, vm.disp.trap
	}

	resultResults, err := vm.abi.evalCtxGetResult.Call(ctx, evalCtx)
	if err != nil {
		return nil, fmt.Errorf("%w: opa_eval_ctx_get_result: %w", policy.ErrGuestTrap, err)
	}

	return vm.abi.dumpJSON(ctx, int32(resultResults[0]))
}
