// Package burrego is the Rego runtime: a small interpreter
// that drives OPA-compiled Wasm modules by binding their fixed ABI
// (opa_malloc, opa_json_parse/dump, opa_eval_ctx_*, entrypoints(),
// builtins()) and emulating the opa_builtin0..4 host-import convention
// those modules require.
//
// Grounded on OPA's own wazero-based Wasm SDK
// (other_examples/.../internal/wasm(-wazero)-sdk/internal/wazero/
// {module,VM}.go) for the ABI shape. Unlike that SDK, this package's
// BuiltinRegistry is plain encoding/json, not OPA's internal ast/topdown
// machinery — see DESIGN.md.
package burrego

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/kubewarden/policy-evaluator/internal/policy"
	"github.com/kubewarden/policy-evaluator/internal/sandbox"
)

// RequiredExports is the fixed set of guest exports an OPA-compiled Wasm
// module must provide; checked by sandbox.Engine.Compile's import/export
// gate.
var RequiredExports = []string{
	"opa_malloc",
	"opa_json_parse",
	"opa_json_dump",
	"opa_eval_ctx_new",
	"opa_eval_ctx_set_input",
	"opa_eval_ctx_set_data",
	"opa_eval_ctx_set_entrypoint",
	"opa_eval",
	"opa_eval_ctx_get_result",
	"entrypoints",
	"builtins",
}

// HostImportModule is the module name Rego guests import their host
// functions (opa_abort, opa_println, opa_builtin0..opa_builtin4) from.
const HostImportModule = "env"

// abi wraps the resolved guest exports used to drive one evaluation.
type abi struct {
	inst *sandbox.Instance

	malloc            api.Function
	jsonParse         api.Function
	jsonDump          api.Function
	evalCtxNew        api.Function
	evalCtxSetInput   api.Function
	evalCtxSetData    api.Function
	evalCtxSetEntry   api.Function
	eval              api.Function
	evalCtxGetResult  api.Function
	entrypointsFn     api.Function
	builtinsFn        api.Function
}

func bindABI(inst *sandbox.Instance) (*abi, error) {
	m := inst.Module()
	get := func(name string) (api.Function, error) {
		fn := m.ExportedFunction(name)
		if fn == nil {
			return nil, fmt.Errorf("%w: guest missing export %q", policy.ErrValidation, name)
		}
		return fn, nil
	}

	a := &abi{inst: inst}
	var err error
	for name, slot := range map[string]*api.Function{
		"opa_malloc":                  &a.malloc,
		"opa_json_parse":              &a.jsonParse,
		"opa_json_dump":               &a.jsonDump,
		"opa_eval_ctx_new":            &a.evalCtxNew,
		"opa_eval_ctx_set_input":      &a.evalCtxSetInput,
		"opa_eval_ctx_set_data":       &a.evalCtxSetData,
		"opa_eval_ctx_set_entrypoint": &a.evalCtxSetEntry,
		"opa_eval":                    &a.eval,
		"opa_eval_ctx_get_result":     &a.evalCtxGetResult,
		"entrypoints":                 &a.entrypointsFn,
		"builtins":                    &a.builtinsFn,
	} {
		*slot, err = get(name)
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

// stageJSON writes raw into guest memory, parses it into an in-guest Rego
// value via opa_json_parse, and returns its address.
func (a *abi) stageJSON(ctx context.Context, raw []byte) (int32, error) {
	ptr, err := a.inst.WriteMemory(ctx, raw)
	if err != nil {
		return 0, err
	}
	results, err := a.jsonParse.Call(ctx, uint64(ptr), uint64(len(raw)))
	if err != nil {
		return 0, fmt.Errorf("%w: opa_json_parse: %w", policy.ErrGuestTrap, err)
	}
	return int32(results[0]), nil
}

// dumpJSON reads the Rego value at addr back out as JSON bytes via
// opa_json_dump, which returns a NUL-terminated string pointer.
func (a *abi) dumpJSON(ctx context.Context, addr int32) (json.RawMessage, error) {
	results, err := a.jsonDump.Call(ctx, uint64(addr))
	if err != nil {
		return nil, fmt.Errorf("%w: opa_json_dump: %w", policy.ErrGuestTrap, err)
	}
	data, err := a.inst.ReadCString(uint32(results[0]))
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// readEntrypoints calls the guest's entrypoints() export and decodes its
// JSON map of name -> id.
func (a *abi) readEntrypoints(ctx context.Context) (map[string]int32, error) {
	results, err := a.entrypointsFn.Call(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: entrypoints(): %w", policy.ErrGuestTrap, err)
	}
	raw, err := a.dumpJSON(ctx, int32(results[0]))
	if err != nil {
		return nil, err
	}
	var m map[string]int32
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: decoding entrypoints(): %w", policy.ErrDecode, err)
	}
	return m, nil
}

// readBuiltins calls the guest's builtins() export and decodes its JSON
// map of name -> id, then inverts it to id -> name for dispatch.
func (a *abi) readBuiltins(ctx context.Context) (map[int32]string, error) {
	results, err := a.builtinsFn.Call(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: builtins(): %w", policy.ErrGuestTrap, err)
	}
	raw, err := a.dumpJSON(ctx, int32(results[0]))
	if err != nil {
		return nil, err
	}
	var nameToID map[string]int32
	if err := json.Unmarshal(raw, &nameToID); err != nil {
		return nil, fmt.Errorf("%w: decoding builtins(): %w", policy.ErrDecode, err)
	}
	idToName := make(map[int32]string, len(nameToID))
	for name, id := range nameToID {
		idToName[id] = name
	}
	return idToName, nil
}

// RequiredImportFuncs is the fixed set of "env" import functions a Rego
// guest is allowed to declare; checked by sandbox.Engine.Compile's
// import/export gate against the Host-Call Catalog surface this flavor
// exposes.
var RequiredImportFuncs = []string{
	"opa_abort",
	"opa_println",
	"opa_builtin0",
	"opa_builtin1",
	"opa_builtin2",
	"opa_builtin3",
	"opa_builtin4",
}

// buildHostModule installs the "env" host import module (opa_abort,
// opa_println, opa_builtin0..4) a Rego guest requires. It is built exactly
// once per sandbox.Engine (see Engine.ensureHostModule) and then shared by
// every VM that Engine ever instantiates, so its functions never close over
// a specific dispatcher; instead they resolve the calling VM's dispatcher
// from the context each guest call carries, via dispatcherFrom.
func buildHostModule(ctx context.Context, r wazero.Runtime) (api.Closer, error) {
	return r.NewHostModuleBuilder(HostImportModule).
		NewFunctionBuilder().WithFunc(hostOpaAbort).Export("opa_abort").
		NewFunctionBuilder().WithFunc(hostOpaPrintln).Export("opa_println").
		NewFunctionBuilder().WithFunc(hostBuiltin0).Export("opa_builtin0").
		NewFunctionBuilder().WithFunc(hostBuiltin1).Export("opa_builtin1").
		NewFunctionBuilder().WithFunc(hostBuiltin2).Export("opa_builtin2").
		NewFunctionBuilder().WithFunc(hostBuiltin3).Export("opa_builtin3").
		NewFunctionBuilder().WithFunc(hostBuiltin4).Export("opa_builtin4").
		Instantiate(ctx)
}
