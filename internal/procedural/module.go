// Package procedural drives non-Rego ("Kubewarden-procedural") policies
// through their minimal, message-oriented ABI: validate(ptr,len) -> u64,
// validate_settings(ptr,len) -> u64, protocol_version() -> u8, plus the
// waPC-shaped host-import surface (wapc.__host_call and friends) those
// guests use to reach the Host-Call Catalog.
//
// Grounded on the wapc-go wazero engine
// (other_examples/.../wapc-go__engines-wazero-wazero.go) for the exact
// host-import set and its invoke-context correlation pattern. Unlike
// wapc-go's single generic __guest_call operation, this ABI calls validate/
// validate_settings/protocol_version directly as named wazero exports —
// the wapc.* *host* import surface is kept byte-identical since that half
// is what guests are actually compiled against.
package procedural

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/kubewarden/policy-evaluator/internal/policy"
	"github.com/kubewarden/policy-evaluator/internal/sandbox"
)

// HostImportModule is the import namespace procedural guests pull their
// host functions from.
const HostImportModule = "wapc"

// RequiredExports is the fixed guest export surface the sandbox's
// import/export gate checks for.
var RequiredExports = []string{
	"validate",
	"validate_settings",
	"protocol_version",
}

type abi struct {
	inst *sandbox.Instance

	validate         api.Function
	validateSettings api.Function
	protocolVersion  api.Function
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
	if a.validate, err = get("validate"); err != nil {
		return nil, err
	}
	if a.validateSettings, err = get("validate_settings"); err != nil {
		return nil, err
	}
	if a.protocolVersion, err = get("protocol_version"); err != nil {
		return nil, err
	}
	return a, nil
}

// RequiredImportFuncs is the fixed set of "wapc" import functions a
// procedural guest is allowed to declare; checked by
// sandbox.Engine.Compile's import/export gate against the Host-Call
// Catalog surface this flavor exposes.
var RequiredImportFuncs = []string{
	"__host_call",
	"__console_log",
	"__guest_request",
	"__host_response",
	"__host_response_len",
	"__guest_response",
	"__guest_error",
	"__host_error",
	"__host_error_len",
}

// buildHostModule installs the "wapc" host import module against r. It is
// built exactly once per sandbox.Engine (see Engine.ensureHostModule) and
// shared by every Runtime that Engine ever instantiates, so its functions
// never close over one dispatcher; instead they resolve the calling
// Runtime's dispatcher from the context each guest call carries, via
// dispatcherFrom.
func buildHostModule(ctx context.Context, r wazero.Runtime) (api.Closer, error) {
	const i32 = api.ValueTypeI32
	return r.NewHostModuleBuilder(HostImportModule).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(hostCall), []api.ValueType{i32, i32, i32, i32, i32, i32, i32, i32}, []api.ValueType{i32}).
		WithParameterNames("binding_ptr", "binding_len", "namespace_ptr", "namespace_len", "operation_ptr", "operation_len", "payload_ptr", "payload_len").
		Export("__host_call").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(consoleLog), []api.ValueType{i32, i32}, []api.ValueType{}).
		Export("__console_log").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(guestRequest), []api.ValueType{i32, i32}, []api.ValueType{}).
		Export("__guest_request").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(hostResponse), []api.ValueType{i32}, []api.ValueType{}).
		Export("__host_response").
		NewFunctionBuilder().
		WithGoFunction(api.GoFunc(hostResponseLen), []api.ValueType{}, []api.ValueType{i32}).
		Export("__host_response_len").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(guestResponse), []api.ValueType{i32, i32}, []api.ValueType{}).
		Export("__guest_response").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(guestError), []api.ValueType{i32, i32}, []api.ValueType{}).
		Export("__guest_error").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(hostError), []api.ValueType{i32}, []api.ValueType{}).
		Export("__host_error").
		NewFunctionBuilder().
		WithGoFunction(api.GoFunc(hostErrorLen), []api.ValueType{}, []api.ValueType{i32}).
		Export("__host_error_len").
		Instantiate(ctx)
}
