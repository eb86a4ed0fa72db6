package procedural

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kubewarden/policy-evaluator/internal/callback"
	"github.com/kubewarden/policy-evaluator/internal/policy"
	"github.com/kubewarden/policy-evaluator/internal/sandbox"
)

// Runtime drives one instantiated procedural Wasm module through repeated
// validate/validate_settings calls.
type Runtime struct {
	inst *sandbox.Instance
	abi  *abi
	disp *dispatcher
}

// DefaultAllocator is the exported allocator function name Kubewarden-
// procedural guests conventionally provide.
const DefaultAllocator = "guest_alloc"

// MinSupportedProtocolVersion and MaxSupportedProtocolVersion bound the
// protocol_version() values New accepts; anything outside this range fails
// module registration rather than evaluation, per the gate at policy load
// time.
const (
	MinSupportedProtocolVersion = 1
	MaxSupportedProtocolVersion = 1
)

// New instantiates wasm inside eng under limits, wiring its wapc.__host_call
// import to ch, resolves the ABI, and gates on protocol_version().
func New(
	ctx context.Context,
	eng *sandbox.Engine,
	mod *sandbox.Module,
	limits policy.Limits,
	ch *callback.Channel,
	allocatorFn string,
) (*Runtime, error) {
	disp := newDispatcher(ch)
	ctx = withDispatcher(ctx, disp)

	inst, err := eng.Instantiate(ctx, mod, limits, allocatorFn, HostImportModule, buildHostModule)
	if err != nil {
		return nil, err
	}

	a, err := bindABI(inst)
	if err != nil {
		_ = inst.Close(ctx)
		return nil, err
	}
	disp.inst = inst

	rt := &Runtime{inst: inst, abi: a, disp: disp}

	version, err := rt.ProtocolVersion(ctx)
	if err != nil {
		_ = inst.Close(ctx)
		return nil, err
	}
	if version < MinSupportedProtocolVersion || version > MaxSupportedProtocolVersion {
		_ = inst.Close(ctx)
		return nil, fmt.Errorf("%w: unsupported protocol_version %d", policy.ErrValidation, version)
	}

	return rt, nil
}

// Close tears down the underlying sandbox instance.
func (rt *Runtime) Close(ctx context.Context) error {
	return rt.inst.Close(ctx)
}

// ProtocolVersion calls the guest's protocol_version() export.
func (rt *Runtime) ProtocolVersion(ctx context.Context) (uint8, error) {
	results, err := rt.abi.protocolVersion.Call(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: protocol_version: %w", policy.ErrGuestTrap, err)
	}
	return uint8(results[0]), nil
}

// call is the shared body of Validate/ValidateSettings: stage request into
// guest memory, invoke the named export (ptr,len) under the sandbox's
// deadline/fuel/poison envelope, and unpack its u64 return (high 32 bits =
// result ptr, low 32 bits = result len).
func (rt *Runtime) call(ctx context.Context, namespace, export string, request json.RawMessage) (json.RawMessage, error) {
	ctx = withDispatcher(ctx, rt.disp)

	ptr, err := rt.inst.WriteMemory(ctx, request)
	if err != nil {
		return nil, err
	}

	rt.disp.namespace = namespace
	ic := &invokeContext{guestReq: request}
	callCtx := withInvokeContext(ctx, ic)

	results, err := rt.inst.Call(callCtx, export, deadlineFrom(ctx), uint64(ptr), uint64(len(request)))
	if err != nil {
		return nil, err
	}
	if ic.guestErr != "" {
		return nil, fmt.Errorf("%w: %s", policy.ErrValidation, ic.guestErr)
	}

	packed := results[0]
	resultPtr := uint32(packed >> 32)
	resultLen := uint32(packed & 0xFFFFFFFF)
	if resultPtr == 0 && resultLen == 0 {
		return nil, fmt.Errorf("%w: guest returned an empty result", policy.ErrGuestTrap)
	}

	return rt.inst.ReadMemory(resultPtr, resultLen)
}

// Validate invokes the guest's validate(ptr,len) export with the admission
// request, returning the raw JSON ValidationResponse body.
func (rt *Runtime) Validate(ctx context.Context, namespace string, request json.RawMessage) (json.RawMessage, error) {
	return rt.call(ctx, namespace, "validate", request)
}

// ValidateSettings invokes the guest's validate_settings(ptr,len) export,
// returning the raw JSON {valid, message?} body.
func (rt *Runtime) ValidateSettings(ctx context.Context, namespace string, settings json.RawMessage) (json.RawMessage, error) {
	return rt.call(ctx, namespace, "validate_settings", settings)
}

// deadlineFrom derives the wall-clock bound the sandbox Instance enforces
// from ctx's own deadline, mirroring the Rego runtime's same-named helper.
func deadlineFrom(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining > 0 {
			return remaining
		}
	}
	return 2 * time.Second
}
