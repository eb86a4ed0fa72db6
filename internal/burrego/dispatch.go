package burrego

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kubewarden/policy-evaluator/internal/callback"
	"github.com/kubewarden/policy-evaluator/internal/policy"
	"github.com/kubewarden/policy-evaluator/internal/sandbox"
)

// dispatcher is the host side of the opa_builtin0..4 convention: the guest
// passes a builtin id plus up to four argument addresses, and expects back
// the address of a Rego value (or 0 for undefined). It bridges that
// convention onto a Registry of plain-JSON BuiltinFunc handlers, decoding
// arguments with the same abi that staged them.
type dispatcher struct {
	inst *sandbox.Instance
	abi  *abi

	registry *Registry
	channel  *callback.Channel

	// idToName is the guest's own builtin id->name table, read once at
	// bind time; byID is re-derived from it every time the Registry
	// gains a new handler (wireCapability runs after bindAfterInstantiate,
	// so a one-shot resolve at bind time would miss it).
	idToName map[int32]string
	byID     map[int32]BuiltinFunc

	// trap carries the first builtin failure seen during one opa_eval
	// call so Eval can surface it as an error after the guest returns
	// (the guest itself only sees "undefined").
	trap error
}

func newDispatcher(registry *Registry, ch *callback.Channel) *dispatcher {
	return &dispatcher{registry: registry, channel: ch}
}

// dispatcherKey correlates one opa_eval (or guest-instantiation) call with
// the VM's own dispatcher. buildHostModule's host functions are bound once
// per sandbox.Engine and shared by every VM it ever instantiates, so they
// cannot close over a specific dispatcher; VM.New and VM.Eval instead wrap
// the context passed to guest calls with withDispatcher, and the host
// functions recover it with dispatcherFrom.
type dispatcherKey struct{}

func withDispatcher(ctx context.Context, d *dispatcher) context.Context {
	return context.WithValue(ctx, dispatcherKey{}, d)
}

func dispatcherFrom(ctx context.Context) *dispatcher {
	d, _ := ctx.Value(dispatcherKey{}).(*dispatcher)
	return d
}

// hostOpaAbort and hostOpaPrintln are the functions actually registered as
// the "env" module's opa_abort/opa_println exports; they resolve the
// calling VM's dispatcher per call instead of being bound to one.
func hostOpaAbort(ctx context.Context, ptr uint32) {
	if d := dispatcherFrom(ctx); d != nil {
		d.opaAbort(ctx, ptr)
	}
}

func hostOpaPrintln(ctx context.Context, ptr uint32) {
	if d := dispatcherFrom(ctx); d != nil {
		d.opaPrintln(ctx, ptr)
	}
}

func hostBuiltin0(ctx context.Context, builtinID, opaCtx int32) int32 {
	d := dispatcherFrom(ctx)
	if d == nil {
		return 0
	}
	return d.C0(ctx, builtinID, opaCtx)
}

func hostBuiltin1(ctx context.Context, builtinID, opaCtx, a1 int32) int32 {
	d := dispatcherFrom(ctx)
	if d == nil {
		return 0
	}
	return d.C1(ctx, builtinID, opaCtx, a1)
}

func hostBuiltin2(ctx context.Context, builtinID, opaCtx, a1, a2 int32) int32 {
	d := dispatcherFrom(ctx)
	if d == nil {
		return 0
	}
	return d.C2(ctx, builtinID, opaCtx, a1, a2)
}

func hostBuiltin3(ctx context.Context, builtinID, opaCtx, a1, a2, a3 int32) int32 {
	d := dispatcherFrom(ctx)
	if d == nil {
		return 0
	}
	return d.C3(ctx, builtinID, opaCtx, a1, a2, a3)
}

func hostBuiltin4(ctx context.Context, builtinID, opaCtx, a1, a2, a3, a4 int32) int32 {
	d := dispatcherFrom(ctx)
	if d == nil {
		return 0
	}
	return d.C4(ctx, builtinID, opaCtx, a1, a2, a3, a4)
}

// wireCapability registers builtinName as a Rego builtin that proxies to a
// Host-Call Catalog capability through d.channel, using namespace as the
// call's namespace scope. This is how Rego policies reach the same
// kubernetes/oci/sigstore capabilities procedural policies call directly.
// Safe to call any time after New, including after bindAfterInstantiate.
func (d *dispatcher) wireCapability(builtinName, capability, namespace string) {
	d.registry.Register(builtinName, callbackBuiltin(d.channel, capability, namespace))
	if d.idToName != nil {
		d.byID = d.registry.resolve(d.idToName)
	}
}

// bindAfterInstantiate finishes wiring the dispatcher once the guest
// module is instantiated and its ABI resolved: it reads builtins() and
// resolves the id->handler table against the Registry.
func (d *dispatcher) bindAfterInstantiate(ctx context.Context, a *abi) error {
	d.abi = a
	idToName, err := a.readBuiltins(ctx)
	if err != nil {
		return err
	}
	d.idToName = idToName
	d.byID = d.registry.resolve(idToName)
	return nil
}

func (d *dispatcher) opaAbort(ctx context.Context, ptr uint32) {
	msg, err := d.inst.ReadCString(ptr)
	if err != nil {
		msg = []byte("<unreadable opa_abort message>")
	}
	if d.trap == nil {
		d.trap = fmt.Errorf("%w: policy aborted evaluation: %s", policy.ErrGuestTrap, msg)
	}
}

func (d *dispatcher) opaPrintln(ctx context.Context, ptr uint32) {
	// Discarded by default: a guest's internal opa.println output is not
	// part of the evaluator's public log surface. Wired up as a no-op
	// rather than deleted so a future logr.Logger hook has a home.
	_, _ = d.inst.ReadCString(ptr)
}

// decodeValue reads the Rego value at addr (dumped through opa_json_dump)
// as a json.RawMessage argument for a BuiltinFunc.
func (d *dispatcher) decodeValue(ctx context.Context, addr int32) (json.RawMessage, error) {
	if addr == 0 {
		return json.RawMessage("null"), nil
	}
	return d.abi.dumpJSON(ctx, addr)
}

// call is the shared body of opa_builtin0..4: decode the operand
// addresses, look up the handler, invoke it, stage the result back into
// guest memory, and return its address (0 means undefined).
func (d *dispatcher) call(ctx context.Context, builtinID int32, operands ...int32) int32 {
	fn, ok := d.byID[builtinID]
	if !ok {
		return 0
	}

	if !d.inst.ChargeFuel(1) {
		d.recordTrap(fmt.Errorf("%w: fuel exhausted calling builtin %d", policy.ErrTimeout, builtinID))
		return 0
	}

	args := make([]json.RawMessage, 0, len(operands))
	for _, addr := range operands {
		v, err := d.decodeValue(ctx, addr)
		if err != nil {
			d.recordTrap(err)
			return 0
		}
		args = append(args, v)
	}

	result, err := fn(ctx, args)
	if err != nil {
		d.recordTrap(fmt.Errorf("%w: builtin %d: %w", policy.ErrHostCall, builtinID, err))
		return 0
	}
	if result == nil {
		return 0
	}

	addr, err := d.abi.stageJSON(ctx, result)
	if err != nil {
		d.recordTrap(err)
		return 0
	}
	return addr
}

func (d *dispatcher) recordTrap(err error) {
	if d.trap == nil {
		d.trap = err
	}
}

func (d *dispatcher) C0(ctx context.Context, builtinID, opaCtx int32) int32 {
	return d.call(ctx, builtinID)
}

func (d *dispatcher) C1(ctx context.Context, builtinID, opaCtx, a1 int32) int32 {
	return d.call(ctx, builtinID, a1)
}

func (d *dispatcher) C2(ctx context.Context, builtinID, opaCtx, a1, a2 int32) int32 {
	return d.call(ctx, builtinID, a1, a2)
}

func (d *dispatcher) C3(ctx context.Context, builtinID, opaCtx, a1, a2, a3 int32) int32 {
	return d.call(ctx, builtinID, a1, a2, a3)
}

func (d *dispatcher) C4(ctx context.Context, builtinID, opaCtx, a1, a2, a3, a4 int32) int32 {
	return d.call(ctx, builtinID, a1, a2, a3, a4)
}

// callbackBuiltin adapts a capability registered in the Host-Call Catalog
// (e.g. "kubernetes/list_resources_by_namespace") into a BuiltinFunc, so
// Rego builtins that need cluster/OCI/sigstore data reuse the same
// cached, singleflighted dispatch path procedural policies use.
func callbackBuiltin(ch *callback.Channel, capability, namespace string) BuiltinFunc {
	return func(ctx context.Context, args []json.RawMessage) (json.RawMessage, error) {
		var payload json.RawMessage
		if len(args) > 0 {
			payload = args[0]
		} else {
			payload = json.RawMessage("null")
		}
		return ch.Call(ctx, capability, namespace, payload)
	}
}
