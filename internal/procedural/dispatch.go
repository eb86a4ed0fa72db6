package procedural

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/kubewarden/policy-evaluator/internal/callback"
	"github.com/kubewarden/policy-evaluator/internal/policy"
	"github.com/kubewarden/policy-evaluator/internal/sandbox"
)

var errFuelExhausted = fmt.Errorf("%w: fuel exhausted calling host import", policy.ErrTimeout)

// invokeContext correlates one validate/validate_settings call with the
// host-call state a guest-initiated wapc.__host_call populates, the same
// correlation wapc-go's invokeContext/fromInvokeContext pair implements.
type invokeContext struct {
	operation string
	guestReq  []byte

	guestResp []byte
	guestErr  string

	hostResp []byte
	hostErr  error
}

type invokeContextKey struct{}

func withInvokeContext(ctx context.Context, ic *invokeContext) context.Context {
	return context.WithValue(ctx, invokeContextKey{}, ic)
}

func fromInvokeContext(ctx context.Context) *invokeContext {
	ic, _ := ctx.Value(invokeContextKey{}).(*invokeContext)
	return ic
}

// dispatcher is the host side of the wapc.* import surface. namespace is
// bound once per evaluation call and threaded through to the Host-Call
// Catalog.
type dispatcher struct {
	inst      *sandbox.Instance
	channel   *callback.Channel
	namespace string
}

func newDispatcher(ch *callback.Channel) *dispatcher {
	return &dispatcher{channel: ch}
}

// dispatcherKey correlates one guest call with the Runtime's own dispatcher.
// buildHostModule's host functions are bound once per sandbox.Engine and
// shared by every Runtime it ever instantiates, so they cannot close over a
// specific dispatcher; Runtime.call instead wraps the context passed to the
// guest with withDispatcher, and the host functions recover it with
// dispatcherFrom.
type dispatcherKey struct{}

func withDispatcher(ctx context.Context, d *dispatcher) context.Context {
	return context.WithValue(ctx, dispatcherKey{}, d)
}

func dispatcherFrom(ctx context.Context) *dispatcher {
	d, _ := ctx.Value(dispatcherKey{}).(*dispatcher)
	return d
}

// hostCall, consoleLog and the __guest_*/__host_* accessors below are the
// functions actually registered against the "wapc" host module; each
// resolves the calling Runtime's dispatcher per call instead of being bound
// to one.
func hostCall(ctx context.Context, mod api.Module, stack []uint64) {
	if d := dispatcherFrom(ctx); d != nil {
		d.hostCall(ctx, mod, stack)
	}
}

func consoleLog(ctx context.Context, mod api.Module, params []uint64) {
	if d := dispatcherFrom(ctx); d != nil {
		d.consoleLog(ctx, mod, params)
	}
}

func guestRequest(ctx context.Context, mod api.Module, params []uint64) {
	if d := dispatcherFrom(ctx); d != nil {
		d.guestRequest(ctx, mod, params)
	}
}

func hostResponse(ctx context.Context, mod api.Module, params []uint64) {
	if d := dispatcherFrom(ctx); d != nil {
		d.hostResponse(ctx, mod, params)
	}
}

func hostResponseLen(ctx context.Context, results []uint64) {
	if d := dispatcherFrom(ctx); d != nil {
		d.hostResponseLen(ctx, results)
		return
	}
	results[0] = 0
}

func guestResponse(ctx context.Context, mod api.Module, params []uint64) {
	if d := dispatcherFrom(ctx); d != nil {
		d.guestResponse(ctx, mod, params)
	}
}

func guestError(ctx context.Context, mod api.Module, params []uint64) {
	if d := dispatcherFrom(ctx); d != nil {
		d.guestError(ctx, mod, params)
	}
}

func hostError(ctx context.Context, mod api.Module, params []uint64) {
	if d := dispatcherFrom(ctx); d != nil {
		d.hostError(ctx, mod, params)
	}
}

func hostErrorLen(ctx context.Context, results []uint64) {
	if d := dispatcherFrom(ctx); d != nil {
		d.hostErrorLen(ctx, results)
		return
	}
	results[0] = 0
}

func readString(mem api.Memory, ptr, length uint32) string {
	buf, ok := mem.Read(ptr, length)
	if !ok {
		return ""
	}
	return string(buf)
}

func readBytes(mem api.Memory, ptr, length uint32) []byte {
	buf, ok := mem.Read(ptr, length)
	if !ok {
		return nil
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out
}

// hostCall implements wapc.__host_call: decode the (binding, namespace,
// operation, payload) quadruple out of guest memory, dispatch it through
// the callback Channel as capability "binding/operation", and stash the
// result on the invokeContext for __host_response*/__host_error* to drain.
func (d *dispatcher) hostCall(ctx context.Context, mod api.Module, stack []uint64) {
	bindingPtr, bindingLen := uint32(stack[0]), uint32(stack[1])
	namespacePtr, namespaceLen := uint32(stack[2]), uint32(stack[3])
	operationPtr, operationLen := uint32(stack[4]), uint32(stack[5])
	payloadPtr, payloadLen := uint32(stack[6]), uint32(stack[7])

	ic := fromInvokeContext(ctx)
	if ic == nil {
		stack[0] = 0
		return
	}

	if !d.inst.ChargeFuel(1) {
		ic.hostErr = errFuelExhausted
		stack[0] = 0
		return
	}

	mem := mod.Memory()
	binding := readString(mem, bindingPtr, bindingLen)
	namespace := readString(mem, namespacePtr, namespaceLen)
	operation := readString(mem, operationPtr, operationLen)
	payload := readBytes(mem, payloadPtr, payloadLen)

	if namespace == "" {
		namespace = d.namespace
	}
	capability := binding + "/" + operation

	resp, err := d.channel.Call(ctx, capability, namespace, payload)
	if err != nil {
		ic.hostErr = err
		stack[0] = 0
		return
	}
	ic.hostResp = resp
	ic.hostErr = nil
	stack[0] = 1
}

func (d *dispatcher) consoleLog(_ context.Context, mod api.Module, params []uint64) {
	// Discarded by default, same rationale as the Rego side's opa_println:
	// not part of the evaluator's public log surface.
	_ = readBytes(mod.Memory(), uint32(params[0]), uint32(params[1]))
}

// guestRequest implements wapc.__guest_request: writes the operation name
// and request bytes the host staged on the invokeContext into the guest's
// chosen buffers. Procedural guests call this to fetch the payload the host
// handed to Invoke, mirroring wapc-go's generic __guest_call convention;
// this ABI's validate/validate_settings exports take (ptr,len) directly, so
// well-behaved guests don't need __guest_request for the main payload, but
// the import must still be served for guests that do.
func (d *dispatcher) guestRequest(ctx context.Context, mod api.Module, params []uint64) {
	opPtr, ptr := uint32(params[0]), uint32(params[1])
	ic := fromInvokeContext(ctx)
	if ic == nil {
		return
	}
	mem := mod.Memory()
	if ic.operation != "" {
		mem.Write(opPtr, []byte(ic.operation))
	}
	if ic.guestReq != nil {
		mem.Write(ptr, ic.guestReq)
	}
}

func (d *dispatcher) hostResponse(ctx context.Context, mod api.Module, params []uint64) {
	ptr := uint32(params[0])
	ic := fromInvokeContext(ctx)
	if ic == nil || ic.hostResp == nil {
		return
	}
	mod.Memory().Write(ptr, ic.hostResp)
}

func (d *dispatcher) hostResponseLen(ctx context.Context, results []uint64) {
	ic := fromInvokeContext(ctx)
	if ic == nil || ic.hostResp == nil {
		results[0] = 0
		return
	}
	results[0] = uint64(len(ic.hostResp))
}

func (d *dispatcher) guestResponse(ctx context.Context, mod api.Module, params []uint64) {
	ptr, length := uint32(params[0]), uint32(params[1])
	ic := fromInvokeContext(ctx)
	if ic == nil {
		return
	}
	ic.guestResp = readBytes(mod.Memory(), ptr, length)
}

func (d *dispatcher) guestError(ctx context.Context, mod api.Module, params []uint64) {
	ptr, length := uint32(params[0]), uint32(params[1])
	ic := fromInvokeContext(ctx)
	if ic == nil {
		return
	}
	ic.guestErr = readString(mod.Memory(), ptr, length)
}

func (d *dispatcher) hostError(ctx context.Context, mod api.Module, params []uint64) {
	ptr := uint32(params[0])
	ic := fromInvokeContext(ctx)
	if ic == nil || ic.hostErr == nil {
		return
	}
	mod.Memory().Write(ptr, []byte(ic.hostErr.Error()))
}

func (d *dispatcher) hostErrorLen(ctx context.Context, results []uint64) {
	ic := fromInvokeContext(ctx)
	if ic == nil || ic.hostErr == nil {
		results[0] = 0
		return
	}
	results[0] = uint64(len(ic.hostErr.Error()))
}
