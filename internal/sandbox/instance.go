package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/kubewarden/policy-evaluator/internal/policy"
)

// Instance is the short-lived PolicyInstance: one fresh wazero
// module instance, bound to at most one concurrent guest invocation, backed
// by its own host-call fuel budget.
type Instance struct {
	ID     string
	engine *Engine
	module api.Module
	limits policy.Limits

	poisoned  atomic.Bool
	fuelLeft  atomic.Int64
	allocator string // exported allocator function name, e.g. "opa_malloc"
}

// Instantiate spawns one PolicyInstance from a compiled Module. importModule
// and build together install the flavor's host-import module against the
// engine's shared runtime the first time this Engine sees that import name
// (see Engine.ensureHostModule); every later Instantiate call, for this or
// any other Module of the same flavor, reuses that same host module instead
// of trying to register a second one under the same name.
func (e *Engine) Instantiate(ctx context.Context, m *Module, limits policy.Limits, allocatorFn, importModule string, build HostModuleBuilder) (*Instance, error) {
	if limits.MemoryPagesMax > e.memoryLimitPages {
		return nil, fmt.Errorf("%w: requested MemoryPagesMax %d exceeds engine ceiling %d", policy.ErrValidation, limits.MemoryPagesMax, e.memoryLimitPages)
	}

	if build != nil {
		if err := e.ensureHostModule(ctx, importModule, build); err != nil {
			return nil, err
		}
	}

	inst := &Instance{
		ID:        uuid.NewString(),
		engine:    e,
		limits:    limits,
		allocator: allocatorFn,
	}
	inst.fuelLeft.Store(int64(limits.FuelUnits))

	modCfg := wazero.NewModuleConfig().WithName(inst.ID)
	mod, err := e.runtime.InstantiateModule(ctx, m.compiled, modCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: instantiate: %w", policy.ErrValidation, err)
	}
	inst.module = mod

	return inst, nil
}

// Module gives host-import handlers (registered via HostModuleBuilder)
// access to the guest's exported memory and functions while marshalling
// arguments/results.
func (i *Instance) Module() api.Module {
	return i.module
}

// Poisoned reports whether this instance survived a timeout or a trap and
// therefore must not be reused.
func (i *Instance) Poisoned() bool {
	return i.poisoned.Load()
}

// ChargeFuel decrements the host-call budget by n units; once it reaches
// zero the next Call returns policy.ErrTimeout without running the guest.
// This stands in for engine-native bytecode-step fuel (see DESIGN.md).
func (i *Instance) ChargeFuel(n uint64) bool {
	remaining := i.fuelLeft.Add(-int64(n))
	return remaining >= 0
}

// Call drives entrypoint under both a wall-clock deadline and the
// remaining fuel budget. Whichever is exhausted first produces
// policy.ErrTimeout and poisons the instance.
func (i *Instance) Call(ctx context.Context, entrypoint string, deadline time.Duration, args ...uint64) ([]uint64, error) {
	if i.Poisoned() {
		return nil, fmt.Errorf("%w: instance poisoned by a previous timeout or trap", policy.ErrGuestTrap)
	}
	if i.fuelLeft.Load() <= 0 {
		i.poisoned.Store(true)
		return nil, fmt.Errorf("%w: fuel exhausted before call", policy.ErrTimeout)
	}

	fn := i.module.ExportedFunction(entrypoint)
	if fn == nil {
		return nil, fmt.Errorf("%w: no such export %q", policy.ErrInternal, entrypoint)
	}

	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	results, err := fn.Call(callCtx, args...)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			i.poisoned.Store(true)
			return nil, fmt.Errorf("%w: epoch deadline of %s exceeded calling %q", policy.ErrTimeout, deadline, entrypoint)
		}
		i.poisoned.Store(true)
		return nil, fmt.Errorf("%w: calling %q: %w", policy.ErrGuestTrap, entrypoint, err)
	}

	return results, nil
}

// GuestAlloc calls the guest's exported allocator (opa_malloc for Rego, the
// policy's named allocator for procedural) and returns the resulting
// pointer.
func (i *Instance) GuestAlloc(ctx context.Context, length uint32) (uint32, error) {
	fn := i.module.ExportedFunction(i.allocator)
	if fn == nil {
		return 0, fmt.Errorf("%w: guest does not export allocator %q", policy.ErrInternal, i.allocator)
	}
	results, err := fn.Call(ctx, uint64(length))
	if err != nil {
		return 0, fmt.Errorf("%w: guest allocator: %w", policy.ErrGuestTrap, err)
	}
	return uint32(results[0]), nil
}

// ReadMemory copies len bytes at ptr out of guest linear memory. Returned
// slices are owned by host memory and remain valid after the instance is
// later destroyed.
func (i *Instance) ReadMemory(ptr, length uint32) ([]byte, error) {
	buf, ok := i.module.Memory().Read(ptr, length)
	if !ok {
		return nil, fmt.Errorf("%w: read %d bytes at 0x%x", policy.ErrGuestMemory, length, ptr)
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, nil
}

// ReadCString reads from ptr until a NUL byte (the `opa_json_dump`/
// `opa_value_dump` return convention) or the memory's end, whichever comes
// first.
func (i *Instance) ReadCString(ptr uint32) ([]byte, error) {
	mem := i.module.Memory()
	size := mem.Size()
	var out []byte
	for p := ptr; p < size; p++ {
		b, ok := mem.ReadByte(p)
		if !ok {
			return nil, fmt.Errorf("%w: unterminated string at 0x%x", policy.ErrGuestMemory, ptr)
		}
		if b == 0 {
			return out, nil
		}
		out = append(out, b)
	}
	return nil, fmt.Errorf("%w: string at 0x%x runs past end of memory", policy.ErrGuestMemory, ptr)
}

// WriteMemory allocates len(data) bytes via GuestAlloc and copies data into
// the guest, returning the pointer.
func (i *Instance) WriteMemory(ctx context.Context, data []byte) (uint32, error) {
	ptr, err := i.GuestAlloc(ctx, uint32(len(data)))
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return ptr, nil
	}
	if !i.module.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("%w: write %d bytes at 0x%x", policy.ErrGuestMemory, len(data), ptr)
	}
	return ptr, nil
}

// Close destroys the instance. Guest memory must never be read through it
// again afterwards.
func (i *Instance) Close(ctx context.Context) error {
	if i.module == nil {
		return nil
	}
	return i.module.Close(ctx)
}
