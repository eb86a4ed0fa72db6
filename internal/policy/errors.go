package policy

import "errors"

// Error kinds. Callers compare with errors.Is; wrapping with
// %w or errors.Join preserves the underlying cause.
var (
	// ErrValidation: policy module rejected at load time (bad imports,
	// missing exports, unsupported protocol version).
	ErrValidation = errors.New("policy module rejected")

	// ErrSettingsInvalid: validate_settings returned {valid:false,message}.
	ErrSettingsInvalid = errors.New("settings invalid")

	// ErrGuestTrap: the guest trapped (illegal instruction, unreachable,
	// OOM, stack overflow). The instance that produced it must be discarded.
	ErrGuestTrap = errors.New("guest trapped")

	// ErrTimeout: epoch deadline or fuel exhaustion. Instance discarded.
	ErrTimeout = errors.New("evaluation timed out")

	// ErrHostCall: a host import handler failed.
	ErrHostCall = errors.New("host call failed")

	// ErrGuestMemory: an out-of-range guest memory access.
	ErrGuestMemory = errors.New("guest memory access out of range")

	// ErrDecode: guest returned non-conforming JSON.
	ErrDecode = errors.New("could not decode guest response")

	// ErrInternal: marshalling bugs, should never surface to a well-behaved
	// caller.
	ErrInternal = errors.New("internal evaluator error")
)
