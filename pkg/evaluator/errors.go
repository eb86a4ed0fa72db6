package evaluator

import "github.com/kubewarden/policy-evaluator/internal/policy"

// Exported sentinel errors, compared with errors.Is. These alias the
// internal taxonomy so callers never need to import internal/policy
// themselves.
var (
	ErrValidation      = policy.ErrValidation
	ErrSettingsInvalid = policy.ErrSettingsInvalid
	ErrGuestTrap       = policy.ErrGuestTrap
	ErrTimeout         = policy.ErrTimeout
	ErrHostCall        = policy.ErrHostCall
	ErrGuestMemory     = policy.ErrGuestMemory
	ErrDecode          = policy.ErrDecode
	ErrInternal        = policy.ErrInternal
)
