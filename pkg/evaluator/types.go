package evaluator

import "github.com/kubewarden/policy-evaluator/internal/policy"

// Public aliases for the shared data model, so callers never need to reach
// into internal/policy themselves.
type (
	Flavor                     = policy.Flavor
	Operation                  = policy.Operation
	Limits                     = policy.Limits
	EvaluationRequest          = policy.EvaluationRequest
	ValidationResponse         = policy.ValidationResponse
	SettingsValidationResponse = policy.SettingsValidationResponse
)

const (
	FlavorProcedural     = policy.FlavorProcedural
	FlavorRegoOPA        = policy.FlavorRegoOPA
	FlavorRegoGatekeeper = policy.FlavorRegoGatekeeper

	OperationValidate         = policy.OperationValidate
	OperationValidateSettings = policy.OperationValidateSettings
)

// DefaultLimits returns the evaluator's out-of-the-box resource bounds.
func DefaultLimits() Limits { return policy.DefaultLimits() }
