// Package policy holds the data model shared by the Sandbox, the Rego and
// procedural runtimes, and the orchestrator: the vocabulary every other
// package in this module speaks, so that none of them need to import the
// orchestrator package to talk about a policy, a request or a response.
package policy

import "encoding/json"

// Flavor identifies the ABI a compiled Wasm module implements.
type Flavor int

const (
	FlavorProcedural Flavor = iota
	FlavorRegoOPA
	FlavorRegoGatekeeper
)

func (f Flavor) String() string {
	switch f {
	case FlavorProcedural:
		return "procedural"
	case FlavorRegoOPA:
		return "rego-opa"
	case FlavorRegoGatekeeper:
		return "rego-gatekeeper"
	default:
		return "unknown"
	}
}

func (f Flavor) IsRego() bool {
	return f == FlavorRegoOPA || f == FlavorRegoGatekeeper
}

// Operation is the kind of evaluation a caller is requesting.
type Operation int

const (
	OperationValidate Operation = iota
	OperationValidateSettings
)

// EvaluationRequest is immutable input to one evaluator.Evaluate call.
type EvaluationRequest struct {
	RequestJSON  json.RawMessage
	SettingsJSON json.RawMessage
	Namespace    string
	Operation    Operation
}

// ValidationResponse is produced exactly once per EvaluationRequest.
type ValidationResponse struct {
	Accepted         bool              `json:"accepted"`
	Code             *int32            `json:"code,omitempty"`
	Message          *string           `json:"message,omitempty"`
	MutatedObject    json.RawMessage   `json:"mutatedObject,omitempty"`
	Warnings         []string          `json:"warnings,omitempty"`
	AuditAnnotations map[string]string `json:"auditAnnotations,omitempty"`
}

// SettingsValidationResponse is the decoded result of a validate_settings
// (procedural) or settings-entrypoint (Rego) call.
type SettingsValidationResponse struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message,omitempty"`
}

// Limits bound one PolicyInstance's resource consumption.
//
// MemoryPagesMax is enforced for real: sandbox.Engine applies it as the
// wazero runtime-wide memory ceiling (wazero.RuntimeConfig.
// WithMemoryLimitPages), and sandbox.Engine.Instantiate rejects any
// per-call Limits whose MemoryPagesMax exceeds that ceiling. TableElemsMax
// and StackBytesMax are accepted and threaded through but not independently
// enforced: wazero's public RuntimeConfig exposes no table-element or
// native-stack-byte knob to cap them against, beyond whatever bound the
// guest module itself declares at compile time. FuelUnits is the one limit
// with no wazero-native counterpart at all (wazero has no bytecode-step
// fuel meter); it is re-anchored to a host-call budget instead, charged by
// Instance.ChargeFuel on every host import call.
type Limits struct {
	MemoryPagesMax uint32 // default 1600 (~100 MiB, 64 KiB pages); enforced, see above
	TableElemsMax  uint32 // accepted, not independently enforced; see above
	StackBytesMax  uint32 // accepted, not independently enforced; see above
	FuelUnits      uint64 // host-call budget, see Sandbox design notes
}

// DefaultLimits returns the evaluator's out-of-the-box resource bounds.
func DefaultLimits() Limits {
	return Limits{
		MemoryPagesMax: 1600,
		TableElemsMax:  10000,
		StackBytesMax:  8 << 20,
		FuelUnits:      1_000_000_000,
	}
}

func StrPtr(s string) *string { return &s }
func Int32Ptr(i int32) *int32 { return &i }
