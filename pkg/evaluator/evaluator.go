// Package evaluator is the top-level orchestrator: it identifies a policy's
// flavor, normalizes the admission request into the shape that flavor
// expects, drives the matching runtime (Rego or procedural) through one
// instantiate/call/destroy cycle, and folds the raw guest result into a
// uniform ValidationResponse.
package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/go-logr/logr"

	"github.com/kubewarden/policy-evaluator/internal/burrego"
	"github.com/kubewarden/policy-evaluator/internal/callback"
	"github.com/kubewarden/policy-evaluator/internal/hostcall"
	"github.com/kubewarden/policy-evaluator/internal/policy"
	"github.com/kubewarden/policy-evaluator/internal/procedural"
	"github.com/kubewarden/policy-evaluator/internal/sandbox"
)

// Config bundles the shared resources one Evaluator needs beyond the
// Registry itself: the Host-Call Catalog every guest's host imports are
// dispatched through, and the default resource bounds new PolicyInstances
// get when a request doesn't override them.
type Config struct {
	Catalog *hostcall.Catalog
	Log     logr.Logger

	DefaultLimits  policy.Limits
	DefaultTimeout time.Duration // per-evaluate wall-clock bound, default 2000ms
}

// Evaluator is the single entrypoint this module exposes: one Evaluate (or
// ValidateSettings) call per EvaluationRequest, each against a fresh
// PolicyInstance that is destroyed before the call returns.
type Evaluator struct {
	registry *Registry
	catalog  *hostcall.Catalog
	log      logr.Logger

	defaultLimits  policy.Limits
	defaultTimeout time.Duration
}

// New builds an Evaluator around registry, sharing cfg's catalog/limits
// across every Evaluate call.
func New(registry *Registry, cfg Config) *Evaluator {
	log := cfg.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	limits := cfg.DefaultLimits
	if limits == (policy.Limits{}) {
		limits = policy.DefaultLimits()
	}
	return &Evaluator{
		registry:       registry,
		catalog:        cfg.Catalog,
		log:            log,
		defaultLimits:  limits,
		defaultTimeout: timeout,
	}
}

// capabilityBuiltinName derives the Rego builtin name a Host-Call Catalog
// capability is exposed under: "kubernetes/list_resources_by_namespace"
// becomes "kubernetes.list_resources_by_namespace", matching how Kubewarden
// Rego policies invoke cluster/OCI/sigstore capabilities as dotted builtins.
func capabilityBuiltinName(capability string) string {
	return strings.ReplaceAll(capability, "/", ".")
}

// withDeadline applies e's default timeout to ctx when the caller hasn't
// already set one of their own.
func (e *Evaluator) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.defaultTimeout)
}

// Evaluate runs one admission request against policyName's validate
// entrypoint, implementing the per-flavor normalization and decoding
// described by the evaluator's component design. The PolicyInstance created
// for the call is always destroyed before Evaluate returns, whether it
// succeeded, was rejected, or trapped.
func (e *Evaluator) Evaluate(ctx context.Context, policyName string, req EvaluationRequest) (*ValidationResponse, error) {
	entry, err := e.registry.lookup(policyName)
	if err != nil {
		return nil, err
	}

	ctx, cancel := e.withDeadline(ctx)
	defer cancel()

	ch := callback.New(e.catalog)

	switch entry.config.Flavor {
	case policy.FlavorProcedural:
		return e.evaluateProcedural(ctx, entry, ch, req)
	case policy.FlavorRegoOPA:
		return e.evaluateRegoRaw(ctx, entry, ch, req)
	case policy.FlavorRegoGatekeeper:
		return e.evaluateRegoGatekeeper(ctx, entry, ch, req)
	default:
		return nil, fmt.Errorf("%w: policy %q has unknown flavor %v", policy.ErrValidation, policyName, entry.config.Flavor)
	}
}

// rawProceduralResponse is the wire shape validate()/validate_settings()
// produce: mutated_object carries a full replacement object; patch/
// patch_type carry an RFC 6902 JSON Patch against the request's object,
// the alternative Kubewarden-procedural policies may return instead of a
// full replacement.
type rawProceduralResponse struct {
	Accepted         bool              `json:"accepted"`
	Code             *int32            `json:"code,omitempty"`
	Message          *string           `json:"message,omitempty"`
	MutatedObject    json.RawMessage   `json:"mutatedObject,omitempty"`
	Patch            json.RawMessage   `json:"patch,omitempty"`
	PatchType        string            `json:"patchType,omitempty"`
	Warnings         []string          `json:"warnings,omitempty"`
	AuditAnnotations map[string]string `json:"auditAnnotations,omitempty"`
}

func (e *Evaluator) evaluateProcedural(ctx context.Context, entry *policyEntry, ch *callback.Channel, req EvaluationRequest) (*ValidationResponse, error) {
	rt, err := procedural.New(ctx, e.registryEngine(), entry.module, e.limitsFor(req), ch, entry.config.allocator())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rt.Close(ctx) }()

	raw, err := rt.Validate(ctx, req.Namespace, req.RequestJSON)
	if err != nil {
		return nil, err
	}

	var resp rawProceduralResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: validate response: %w", policy.ErrDecode, err)
	}

	mutated, err := e.resolveMutation(req.RequestJSON, resp.MutatedObject, resp.Patch, resp.PatchType)
	if err != nil {
		return nil, err
	}

	return &ValidationResponse{
		Accepted:         resp.Accepted,
		Code:             resp.Code,
		Message:          resp.Message,
		MutatedObject:    mutated,
		Warnings:         resp.Warnings,
		AuditAnnotations: resp.AuditAnnotations,
	}, nil
}

// resolveMutation picks between a full replacement object and applying an
// RFC 6902 patch to the original request object, per the dual mutation
// convention Kubewarden-procedural responses may use. Neither field set
// means no mutation occurred.
func (e *Evaluator) resolveMutation(original, mutatedObject, patch json.RawMessage, patchType string) (json.RawMessage, error) {
	if len(mutatedObject) > 0 {
		return mutatedObject, nil
	}
	if len(patch) == 0 {
		return nil, nil
	}
	if patchType != "" && patchType != "JSONPatch" {
		return nil, fmt.Errorf("%w: unsupported patchType %q", policy.ErrDecode, patchType)
	}

	target := original
	var envelope struct {
		Object json.RawMessage `json:"object"`
	}
	if err := json.Unmarshal(original, &envelope); err == nil && len(envelope.Object) > 0 {
		target = envelope.Object
	}

	decoded, err := jsonpatch.DecodePatch(patch)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding patch: %w", policy.ErrDecode, err)
	}
	mutated, err := decoded.Apply(target)
	if err != nil {
		return nil, fmt.Errorf("%w: applying patch: %w", policy.ErrDecode, err)
	}
	return mutated, nil
}

func (e *Evaluator) newRegoVM(ctx context.Context, entry *policyEntry, ch *callback.Channel, req EvaluationRequest, data json.RawMessage) (*burrego.VM, error) {
	vm, err := burrego.New(ctx, e.registryEngine(), entry.module, e.limitsFor(req), burrego.NewRegistry(), ch, data)
	if err != nil {
		return nil, err
	}
	for _, capability := range e.catalog.RegisteredCapabilities() {
		vm.WireCapability(capabilityBuiltinName(capability), capability, req.Namespace)
	}
	return vm, nil
}

func (e *Evaluator) evaluateRegoRaw(ctx context.Context, entry *policyEntry, ch *callback.Channel, req EvaluationRequest) (*ValidationResponse, error) {
	vm, err := e.newRegoVM(ctx, entry, ch, req, req.SettingsJSON)
	if err != nil {
		return nil, err
	}
	defer func() { _ = vm.Close(ctx) }()

	input, err := regoRawInput(req.RequestJSON)
	if err != nil {
		return nil, fmt.Errorf("%w: building rego input: %w", policy.ErrInternal, err)
	}

	entrypoint, err := vm.EntrypointID(entry.config.ValidateEntrypoint)
	if err != nil {
		return nil, err
	}

	raw, err := vm.Eval(ctx, entrypoint, input)
	if err != nil {
		return nil, err
	}

	results, err := decodeRegoResultSet(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: rego result set: %w", policy.ErrDecode, err)
	}
	if len(results) == 0 {
		return &ValidationResponse{Accepted: false, Message: policy.StrPtr("policy produced no result")}, nil
	}

	var accepted bool
	if err := json.Unmarshal(results[0], &accepted); err != nil {
		return nil, fmt.Errorf("%w: rego-raw result is not a boolean: %w", policy.ErrDecode, err)
	}
	if accepted {
		return &ValidationResponse{Accepted: true}, nil
	}
	return &ValidationResponse{Accepted: false, Code: policy.Int32Ptr(403), Message: policy.StrPtr("request rejected by policy")}, nil
}

func (e *Evaluator) evaluateRegoGatekeeper(ctx context.Context, entry *policyEntry, ch *callback.Channel, req EvaluationRequest) (*ValidationResponse, error) {
	vm, err := e.newRegoVM(ctx, entry, ch, req, json.RawMessage("{}"))
	if err != nil {
		return nil, err
	}
	defer func() { _ = vm.Close(ctx) }()

	input, err := regoGatekeeperInput(req.RequestJSON, req.SettingsJSON)
	if err != nil {
		return nil, fmt.Errorf("%w: building gatekeeper input: %w", policy.ErrInternal, err)
	}

	entrypoint, err := vm.EntrypointID("violation")
	if err != nil {
		return nil, err
	}

	raw, err := vm.Eval(ctx, entrypoint, input)
	if err != nil {
		return nil, err
	}

	results, err := decodeRegoResultSet(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: rego result set: %w", policy.ErrDecode, err)
	}
	if len(results) == 0 {
		return &ValidationResponse{Accepted: true}, nil
	}

	var violations []gatekeeperViolation
	if err := json.Unmarshal(results[0], &violations); err != nil {
		return nil, fmt.Errorf("%w: gatekeeper violation set: %w", policy.ErrDecode, err)
	}
	if len(violations) == 0 {
		return &ValidationResponse{Accepted: true}, nil
	}

	msgs := make([]string, 0, len(violations))
	for _, v := range violations {
		msgs = append(msgs, v.Msg)
	}
	return &ValidationResponse{
		Accepted: false,
		Code:     policy.Int32Ptr(403),
		Message:  policy.StrPtr(strings.Join(msgs, "; ")),
	}, nil
}

// ValidateSettings dispatches policyName's settings entrypoint against
// settingsJSON: validate_settings for procedural policies, the configured
// Rego settings entrypoint (default "settings") for Rego ones. Unlike
// Evaluate, an invalid result is never folded into a ValidationResponse; it
// always surfaces as an ErrSettingsInvalid-wrapped error so callers cannot
// accidentally treat a rejected settings blob as an accepted request.
func (e *Evaluator) ValidateSettings(ctx context.Context, policyName string, settingsJSON json.RawMessage) (*SettingsValidationResponse, error) {
	entry, err := e.registry.lookup(policyName)
	if err != nil {
		return nil, err
	}

	ctx, cancel := e.withDeadline(ctx)
	defer cancel()

	ch := callback.New(e.catalog)
	req := EvaluationRequest{SettingsJSON: settingsJSON, Operation: policy.OperationValidateSettings}

	var resp SettingsValidationResponse
	switch entry.config.Flavor {
	case policy.FlavorProcedural:
		rt, err := procedural.New(ctx, e.registryEngine(), entry.module, e.limitsFor(req), ch, entry.config.allocator())
		if err != nil {
			return nil, err
		}
		defer func() { _ = rt.Close(ctx) }()

		raw, err := rt.ValidateSettings(ctx, "", settingsJSON)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("%w: validate_settings response: %w", policy.ErrDecode, err)
		}

	case policy.FlavorRegoOPA, policy.FlavorRegoGatekeeper:
		vm, err := e.newRegoVM(ctx, entry, ch, req, json.RawMessage("{}"))
		if err != nil {
			return nil, err
		}
		defer func() { _ = vm.Close(ctx) }()

		entrypoint, err := vm.EntrypointID(entry.config.settingsEntrypoint())
		if err != nil {
			return nil, err
		}
		input, err := regoRawInput(settingsJSON)
		if err != nil {
			return nil, fmt.Errorf("%w: building rego settings input: %w", policy.ErrInternal, err)
		}
		raw, err := vm.Eval(ctx, entrypoint, input)
		if err != nil {
			return nil, err
		}
		results, err := decodeRegoResultSet(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: rego result set: %w", policy.ErrDecode, err)
		}
		if len(results) == 0 {
			return nil, fmt.Errorf("%w: settings entrypoint produced no result", policy.ErrSettingsInvalid)
		}
		if err := json.Unmarshal(results[0], &resp); err != nil {
			return nil, fmt.Errorf("%w: settings result: %w", policy.ErrDecode, err)
		}

	default:
		return nil, fmt.Errorf("%w: policy %q has unknown flavor %v", policy.ErrValidation, policyName, entry.config.Flavor)
	}

	if !resp.Valid {
		return nil, fmt.Errorf("%w: %s", policy.ErrSettingsInvalid, resp.Message)
	}
	return &resp, nil
}

// limitsFor returns the default sandbox limits; a future per-request
// override would be threaded in here.
func (e *Evaluator) limitsFor(_ EvaluationRequest) policy.Limits {
	return e.defaultLimits
}

// registryEngine exposes the Engine the Registry compiled its modules
// against, so instantiate calls share the same wazero.Runtime.
func (e *Evaluator) registryEngine() *sandbox.Engine {
	return e.registry.eng
}
