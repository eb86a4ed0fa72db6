package evaluator

import "encoding/json"

// regoRawInput builds the value a Rego-raw policy's declared entrypoint
// receives as `input`: the admission request, unwrapped. It is staged
// as-is via opa_eval_ctx_set_input, which already makes the staged value
// `input` inside the policy — wrapping it in another {"input": ...}
// envelope here would make the policy see it at input.input instead.
func regoRawInput(requestJSON json.RawMessage) (json.RawMessage, error) {
	if len(requestJSON) == 0 {
		return json.RawMessage("null"), nil
	}
	return requestJSON, nil
}

// regoGatekeeperInput builds the {"review": ..., "parameters": ...} value
// Gatekeeper constraint templates expect as `input` for their violation
// rule. Like regoRawInput, this is staged directly via
// opa_eval_ctx_set_input and must not be wrapped in its own outer "input"
// key.
func regoGatekeeperInput(requestJSON, settingsJSON json.RawMessage) (json.RawMessage, error) {
	if len(settingsJSON) == 0 {
		settingsJSON = json.RawMessage("{}")
	}
	return json.Marshal(struct {
		Review     json.RawMessage `json:"review"`
		Parameters json.RawMessage `json:"parameters"`
	}{Review: requestJSON, Parameters: settingsJSON})
}

// gatekeeperViolation is one element of a violation rule's result array.
type gatekeeperViolation struct {
	Msg     string          `json:"msg"`
	Details json.RawMessage `json:"details,omitempty"`
}

// regoEvalResult is the {"result": ...} envelope opa_eval_ctx_get_result
// produces one of, per entrypoint evaluation.
type regoEvalResult struct {
	Result json.RawMessage `json:"result"`
}

// decodeRegoResultSet unwraps the JSON array of {"result": ...} objects
// opa_eval_ctx_get_result returns, yielding the raw result values. An empty
// array (the rule was never satisfied for any binding) decodes to a nil
// slice, not an error.
func decodeRegoResultSet(raw json.RawMessage) ([]json.RawMessage, error) {
	var sets []regoEvalResult
	if err := json.Unmarshal(raw, &sets); err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(sets))
	for _, s := range sets {
		out = append(out, s.Result)
	}
	return out, nil
}
