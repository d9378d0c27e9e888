// Package policy evaluates request admission rules with OPA.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"
)

// Decision values returned by the admission policy.
const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
)

// Input is the document the admission policy evaluates.
type Input struct {
	Message   string `json:"message"`
	Length    int    `json:"length"`
	MaxLength int    `json:"max_length"`
	SessionID string `json:"session_id"`
}

// Engine is the OPA admission engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine prepares the engine with the given rego policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.chat_admission.result"),
		rego.Module("chat_admission.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}
	return &Engine{query: query}, nil
}

// Evaluate returns the decision and a human-readable reason for blocks.
func (e *Engine) Evaluate(ctx context.Context, input Input) (string, string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", "", fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAllow, "", nil
	}

	obj, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return DecisionAllow, "", nil
	}

	decision := DecisionAllow
	if d, ok := obj["decision"].(string); ok {
		decision = d
	}
	reason := ""
	if r, ok := obj["reason"].(string); ok {
		reason = r
	}
	return decision, reason, nil
}

// DefaultPolicy blocks empty and oversized messages.
const DefaultPolicy = `
package chat_admission

default result := {"decision": "allow"}

result := {"decision": "block", "reason": "message cannot be empty"} if {
	trim_space(input.message) == ""
} else := {"decision": "block", "reason": "message exceeds maximum length"} if {
	input.length > input.max_length
}
`
