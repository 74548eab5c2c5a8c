// Package policy decides what happens to a captured order using an OPA
// rego module.
package policy

import (
	"context"
	_ "embed"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// Outcomes returned by the order policy.
const (
	Accept        = "accept"
	NotifySupport = "notify_support"
	Reject        = "reject"
)

const query = "data.lustbot.order.decision"

// DefaultPolicy rejects orders without contact details and routes cash or
// bit payments to the support team.
//
//go:embed order.rego
var DefaultPolicy string

// Decision is the evaluated outcome for one order.
type Decision struct {
	Outcome string
	Reason  string
}

// Engine is a prepared OPA query over the order policy.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine compiles policyContent. An empty string uses DefaultPolicy.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	if policyContent == "" {
		policyContent = DefaultPolicy
	}
	r := rego.New(
		rego.Query(query),
		rego.Module("order.rego", policyContent),
	)

	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("preparing order policy: %w", err)
	}
	return &Engine{query: prepared}, nil
}

// LoadEngine reads the policy from path, falling back to DefaultPolicy when
// path is empty.
func LoadEngine(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, "")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}
	return NewEngine(ctx, string(b))
}

// Evaluate runs the policy over the order fields. A policy that produces no
// decision accepts the order.
func (e *Engine) Evaluate(ctx context.Context, fields map[string]string) (Decision, error) {
	input := make(map[string]any, len(fields))
	for k, v := range fields {
		input[k] = v
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("evaluating order policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Outcome: Accept, Reason: "undefined"}, nil
	}

	switch v := results[0].Expressions[0].Value.(type) {
	case string:
		return validate(Decision{Outcome: v})
	case map[string]any:
		d := Decision{}
		d.Outcome, _ = v["outcome"].(string)
		d.Reason, _ = v["reason"].(string)
		return validate(d)
	default:
		return Decision{}, fmt.Errorf("order policy returned %T, want object or string", v)
	}
}

func validate(d Decision) (Decision, error) {
	switch d.Outcome {
	case Accept, NotifySupport, Reject:
		return d, nil
	}
	return Decision{}, fmt.Errorf("order policy returned unknown outcome %q", d.Outcome)
}
