package dispatch

import (
	"context"
	"fmt"

	"github.com/noema-ai/noema/internal/breaker"
	"github.com/noema-ai/noema/internal/model"
)

type checkRequest struct {
	Action model.ActionContext `json:"action"`
}

func (d *Dispatcher) handleCheckGuardrails(ctx context.Context, call *Call) (any, error) {
	var req checkRequest
	if err := decode(call.Params, &req); err != nil {
		return nil, err
	}
	if req.Action == nil {
		return nil, model.E(model.KindInvalidParams, "action context is required")
	}
	if _, ok := req.Action["agent"]; !ok && call.AgentID != "" {
		req.Action["agent"] = call.AgentID
	}

	result, err := d.guardrails.Evaluate(ctx, req.Action)
	if err != nil {
		return nil, err
	}

	// Breakers are part of the same verdict: any open scope blocks. A
	// half-open scope admits the check without burning its probe slot, so
	// the follow-up record can still become the probe.
	breakerViolations := d.breakers.Check(
		ctxString(req.Action, "agent"),
		model.Category(ctxString(req.Action, "category")),
		model.Stakes(ctxString(req.Action, "stakes")),
		ctxStrings(req.Action, "tags"),
		false,
	)
	result.Violations = append(result.Violations, breakerViolations...)
	result.Allowed = len(result.Violations) == 0

	d.track(call, "g", "",
		fmt.Sprintf("checked guardrails for %q: allowed=%v (%d violations, %d warnings)",
			ctxString(req.Action, "description"), result.Allowed,
			len(result.Violations), len(result.Warnings)), nil)

	return result, nil
}

type listGuardrailsRequest struct {
	Scope string `json:"scope,omitempty"`
}

func (d *Dispatcher) handleListGuardrails(ctx context.Context, call *Call) (any, error) {
	var req listGuardrailsRequest
	if err := decode(call.Params, &req); err != nil {
		return nil, err
	}
	rules, err := d.guardrails.Rules(ctx, req.Scope)
	if err != nil {
		return nil, model.Wrap(model.KindGuardrailEvalFailed, "load guardrails", err)
	}
	return struct {
		Guardrails []model.Guardrail `json:"guardrails"`
	}{Guardrails: rules}, nil
}

type circuitStateRequest struct {
	Scope string `json:"scope,omitempty"`
}

func (d *Dispatcher) handleCircuitState(_ context.Context, call *Call) (any, error) {
	var req circuitStateRequest
	if err := decode(call.Params, &req); err != nil {
		return nil, err
	}
	var snapshots []breaker.Snapshot
	if req.Scope != "" {
		snapshots = []breaker.Snapshot{d.breakers.Snapshot(req.Scope)}
	} else {
		snapshots = d.breakers.Snapshots()
	}
	return struct {
		Breakers []breaker.Snapshot `json:"breakers"`
	}{Breakers: snapshots}, nil
}

type resetCircuitRequest struct {
	Scope      string `json:"scope"`
	ProbeFirst bool   `json:"probe_first,omitempty"`
}

func (d *Dispatcher) handleResetCircuit(_ context.Context, call *Call) (any, error) {
	var req resetCircuitRequest
	if err := decode(call.Params, &req); err != nil {
		return nil, err
	}
	snap, err := d.breakers.Reset(req.Scope, req.ProbeFirst)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// ctxString reads a string field from an action context.
func ctxString(actx model.ActionContext, key string) string {
	if v, ok := actx[key].(string); ok {
		return v
	}
	return ""
}

// ctxStrings reads a string-slice field, accepting []string or decoded-JSON
// []any.
func ctxStrings(actx model.ActionContext, key string) []string {
	switch v := actx[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
