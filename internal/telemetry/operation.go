// Package telemetry traces multi-step gateway operations (startup,
// maintenance passes) as otel spans with a declared plan.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	PlanVersion    = "1"
	PlanVersionKey = "fieldgate.plan.version"
	PlanJSONKey    = "fieldgate.plan.json"
)

// Step is one announced phase of an operation.
type Step struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type Plan struct {
	Steps []Step `json:"steps"`
}

// Operation is a running traced operation; steps nest under its span.
type Operation struct {
	ctx    context.Context
	tracer trace.Tracer
	span   trace.Span
}

// EmitPlan opens the operation span with the plan attached as span
// attributes, so a trace consumer sees the intended steps up front.
func EmitPlan(ctx context.Context, tracer trace.Tracer, operation string, plan Plan) (*Operation, error) {
	if tracer == nil {
		return nil, fmt.Errorf("emit telemetry plan: tracer is required")
	}
	seen := make(map[string]struct{}, len(plan.Steps))
	for i, step := range plan.Steps {
		if step.ID == "" {
			return nil, fmt.Errorf("emit telemetry plan: step %d has empty id", i)
		}
		if _, dup := seen[step.ID]; dup {
			return nil, fmt.Errorf("emit telemetry plan: duplicate step id %q", step.ID)
		}
		seen[step.ID] = struct{}{}
	}

	planJSON, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("emit telemetry plan: marshal plan: %w", err)
	}
	spanCtx, span := tracer.Start(ctx, operation, trace.WithAttributes(
		attribute.String(PlanVersionKey, PlanVersion),
		attribute.String(PlanJSONKey, string(planJSON)),
	))
	return &Operation{ctx: spanCtx, tracer: tracer, span: span}, nil
}

func (o *Operation) Context() context.Context { return o.ctx }

// RunStep executes fn inside a child span named by the step id.
func (o *Operation) RunStep(ctx context.Context, id string, fn func(context.Context) error) error {
	stepCtx, span := o.tracer.Start(ctx, id)
	defer span.End()
	if err := fn(stepCtx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// End closes the operation span, recording err when non-nil.
func (o *Operation) End(err error) {
	if err != nil {
		o.span.RecordError(err)
		o.span.SetStatus(codes.Error, err.Error())
	}
	o.span.End()
}
