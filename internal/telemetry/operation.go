// Package telemetry traces multi-step node operations.
//
// The root span of an operation lists its step IDs in order and every step
// runs in a child span. A nil tracer runs steps without spans.
package telemetry

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	StepsKey       = "meshnode.operation.steps"
	StepTitleKey   = "meshnode.step.title"
	StepAttemptKey = "meshnode.step.attempt"
)

// Step is one unit of an operation. Title is the human-readable form of ID.
type Step struct {
	ID    string
	Title string
}

type Operation struct {
	ctx    context.Context
	tracer trace.Tracer
	span   trace.Span
}

// Start opens the root span named name for an operation that runs steps in
// order.
func Start(ctx context.Context, tracer trace.Tracer, name string, steps []Step) *Operation {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	ids := make([]string, len(steps))
	for i, s := range steps {
		ids[i] = s.ID
	}
	spanCtx, span := tracer.Start(ctx, name, trace.WithAttributes(attribute.StringSlice(StepsKey, ids)))
	return &Operation{ctx: spanCtx, tracer: tracer, span: span}
}

// RunStep runs fn inside a child span named after step. The span is marked
// failed when fn returns an error.
func (o *Operation) RunStep(step Step, fn func(context.Context) error) error {
	ctx, span := o.tracer.Start(o.ctx, step.ID, trace.WithAttributes(attribute.String(StepTitleKey, step.Title)))
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
		return err
	}
	return nil
}

// MarkAttempt tags the span in ctx with the attempt number of a retried step.
func MarkAttempt(ctx context.Context, attempt int) {
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int(StepAttemptKey, attempt))
}

// End closes the root span, recording err if the operation failed.
func (o *Operation) End(err error) {
	if err != nil {
		o.span.RecordError(err)
		o.span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
	}
	o.span.End()
}
