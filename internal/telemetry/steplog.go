package telemetry

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// StepLogger is a span processor that writes operation progress to a
// logger: one line per finished step and one when the operation ends.
type StepLogger struct {
	log *slog.Logger
}

// NewStepLogger returns a StepLogger writing to log, or to slog.Default when
// log is nil.
func NewStepLogger(log *slog.Logger) *StepLogger {
	if log == nil {
		log = slog.Default()
	}
	return &StepLogger{log: log}
}

// NewProvider returns a tracer provider that reports operations through a
// StepLogger. Shut it down on exit.
func NewProvider(log *slog.Logger) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(NewStepLogger(log)))
}

func (p *StepLogger) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *StepLogger) OnEnd(span sdktrace.ReadOnlySpan) {
	if p == nil {
		return
	}
	status := span.Status()
	args := []any{"duration", span.EndTime().Sub(span.StartTime()).Round(time.Millisecond)}
	if status.Code == codes.Error {
		args = append(args, "err", strings.TrimSpace(status.Description))
	}

	if span.Parent().IsValid() {
		args = append([]any{"operation_step", span.Name()}, args...)
		if title := stringAttribute(span.Attributes(), StepTitleKey); title != "" {
			args = append(args, "title", title)
		}
		if attempt, ok := intAttribute(span.Attributes(), StepAttemptKey); ok {
			args = append(args, "attempt", attempt)
		}
		if status.Code == codes.Error {
			p.log.Debug("Operation step failed.", args...)
			return
		}
		p.log.Debug("Operation step done.", args...)
		return
	}

	args = append([]any{"operation", span.Name()}, args...)
	if steps, ok := sliceAttribute(span.Attributes(), StepsKey); ok {
		args = append(args, "steps", len(steps))
	}
	p.log.Info("Operation finished.", args...)
}

func (p *StepLogger) Shutdown(context.Context) error   { return nil }
func (p *StepLogger) ForceFlush(context.Context) error { return nil }

func sliceAttribute(attrs []attribute.KeyValue, key string) ([]string, bool) {
	for _, attr := range attrs {
		if string(attr.Key) == key && attr.Value.Type() == attribute.STRINGSLICE {
			return attr.Value.AsStringSlice(), true
		}
	}
	return nil, false
}

func stringAttribute(attrs []attribute.KeyValue, key string) string {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return attr.Value.AsString()
		}
	}
	return ""
}

func intAttribute(attrs []attribute.KeyValue, key string) (int64, bool) {
	for _, attr := range attrs {
		if string(attr.Key) == key && attr.Value.Type() == attribute.INT64 {
			return attr.Value.AsInt64(), true
		}
	}
	return 0, false
}
