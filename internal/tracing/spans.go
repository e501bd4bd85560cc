// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the tracer scope of all engine spans.
const InstrumentationName = "github.com/My-Epitech-Organisation/Area-sub002/engine"

// Span wraps an OpenTelemetry span with engine-specific helpers. A nil Span
// is safe to use.
type Span struct {
	span trace.Span
}

func tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// StartScan creates the span of one scan cycle of a service family.
func StartScan(ctx context.Context, service string, automations int) (context.Context, *Span) {
	ctx, span := tracer().Start(ctx, fmt.Sprintf("scan: %s", service),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("area.service", service),
			attribute.Int("area.automations", automations),
			attribute.String("span.type", "scan.cycle"),
		),
	)
	return ctx, &Span{span: span}
}

// StartAutomationScan creates the span of one automation within a scan.
func StartAutomationScan(ctx context.Context, automationID, action string) (context.Context, *Span) {
	ctx, span := tracer().Start(ctx, fmt.Sprintf("poll: %s", action),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("area.automation_id", automationID),
			attribute.String("area.action", action),
			attribute.String("span.type", "scan.automation"),
		),
	)
	return ctx, &Span{span: span}
}

// StartRecord creates the span of one ledger write.
func StartRecord(ctx context.Context, automationID, eventID, source string) (context.Context, *Span) {
	ctx, span := tracer().Start(ctx, "ledger.record",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("area.automation_id", automationID),
			attribute.String("area.event_id", eventID),
			attribute.String("area.source", source),
		),
	)
	return ctx, &Span{span: span}
}

// StartDispatch creates the span of one dispatch attempt.
func StartDispatch(ctx context.Context, executionID, reaction string, attempt int) (context.Context, *Span) {
	ctx, span := tracer().Start(ctx, fmt.Sprintf("dispatch: %s", reaction),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("area.execution_id", executionID),
			attribute.String("area.reaction", reaction),
			attribute.Int("area.attempt", attempt),
			attribute.String("span.type", "dispatch"),
		),
	)
	return ctx, &Span{span: span}
}

// SetAttributes adds key-value attributes to the span.
func (s *Span) SetAttributes(attrs map[string]any) {
	if s == nil || s.span == nil {
		return
	}

	otelAttrs := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		otelAttrs = append(otelAttrs, toAttribute(k, v))
	}
	s.span.SetAttributes(otelAttrs...)
}

// RecordError marks the span failed.
func (s *Span) RecordError(err error) {
	if s == nil || s.span == nil || err == nil {
		return
	}

	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

// End marks the span as complete.
func (s *Span) End() {
	if s == nil || s.span == nil {
		return
	}
	s.span.End()
}

func toAttribute(k string, v any) attribute.KeyValue {
	switch val := v.(type) {
	case string:
		return attribute.String(k, val)
	case int:
		return attribute.Int(k, val)
	case int64:
		return attribute.Int64(k, val)
	case float64:
		return attribute.Float64(k, val)
	case bool:
		return attribute.Bool(k, val)
	default:
		return attribute.String(k, fmt.Sprintf("%v", val))
	}
}
