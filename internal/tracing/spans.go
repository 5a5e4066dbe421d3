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
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
const (
	AttrExecutionID   = "ragrunner.execution_id"
	AttrCorrelationID = "ragrunner.correlation_id"
	AttrSpec          = "ragrunner.spec"
	AttrSpecKind      = "ragrunner.spec_kind"
	AttrStep          = "ragrunner.step"
	AttrStepKind      = "ragrunner.step_kind"
	AttrStatus        = "ragrunner.status"
	AttrTokens        = "ragrunner.tokens"
	AttrAttempts      = "ragrunner.attempts"
)

// StartExecution creates the root span for one execution.
func StartExecution(ctx context.Context, tracer trace.Tracer, executionID, correlationID, spec, kind string) (context.Context, trace.Span) {
	return tracer.Start(ctx, fmt.Sprintf("execution: %s", spec),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrExecutionID, executionID),
			attribute.String(AttrCorrelationID, correlationID),
			attribute.String(AttrSpec, spec),
			attribute.String(AttrSpecKind, kind),
		),
	)
}

// StartStep creates a span for one step or agent iteration.
func StartStep(ctx context.Context, tracer trace.Tracer, step, kind string) (context.Context, trace.Span) {
	return tracer.Start(ctx, fmt.Sprintf("step: %s", step),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrStep, step),
			attribute.String(AttrStepKind, kind),
		),
	)
}

// Finish records the outcome on span and ends it.
func Finish(span trace.Span, status string, tokens, attempts int, err error) {
	span.SetAttributes(
		attribute.String(AttrStatus, status),
		attribute.Int(AttrTokens, tokens),
	)
	if attempts > 0 {
		span.SetAttributes(attribute.Int(AttrAttempts, attempts))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// RecordStep emits a span for a step that has already finished, such as an
// agent iteration reported through a callback.
func RecordStep(ctx context.Context, tracer trace.Tracer, step, kind, status string, tokens, attempts int, started time.Time, duration time.Duration, err error) {
	_, span := tracer.Start(ctx, fmt.Sprintf("step: %s", step),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithTimestamp(started),
		trace.WithAttributes(
			attribute.String(AttrStep, step),
			attribute.String(AttrStepKind, kind),
			attribute.String(AttrStatus, status),
			attribute.Int(AttrTokens, tokens),
			attribute.Int(AttrAttempts, attempts),
		),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(started.Add(duration)))
}
