// Copyright (C) 2025 Chrysalis AI (dev@chrysalis-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrate

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const runTracerName = "chrysalis.evolution"

// Tracer provides OpenTelemetry tracing for pipeline runs.
//
// # Description
//
// Wraps the OpenTelemetry tracer with run-specific span creation. When
// disabled, returns noop spans for zero overhead.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Tracer struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	enabled bool
}

// NewTracer creates a pipeline tracer.
//
// # Inputs
//
//   - logger: Logger for structured logging. Uses slog.Default() if nil.
//   - enabled: Whether tracing is enabled. When false, uses noop spans.
func NewTracer(logger *slog.Logger, enabled bool) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracer{
		tracer:  otel.Tracer(runTracerName),
		logger:  logger,
		enabled: enabled,
	}
}

// StartRun starts a span covering one proposal's full pipeline trip.
//
// # Outputs
//
//   - context.Context: Context with span attached.
//   - trace.Span: The created span. Caller must call End() when done.
func (t *Tracer) StartRun(ctx context.Context, runID string, p Proposal) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}

	ctx, span := t.tracer.Start(ctx, "evolution.run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("run.actor", string(p.Actor)),
			attribute.String("run.root", p.RootName),
			attribute.String("run.path", truncateForTrace(p.Path, 120)),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)

	t.logger.DebugContext(ctx, "starting pipeline run",
		slog.String("run_id", runID),
		slog.String("root", p.RootName),
	)

	return ctx, span
}

// EndRun completes a run span with its terminal status.
func (t *Tracer) EndRun(span trace.Span, run *Run, err error) {
	if span == nil {
		return
	}
	defer span.End()

	if run != nil {
		span.SetAttributes(attribute.String("run.status", string(run.Status)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// RecordStage records a stage transition event on the active span.
func (t *Tracer) RecordStage(ctx context.Context, runID string, from, to Status) {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		span.AddEvent("stage_transition",
			trace.WithAttributes(
				attribute.String("run.id", runID),
				attribute.String("run.from_stage", string(from)),
				attribute.String("run.to_stage", string(to)),
			),
		)
	}

	t.logger.DebugContext(ctx, "run stage transition",
		slog.String("run_id", runID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
}

// truncateForTrace truncates a string for use in span attributes.
func truncateForTrace(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 4 {
		if maxLen <= 0 {
			return ""
		}
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
