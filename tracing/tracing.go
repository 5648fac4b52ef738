// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tracing wires each node invocation into an OpenTelemetry span
// when a tracer is configured, and is a no-op otherwise. Profiling and GPU
// resource wiring are deliberately out of scope here; this package only
// carries the ambient span plumbing.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/graphrun/graphrun/timestamp"
)

// Tracer wraps an otel trace.Tracer (or nil, meaning tracing is disabled).
type Tracer struct {
	tracer trace.Tracer
}

// NoOp returns a Tracer that never creates spans.
func NoOp() *Tracer { return &Tracer{} }

// New wraps t as a graph Tracer. A nil t behaves like NoOp.
func New(t trace.Tracer) *Tracer { return &Tracer{tracer: t} }

// StartInvocation opens a span named "graphrun.process" for one node
// invocation, tagged with the node name and timestamp, returning a context
// and an end function to defer.
func (t *Tracer) StartInvocation(ctx context.Context, nodeName string, ts timestamp.Timestamp) (context.Context, func(error)) {
	if t == nil || t.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := t.tracer.Start(ctx, "graphrun.process",
		trace.WithAttributes(
			attribute.String("graphrun.node", nodeName),
			attribute.Int64("graphrun.timestamp", int64(ts)),
		))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}
