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
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Propagator carries W3C trace context and baggage. Setup installs it as
// the global propagator.
func Propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}

// Inject writes the span and correlation ID of ctx into h, so a reaction's
// outbound call can be traced back to its execution.
func Inject(ctx context.Context, h http.Header) {
	if id := FromContextOrEmpty(ctx); id != "" {
		h.Set(HeaderCorrelationID, id.String())
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(h))
}

// Extract returns ctx carrying the trace context and correlation ID of an
// inbound request. A missing or malformed correlation ID is replaced by a
// new one; webhook senders rarely send one.
func Extract(ctx context.Context, r *http.Request) (context.Context, CorrelationID) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(r.Header))

	id, ok := ExtractFromRequest(r)
	if !ok || !id.IsValid() {
		id = NewCorrelationID()
	}
	return ToContext(ctx, id), id
}
