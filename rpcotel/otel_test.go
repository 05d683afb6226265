// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package rpcotel

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/avrorpc/avro-rpc-go/avrorpc"
)

func newRecordingHook(t *testing.T) (*Hook, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	cfg := DefaultConfig()
	cfg.TracerProvider = tp
	return NewHook("negate", cfg), exp
}

func TestHookRecordsSpanForSuccessfulDispatch(t *testing.T) {
	hook, exp := newRecordingHook(t)
	ctx, token := hook.OnDispatchStart(context.Background(), avrorpc.DispatchInfo{
		Message:   "negate",
		RequestID: "req-1",
	})
	hook.OnDispatchEnd(ctx, token, avrorpc.DispatchInfo{Message: "negate", RequestID: "req-1"}, nil)

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d ended spans, want 1", len(spans))
	}
	if spans[0].Status.Code != codes.Ok {
		t.Fatalf("got status code %v, want Ok", spans[0].Status.Code)
	}
}

func TestHookRecordsErrorStatusAndExceptionOnFailedDispatch(t *testing.T) {
	hook, exp := newRecordingHook(t)
	ctx, token := hook.OnDispatchStart(context.Background(), avrorpc.DispatchInfo{
		Message:   "negate",
		RequestID: "req-2",
	})
	dispatchErr := errors.New("boom")
	hook.OnDispatchEnd(ctx, token, avrorpc.DispatchInfo{Message: "negate", RequestID: "req-2"}, dispatchErr)

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d ended spans, want 1", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Fatalf("got status code %v, want Error", spans[0].Status.Code)
	}
	found := false
	for _, e := range spans[0].Events {
		if e.Name == "exception" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected an exception event recorded on the span")
	}
}

func TestHookWithTracingDisabledRecordsNoSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	cfg := DefaultConfig()
	cfg.TracerProvider = tp
	cfg.EnableTracing = false
	hook := NewHook("negate", cfg)

	ctx, token := hook.OnDispatchStart(context.Background(), avrorpc.DispatchInfo{Message: "negate", RequestID: "req-3"})
	hook.OnDispatchEnd(ctx, token, avrorpc.DispatchInfo{Message: "negate", RequestID: "req-3"}, nil)

	if len(exp.GetSpans()) != 0 {
		t.Fatalf("got %d ended spans, want 0 with tracing disabled", len(exp.GetSpans()))
	}
}
