package step

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestEngine_Spans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	e := New(fastConfig(), WithTracer(tp.Tracer("test")))
	e.Run(context.Background(), "one", func(ctx context.Context, s *Step) (*Step, error) {
		return s.Next("two", func(context.Context, *Step) (*Step, error) {
			return nil, errors.New("fail")
		})
	})

	spans := exporter.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans (run + 2 steps), got %d", len(spans))
	}

	var runSpan, failedStep *tracetest.SpanStub
	for i := range spans {
		switch spans[i].Name {
		case "stepflow.run":
			runSpan = &spans[i]
		case "stepflow.step":
			for _, a := range spans[i].Attributes {
				if a.Key == "stepflow.label" && a.Value.AsString() == "two" {
					failedStep = &spans[i]
				}
			}
		}
	}
	if runSpan == nil || runSpan.Status.Code != codes.Error {
		t.Errorf("expected run span with error status, got %+v", runSpan)
	}
	if failedStep == nil || failedStep.Status.Code != codes.Error {
		t.Errorf("expected failed step span with error status, got %+v", failedStep)
	}
	if failedStep != nil && runSpan != nil && failedStep.Parent.SpanID() != runSpan.SpanContext.SpanID() {
		t.Error("step span should be a child of the run span")
	}
}
