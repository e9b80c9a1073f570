package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func spanAttr(span sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestExecuteRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	f := newFixture(safe(10, "无"))
	o := New(f.backends(), WithTracer(tp.Tracer("test")))
	_, err := o.Execute(context.Background(), "整理笔记")
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 5)

	var stages []string
	var run sdktrace.ReadOnlySpan
	for _, span := range spans {
		switch span.Name() {
		case "pipeline.stage":
			v, ok := spanAttr(span, "stage.role")
			if ok {
				stages = append(stages, v.AsString())
			}
		case "pipeline.run":
			run = span
		}
	}
	require.NotNil(t, run)
	assert.Len(t, stages, 4)

	accepted, ok := spanAttr(run, "run.accepted")
	require.True(t, ok)
	assert.True(t, accepted.AsBool())
	for _, span := range spans {
		assert.Equal(t, run.SpanContext().TraceID(), span.SpanContext().TraceID())
	}
}

func TestFailedRunMarksSpanError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	f := newFixture(safe(10, "无"))
	f.verifier = script(reply{err: assert.AnError})
	o := New(f.backends(), WithTracer(tp.Tracer("test")))
	result, err := o.Execute(context.Background(), "整理笔记")
	require.NoError(t, err)
	require.False(t, result.Success)

	for _, span := range recorder.Ended() {
		if span.Name() == "pipeline.run" {
			assert.Equal(t, codes.Error, span.Status().Code)
			return
		}
	}
	t.Fatal("run span not recorded")
}
