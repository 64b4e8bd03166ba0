package gctrace

import (
	"strings"
	"testing"
	"time"

	tracepb "cloud.google.com/go/trace/apiv2/tracepb"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-faster/otelgcm/internal/gcpresource"
)

var (
	testTraceID = trace.TraceID{0x0f, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x01}
	testSpanID  = trace.SpanID{0x0f, 0, 0, 0, 0, 0, 0, 0x01}
	testRes     = gcpresource.Resource{
		Type:   "gce_instance",
		Labels: map[string]string{"zone": "us-central1-a"},
	}
)

func testSpan(stub tracetest.SpanStub) sdktrace.ReadOnlySpan {
	if !stub.SpanContext.IsValid() {
		stub.SpanContext = trace.NewSpanContext(trace.SpanContextConfig{
			TraceID: testTraceID,
			SpanID:  testSpanID,
		})
	}
	return stub.Snapshot()
}

func TestSpanName(t *testing.T) {
	pb := mapper{projectID: "test-project"}.span(testSpan(tracetest.SpanStub{
		Name:      "GET /articles",
		StartTime: time.Unix(100, 0),
		EndTime:   time.Unix(0, 160_000_000_001),
		SpanKind:  trace.SpanKindServer,
	}), testRes)

	require.Equal(t,
		"projects/test-project/traces/0f000000000000000000000000000001/spans/0f00000000000001",
		pb.Name)
	require.Equal(t, "0f00000000000001", pb.SpanId)
	require.Empty(t, pb.ParentSpanId)
	require.Equal(t, "GET /articles", pb.DisplayName.Value)
	require.Equal(t, tracepb.Span_SERVER, pb.SpanKind)
	require.EqualValues(t, 100, pb.StartTime.Seconds)
	require.EqualValues(t, 160, pb.EndTime.Seconds)
	require.EqualValues(t, 1, pb.EndTime.Nanos)
}

func TestSpanParentAndStatus(t *testing.T) {
	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: testTraceID,
		SpanID:  trace.SpanID{0xaa, 0, 0, 0, 0, 0, 0, 0x02},
		Remote:  true,
	})
	pb := mapper{projectID: "test-project"}.span(testSpan(tracetest.SpanStub{
		Name:   "child",
		Parent: parent,
		Status: sdktrace.Status{Code: codes.Error, Description: "boom"},
	}), testRes)

	require.Equal(t, "aa00000000000002", pb.ParentSpanId)
	require.False(t, pb.SameProcessAsParentSpan.Value)
	require.NotNil(t, pb.Status)
	require.EqualValues(t, 2, pb.Status.Code)
	require.Equal(t, "boom", pb.Status.Message)
}

func TestSpanUnsetStatusOmitted(t *testing.T) {
	pb := mapper{projectID: "test-project"}.span(testSpan(tracetest.SpanStub{Name: "s"}), testRes)
	require.Nil(t, pb.Status)
}

func TestSpanAttributes(t *testing.T) {
	pb := mapper{projectID: "test-project"}.span(testSpan(tracetest.SpanStub{
		Name: "s",
		Attributes: []attribute.KeyValue{
			attribute.String("http.method", "GET"),
			attribute.Int("http.status_code", 204),
			attribute.Bool("cache.hit", true),
		},
	}), testRes)

	m := pb.Attributes.AttributeMap
	require.Equal(t, "GET", m["http.method"].GetStringValue().GetValue())
	require.EqualValues(t, 204, m["http.status_code"].GetIntValue())
	require.True(t, m["cache.hit"].GetBoolValue())
	require.Equal(t, "us-central1-a", m["g.co/r/gce_instance/zone"].GetStringValue().GetValue())
}

func TestSpanAttributeCap(t *testing.T) {
	attrs := make([]attribute.KeyValue, 40)
	for i := range attrs {
		attrs[i] = attribute.Int(strings.Repeat("k", i+1), i)
	}
	pb := mapper{projectID: "test-project"}.span(testSpan(tracetest.SpanStub{
		Name:       "s",
		Attributes: attrs,
	}), gcpresource.Resource{Type: "generic_task"})

	require.Len(t, pb.Attributes.AttributeMap, maxAttributes)
	require.EqualValues(t, 8, pb.Attributes.DroppedAttributesCount)
}

func TestTrunc(t *testing.T) {
	ts := trunc("short", 128)
	require.Equal(t, "short", ts.Value)
	require.Zero(t, ts.TruncatedByteCount)

	long := strings.Repeat("é", 100) // 2 bytes per rune
	ts = trunc(long, 129)
	require.Equal(t, 128, len(ts.Value), "must not split a rune")
	require.EqualValues(t, 72, ts.TruncatedByteCount)
}
