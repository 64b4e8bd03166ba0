package gctrace

import (
	"fmt"
	"time"
	"unicode/utf8"

	tracepb "cloud.google.com/go/trace/apiv2/tracepb"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	statuspb "google.golang.org/genproto/googleapis/rpc/status"

	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/protobuf/types/known/timestamppb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/go-faster/otelgcm/internal/gcpresource"
)

// Cloud Trace limits, values over these are truncated or dropped.
const (
	maxDisplayNameBytes    = 128
	maxAttributeValueBytes = 256
	maxAttributes          = 32
)

// Monitored resource labels ride along as span attributes under the
// g.co/r prefix so traces correlate with metrics from the same task.
const resourceLabelPrefix = "g.co/r"

// mapper transforms SDK spans into Cloud Trace wire structures. All
// methods are pure.
type mapper struct {
	projectID string
}

func (m mapper) span(s sdktrace.ReadOnlySpan, res gcpresource.Resource) *tracepb.Span {
	sc := s.SpanContext()
	pb := &tracepb.Span{
		Name: fmt.Sprintf("projects/%s/traces/%s/spans/%s",
			m.projectID, sc.TraceID(), sc.SpanID()),
		SpanId:                  sc.SpanID().String(),
		DisplayName:             trunc(s.Name(), maxDisplayNameBytes),
		StartTime:               toTimestamp(s.StartTime()),
		EndTime:                 toTimestamp(s.EndTime()),
		Attributes:              m.attributes(s, res),
		SpanKind:                spanKind(s.SpanKind()),
		SameProcessAsParentSpan: &wrapperspb.BoolValue{Value: !s.Parent().IsRemote()},
	}
	if parent := s.Parent(); parent.SpanID().IsValid() {
		pb.ParentSpanId = parent.SpanID().String()
	}
	if st := s.Status(); st.Code != codes.Unset {
		pb.Status = spanStatus(st)
	}
	return pb
}

func (m mapper) attributes(s sdktrace.ReadOnlySpan, res gcpresource.Resource) *tracepb.Span_Attributes {
	attrs := s.Attributes()
	out := &tracepb.Span_Attributes{
		AttributeMap:           make(map[string]*tracepb.AttributeValue, len(attrs)),
		DroppedAttributesCount: int32(s.DroppedAttributes()),
	}
	for k, v := range res.Labels {
		key := fmt.Sprintf("%s/%s/%s", resourceLabelPrefix, res.Type, k)
		out.AttributeMap[key] = attributeValue(attribute.StringValue(v))
	}
	for _, kv := range attrs {
		if len(out.AttributeMap) >= maxAttributes {
			out.DroppedAttributesCount++
			continue
		}
		out.AttributeMap[string(kv.Key)] = attributeValue(kv.Value)
	}
	return out
}

func attributeValue(v attribute.Value) *tracepb.AttributeValue {
	switch v.Type() {
	case attribute.BOOL:
		return &tracepb.AttributeValue{
			Value: &tracepb.AttributeValue_BoolValue{BoolValue: v.AsBool()},
		}
	case attribute.INT64:
		return &tracepb.AttributeValue{
			Value: &tracepb.AttributeValue_IntValue{IntValue: v.AsInt64()},
		}
	default:
		return &tracepb.AttributeValue{
			Value: &tracepb.AttributeValue_StringValue{
				StringValue: trunc(v.Emit(), maxAttributeValueBytes),
			},
		}
	}
}

// trunc cuts s to limit bytes without splitting a rune and records how
// much was removed.
func trunc(s string, limit int) *tracepb.TruncatableString {
	if len(s) <= limit {
		return &tracepb.TruncatableString{Value: s}
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return &tracepb.TruncatableString{
		Value:              s[:cut],
		TruncatedByteCount: int32(len(s) - cut),
	}
}

func spanKind(kind trace.SpanKind) tracepb.Span_SpanKind {
	switch kind {
	case trace.SpanKindInternal:
		return tracepb.Span_INTERNAL
	case trace.SpanKindServer:
		return tracepb.Span_SERVER
	case trace.SpanKindClient:
		return tracepb.Span_CLIENT
	case trace.SpanKindProducer:
		return tracepb.Span_PRODUCER
	case trace.SpanKindConsumer:
		return tracepb.Span_CONSUMER
	default:
		return tracepb.Span_SPAN_KIND_UNSPECIFIED
	}
}

func spanStatus(st sdktrace.Status) *statuspb.Status {
	code := grpccodes.OK
	if st.Code == codes.Error {
		code = grpccodes.Unknown
	}
	return &statuspb.Status{
		Code:    int32(code),
		Message: st.Description,
	}
}

const nanosPerSecond = int64(time.Second)

// toTimestamp converts epoch nanoseconds to the backend second plus
// subsecond representation. Integer division truncates, it does not
// round.
func toTimestamp(t time.Time) *timestamppb.Timestamp {
	ns := t.UnixNano()
	return &timestamppb.Timestamp{
		Seconds: ns / nanosPerSecond,
		Nanos:   int32(ns % nanosPerSecond),
	}
}
