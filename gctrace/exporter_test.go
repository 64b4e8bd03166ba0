package gctrace

import (
	"context"
	"sync"
	"testing"

	tracepb "cloud.google.com/go/trace/apiv2/tracepb"

	"github.com/go-faster/errors"
	gax "github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type fakeClient struct {
	mux      sync.Mutex
	requests []*tracepb.BatchWriteSpansRequest
	writeErr error
	closed   int
}

func (f *fakeClient) BatchWriteSpans(_ context.Context, req *tracepb.BatchWriteSpansRequest, _ ...gax.CallOption) error {
	f.mux.Lock()
	defer f.mux.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.requests = append(f.requests, req)
	return nil
}

func (f *fakeClient) Close() error {
	f.mux.Lock()
	defer f.mux.Unlock()
	f.closed++
	return nil
}

func spans(names ...string) []sdktrace.ReadOnlySpan {
	out := make([]sdktrace.ReadOnlySpan, 0, len(names))
	for _, name := range names {
		out = append(out, testSpan(tracetest.SpanStub{Name: name}))
	}
	return out
}

func TestExportSpans(t *testing.T) {
	fc := &fakeClient{}
	exp, err := NewWithClient(Config{ProjectID: "test-project"}, fc)
	require.NoError(t, err)

	require.NoError(t, exp.ExportSpans(context.Background(), spans("a", "b")))

	require.Len(t, fc.requests, 1, "one BatchWriteSpans call per batch")
	req := fc.requests[0]
	require.Equal(t, "projects/test-project", req.Name)
	require.Len(t, req.Spans, 2)
}

func TestExportSpansEmpty(t *testing.T) {
	fc := &fakeClient{}
	exp, err := NewWithClient(Config{ProjectID: "test-project"}, fc)
	require.NoError(t, err)

	require.NoError(t, exp.ExportSpans(context.Background(), nil))
	require.Empty(t, fc.requests)
}

func TestExportSpansTransportError(t *testing.T) {
	fc := &fakeClient{writeErr: errors.New("unavailable")}
	exp, err := NewWithClient(Config{ProjectID: "test-project"}, fc)
	require.NoError(t, err)

	require.Error(t, exp.ExportSpans(context.Background(), spans("a")))
}

func TestExportSpansAfterShutdown(t *testing.T) {
	ctx := context.Background()
	fc := &fakeClient{}
	exp, err := NewWithClient(Config{ProjectID: "test-project"}, fc)
	require.NoError(t, err)

	require.NoError(t, exp.Shutdown(ctx))
	require.ErrorIs(t, exp.ExportSpans(ctx, spans("a")), ErrShutdown)
	require.Empty(t, fc.requests)

	// Idempotent, client closed once.
	require.NoError(t, exp.Shutdown(ctx))
	require.Equal(t, 1, fc.closed)
}

func TestNewOrNoopFallsBack(t *testing.T) {
	ctx := context.Background()
	exp := NewOrNoop(ctx, Config{})
	require.NotNil(t, exp)
	require.NoError(t, exp.ExportSpans(ctx, spans("a")))
	require.NoError(t, exp.Shutdown(ctx))
}

func TestConfigValidate(t *testing.T) {
	require.Error(t, Config{}.Validate())
	require.NoError(t, Config{ProjectID: "p"}.Validate())
}
