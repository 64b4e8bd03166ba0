// Package gctrace exports OpenTelemetry spans to Google Cloud Trace.
//
// The exporter plugs into the SDK as a trace.SpanExporter. Backend
// failures come back as a plain error result and never propagate as
// faults into the instrumented application.
package gctrace

import (
	"context"
	"sync"

	tracev2 "cloud.google.com/go/trace/apiv2"
	tracepb "cloud.google.com/go/trace/apiv2/tracepb"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	gax "github.com/googleapis/gax-go/v2"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/go-faster/otelgcm/internal/gcpresource"
)

// ErrShutdown is returned by ExportSpans after Shutdown.
var ErrShutdown = errors.New("exporter is shut down")

// Client is the Cloud Trace surface used by the exporter.
// *trace.Client from cloud.google.com/go/trace/apiv2 implements it.
type Client interface {
	BatchWriteSpans(ctx context.Context, req *tracepb.BatchWriteSpansRequest, opts ...gax.CallOption) error
	Close() error
}

// Exporter is a Cloud Trace span exporter.
//
// Exports may run concurrently. Shutdown is a barrier: exports
// beginning after it fail without contacting the backend.
type Exporter struct {
	cfg    Config
	client Client
	mapper mapper

	mux      sync.Mutex
	down     bool
	inflight sync.WaitGroup
}

var _ sdktrace.SpanExporter = (*Exporter)(nil)

// New creates an exporter with a real Cloud Trace client.
func New(ctx context.Context, cfg Config) (*Exporter, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "validate")
	}
	client, err := tracev2.NewClient(ctx, cfg.ClientOptions...)
	if err != nil {
		return nil, errors.Wrap(err, "create trace client")
	}
	return NewWithClient(cfg, client)
}

// NewWithClient creates an exporter over an existing client.
func NewWithClient(cfg Config, client Client) (*Exporter, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "validate")
	}
	return &Exporter{
		cfg:    cfg,
		client: client,
		mapper: mapper{projectID: cfg.ProjectID},
	}, nil
}

// NewOrNoop creates an exporter, falling back to a no-op exporter when
// construction fails so the host instrumentation pipeline does not
// crash at startup.
func NewOrNoop(ctx context.Context, cfg Config) sdktrace.SpanExporter {
	exp, err := New(ctx, cfg)
	if err != nil {
		lg := cfg.Logger
		if lg == nil {
			lg = zctx.From(ctx)
		}
		lg.Warn("Falling back to no-op span exporter", zap.Error(err))
		return noopExporter{}
	}
	return exp
}

// ExportSpans translates and submits a batch of spans in a single
// BatchWriteSpans call. An empty batch succeeds trivially with zero
// backend calls.
func (e *Exporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.inflight.Done()

	if len(spans) == 0 {
		return nil
	}
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	pbs := make([]*tracepb.Span, 0, len(spans))
	for _, s := range spans {
		pbs = append(pbs, e.mapper.span(s, gcpresource.Map(s.Resource())))
	}

	err := e.client.BatchWriteSpans(ctx, &tracepb.BatchWriteSpansRequest{
		Name:  "projects/" + e.cfg.ProjectID,
		Spans: pbs,
	})
	if err != nil {
		e.logger(ctx).Error("Batch write spans",
			zap.Int("spans", len(pbs)),
			zap.Error(err),
		)
		return errors.Wrap(err, "export spans")
	}
	return nil
}

// ForceFlush waits for in-flight exports. The exporter owns no buffer,
// buffering belongs to the SDK span processor.
func (e *Exporter) ForceFlush(ctx context.Context) error {
	return e.wait(ctx)
}

// Shutdown stops the exporter and closes the client. Idempotent:
// repeated calls succeed. In-flight exports are waited for, exports
// starting afterwards fail with ErrShutdown.
func (e *Exporter) Shutdown(ctx context.Context) error {
	e.mux.Lock()
	already := e.down
	e.down = true
	e.mux.Unlock()
	if already {
		return nil
	}
	if err := e.wait(ctx); err != nil {
		return err
	}
	return e.client.Close()
}

func (e *Exporter) begin() error {
	e.mux.Lock()
	defer e.mux.Unlock()
	if e.down {
		return ErrShutdown
	}
	e.inflight.Add(1)
	return nil
}

func (e *Exporter) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Exporter) logger(ctx context.Context) *zap.Logger {
	if e.cfg.Logger != nil {
		return e.cfg.Logger
	}
	return zctx.From(ctx)
}

// noopExporter reports success for every operation and never contacts
// the backend.
type noopExporter struct{}

var _ sdktrace.SpanExporter = noopExporter{}

func (noopExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (noopExporter) Shutdown(context.Context) error                             { return nil }
