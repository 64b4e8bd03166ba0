// Package gcmetric exports OpenTelemetry metrics to Google Cloud
// Monitoring.
//
// The exporter plugs into the SDK as a metric.Exporter, translates
// aggregated data points into Cloud Monitoring time series, registers
// metric descriptors per the configured strategy and submits the
// result. Failures never propagate as faults into the instrumented
// application: untranslatable records are dropped and logged, backend
// errors come back as a plain error result.
package gcmetric

import (
	"context"
	"sync"
	"sync/atomic"

	monitoring "cloud.google.com/go/monitoring/apiv3/v2"
	monitoringpb "cloud.google.com/go/monitoring/apiv3/v2/monitoringpb"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	gax "github.com/googleapis/gax-go/v2"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	metricpb "google.golang.org/genproto/googleapis/api/metric"
	monitoredrespb "google.golang.org/genproto/googleapis/api/monitoredres"

	"github.com/go-faster/otelgcm/internal/gcpresource"
)

// ErrShutdown is returned by Export after Shutdown. Exporting after
// shutdown must fail: silently dropping data without signaling is the
// bug class this exporter exists to avoid.
var ErrShutdown = errors.New("exporter is shut down")

// errAllDropped is returned when every record of a non-empty batch was
// dropped before submission.
var errAllDropped = errors.New("all records dropped")

// Cloud Monitoring caps time series per CreateTimeSeries call.
const maxSeriesPerCall = 200

// Client is the Cloud Monitoring surface used by the exporter.
// *monitoring.MetricClient implements it.
type Client interface {
	CreateMetricDescriptor(ctx context.Context, req *monitoringpb.CreateMetricDescriptorRequest, opts ...gax.CallOption) (*metricpb.MetricDescriptor, error)
	CreateTimeSeries(ctx context.Context, req *monitoringpb.CreateTimeSeriesRequest, opts ...gax.CallOption) error
	Close() error
}

// Exporter is a Cloud Monitoring metric exporter.
//
// Exports may run concurrently. Shutdown is a barrier: exports
// beginning after it fail without contacting the backend.
type Exporter struct {
	cfg      Config
	client   Client
	mapper   mapper
	registry *registry

	mux      sync.Mutex
	down     bool
	inflight sync.WaitGroup
}

var _ sdkmetric.Exporter = (*Exporter)(nil)

// New creates an exporter with a real Cloud Monitoring client.
func New(ctx context.Context, cfg Config) (*Exporter, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "validate")
	}
	client, err := monitoring.NewMetricClient(ctx, cfg.ClientOptions...)
	if err != nil {
		return nil, errors.Wrap(err, "create metric client")
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
		mapper: mapper{
			projectID: cfg.ProjectID,
			prefix:    cfg.Prefix,
		},
		registry: newRegistry(cfg.Strategy),
	}, nil
}

// NewOrNoop creates an exporter, falling back to a no-op exporter when
// construction fails so the host instrumentation pipeline does not
// crash at startup.
func NewOrNoop(ctx context.Context, cfg Config) sdkmetric.Exporter {
	exp, err := New(ctx, cfg)
	if err != nil {
		lg := cfg.Logger
		if lg == nil {
			lg = zctx.From(ctx)
		}
		lg.Warn("Falling back to no-op metric exporter", zap.Error(err))
		return noopExporter{}
	}
	return exp
}

// Temporality implements metric.Exporter. Cloud Monitoring takes
// cumulative points only.
func (e *Exporter) Temporality(sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

// Aggregation implements metric.Exporter.
func (e *Exporter) Aggregation(kind sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(kind)
}

// Export translates and submits a batch.
//
// Result is success iff at least one series was submitted. An empty
// batch succeeds trivially with zero backend calls. Dropped records
// (untranslatable data, failed descriptor registration) do not fail
// the batch as long as something else got through.
func (e *Exporter) Export(ctx context.Context, rm *metricdata.ResourceMetrics) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.inflight.Done()

	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}
	lg := e.logger(ctx)

	mapped := gcpresource.Map(rm.Resource)
	mr := &monitoredrespb.MonitoredResource{
		Type:   mapped.Type,
		Labels: mapped.Labels,
	}

	records, total, translateErr := e.mapper.resourceMetrics(rm, mr)
	if translateErr != nil {
		lg.Warn("Dropping records without backend representation",
			zap.Int("total", total),
			zap.Int("translated", len(records)),
			zap.Error(translateErr),
		)
	}

	var series []*monitoringpb.TimeSeries
	for _, rec := range records {
		if !e.register(ctx, rec.descriptor) {
			continue
		}
		series = append(series, rec.series...)
	}

	submitted, submitErr := e.submit(ctx, series)
	if submitErr != nil {
		lg.Error("Create time series", zap.Error(submitErr))
	}

	if total == 0 || submitted > 0 {
		return nil
	}
	if submitErr != nil {
		return errors.Wrap(submitErr, "export")
	}
	return errAllDropped
}

// register ensures the descriptor is known to the backend per the
// configured strategy. The registry claims the identity before the
// call goes out, so concurrent exports of one new identity produce one
// registration. A failed registration drops only the affected record
// and is retried on the next cycle: the SEND_ONCE cache is updated on
// success only.
func (e *Exporter) register(ctx context.Context, md *metricpb.MetricDescriptor) bool {
	err := e.registry.Register(identity(md), func() error {
		_, err := e.client.CreateMetricDescriptor(ctx, &monitoringpb.CreateMetricDescriptorRequest{
			Name:             e.projectName(),
			MetricDescriptor: md,
		})
		return err
	})
	if err != nil {
		e.logger(ctx).Warn("Create metric descriptor",
			zap.String("metric_type", md.GetType()),
			zap.Error(err),
		)
		return false
	}
	return true
}

// submit sends series in chunks, each within the backend call limit.
// Chunks are independent: one failing does not abort the others.
func (e *Exporter) submit(ctx context.Context, series []*monitoringpb.TimeSeries) (int, error) {
	if len(series) == 0 {
		return 0, nil
	}

	var (
		grp       errgroup.Group
		submitted atomic.Int64
	)
	for len(series) > 0 {
		n := min(len(series), maxSeriesPerCall)
		chunk := series[:n]
		series = series[n:]

		grp.Go(func() error {
			err := e.client.CreateTimeSeries(ctx, &monitoringpb.CreateTimeSeriesRequest{
				Name:       e.projectName(),
				TimeSeries: chunk,
			})
			if err != nil {
				return errors.Wrapf(err, "chunk of %d", len(chunk))
			}
			submitted.Add(int64(len(chunk)))
			return nil
		})
	}
	err := grp.Wait()
	return int(submitted.Load()), err
}

// ForceFlush waits for in-flight exports. The exporter owns no buffer,
// buffering belongs to the SDK reader.
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

func (e *Exporter) projectName() string {
	return "projects/" + e.cfg.ProjectID
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

var _ sdkmetric.Exporter = noopExporter{}

func (noopExporter) Temporality(kind sdkmetric.InstrumentKind) metricdata.Temporality {
	return sdkmetric.DefaultTemporalitySelector(kind)
}

func (noopExporter) Aggregation(kind sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(kind)
}

func (noopExporter) Export(context.Context, *metricdata.ResourceMetrics) error { return nil }
func (noopExporter) ForceFlush(context.Context) error                          { return nil }
func (noopExporter) Shutdown(context.Context) error                            { return nil }
