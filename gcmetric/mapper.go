package gcmetric

import (
	"encoding/hex"
	"fmt"
	"math"
	"path"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/instrumentation"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/multierr"
	"google.golang.org/genproto/googleapis/api/distribution"
	labelpb "google.golang.org/genproto/googleapis/api/label"
	metricpb "google.golang.org/genproto/googleapis/api/metric"
	monitoredrespb "google.golang.org/genproto/googleapis/api/monitoredres"

	monitoringpb "cloud.google.com/go/monitoring/apiv3/v2/monitoringpb"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Reserved label keys carrying the instrumentation scope. Appended
// after user labels and only if absent: a user label with the same key
// wins.
const (
	labelInstrumentationSource  = "instrumentation_source"
	labelInstrumentationVersion = "instrumentation_version"
)

// errNoRepresentation marks records without a Cloud Monitoring
// representation. Such records are dropped from the batch, the batch
// itself continues.
var errNoRepresentation = errors.New("no Cloud Monitoring representation")

// mapper transforms SDK metric data into Cloud Monitoring wire
// structures. All methods are pure.
type mapper struct {
	projectID string
	prefix    string
}

// record is one translated metric stream: the descriptor to register
// and the time series referencing it.
type record struct {
	descriptor *metricpb.MetricDescriptor
	series     []*monitoringpb.TimeSeries
}

// resourceMetrics translates a batch. Untranslatable records are
// dropped and reported in err; total counts all input records so the
// caller can distinguish an empty batch from a fully dropped one.
func (m mapper) resourceMetrics(
	rm *metricdata.ResourceMetrics,
	mr *monitoredrespb.MonitoredResource,
) (records []record, total int, err error) {
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			total++
			rec, recErr := m.metric(met, sm.Scope, mr)
			if recErr != nil {
				err = multierr.Append(err, errors.Wrapf(recErr, "metric %q", met.Name))
				continue
			}
			records = append(records, rec)
		}
	}
	return records, total, err
}

func (m mapper) metric(
	met metricdata.Metrics,
	scope instrumentation.Scope,
	mr *monitoredrespb.MonitoredResource,
) (record, error) {
	switch data := met.Data.(type) {
	case metricdata.Gauge[int64]:
		return numberRecord(m, met, scope, mr, data.DataPoints, metricpb.MetricDescriptor_GAUGE), nil
	case metricdata.Gauge[float64]:
		return numberRecord(m, met, scope, mr, data.DataPoints, metricpb.MetricDescriptor_GAUGE), nil
	case metricdata.Sum[int64]:
		kind, err := sumKind(data.Temporality, data.IsMonotonic)
		if err != nil {
			return record{}, err
		}
		return numberRecord(m, met, scope, mr, data.DataPoints, kind), nil
	case metricdata.Sum[float64]:
		kind, err := sumKind(data.Temporality, data.IsMonotonic)
		if err != nil {
			return record{}, err
		}
		return numberRecord(m, met, scope, mr, data.DataPoints, kind), nil
	case metricdata.Histogram[int64]:
		if data.Temporality != metricdata.CumulativeTemporality {
			return record{}, errors.Wrapf(errNoRepresentation, "%s histogram", data.Temporality)
		}
		return histogramRecord(m, met, scope, mr, data.DataPoints), nil
	case metricdata.Histogram[float64]:
		if data.Temporality != metricdata.CumulativeTemporality {
			return record{}, errors.Wrapf(errNoRepresentation, "%s histogram", data.Temporality)
		}
		return histogramRecord(m, met, scope, mr, data.DataPoints), nil
	default:
		return record{}, errors.Wrapf(errNoRepresentation, "data type %T", met.Data)
	}
}

// sumKind maps a sum to a metric kind. Monotonic cumulative sums keep
// their start time, non-monotonic sums degrade to gauges. Delta sums
// have no representation.
func sumKind(t metricdata.Temporality, monotonic bool) (metricpb.MetricDescriptor_MetricKind, error) {
	if t != metricdata.CumulativeTemporality {
		return 0, errors.Wrapf(errNoRepresentation, "%s sum", t)
	}
	if !monotonic {
		return metricpb.MetricDescriptor_GAUGE, nil
	}
	return metricpb.MetricDescriptor_CUMULATIVE, nil
}

func numberRecord[N int64 | float64](
	m mapper,
	met metricdata.Metrics,
	scope instrumentation.Scope,
	mr *monitoredrespb.MonitoredResource,
	dps []metricdata.DataPoint[N],
	kind metricpb.MetricDescriptor_MetricKind,
) record {
	series := make([]*monitoringpb.TimeSeries, 0, len(dps))
	for _, dp := range dps {
		series = append(series, &monitoringpb.TimeSeries{
			Metric: &metricpb.Metric{
				Type:   m.metricType(met.Name),
				Labels: pointLabels(dp.Attributes, scope),
			},
			Resource:   mr,
			MetricKind: kind,
			ValueType:  valueType[N](),
			Unit:       met.Unit,
			Points: []*monitoringpb.Point{{
				Interval: interval(kind, dp.StartTime, dp.Time),
				Value:    typedValue(dp.Value),
			}},
		})
	}
	return record{
		descriptor: m.descriptor(met, kind, valueType[N](), series),
		series:     series,
	}
}

func histogramRecord[N int64 | float64](
	m mapper,
	met metricdata.Metrics,
	scope instrumentation.Scope,
	mr *monitoredrespb.MonitoredResource,
	dps []metricdata.HistogramDataPoint[N],
) record {
	const kind = metricpb.MetricDescriptor_CUMULATIVE
	series := make([]*monitoringpb.TimeSeries, 0, len(dps))
	for _, dp := range dps {
		series = append(series, &monitoringpb.TimeSeries{
			Metric: &metricpb.Metric{
				Type:   m.metricType(met.Name),
				Labels: pointLabels(dp.Attributes, scope),
			},
			Resource:   mr,
			MetricKind: kind,
			ValueType:  metricpb.MetricDescriptor_DISTRIBUTION,
			Unit:       met.Unit,
			Points: []*monitoringpb.Point{{
				Interval: interval(kind, dp.StartTime, dp.Time),
				Value:    distributionValue(m.projectID, dp),
			}},
		})
	}
	return record{
		descriptor: m.descriptor(met, kind, metricpb.MetricDescriptor_DISTRIBUTION, series),
		series:     series,
	}
}

// distributionValue maps a histogram point. Bucket counts length is
// bounds length plus one, mapped 1:1.
func distributionValue[N int64 | float64](projectID string, dp metricdata.HistogramDataPoint[N]) *monitoringpb.TypedValue {
	counts := make([]int64, len(dp.BucketCounts))
	for i, c := range dp.BucketCounts {
		counts[i] = int64(c)
	}

	var mean float64
	if dp.Count > 0 && !math.IsNaN(float64(dp.Sum)) {
		mean = float64(dp.Sum) / float64(dp.Count)
	}

	return &monitoringpb.TypedValue{
		Value: &monitoringpb.TypedValue_DistributionValue{
			DistributionValue: &distribution.Distribution{
				Count:        int64(dp.Count),
				Mean:         mean,
				BucketCounts: counts,
				BucketOptions: &distribution.Distribution_BucketOptions{
					Options: &distribution.Distribution_BucketOptions_ExplicitBuckets{
						ExplicitBuckets: &distribution.Distribution_BucketOptions_Explicit{
							Bounds: dp.Bounds,
						},
					},
				},
				Exemplars: exemplars(projectID, dp.Exemplars),
			},
		},
	}
}

func exemplars[N int64 | float64](projectID string, exs []metricdata.Exemplar[N]) []*distribution.Distribution_Exemplar {
	if len(exs) == 0 {
		return nil
	}
	out := make([]*distribution.Distribution_Exemplar, 0, len(exs))
	for _, ex := range exs {
		out = append(out, exemplar(projectID, ex))
	}
	return out
}

func exemplar[N int64 | float64](projectID string, ex metricdata.Exemplar[N]) *distribution.Distribution_Exemplar {
	var attachments []*anypb.Any
	if validID(ex.TraceID) && validID(ex.SpanID) {
		sctx, err := anypb.New(&monitoringpb.SpanContext{
			SpanName: fmt.Sprintf("projects/%s/traces/%s/spans/%s",
				projectID, hex.EncodeToString(ex.TraceID), hex.EncodeToString(ex.SpanID)),
		})
		if err == nil {
			attachments = append(attachments, sctx)
		}
	}
	if len(ex.FilteredAttributes) > 0 {
		dropped := make(map[string]string, len(ex.FilteredAttributes))
		for _, kv := range ex.FilteredAttributes {
			dropped[sanitizeKey(string(kv.Key))] = kv.Value.Emit()
		}
		attr, err := anypb.New(&monitoringpb.DroppedLabels{Label: dropped})
		if err == nil {
			attachments = append(attachments, attr)
		}
	}
	return &distribution.Distribution_Exemplar{
		Value:       float64(ex.Value),
		Timestamp:   toTimestamp(ex.Time),
		Attachments: attachments,
	}
}

func validID(id []byte) bool {
	for _, b := range id {
		if b != 0 {
			return true
		}
	}
	return false
}

func (m mapper) descriptor(
	met metricdata.Metrics,
	kind metricpb.MetricDescriptor_MetricKind,
	vt metricpb.MetricDescriptor_ValueType,
	series []*monitoringpb.TimeSeries,
) *metricpb.MetricDescriptor {
	return &metricpb.MetricDescriptor{
		DisplayName: met.Name,
		Type:        m.metricType(met.Name),
		MetricKind:  kind,
		ValueType:   vt,
		Unit:        met.Unit,
		Description: met.Description,
		Labels:      labelDescriptors(series),
	}
}

// labelDescriptors collects the union of label keys over all series,
// sorted for determinism.
func labelDescriptors(series []*monitoringpb.TimeSeries) []*labelpb.LabelDescriptor {
	keys := map[string]struct{}{}
	for _, ts := range series {
		for k := range ts.GetMetric().GetLabels() {
			keys[k] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	out := make([]*labelpb.LabelDescriptor, 0, len(sorted))
	for _, k := range sorted {
		out = append(out, &labelpb.LabelDescriptor{
			Key:       k,
			ValueType: labelpb.LabelDescriptor_STRING,
		})
	}
	return out
}

// metricType maps a metric name to the Cloud Monitoring metric type.
func (m mapper) metricType(name string) string {
	return path.Join(m.prefix, name)
}

func pointLabels(attrs attribute.Set, scope instrumentation.Scope) map[string]string {
	ls := make(map[string]string, attrs.Len()+2)
	for iter := attrs.Iter(); iter.Next(); {
		kv := iter.Attribute()
		ls[sanitizeKey(string(kv.Key))] = kv.Value.Emit()
	}
	if _, ok := ls[labelInstrumentationSource]; !ok {
		ls[labelInstrumentationSource] = scope.Name
	}
	if _, ok := ls[labelInstrumentationVersion]; !ok {
		ls[labelInstrumentationVersion] = scope.Version
	}
	return ls
}

// sanitizeKey replaces characters not allowed in Cloud Monitoring
// label keys with underscores and prefixes keys starting with a digit.
func sanitizeKey(s string) string {
	if s == "" {
		return s
	}
	s = strings.Map(sanitizeRune, s)
	if unicode.IsDigit(rune(s[0])) {
		s = "key_" + s
	}
	return s
}

func sanitizeRune(r rune) rune {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return r
	}
	return '_'
}

func typedValue[N int64 | float64](v N) *monitoringpb.TypedValue {
	switch v := any(v).(type) {
	case int64:
		return &monitoringpb.TypedValue{Value: &monitoringpb.TypedValue_Int64Value{Int64Value: v}}
	default:
		return &monitoringpb.TypedValue{Value: &monitoringpb.TypedValue_DoubleValue{DoubleValue: v.(float64)}}
	}
}

func valueType[N int64 | float64]() metricpb.MetricDescriptor_ValueType {
	switch any(N(0)).(type) {
	case int64:
		return metricpb.MetricDescriptor_INT64
	default:
		return metricpb.MetricDescriptor_DOUBLE
	}
}

// interval computes point bounds. Gauges carry only the end time,
// cumulative kinds keep their start time.
func interval(kind metricpb.MetricDescriptor_MetricKind, start, end time.Time) *monitoringpb.TimeInterval {
	iv := &monitoringpb.TimeInterval{EndTime: toTimestamp(end)}
	if kind == metricpb.MetricDescriptor_CUMULATIVE {
		iv.StartTime = toTimestamp(start)
	}
	return iv
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
