// Binary otelgcm emits sample telemetry to Google Cloud Monitoring and
// Cloud Trace through the otelgcm exporters.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.uber.org/zap"

	"github.com/go-faster/otelgcm/gcmetric"
	"github.com/go-faster/otelgcm/gctrace"
)

func main() {
	app.Run(func(ctx context.Context, lg *zap.Logger, _ *app.Telemetry) error {
		ctx = zctx.Base(ctx, lg)

		set := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
		var (
			project    = set.String("project", "", "Google Cloud project ID")
			prefix     = set.String("prefix", gcmetric.DefaultPrefix, "Metric type prefix")
			interval   = set.Duration("interval", 30*time.Second, "Metric export interval")
			alwaysSend = set.Bool("always-send-descriptors", false, "Register metric descriptors on every export")
		)
		if err := set.Parse(os.Args[1:]); err != nil {
			return err
		}

		strategy := gcmetric.SendOnce
		if *alwaysSend {
			strategy = gcmetric.AlwaysSend
		}
		metricExporter, err := gcmetric.New(ctx, gcmetric.Config{
			ProjectID: *project,
			Prefix:    *prefix,
			Strategy:  strategy,
			Logger:    lg,
		})
		if err != nil {
			return errors.Wrap(err, "create metric exporter")
		}
		spanExporter, err := gctrace.New(ctx, gctrace.Config{
			ProjectID: *project,
			Logger:    lg,
		})
		if err != nil {
			return errors.Wrap(err, "create span exporter")
		}

		hostname, err := os.Hostname()
		if err != nil {
			return errors.Wrap(err, "hostname")
		}
		res, err := resource.New(ctx,
			resource.WithHost(),
			resource.WithAttributes(
				semconv.ServiceNameKey.String("otelgcm-demo"),
				semconv.ServiceInstanceIDKey.String(hostname),
			),
		)
		if err != nil {
			return errors.Wrap(err, "create resource")
		}

		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
				sdkmetric.WithInterval(*interval),
			)),
		)
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(spanExporter),
		)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := mp.Shutdown(ctx); err != nil {
				lg.Warn("Shutdown meter provider", zap.Error(err))
			}
			if err := tp.Shutdown(ctx); err != nil {
				lg.Warn("Shutdown tracer provider", zap.Error(err))
			}
		}()

		meter := mp.Meter("otelgcm.demo")
		requests, err := meter.Int64Counter("demo.requests",
			metric.WithUnit("1"),
			metric.WithDescription("number of demo requests"),
		)
		if err != nil {
			return errors.Wrap(err, "create counter")
		}
		latency, err := meter.Float64Histogram("demo.latency",
			metric.WithUnit("ms"),
			metric.WithDescription("demo request latency"),
		)
		if err != nil {
			return errors.Wrap(err, "create histogram")
		}
		tracer := tp.Tracer("otelgcm.demo")

		lg.Info("Emitting demo telemetry",
			zap.String("project", *project),
			zap.Duration("interval", *interval),
		)
		tick := time.NewTicker(time.Second)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-tick.C:
				spanCtx, span := tracer.Start(ctx, "demo.request")
				requests.Add(spanCtx, 1,
					metric.WithAttributes(attribute.String("source", "tick")),
				)
				latency.Record(spanCtx, float64(time.Since(now).Microseconds())/1e3)
				span.End()
			}
		}
	},
		app.WithServiceName("otelgcm"),
	)
}
