package stats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// NewMeterProvider installs an SDK meter provider exporting over OTLP/HTTP.
// The endpoint and headers come from the standard OTEL_EXPORTER_OTLP_*
// variables. The returned provider must be shut down to flush the last batch.
func NewMeterProvider(ctx context.Context, interval time.Duration) (*sdkmetric.MeterProvider, error) {
	exporter, err := otlpmetrichttp.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(meterName)))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	readerOpts := []sdkmetric.PeriodicReaderOption{}
	if interval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(interval))
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, readerOpts...)),
	)
	otel.SetMeterProvider(mp)

	slog.Info("stats: Exporting metrics over OTLP", "interval", interval)

	return mp, nil
}
