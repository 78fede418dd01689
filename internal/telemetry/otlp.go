package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Exporter owns the OTLP push pipeline's lifecycle. Callers that never
// enable KUBEWARDEN_ENABLE_METRICS never construct one; Shutdown on a nil
// *Exporter is a no-op so bootstrap can defer it unconditionally.
type Exporter struct {
	provider *sdkmetric.MeterProvider
}

// NewExporter dials endpoint over gRPC and installs the resulting
// MeterProvider as the global one, mirroring the kubewarden-controller's
// collector-dial-at-startup behaviour, updated to the current SDK's
// PeriodicReader instead of the retired controller/processor pipeline.
func NewExporter(ctx context.Context, endpoint string) (*Exporter, error) {
	exp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithEndpoint(endpoint),
	)
	if err != nil {
		return nil, fmt.Errorf("cannot start metric exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(2*time.Second))),
	)
	otel.SetMeterProvider(provider)

	return &Exporter{provider: provider}, nil
}

// Shutdown flushes any buffered metrics and tears down the gRPC connection.
// Safe to call on a nil Exporter.
func (e *Exporter) Shutdown(ctx context.Context) error {
	if e == nil {
		return nil
	}
	return e.provider.Shutdown(ctx)
}
