/*
Copyright 2024 Xanthus Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// MeterConfig holds configuration for the meter.
type MeterConfig struct {
	// ServiceName is the name of the service for metrics.
	ServiceName string
	// ServiceVersion is the version of the service.
	ServiceVersion string
	// Endpoint is the OTLP collector endpoint (e.g., "localhost:4317").
	Endpoint string
	// Insecure disables TLS for the connection.
	Insecure bool
	// ExportInterval is the interval between metric exports.
	ExportInterval time.Duration
}

// InitMeter initializes an OpenTelemetry MeterProvider and sets it as the
// global provider. It returns a shutdown function to call on termination.
func InitMeter(ctx context.Context, cfg MeterConfig) (shutdown func(context.Context) error, err error) {
	if cfg.ServiceName == "" {
		return nil, fmt.Errorf("service name is required")
	}
	if cfg.ExportInterval <= 0 {
		cfg.ExportInterval = 30 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var exporterOpts []otlpmetricgrpc.Option
	if cfg.Endpoint != "" {
		exporterOpts = append(exporterOpts, otlpmetricgrpc.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		exporterOpts = append(exporterOpts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(
				exporter,
				sdkmetric.WithInterval(cfg.ExportInterval),
			),
		),
	)
	otel.SetMeterProvider(mp)

	return mp.Shutdown, nil
}

// Meter returns a meter for the given component name.
func Meter(componentName string) metric.Meter {
	return otel.Meter(componentName)
}

// OrchestratorMetrics holds the deployment lifecycle metrics.
type OrchestratorMetrics struct {
	// InstallsTotal counts completed installs.
	InstallsTotal metric.Int64Counter
	// UpgradesTotal counts completed upgrades.
	UpgradesTotal metric.Int64Counter
	// RemovalsTotal counts completed removals.
	RemovalsTotal metric.Int64Counter
	// FailuresTotal counts operations that ended in the error status.
	FailuresTotal metric.Int64Counter
	// ReconcileDuration measures the duration of a single reconcile pass.
	ReconcileDuration metric.Float64Histogram
}

// NewOrchestratorMetrics creates the lifecycle metrics on the given meter.
func NewOrchestratorMetrics(m metric.Meter) (*OrchestratorMetrics, error) {
	installs, err := m.Int64Counter(
		"xanthus_installs_total",
		metric.WithDescription("Total number of completed application installs"),
		metric.WithUnit("{install}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create installs_total counter: %w", err)
	}

	upgrades, err := m.Int64Counter(
		"xanthus_upgrades_total",
		metric.WithDescription("Total number of completed application upgrades"),
		metric.WithUnit("{upgrade}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upgrades_total counter: %w", err)
	}

	removals, err := m.Int64Counter(
		"xanthus_removals_total",
		metric.WithDescription("Total number of completed application removals"),
		metric.WithUnit("{removal}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create removals_total counter: %w", err)
	}

	failures, err := m.Int64Counter(
		"xanthus_failures_total",
		metric.WithDescription("Total number of lifecycle operations that failed"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create failures_total counter: %w", err)
	}

	reconcileDuration, err := m.Float64Histogram(
		"xanthus_reconcile_duration_seconds",
		metric.WithDescription("Duration of a reconcile pass in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconcile_duration histogram: %w", err)
	}

	return &OrchestratorMetrics{
		InstallsTotal:     installs,
		UpgradesTotal:     upgrades,
		RemovalsTotal:     removals,
		FailuresTotal:     failures,
		ReconcileDuration: reconcileDuration,
	}, nil
}

// NoopMetrics returns metrics bound to a no-op meter, for tests and for
// running without an OTLP endpoint.
func NoopMetrics() *OrchestratorMetrics {
	m, _ := NewOrchestratorMetrics(otel.Meter("noop"))
	return m
}
