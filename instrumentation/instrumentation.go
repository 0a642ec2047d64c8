// Package instrumentation wires OpenTelemetry meters and tracers for the
// authorization server. When disabled it installs no-op providers so the
// calling code never branches on whether observability is configured.
package instrumentation

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const scopePrefix = "github.com/giantswarm/gateway-oauth/"

// Config holds instrumentation configuration.
type Config struct {
	// ServiceName identifies the service in telemetry resources.
	ServiceName string

	// ServiceVersion is the running version, if known.
	ServiceVersion string

	// Enabled controls whether real providers are installed. When false,
	// no-op providers are used and recording costs nothing.
	Enabled bool

	// Resource overrides the default resource attributes.
	Resource *resource.Resource
}

// Instrumentation provides meters, tracers, and the pre-built metric
// instruments used across the server.
type Instrumentation struct {
	resource       *resource.Resource
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	metrics        *Metrics

	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates an instrumentation instance.
func New(cfg Config) (*Instrumentation, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "gateway-oauth"
	}
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = "unknown"
	}

	res := cfg.Resource
	if res == nil {
		var err error
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(cfg.ServiceName),
				semconv.ServiceVersion(cfg.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("create telemetry resource: %w", err)
		}
	}

	inst := &Instrumentation{resource: res}
	if cfg.Enabled {
		inst.initializeProviders()
	} else {
		inst.meterProvider = noop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	metrics, err := newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}
	inst.metrics = metrics
	return inst, nil
}

// initializeProviders installs the metric and trace providers. Exporter
// construction (OTLP, Prometheus) belongs to the host process; until a host
// injects real providers these stay no-op.
func (i *Instrumentation) initializeProviders() {
	i.meterProvider = noop.NewMeterProvider()
	i.tracerProvider = tracenoop.NewTracerProvider()
}

// Meter returns a named meter for a layer scope such as "http" or "server".
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Tracer returns a named tracer for a layer scope.
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

// Metrics returns the instrument set.
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// MeterProvider exposes the underlying provider.
func (i *Instrumentation) MeterProvider() metric.MeterProvider { return i.meterProvider }

// TracerProvider exposes the underlying provider.
func (i *Instrumentation) TracerProvider() trace.TracerProvider { return i.tracerProvider }

// Shutdown flushes and stops all registered components.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var firstErr error
	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

// SizeCallback reports the current size of one storage collection.
type SizeCallback func() int64

// RegisterStorageSizeCallbacks registers observable gauges for the store's
// record counts. Pass nil for collections a backend cannot count.
func (i *Instrumentation) RegisterStorageSizeCallbacks(clients, states, codes, accessRecords, refreshTokens SizeCallback) error {
	meter := i.Meter("storage")
	_, err := meter.RegisterCallback(
		func(_ context.Context, observer metric.Observer) error {
			observe := func(gauge metric.Int64ObservableGauge, cb SizeCallback) {
				if cb != nil {
					observer.ObserveInt64(gauge, cb())
				}
			}
			observe(i.metrics.StorageClientsCount, clients)
			observe(i.metrics.StorageStatesCount, states)
			observe(i.metrics.StorageCodesCount, codes)
			observe(i.metrics.StorageAccessRecordsCount, accessRecords)
			observe(i.metrics.StorageRefreshTokensCount, refreshTokens)
			return nil
		},
		i.metrics.StorageClientsCount,
		i.metrics.StorageStatesCount,
		i.metrics.StorageCodesCount,
		i.metrics.StorageAccessRecordsCount,
		i.metrics.StorageRefreshTokensCount,
	)
	return err
}
