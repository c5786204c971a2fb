package instrumentation

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceVersion is the default service version used when none is provided
	DefaultServiceVersion = "unknown"
)

// Config holds instrumentation configuration
type Config struct {
	// ServiceName is the name of the service (e.g., "mcp-authgate")
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Enabled controls whether instrumentation is active
	// When false, uses no-op providers (zero overhead)
	Enabled bool

	// Resource allows custom resource attributes
	// If nil, default resource is created with service name and version
	Resource *resource.Resource
}

// Instrumentation provides OpenTelemetry instrumentation components
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	// Providers - these are used to create meters and tracers on demand
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	// registry backs the Prometheus exposition endpoint
	registry *prometheus.Registry

	// Metrics holder provides pre-configured metric instruments
	metrics *Metrics

	// Shutdown functions (registered during New() only, not thread-safe after initialization)
	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates a new instrumentation instance
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = "mcp-authgate"
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}

	var res *resource.Resource
	var err error
	if config.Resource != nil {
		res = config.Resource
	} else {
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:   config,
		resource: res,
	}

	if config.Enabled {
		if err := inst.initializeProviders(); err != nil {
			return nil, fmt.Errorf("failed to initialize providers: %w", err)
		}
	} else {
		// Use no-op providers for zero overhead
		inst.meterProvider = noop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

// initializeProviders sets up the Prometheus-backed meter provider. Metrics
// recorded through OTel instruments become scrapeable via Handler().
func (i *Instrumentation) initializeProviders() error {
	i.registry = prometheus.NewRegistry()

	exporter, err := otelprom.New(otelprom.WithRegisterer(i.registry))
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(i.resource),
	)
	i.meterProvider = meterProvider
	i.shutdownFuncs = append(i.shutdownFuncs, meterProvider.Shutdown)

	// Traces stay no-op; span plumbing is wired so an exporter can be added
	// without touching call sites.
	i.tracerProvider = tracenoop.NewTracerProvider()

	return nil
}

// Handler returns an HTTP handler serving the Prometheus exposition format.
// When instrumentation is disabled the handler serves an empty registry.
func (i *Instrumentation) Handler() http.Handler {
	if i.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(i.registry, promhttp.HandlerOpts{})
}

// Shutdown gracefully shuts down all instrumentation providers
// This should be called when the application is terminating
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error

	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil {
				// Capture first error, but continue shutting down other components
				if shutdownErr == nil {
					shutdownErr = err
				}
			}
		}
	})

	return shutdownErr
}

// Meter returns a named meter for the given scope
// Scopes are typically layer names like "http", "gateway", "storage", "idp", "security"
// The full name will be "github.com/giantswarm/mcp-authgate/{scope}"
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter("github.com/giantswarm/mcp-authgate/" + scope)
}

// Tracer returns a named tracer for the given scope
// The full name will be "github.com/giantswarm/mcp-authgate/{scope}"
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer("github.com/giantswarm/mcp-authgate/" + scope)
}

// Metrics returns the metrics holder for recording metric values
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// TracerProvider returns the underlying tracer provider
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// MeterProvider returns the underlying meter provider
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// SizeCallback is a function that returns the current size of a component
type SizeCallback func() int64

// RegisterSessionSizeCallbacks registers callbacks for session store size gauges.
// Store implementations should call this after instrumentation is set.
func (i *Instrumentation) RegisterSessionSizeCallbacks(statesCount, refreshCount SizeCallback) error {
	if i.meterProvider == nil {
		return fmt.Errorf("meter provider not initialized")
	}

	meter := i.Meter("storage")

	_, err := meter.RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			if statesCount != nil {
				observer.ObserveInt64(i.metrics.SessionStatesCount, statesCount())
			}
			if refreshCount != nil {
				observer.ObserveInt64(i.metrics.RefreshRecordsCount, refreshCount())
			}
			return nil
		},
		i.metrics.SessionStatesCount,
		i.metrics.RefreshRecordsCount,
	)

	return err
}

// RegisterRateLimiterGauge registers a callback for the active limiter count gauge.
func (i *Instrumentation) RegisterRateLimiterGauge(activeCount SizeCallback) error {
	if i.meterProvider == nil {
		return fmt.Errorf("meter provider not initialized")
	}

	meter := i.Meter("security")

	_, err := meter.RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			if activeCount != nil {
				observer.ObserveInt64(i.metrics.RateLimitActiveLimiters, activeCount())
			}
			return nil
		},
		i.metrics.RateLimitActiveLimiters,
	)

	return err
}
