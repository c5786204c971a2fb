package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the gateway
type Metrics struct {
	// Request pipeline metrics
	RequestsTotal   metric.Int64Counter
	RequestDuration metric.Float64Histogram

	// Auth flow metrics
	LoginStarted      metric.Int64Counter
	CallbackProcessed metric.Int64Counter
	TokenIssued       metric.Int64Counter
	TokenRefreshed    metric.Int64Counter
	TokenRevoked      metric.Int64Counter

	// Security metrics
	RateLimitExceeded       metric.Int64Counter
	TokenReuseDetected      metric.Int64Counter
	StateReplayDetected     metric.Int64Counter
	RoleCheckRejected       metric.Int64Counter
	RateLimitActiveLimiters metric.Int64ObservableGauge

	// Storage metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	SessionStatesCount       metric.Int64ObservableGauge
	RefreshRecordsCount      metric.Int64ObservableGauge

	// IdP metrics
	IdPCallsTotal   metric.Int64Counter
	IdPCallDuration metric.Float64Histogram
	IdPCallErrors   metric.Int64Counter

	// Audit metrics
	AuditEventsTotal metric.Int64Counter
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	gatewayMeter := inst.Meter("gateway")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")
	idpMeter := inst.Meter("idp")

	var err error
	m.RequestsTotal, err = httpMeter.Int64Counter(
		"authgate.requests.total",
		metric.WithDescription("Total number of requests through the middleware chain"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requests.total counter: %w", err)
	}

	m.RequestDuration, err = httpMeter.Float64Histogram(
		"authgate.request.duration",
		metric.WithDescription("Request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request.duration histogram: %w", err)
	}

	m.LoginStarted, err = gatewayMeter.Int64Counter(
		"authgate.login.started",
		metric.WithDescription("Number of login flows started"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create login.started counter: %w", err)
	}

	m.CallbackProcessed, err = gatewayMeter.Int64Counter(
		"authgate.callback.processed",
		metric.WithDescription("Number of IdP callbacks processed"),
		metric.WithUnit("{callback}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create callback.processed counter: %w", err)
	}

	m.TokenIssued, err = gatewayMeter.Int64Counter(
		"authgate.token.issued",
		metric.WithDescription("Number of token pairs issued"),
		metric.WithUnit("{pair}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.issued counter: %w", err)
	}

	m.TokenRefreshed, err = gatewayMeter.Int64Counter(
		"authgate.token.refreshed",
		metric.WithDescription("Number of token pairs rotated via refresh"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.refreshed counter: %w", err)
	}

	m.TokenRevoked, err = gatewayMeter.Int64Counter(
		"authgate.token.revoked",
		metric.WithDescription("Number of refresh records revoked"),
		metric.WithUnit("{revocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.revoked counter: %w", err)
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"authgate.rate_limit.exceeded",
		metric.WithDescription("Number of rate limit rejections"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	m.TokenReuseDetected, err = securityMeter.Int64Counter(
		"authgate.token.reuse_detected",
		metric.WithDescription("Number of refresh token reuse attempts detected"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.reuse_detected counter: %w", err)
	}

	m.StateReplayDetected, err = securityMeter.Int64Counter(
		"authgate.state.replay_detected",
		metric.WithDescription("Number of callback state replay attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create state.replay_detected counter: %w", err)
	}

	m.RoleCheckRejected, err = securityMeter.Int64Counter(
		"authgate.role_check.rejected",
		metric.WithDescription("Number of requests rejected for insufficient role"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create role_check.rejected counter: %w", err)
	}

	m.RateLimitActiveLimiters, err = securityMeter.Int64ObservableGauge(
		"authgate.rate_limit.active_limiters",
		metric.WithDescription("Number of active per-key rate limiters"),
		metric.WithUnit("{limiter}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.active_limiters gauge: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"storage.operation.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.SessionStatesCount, err = storageMeter.Int64ObservableGauge(
		"storage.session_states.count",
		metric.WithDescription("Number of pending login states in the store"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.session_states.count gauge: %w", err)
	}

	m.RefreshRecordsCount, err = storageMeter.Int64ObservableGauge(
		"storage.refresh_records.count",
		metric.WithDescription("Number of active refresh records in the store"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.refresh_records.count gauge: %w", err)
	}

	m.IdPCallsTotal, err = idpMeter.Int64Counter(
		"idp.calls.total",
		metric.WithDescription("Total number of identity provider calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create idp.calls.total counter: %w", err)
	}

	m.IdPCallDuration, err = idpMeter.Float64Histogram(
		"idp.call.duration",
		metric.WithDescription("Identity provider call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create idp.call.duration histogram: %w", err)
	}

	m.IdPCallErrors, err = idpMeter.Int64Counter(
		"idp.call.errors.total",
		metric.WithDescription("Total number of identity provider call errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create idp.call.errors.total counter: %w", err)
	}

	m.AuditEventsTotal, err = securityMeter.Int64Counter(
		"authgate.audit.events.total",
		metric.WithDescription("Total number of audit events"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.events.total counter: %w", err)
	}

	return m, nil
}

// Helper methods for common metric recording patterns

// RecordRequest records one middleware chain completion. The status class is
// "2xx", "4xx", etc.; the duration is in seconds.
func (m *Metrics) RecordRequest(ctx context.Context, operation, statusClass string, durationSeconds float64) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("status_class", statusClass),
	}

	m.RequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.RequestDuration.Record(ctx, durationSeconds, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordLoginStarted records a login flow start
func (m *Metrics) RecordLoginStarted(ctx context.Context) {
	m.LoginStarted.Add(ctx, 1)
}

// RecordCallbackProcessed records an IdP callback processing
func (m *Metrics) RecordCallbackProcessed(ctx context.Context, success bool) {
	m.CallbackProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("success", success),
	))
}

// RecordTokenIssued records a token pair issuance
func (m *Metrics) RecordTokenIssued(ctx context.Context, trigger string) {
	m.TokenIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("trigger", trigger),
	))
}

// RecordTokenRefresh records a refresh rotation
func (m *Metrics) RecordTokenRefresh(ctx context.Context) {
	m.TokenRefreshed.Add(ctx, 1)
}

// RecordTokenRevocation records revoked refresh records
func (m *Metrics) RecordTokenRevocation(ctx context.Context, count int64) {
	m.TokenRevoked.Add(ctx, count)
}

// RecordRateLimitExceeded records a rate limit rejection
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordTokenReuseDetected records a refresh token reuse attempt
func (m *Metrics) RecordTokenReuseDetected(ctx context.Context) {
	m.TokenReuseDetected.Add(ctx, 1)
}

// RecordStateReplayDetected records a callback state replay attempt
func (m *Metrics) RecordStateReplayDetected(ctx context.Context) {
	m.StateReplayDetected.Add(ctx, 1)
}

// RecordRoleCheckRejected records an insufficient-role rejection
func (m *Metrics) RecordRoleCheckRejected(ctx context.Context, operation string) {
	m.RoleCheckRejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("result", result),
	}

	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordIdPCall records an identity provider call
func (m *Metrics) RecordIdPCall(ctx context.Context, operation string, durationMs float64, err error) {
	m.IdPCallsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
	))
	m.IdPCallDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))

	if err != nil {
		m.IdPCallErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", operation),
		))
	}
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}
