package instrumentation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metric instruments used across the server.
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Protocol flows
	AuthorizationsStarted   metric.Int64Counter
	AuthorizationsCompleted metric.Int64Counter
	TokensIssued            metric.Int64Counter
	TokensRefreshed         metric.Int64Counter
	TokensRevoked           metric.Int64Counter
	ClientsRegistered       metric.Int64Counter

	// Security
	VerificationFailures metric.Int64Counter
	ReplaysDetected      metric.Int64Counter
	RateLimitRejections  metric.Int64Counter

	// Storage gauges
	StorageClientsCount       metric.Int64ObservableGauge
	StorageStatesCount        metric.Int64ObservableGauge
	StorageCodesCount         metric.Int64ObservableGauge
	StorageAccessRecordsCount metric.Int64ObservableGauge
	StorageRefreshTokensCount metric.Int64ObservableGauge
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	m := &Metrics{}
	var err error

	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"oauth.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http.requests.total: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http.request.duration: %w", err)
	}

	m.AuthorizationsStarted, err = serverMeter.Int64Counter(
		"oauth.authorizations.started",
		metric.WithDescription("Authorization flows started"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create authorizations.started: %w", err)
	}

	m.AuthorizationsCompleted, err = serverMeter.Int64Counter(
		"oauth.authorizations.completed",
		metric.WithDescription("Authorization flows that issued a code"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create authorizations.completed: %w", err)
	}

	m.TokensIssued, err = serverMeter.Int64Counter(
		"oauth.tokens.issued",
		metric.WithDescription("Access/refresh token pairs issued"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create tokens.issued: %w", err)
	}

	m.TokensRefreshed, err = serverMeter.Int64Counter(
		"oauth.tokens.refreshed",
		metric.WithDescription("Refresh token rotations"),
		metric.WithUnit("{rotation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create tokens.refreshed: %w", err)
	}

	m.TokensRevoked, err = serverMeter.Int64Counter(
		"oauth.tokens.revoked",
		metric.WithDescription("Tokens revoked"),
		metric.WithUnit("{revocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create tokens.revoked: %w", err)
	}

	m.ClientsRegistered, err = serverMeter.Int64Counter(
		"oauth.clients.registered",
		metric.WithDescription("Dynamic client registrations"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create clients.registered: %w", err)
	}

	m.VerificationFailures, err = securityMeter.Int64Counter(
		"oauth.verification.failures",
		metric.WithDescription("Bearer token verification failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create verification.failures: %w", err)
	}

	m.ReplaysDetected, err = securityMeter.Int64Counter(
		"oauth.replays.detected",
		metric.WithDescription("Second redemptions of single-use credentials"),
		metric.WithUnit("{replay}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create replays.detected: %w", err)
	}

	m.RateLimitRejections, err = securityMeter.Int64Counter(
		"oauth.ratelimit.rejections",
		metric.WithDescription("Requests rejected by the rate limiter"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create ratelimit.rejections: %w", err)
	}

	gauge := func(name, desc string) (metric.Int64ObservableGauge, error) {
		return storageMeter.Int64ObservableGauge(name,
			metric.WithDescription(desc),
			metric.WithUnit("{record}"))
	}
	if m.StorageClientsCount, err = gauge("oauth.storage.clients", "Registered clients in the store"); err != nil {
		return nil, err
	}
	if m.StorageStatesCount, err = gauge("oauth.storage.authorization_states", "Pending authorization states"); err != nil {
		return nil, err
	}
	if m.StorageCodesCount, err = gauge("oauth.storage.authorization_codes", "Live authorization codes"); err != nil {
		return nil, err
	}
	if m.StorageAccessRecordsCount, err = gauge("oauth.storage.access_records", "Live access token records"); err != nil {
		return nil, err
	}
	if m.StorageRefreshTokensCount, err = gauge("oauth.storage.refresh_tokens", "Live refresh tokens"); err != nil {
		return nil, err
	}

	return m, nil
}

// RecordHTTPRequest records one served request on the HTTP instruments.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, status int, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", route),
		attribute.Int("http.status_code", status),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
}
