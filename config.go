package oauth

import (
	"crypto/rsa"
	"log/slog"
	"time"

	"github.com/giantswarm/gateway-oauth/instrumentation"
	"github.com/giantswarm/gateway-oauth/providers"
	"github.com/giantswarm/gateway-oauth/storage"
)

// RateLimitConfig controls the per-IP limiter applied to the public
// endpoints (/register, /authorize, /token).
type RateLimitConfig struct {
	// Disabled turns rate limiting off entirely.
	Disabled bool

	// RequestsPerSecond is the sustained rate per client IP. Default 10.
	RequestsPerSecond float64

	// Burst is the bucket size per client IP. Default 20.
	Burst int

	// MaxTrackedIPs caps limiter memory. Default 10000.
	MaxTrackedIPs int
}

// Config configures the HTTP handler and the engine behind it.
type Config struct {
	// Issuer is the absolute external URL of this server, e.g.
	// "https://auth.example.com". Required.
	Issuer string

	// Provider is the upstream identity provider. Required.
	Provider providers.Provider

	// ClientStore, FlowStore, and TokenStore are the storage backends.
	// A single store implementing all three may be passed for each.
	ClientStore storage.ClientStore
	FlowStore   storage.FlowStore
	TokenStore  storage.TokenStore

	// SigningKey signs access tokens (RS256). Required.
	SigningKey *rsa.PrivateKey

	// SigningKeyID is set as the kid header of issued tokens when present.
	SigningKeyID string

	// Lifetimes. Zero values take the engine defaults.
	AccessTokenTTL        time.Duration
	RefreshTokenTTL       time.Duration
	AuthorizationCodeTTL  time.Duration
	AuthorizationStateTTL time.Duration

	// ClientTTL bounds dynamic registrations; zero means eternal.
	ClientTTL time.Duration

	// AllowedUsers restricts who may complete authorization. Empty allows
	// everyone the upstream authenticates.
	AllowedUsers []string

	// SupportedScopes is the advertised scope vocabulary. Empty accepts
	// any scope string.
	SupportedScopes []string

	// RateLimit configures the per-IP limiter on public endpoints.
	RateLimit RateLimitConfig

	// AuditLogging enables the security audit log.
	AuditLogging bool

	// TrustForwardedFor trusts the X-Forwarded-For header for client IPs.
	// Enable only when a trusted proxy terminates all inbound traffic.
	TrustForwardedFor bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Instrumentation is optional; nil disables metrics recording.
	Instrumentation *instrumentation.Instrumentation
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 20
	}
	if c.RateLimit.MaxTrackedIPs <= 0 {
		c.RateLimit.MaxTrackedIPs = 10000
	}
}
