package server

import (
	"crypto/rsa"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/giantswarm/gateway-oauth/providers"
	"github.com/giantswarm/gateway-oauth/security"
	"github.com/giantswarm/gateway-oauth/storage"
)

// Defaults applied by Config.applyDefaults. Authorization codes deliberately
// stay redeemable for a while to support deferred exchanges; single-use
// redemption is the guard against replay, not a short TTL.
const (
	DefaultAccessTokenTTL        = time.Hour
	DefaultRefreshTokenTTL       = 365 * 24 * time.Hour
	DefaultAuthorizationCodeTTL  = time.Hour
	DefaultAuthorizationStateTTL = 5 * time.Minute
)

// TimeSource supplies the current time. Production uses the system clock;
// tests substitute a controllable source.
type TimeSource interface {
	Now() time.Time
}

type systemTime struct{}

func (systemTime) Now() time.Time { return time.Now() }

// Config configures the protocol engine.
type Config struct {
	// Issuer is the absolute external URL of this server. It becomes the
	// iss claim of every access token and the base of all advertised
	// endpoints. https is required except for loopback addresses.
	Issuer string

	// Provider is the upstream identity provider users authenticate with.
	Provider providers.Provider

	// Clients, Flows, and Tokens are the storage backends. A single store
	// implementing all three interfaces can be passed for each field.
	Clients storage.ClientStore
	Flows   storage.FlowStore
	Tokens  storage.TokenStore

	// SigningKey signs access tokens (RS256). Required.
	SigningKey *rsa.PrivateKey

	// SigningKeyID is set as the kid header of issued tokens when present.
	SigningKeyID string

	// Token and flow lifetimes. Zero values take the defaults above.
	AccessTokenTTL        time.Duration
	RefreshTokenTTL       time.Duration
	AuthorizationCodeTTL  time.Duration
	AuthorizationStateTTL time.Duration

	// ClientTTL bounds dynamic registrations. Zero means registrations
	// never expire.
	ClientTTL time.Duration

	// AllowedUsers restricts who may complete authorization. Entries match
	// the upstream subject, username, or email. Empty means everyone the
	// upstream authenticates is allowed.
	AllowedUsers []string

	// SupportedScopes is the scope vocabulary advertised and granted.
	// Scopes are otherwise opaque to this server.
	SupportedScopes []string

	// Auditor records security events. Nil disables auditing.
	Auditor *security.Auditor

	// ReplayHook, if set, is invoked whenever a single-use credential is
	// presented a second time.
	ReplayHook func()

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Time overrides the clock. Defaults to the system clock.
	Time TimeSource
}

// Validate checks required fields and invariant constraints.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	u, err := url.Parse(c.Issuer)
	if err != nil {
		return fmt.Errorf("issuer is not a valid URL: %w", err)
	}
	if !u.IsAbs() {
		return fmt.Errorf("issuer must be an absolute URL")
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !isLoopbackHost(u.Hostname()) {
			return fmt.Errorf("issuer must use https (http is allowed only for loopback)")
		}
	default:
		return fmt.Errorf("issuer must use http or https, got %q", u.Scheme)
	}
	if u.Fragment != "" {
		return fmt.Errorf("issuer must not contain a fragment")
	}
	if c.Provider == nil {
		return fmt.Errorf("identity provider is required")
	}
	if c.Clients == nil || c.Flows == nil || c.Tokens == nil {
		return fmt.Errorf("client, flow, and token stores are required")
	}
	if c.SigningKey == nil {
		return fmt.Errorf("signing key is required")
	}
	if c.AccessTokenTTL < 0 || c.RefreshTokenTTL < 0 || c.AuthorizationCodeTTL < 0 ||
		c.AuthorizationStateTTL < 0 || c.ClientTTL < 0 {
		return fmt.Errorf("lifetimes must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.AccessTokenTTL == 0 {
		c.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if c.RefreshTokenTTL == 0 {
		c.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if c.AuthorizationCodeTTL == 0 {
		c.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if c.AuthorizationStateTTL == 0 {
		c.AuthorizationStateTTL = DefaultAuthorizationStateTTL
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Time == nil {
		c.Time = systemTime{}
	}
}

func isLoopbackHost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
