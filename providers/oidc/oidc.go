// Package oidc implements the upstream identity provider contract against
// any OpenID Connect provider using standard discovery. Identity claims are
// taken from the verified ID token, never from an unauthenticated userinfo
// call.
package oidc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/giantswarm/gateway-oauth/providers"
)

const defaultExchangeTimeout = 10 * time.Second

// Config holds the settings for an upstream OIDC provider.
type Config struct {
	// IssuerURL is the upstream issuer; discovery is fetched from
	// {IssuerURL}/.well-known/openid-configuration.
	IssuerURL string

	// ClientID and ClientSecret are this server's credentials at the
	// upstream.
	ClientID     string
	ClientSecret string

	// RedirectURL is this server's callback endpoint, registered at the
	// upstream.
	RedirectURL string

	// Scopes are requested in addition to openid, profile, and email.
	Scopes []string

	// ExchangeTimeout bounds the code exchange and ID token verification.
	// Defaults to 10s.
	ExchangeTimeout time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Provider talks to a single upstream OIDC provider.
type Provider struct {
	name     string
	cfg      oauth2.Config
	provider *gooidc.Provider
	verifier *gooidc.IDTokenVerifier
	timeout  time.Duration
	logger   *slog.Logger
}

var _ providers.Provider = (*Provider)(nil)

// New fetches the upstream's discovery document and prepares the exchange
// configuration and ID token verifier.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.IssuerURL == "" {
		return nil, fmt.Errorf("oidc: issuer URL is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("oidc: client ID is required")
	}
	if cfg.RedirectURL == "" {
		return nil, fmt.Errorf("oidc: redirect URL is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ExchangeTimeout
	if timeout <= 0 {
		timeout = defaultExchangeTimeout
	}

	upstream, err := gooidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery for %s: %w", cfg.IssuerURL, err)
	}

	scopes := append([]string{gooidc.ScopeOpenID, "profile", "email"}, cfg.Scopes...)
	return &Provider{
		name: "oidc",
		cfg: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     upstream.Endpoint(),
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
		},
		provider: upstream,
		verifier: upstream.Verifier(&gooidc.Config{ClientID: cfg.ClientID}),
		timeout:  timeout,
		logger:   logger,
	}, nil
}

// Name implements providers.Provider.
func (p *Provider) Name() string { return p.name }

// AuthorizationURL implements providers.Provider.
func (p *Provider) AuthorizationURL(state string) string {
	return p.cfg.AuthCodeURL(state)
}

// ResolveIdentity exchanges the upstream code and returns the claims of the
// verified ID token.
func (p *Provider) ResolveIdentity(ctx context.Context, code string) (*providers.IdentityClaims, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	token, err := p.cfg.Exchange(ctx, code)
	if err != nil {
		return nil, p.classifyExchangeError(err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("%w: token response carried no id_token", providers.ErrAccessDenied)
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: id_token verification failed", providers.ErrAccessDenied)
	}

	var claims struct {
		Email             string `json:"email"`
		EmailVerified     bool   `json:"email_verified"`
		PreferredUsername string `json:"preferred_username"`
		Name              string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decode id_token claims: %w", err)
	}

	username := claims.PreferredUsername
	if username == "" {
		username = claims.Email
	}
	if username == "" {
		username = idToken.Subject
	}

	return &providers.IdentityClaims{
		Subject:       idToken.Subject,
		Username:      username,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		Name:          claims.Name,
	}, nil
}

// classifyExchangeError separates "the upstream said no" from "the upstream
// could not be reached". Only the latter maps to a retryable 5xx downstream.
func (p *Provider) classifyExchangeError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: upstream returned %d", providers.ErrUpstreamUnavailable, retrieveErr.Response.StatusCode)
		}
		p.logger.Warn("upstream rejected code exchange",
			"provider", p.name,
			"error_code", retrieveErr.ErrorCode)
		return fmt.Errorf("%w: %s", providers.ErrAccessDenied, retrieveErr.ErrorCode)
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: code exchange timed out", providers.ErrUpstreamUnavailable)
	}
	return fmt.Errorf("%w: %v", providers.ErrUpstreamUnavailable, err)
}

// HealthCheck fetches the upstream discovery document.
func (p *Provider) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	wellKnown := p.provider.Endpoint().AuthURL
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, wellKnown, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", providers.ErrUpstreamUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: authorization endpoint returned %d", providers.ErrUpstreamUnavailable, resp.StatusCode)
	}
	return nil
}
