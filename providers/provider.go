// Package providers defines the narrow contract between the authorization
// server and the upstream identity provider it federates to. The server only
// ever asks the upstream two things: where to send a user to log in, and
// what verified identity a returned authorization code corresponds to.
package providers

import (
	"context"
	"errors"
)

// Upstream failure classes. The flow manager maps these onto protocol
// errors; everything else is treated as an internal error.
var (
	// ErrAccessDenied means the upstream rejected the exchange: the code is
	// invalid, expired, or the user denied consent.
	ErrAccessDenied = errors.New("providers: upstream denied the authorization")

	// ErrUpstreamUnavailable means the upstream could not be reached or
	// timed out. The caller may only retry by restarting the whole
	// authorization attempt; an upstream code must never be replayed.
	ErrUpstreamUnavailable = errors.New("providers: upstream identity provider unavailable")
)

// Provider drives the upstream identity provider. Implementations hold no
// per-flow state; all flow state lives in the store.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	// AuthorizationURL returns the upstream login URL carrying the given
	// CSRF state value.
	AuthorizationURL(state string) string

	// ResolveIdentity exchanges an upstream authorization code for verified
	// identity claims. The call carries a bounded timeout; on expiry it
	// returns an error wrapping ErrUpstreamUnavailable.
	ResolveIdentity(ctx context.Context, code string) (*IdentityClaims, error)

	// HealthCheck reports whether the upstream is reachable. Used for
	// readiness probes and startup validation.
	HealthCheck(ctx context.Context) error
}

// IdentityClaims is the minimal verified profile the server needs to mint
// tokens: a stable subject, a display username, and an email.
type IdentityClaims struct {
	// Subject is the upstream's stable unique identifier for the user.
	Subject string

	// Username is the preferred login name; falls back to email, then
	// subject, when the upstream does not provide one.
	Username string

	// Email is the user's email address, if released by the upstream.
	Email string

	// EmailVerified reports whether the upstream attested the email.
	EmailVerified bool

	// Name is the human display name, if any.
	Name string
}
