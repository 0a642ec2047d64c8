// Package server implements the protocol engine of the authorization
// server: dynamic client registration and management, the PKCE-protected
// authorization-code flow, and the token issuance, verification, and
// revocation lifecycle. The engine is stateless between requests; all
// durable state lives behind the storage interfaces, and every exclusion
// guarantee is delegated to their per-key atomic operations.
package server

import (
	"crypto/rsa"
	"log/slog"
	"time"

	"github.com/giantswarm/gateway-oauth/providers"
	"github.com/giantswarm/gateway-oauth/security"
	"github.com/giantswarm/gateway-oauth/storage"
)

// Server is the protocol engine.
type Server struct {
	issuer   string
	provider providers.Provider

	clients storage.ClientStore
	flows   storage.FlowStore
	tokens  storage.TokenStore

	signingKey   *rsa.PrivateKey
	signingKeyID string

	accessTokenTTL        time.Duration
	refreshTokenTTL       time.Duration
	authorizationCodeTTL  time.Duration
	authorizationStateTTL time.Duration
	clientTTL             time.Duration

	supportedScopes []string
	allowedUsers    map[string]struct{}

	auditor    *security.Auditor
	replayHook func()
	logger     *slog.Logger
	clock      TimeSource
}

// New validates the configuration and builds the engine.
func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	var allowed map[string]struct{}
	if len(cfg.AllowedUsers) > 0 {
		allowed = make(map[string]struct{}, len(cfg.AllowedUsers))
		for _, u := range cfg.AllowedUsers {
			allowed[u] = struct{}{}
		}
	}

	return &Server{
		issuer:                cfg.Issuer,
		provider:              cfg.Provider,
		clients:               cfg.Clients,
		flows:                 cfg.Flows,
		tokens:                cfg.Tokens,
		signingKey:            cfg.SigningKey,
		signingKeyID:          cfg.SigningKeyID,
		accessTokenTTL:        cfg.AccessTokenTTL,
		refreshTokenTTL:       cfg.RefreshTokenTTL,
		authorizationCodeTTL:  cfg.AuthorizationCodeTTL,
		authorizationStateTTL: cfg.AuthorizationStateTTL,
		clientTTL:             cfg.ClientTTL,
		supportedScopes:       cfg.SupportedScopes,
		allowedUsers:          allowed,
		auditor:               cfg.Auditor,
		replayHook:            cfg.ReplayHook,
		logger:                cfg.Logger,
		clock:                 cfg.Time,
	}, nil
}

// Issuer returns the configured issuer URL.
func (s *Server) Issuer() string { return s.issuer }

// AccessTokenTTL returns the configured access token lifetime.
func (s *Server) AccessTokenTTL() time.Duration { return s.accessTokenTTL }

// SupportedScopes returns the advertised scope vocabulary.
func (s *Server) SupportedScopes() []string { return s.supportedScopes }

// ProviderName returns the name of the upstream identity provider.
func (s *Server) ProviderName() string { return s.provider.Name() }

func (s *Server) now() time.Time { return s.clock.Now() }

// userAllowed applies the allowlist policy. An empty allowlist admits every
// identity the upstream authenticated.
func (s *Server) userAllowed(claims *providers.IdentityClaims) bool {
	if s.allowedUsers == nil {
		return true
	}
	for _, candidate := range []string{claims.Subject, claims.Username, claims.Email} {
		if candidate == "" {
			continue
		}
		if _, ok := s.allowedUsers[candidate]; ok {
			return true
		}
	}
	return false
}

// userStillAllowed re-checks the allowlist for a previously issued identity,
// used on refresh where only the stored identifiers are available.
func (s *Server) userStillAllowed(userID, username, email string) bool {
	if s.allowedUsers == nil {
		return true
	}
	for _, candidate := range []string{userID, username, email} {
		if candidate == "" {
			continue
		}
		if _, ok := s.allowedUsers[candidate]; ok {
			return true
		}
	}
	return false
}
