package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/giantswarm/gateway-oauth/providers"
	"github.com/giantswarm/gateway-oauth/storage"
)

// AuthorizationRequest carries the parameters of a /authorize call.
type AuthorizationRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string // client-supplied, passed through opaquely
	CodeChallenge       string
	CodeChallengeMethod string
}

// BeginAuthorization validates an authorization request, stores the pending
// flow, and returns the upstream login URL to redirect the user to.
//
// The CSRF state sent upstream is generated here and is independent of the
// client's state parameter: the client value is stored and echoed back on
// the final redirect, the server value keys the stored flow and is consumed
// exactly once at the callback.
func (s *Server) BeginAuthorization(ctx context.Context, req *AuthorizationRequest) (string, error) {
	client, err := s.clients.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrInvalidClient("unknown client")
		}
		s.logger.Error("failed to load client", "client_id", req.ClientID, "error", err)
		return "", ErrServerError("storage unavailable")
	}

	// The redirect URI must match a registered value exactly before
	// anything is redirected anywhere.
	if req.RedirectURI == "" || !redirectURIRegistered(client.RedirectURIs, req.RedirectURI) {
		return "", ErrInvalidRequest("redirect_uri is not registered for this client")
	}
	if req.ResponseType != ResponseTypeCode {
		return "", ErrInvalidRequest(fmt.Sprintf("response_type %q is not supported", req.ResponseType))
	}
	if !clientAllowsGrant(client.GrantTypes, GrantTypeAuthorizationCode) {
		return "", ErrUnauthorizedClient("client is not registered for the authorization_code grant")
	}

	// PKCE is mandatory and pinned to S256. "plain" is rejected outright,
	// never downgraded to.
	if req.CodeChallenge == "" {
		return "", ErrInvalidRequest("code_challenge is required")
	}
	switch req.CodeChallengeMethod {
	case CodeChallengeMethodS256:
	case "", "plain":
		return "", ErrInvalidRequest("code_challenge_method must be S256")
	default:
		return "", ErrInvalidRequest(fmt.Sprintf("code_challenge_method %q is not supported", req.CodeChallengeMethod))
	}
	if err := validateCodeChallenge(req.CodeChallenge); err != nil {
		return "", ErrInvalidRequest(err.Error())
	}

	scope := req.Scope
	if scope == "" {
		scope = strings.Join(client.Scopes, " ")
	}
	if err := validateScope(scope, s.supportedScopes); err != nil {
		return "", ErrInvalidScope(err.Error())
	}

	now := s.now()
	state := oauth2.GenerateVerifier()
	authState := &storage.AuthorizationState{
		State:               state,
		ClientState:         req.State,
		ClientID:            client.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.authorizationStateTTL),
	}
	if err := s.flows.SaveAuthorizationState(ctx, authState); err != nil {
		s.logger.Error("failed to save authorization state", "error", err)
		return "", ErrServerError("storage unavailable")
	}

	s.logger.Debug("authorization flow started",
		"client_id", client.ClientID,
		"provider", s.provider.Name())

	return s.provider.AuthorizationURL(state), nil
}

// CompleteAuthorization handles the upstream callback: it consumes the CSRF
// state (single use), resolves the verified identity, applies the allowlist
// policy, mints the authorization code, and returns the redirect back to the
// client carrying the code and the client's original state.
func (s *Server) CompleteAuthorization(ctx context.Context, csrfState, upstreamCode string) (string, error) {
	if csrfState == "" || upstreamCode == "" {
		return "", ErrInvalidRequest("state and code are required")
	}

	authState, err := s.flows.AtomicConsumeAuthorizationState(ctx, csrfState)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			// Unknown or already consumed; the two are equivalent here.
			return "", ErrInvalidRequest("state is invalid or has already been used")
		case errors.Is(err, storage.ErrExpired):
			return "", ErrInvalidRequest("authorization attempt expired, restart the flow")
		default:
			s.logger.Error("failed to consume authorization state", "error", err)
			return "", ErrServerError("storage unavailable")
		}
	}

	claims, err := s.provider.ResolveIdentity(ctx, upstreamCode)
	if err != nil {
		switch {
		case errors.Is(err, providers.ErrAccessDenied):
			if s.auditor != nil {
				s.auditor.LogAuthorizationDenied("", authState.ClientID, "", "upstream denied")
			}
			return "", ErrAccessDenied("upstream identity provider denied the authorization")
		case errors.Is(err, providers.ErrUpstreamUnavailable):
			s.logger.Warn("upstream identity provider unavailable", "error", err)
			return "", ErrTemporarilyUnavailable("identity provider unavailable, restart the flow")
		default:
			s.logger.Error("identity resolution failed", "error", err)
			return "", ErrServerError("identity resolution failed")
		}
	}

	if !s.userAllowed(claims) {
		if s.auditor != nil {
			s.auditor.LogAuthorizationDenied(claims.Subject, authState.ClientID, "", "user not in allowlist")
		}
		return "", ErrAccessDenied("user is not authorized for this server")
	}

	now := s.now()
	code := oauth2.GenerateVerifier()
	authCode := &storage.AuthorizationCode{
		Code:                code,
		ClientID:            authState.ClientID,
		RedirectURI:         authState.RedirectURI,
		Scope:               authState.Scope,
		CodeChallenge:       authState.CodeChallenge,
		CodeChallengeMethod: authState.CodeChallengeMethod,
		UserID:              claims.Subject,
		Username:            claims.Username,
		Email:               claims.Email,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.authorizationCodeTTL),
	}
	if err := s.flows.SaveAuthorizationCode(ctx, authCode); err != nil {
		s.logger.Error("failed to save authorization code", "error", err)
		return "", ErrServerError("storage unavailable")
	}

	if s.auditor != nil {
		s.auditor.LogAuthorizationGranted(claims.Subject, authState.ClientID, "")
	}
	s.logger.Info("authorization code issued",
		"client_id", authState.ClientID,
		"provider", s.provider.Name())

	return clientRedirect(authState.RedirectURI, code, authState.ClientState)
}

// clientRedirect builds the final redirect back to the client.
func clientRedirect(redirectURI, code, clientState string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", ErrServerError("stored redirect URI is invalid")
	}
	q := u.Query()
	q.Set("code", code)
	if clientState != "" {
		q.Set("state", clientState)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
