package server

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/gateway-oauth/internal/testutil"
	"github.com/giantswarm/gateway-oauth/providers"
)

// beginAuthorization starts a flow for the given client and returns the CSRF
// state extracted from the upstream login URL.
func beginAuthorization(t *testing.T, env *testEnv, clientID, clientState string) string {
	t.Helper()
	challenge, _ := testutil.GeneratePKCEPair()
	loginURL, err := env.srv.BeginAuthorization(context.Background(), &AuthorizationRequest{
		ClientID:            clientID,
		RedirectURI:         "https://app.example/cb",
		ResponseType:        ResponseTypeCode,
		State:               clientState,
		CodeChallenge:       challenge,
		CodeChallengeMethod: CodeChallengeMethodS256,
	})
	if err != nil {
		t.Fatalf("failed to begin authorization: %v", err)
	}
	return mustQueryParam(t, loginURL, "state")
}

func TestBeginAuthorization(t *testing.T) {
	env := newTestEnv(t, nil)
	reg := registerPublicClient(t, env)
	challenge, _ := testutil.GeneratePKCEPair()

	loginURL, err := env.srv.BeginAuthorization(context.Background(), &AuthorizationRequest{
		ClientID:            reg.Client.ClientID,
		RedirectURI:         "https://app.example/cb",
		ResponseType:        ResponseTypeCode,
		Scope:               "read",
		State:               "client-csrf-value",
		CodeChallenge:       challenge,
		CodeChallengeMethod: CodeChallengeMethodS256,
	})
	if err != nil {
		t.Fatalf("begin authorization failed: %v", err)
	}
	if !strings.HasPrefix(loginURL, "https://idp.test/authorize") {
		t.Errorf("unexpected upstream URL: %q", loginURL)
	}

	// The upstream state is server-generated, never the client's value.
	upstreamState := mustQueryParam(t, loginURL, "state")
	if upstreamState == "client-csrf-value" {
		t.Error("client state was forwarded upstream")
	}

	// The stored flow carries the client's state for the final redirect.
	stored, err := env.store.AtomicConsumeAuthorizationState(context.Background(), upstreamState)
	if err != nil {
		t.Fatalf("flow state was not stored: %v", err)
	}
	if stored.ClientState != "client-csrf-value" {
		t.Errorf("stored client state: got %q", stored.ClientState)
	}
	if stored.ClientID != reg.Client.ClientID {
		t.Errorf("stored client id: got %q", stored.ClientID)
	}
	if stored.CodeChallenge != challenge {
		t.Error("stored challenge does not match the request")
	}
}

func TestBeginAuthorizationRejections(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.SupportedScopes = []string{"read", "write"}
	})
	reg := registerPublicClient(t, env)
	challenge, _ := testutil.GeneratePKCEPair()

	valid := func() *AuthorizationRequest {
		return &AuthorizationRequest{
			ClientID:            reg.Client.ClientID,
			RedirectURI:         "https://app.example/cb",
			ResponseType:        ResponseTypeCode,
			CodeChallenge:       challenge,
			CodeChallengeMethod: CodeChallengeMethodS256,
		}
	}

	cases := []struct {
		name     string
		mutate   func(*AuthorizationRequest)
		wantCode string
	}{
		{"unknown client", func(r *AuthorizationRequest) { r.ClientID = "nope" }, ErrorCodeInvalidClient},
		{"missing redirect_uri", func(r *AuthorizationRequest) { r.RedirectURI = "" }, ErrorCodeInvalidRequest},
		{"unregistered redirect_uri", func(r *AuthorizationRequest) { r.RedirectURI = "https://evil.example/cb" }, ErrorCodeInvalidRequest},
		{"near-match redirect_uri", func(r *AuthorizationRequest) { r.RedirectURI = "https://app.example/cb/" }, ErrorCodeInvalidRequest},
		{"wrong response_type", func(r *AuthorizationRequest) { r.ResponseType = "token" }, ErrorCodeInvalidRequest},
		{"missing challenge", func(r *AuthorizationRequest) { r.CodeChallenge = "" }, ErrorCodeInvalidRequest},
		{"missing challenge method", func(r *AuthorizationRequest) { r.CodeChallengeMethod = "" }, ErrorCodeInvalidRequest},
		{"plain challenge method", func(r *AuthorizationRequest) { r.CodeChallengeMethod = "plain" }, ErrorCodeInvalidRequest},
		{"unknown challenge method", func(r *AuthorizationRequest) { r.CodeChallengeMethod = "S512" }, ErrorCodeInvalidRequest},
		{"malformed challenge", func(r *AuthorizationRequest) { r.CodeChallenge = "too-short" }, ErrorCodeInvalidRequest},
		{"unsupported scope", func(r *AuthorizationRequest) { r.Scope = "admin" }, ErrorCodeInvalidScope},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := valid()
			tc.mutate(req)
			_, err := env.srv.BeginAuthorization(context.Background(), req)
			oe, ok := AsError(err)
			if !ok {
				t.Fatalf("expected protocol error, got %v", err)
			}
			if oe.Code != tc.wantCode {
				t.Errorf("error code: got %q, want %q", oe.Code, tc.wantCode)
			}
		})
	}
}

func TestBeginAuthorizationGrantCheck(t *testing.T) {
	env := newTestEnv(t, nil)
	reg, err := env.srv.RegisterClient(context.Background(), ClientMetadata{
		RedirectURIs:            []string{"https://app.example/cb"},
		TokenEndpointAuthMethod: "none",
		GrantTypes:              []string{GrantTypeRefreshToken},
	})
	if err != nil {
		t.Fatalf("registration failed: %v", err)
	}

	challenge, _ := testutil.GeneratePKCEPair()
	_, err = env.srv.BeginAuthorization(context.Background(), &AuthorizationRequest{
		ClientID:            reg.Client.ClientID,
		RedirectURI:         "https://app.example/cb",
		ResponseType:        ResponseTypeCode,
		CodeChallenge:       challenge,
		CodeChallengeMethod: CodeChallengeMethodS256,
	})
	oe, ok := AsError(err)
	if !ok || oe.Code != ErrorCodeUnauthorizedClient {
		t.Errorf("got %v, want unauthorized_client", err)
	}
}

func TestCompleteAuthorization(t *testing.T) {
	env := newTestEnv(t, nil)
	reg := registerPublicClient(t, env)
	state := beginAuthorization(t, env, reg.Client.ClientID, "client-csrf-value")

	redirect, err := env.srv.CompleteAuthorization(context.Background(), state, "upstream-code")
	if err != nil {
		t.Fatalf("callback failed: %v", err)
	}
	if !strings.HasPrefix(redirect, "https://app.example/cb?") {
		t.Errorf("redirect target: got %q", redirect)
	}
	code := mustQueryParam(t, redirect, "code")
	if code == "" {
		t.Fatal("redirect carries no code")
	}
	if got := mustQueryParam(t, redirect, "state"); got != "client-csrf-value" {
		t.Errorf("redirect state: got %q, want the client's original value", got)
	}

	// The minted code is bound to the upstream identity.
	stored, err := env.store.AtomicConsumeAuthorizationCode(context.Background(), code)
	if err != nil {
		t.Fatalf("minted code not stored: %v", err)
	}
	if stored.UserID != "user-123" || stored.Username != "alice" {
		t.Errorf("code identity: got %q/%q", stored.UserID, stored.Username)
	}

	// The upstream code was handed to the provider.
	codes := env.fp.ResolvedCodes()
	if len(codes) != 1 || codes[0] != "upstream-code" {
		t.Errorf("provider saw codes %v", codes)
	}
}

func TestCompleteAuthorizationStateSingleUse(t *testing.T) {
	env := newTestEnv(t, nil)
	reg := registerPublicClient(t, env)
	state := beginAuthorization(t, env, reg.Client.ClientID, "")

	if _, err := env.srv.CompleteAuthorization(context.Background(), state, "upstream-code"); err != nil {
		t.Fatalf("first callback failed: %v", err)
	}
	_, err := env.srv.CompleteAuthorization(context.Background(), state, "upstream-code")
	oe, ok := AsError(err)
	if !ok || oe.Code != ErrorCodeInvalidRequest {
		t.Errorf("replayed state: got %v, want invalid_request", err)
	}
}

func TestCompleteAuthorizationExpiredState(t *testing.T) {
	env := newTestEnv(t, nil)
	reg := registerPublicClient(t, env)
	state := beginAuthorization(t, env, reg.Client.ClientID, "")

	env.clock.Advance(DefaultAuthorizationStateTTL + time.Minute)

	_, err := env.srv.CompleteAuthorization(context.Background(), state, "upstream-code")
	oe, ok := AsError(err)
	if !ok || oe.Code != ErrorCodeInvalidRequest {
		t.Errorf("expired state: got %v, want invalid_request", err)
	}
	if !strings.Contains(oe.Description, "expired") {
		t.Errorf("expired state description: %q", oe.Description)
	}
}

func TestCompleteAuthorizationMissingParameters(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.srv.CompleteAuthorization(context.Background(), "", "code"); err == nil {
		t.Error("missing state accepted")
	}
	if _, err := env.srv.CompleteAuthorization(context.Background(), "state", ""); err == nil {
		t.Error("missing code accepted")
	}
}

func TestCompleteAuthorizationUpstreamErrors(t *testing.T) {
	cases := []struct {
		name       string
		upstream   error
		wantCode   string
		wantStatus int
	}{
		{"denied", providers.ErrAccessDenied, ErrorCodeAccessDenied, http.StatusForbidden},
		{"unavailable", providers.ErrUpstreamUnavailable, ErrorCodeTemporarilyUnavailable, http.StatusServiceUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			reg := registerPublicClient(t, env)
			state := beginAuthorization(t, env, reg.Client.ClientID, "")

			env.fp.Err = tc.upstream
			_, err := env.srv.CompleteAuthorization(context.Background(), state, "upstream-code")
			oe, ok := AsError(err)
			if !ok {
				t.Fatalf("expected protocol error, got %v", err)
			}
			if oe.Code != tc.wantCode || oe.Status != tc.wantStatus {
				t.Errorf("got %s/%d, want %s/%d", oe.Code, oe.Status, tc.wantCode, tc.wantStatus)
			}
		})
	}
}

func TestCompleteAuthorizationAllowlist(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.AllowedUsers = []string{"someone-else@example.com"}
	})
	reg := registerPublicClient(t, env)
	state := beginAuthorization(t, env, reg.Client.ClientID, "")

	_, err := env.srv.CompleteAuthorization(context.Background(), state, "upstream-code")
	oe, ok := AsError(err)
	if !ok || oe.Code != ErrorCodeAccessDenied {
		t.Errorf("unlisted user: got %v, want access_denied", err)
	}
}
