package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/gateway-oauth/security"
)

func TestRegisterConfidentialClient(t *testing.T) {
	env := newTestEnv(t, nil)

	reg, err := env.srv.RegisterClient(context.Background(), ClientMetadata{
		ClientName:   "Backend Service",
		RedirectURIs: []string{"https://app.example/cb"},
	})
	if err != nil {
		t.Fatalf("registration failed: %v", err)
	}

	c := reg.Client
	if c.ClientType != ClientTypeConfidential {
		t.Errorf("default client type: got %q, want confidential", c.ClientType)
	}
	if c.TokenEndpointAuthMethod != "client_secret_post" {
		t.Errorf("default auth method: got %q", c.TokenEndpointAuthMethod)
	}
	if reg.ClientSecret == "" {
		t.Error("confidential client was issued no secret")
	}
	if c.ClientSecretHash == reg.ClientSecret {
		t.Error("client secret stored in plaintext")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(c.ClientSecretHash), []byte(reg.ClientSecret)); err != nil {
		t.Errorf("stored hash does not verify the issued secret: %v", err)
	}
	if reg.RegistrationAccessToken == "" {
		t.Error("no registration access token issued")
	}
	if !security.VerifyTokenHash(reg.RegistrationAccessToken, c.RegistrationTokenHash) {
		t.Error("stored hash does not verify the issued registration token")
	}
	if len(c.GrantTypes) != 2 {
		t.Errorf("grant type defaults not applied: %v", c.GrantTypes)
	}
	if len(c.ResponseTypes) != 1 || c.ResponseTypes[0] != ResponseTypeCode {
		t.Errorf("response type defaults not applied: %v", c.ResponseTypes)
	}
	if !c.ExpiresAt.IsZero() {
		t.Error("registration expires despite no client TTL")
	}
}

func TestRegisterPublicClient(t *testing.T) {
	env := newTestEnv(t, nil)
	reg := registerPublicClient(t, env)

	if reg.Client.ClientType != ClientTypePublic {
		t.Errorf("auth method none: got type %q, want public", reg.Client.ClientType)
	}
	if reg.ClientSecret != "" {
		t.Error("public client was issued a secret")
	}
	if reg.Client.ClientSecretHash != "" {
		t.Error("public client has a stored secret hash")
	}
}

func TestRegisterClientValidation(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.SupportedScopes = []string{"read", "write"}
	})
	ctx := context.Background()

	cases := []struct {
		name     string
		meta     ClientMetadata
		wantCode string
	}{
		{
			"no redirect URIs",
			ClientMetadata{},
			ErrorCodeInvalidRequest,
		},
		{
			"bad redirect URI",
			ClientMetadata{RedirectURIs: []string{"http://app.example/cb"}},
			ErrorCodeInvalidRequest,
		},
		{
			"unsupported grant",
			ClientMetadata{
				RedirectURIs: []string{"https://app.example/cb"},
				GrantTypes:   []string{"implicit"},
			},
			ErrorCodeInvalidRequest,
		},
		{
			"unsupported response type",
			ClientMetadata{
				RedirectURIs:  []string{"https://app.example/cb"},
				ResponseTypes: []string{"token"},
			},
			ErrorCodeInvalidRequest,
		},
		{
			"unsupported scope",
			ClientMetadata{
				RedirectURIs: []string{"https://app.example/cb"},
				Scope:        "admin",
			},
			ErrorCodeInvalidScope,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.srv.RegisterClient(ctx, tc.meta)
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

func TestRegisterClientTTL(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.ClientTTL = 24 * time.Hour
	})
	reg := registerPublicClient(t, env)
	if reg.Client.ExpiresAt.IsZero() {
		t.Fatal("client TTL configured but registration never expires")
	}
	want := reg.Client.CreatedAt.Add(env.srv.clientTTL)
	if !reg.Client.ExpiresAt.Equal(want) {
		t.Errorf("expiry: got %v, want %v", reg.Client.ExpiresAt, want)
	}
}

func TestManagementAuthentication(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	reg := registerPublicClient(t, env)

	// The right token reads the record.
	got, err := env.srv.GetClient(ctx, reg.Client.ClientID, reg.RegistrationAccessToken)
	if err != nil {
		t.Fatalf("management read failed: %v", err)
	}
	if got.ClientID != reg.Client.ClientID {
		t.Errorf("got client %q, want %q", got.ClientID, reg.Client.ClientID)
	}

	// A wrong token against an existing client is forbidden, not missing.
	_, err = env.srv.GetClient(ctx, reg.Client.ClientID, "wrong-token")
	oe, ok := AsError(err)
	if !ok || oe.Status != http.StatusForbidden {
		t.Errorf("wrong token: got %v, want 403", err)
	}

	// An unknown client is missing regardless of the token.
	_, err = env.srv.GetClient(ctx, "no-such-client", reg.RegistrationAccessToken)
	oe, ok = AsError(err)
	if !ok || oe.Status != http.StatusNotFound {
		t.Errorf("unknown client: got %v, want 404", err)
	}
}

func TestRegistrationTokenBoundToClient(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	a := registerPublicClient(t, env)
	b := registerPublicClient(t, env)

	// Each token manages exactly its own registration.
	if _, err := env.srv.GetClient(ctx, b.Client.ClientID, a.RegistrationAccessToken); err == nil {
		t.Error("client A's token managed client B")
	}
	if _, err := env.srv.GetClient(ctx, b.Client.ClientID, b.RegistrationAccessToken); err != nil {
		t.Errorf("client B's own token was rejected: %v", err)
	}
}

func TestUpdateClient(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	reg := registerPublicClient(t, env)

	updated, err := env.srv.UpdateClient(ctx, reg.Client.ClientID, reg.RegistrationAccessToken, ClientMetadata{
		ClientName:   "Renamed App",
		RedirectURIs: []string{"https://other.example/cb"},
		GrantTypes:   []string{GrantTypeAuthorizationCode},
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.ClientName != "Renamed App" {
		t.Errorf("name not updated: %q", updated.ClientName)
	}
	if len(updated.RedirectURIs) != 1 || updated.RedirectURIs[0] != "https://other.example/cb" {
		t.Errorf("redirect URIs not updated: %v", updated.RedirectURIs)
	}
	if len(updated.GrantTypes) != 1 {
		t.Errorf("grant types not updated: %v", updated.GrantTypes)
	}
	// The management credential survives updates.
	if _, err := env.srv.GetClient(ctx, reg.Client.ClientID, reg.RegistrationAccessToken); err != nil {
		t.Errorf("registration token invalidated by update: %v", err)
	}

	// Updates are validated like registrations.
	_, err = env.srv.UpdateClient(ctx, reg.Client.ClientID, reg.RegistrationAccessToken, ClientMetadata{
		RedirectURIs: []string{"not-a-url"},
	})
	if err == nil {
		t.Error("invalid update accepted")
	}
}

func TestDeleteClient(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	reg := registerPublicClient(t, env)

	if err := env.srv.DeleteClient(ctx, reg.Client.ClientID, "wrong-token"); err == nil {
		t.Error("delete with wrong token succeeded")
	}
	if err := env.srv.DeleteClient(ctx, reg.Client.ClientID, reg.RegistrationAccessToken); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	_, err := env.srv.GetClient(ctx, reg.Client.ClientID, reg.RegistrationAccessToken)
	oe, ok := AsError(err)
	if !ok || oe.Status != http.StatusNotFound {
		t.Errorf("deleted client still resolvable: %v", err)
	}
}

func TestRotateClientSecret(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	reg, err := env.srv.RegisterClient(ctx, ClientMetadata{
		RedirectURIs: []string{"https://app.example/cb"},
	})
	if err != nil {
		t.Fatalf("registration failed: %v", err)
	}
	oldSecret := reg.ClientSecret

	rotated, err := env.srv.RotateClientSecret(ctx, reg.Client.ClientID, reg.RegistrationAccessToken)
	if err != nil {
		t.Fatalf("rotation failed: %v", err)
	}
	if rotated.ClientSecret == "" || rotated.ClientSecret == oldSecret {
		t.Error("rotation did not mint a fresh secret")
	}

	// The old secret no longer authenticates at the token endpoint.
	if _, err := env.srv.authenticateClient(ctx, reg.Client.ClientID, oldSecret); err == nil {
		t.Error("old secret still authenticates after rotation")
	}
	if _, err := env.srv.authenticateClient(ctx, reg.Client.ClientID, rotated.ClientSecret); err != nil {
		t.Errorf("new secret rejected: %v", err)
	}
}

func TestRotateClientSecretPublicClient(t *testing.T) {
	env := newTestEnv(t, nil)
	reg := registerPublicClient(t, env)

	_, err := env.srv.RotateClientSecret(context.Background(), reg.Client.ClientID, reg.RegistrationAccessToken)
	oe, ok := AsError(err)
	if !ok || oe.Code != ErrorCodeInvalidRequest {
		t.Errorf("public client rotation: got %v, want invalid_request", err)
	}
}

func TestAuthenticateClient(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	confidential, err := env.srv.RegisterClient(ctx, ClientMetadata{
		RedirectURIs: []string{"https://app.example/cb"},
	})
	if err != nil {
		t.Fatalf("registration failed: %v", err)
	}
	public := registerPublicClient(t, env)

	if _, err := env.srv.authenticateClient(ctx, "", ""); err == nil {
		t.Error("empty client_id accepted")
	}
	if _, err := env.srv.authenticateClient(ctx, "unknown", "secret"); err == nil {
		t.Error("unknown client accepted")
	}
	if _, err := env.srv.authenticateClient(ctx, confidential.Client.ClientID, ""); err == nil {
		t.Error("confidential client accepted without a secret")
	}
	if _, err := env.srv.authenticateClient(ctx, confidential.Client.ClientID, "wrong"); err == nil {
		t.Error("confidential client accepted with a wrong secret")
	}
	if _, err := env.srv.authenticateClient(ctx, confidential.Client.ClientID, confidential.ClientSecret); err != nil {
		t.Errorf("confidential client rejected with its secret: %v", err)
	}
	if _, err := env.srv.authenticateClient(ctx, public.Client.ClientID, ""); err != nil {
		t.Errorf("public client rejected without a secret: %v", err)
	}
}
