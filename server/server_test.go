package server

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/giantswarm/gateway-oauth/internal/testutil"
	"github.com/giantswarm/gateway-oauth/providers"
	"github.com/giantswarm/gateway-oauth/storage/memory"
)

// testEnv bundles an engine with its controllable collaborators.
type testEnv struct {
	srv   *Server
	store *memory.Store
	fp    *testutil.FakeProvider
	clock *testutil.MockTime
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	clock := testutil.NewMockTime(time.Now())
	store := memory.New(memory.WithTimeSource(clock.Now))
	t.Cleanup(store.Stop)
	fp := &testutil.FakeProvider{}

	cfg := Config{
		Issuer:     "https://auth.example.com",
		Provider:   fp,
		Clients:    store,
		Flows:      store,
		Tokens:     store,
		SigningKey: testutil.SigningKey(t),
		Time:       clock,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	return &testEnv{srv: srv, store: store, fp: fp, clock: clock}
}

// registerPublicClient registers a public client through the engine so the
// fixture carries real generated credentials.
func registerPublicClient(t *testing.T, env *testEnv) *RegisteredClient {
	t.Helper()
	reg, err := env.srv.RegisterClient(context.Background(), ClientMetadata{
		ClientName:              "Test App",
		RedirectURIs:            []string{"https://app.example/cb"},
		TokenEndpointAuthMethod: "none",
	})
	if err != nil {
		t.Fatalf("failed to register client: %v", err)
	}
	return reg
}

func TestConfigValidate(t *testing.T) {
	store := memory.New()
	defer store.Stop()
	fp := &testutil.FakeProvider{}
	key := testutil.SigningKey(t)

	base := func() Config {
		return Config{
			Issuer:     "https://auth.example.com",
			Provider:   fp,
			Clients:    store,
			Flows:      store,
			Tokens:     store,
			SigningKey: key,
		}
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid https", nil, false},
		{"valid loopback http", func(c *Config) { c.Issuer = "http://localhost:8080" }, false},
		{"missing issuer", func(c *Config) { c.Issuer = "" }, true},
		{"relative issuer", func(c *Config) { c.Issuer = "/auth" }, true},
		{"plain http non-loopback", func(c *Config) { c.Issuer = "http://auth.example.com" }, true},
		{"issuer with fragment", func(c *Config) { c.Issuer = "https://auth.example.com/#frag" }, true},
		{"unsupported scheme", func(c *Config) { c.Issuer = "ftp://auth.example.com" }, true},
		{"missing provider", func(c *Config) { c.Provider = nil }, true},
		{"missing token store", func(c *Config) { c.Tokens = nil }, true},
		{"missing signing key", func(c *Config) { c.SigningKey = nil }, true},
		{"negative lifetime", func(c *Config) { c.AccessTokenTTL = -time.Second }, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			if tc.mutate != nil {
				tc.mutate(&cfg)
			}
			err := cfg.Validate()
			if tc.wantErr && err == nil {
				t.Error("expected validation error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	env := newTestEnv(t, nil)
	if env.srv.accessTokenTTL != DefaultAccessTokenTTL {
		t.Errorf("access token TTL: got %v, want %v", env.srv.accessTokenTTL, DefaultAccessTokenTTL)
	}
	if env.srv.authorizationStateTTL != DefaultAuthorizationStateTTL {
		t.Errorf("authorization state TTL: got %v, want %v", env.srv.authorizationStateTTL, DefaultAuthorizationStateTTL)
	}
	if env.srv.logger == nil {
		t.Error("logger default was not applied")
	}
	if env.srv.clock == nil {
		t.Error("clock default was not applied")
	}
}

func TestUserAllowlist(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.AllowedUsers = []string{"alice@example.com", "user-999"}
	})

	claims := &providers.IdentityClaims{Subject: "user-123", Username: "alice", Email: "alice@example.com"}
	if !env.srv.userAllowed(claims) {
		t.Error("email match was not admitted")
	}

	claims = &providers.IdentityClaims{Subject: "user-999", Username: "bob", Email: "bob@example.com"}
	if !env.srv.userAllowed(claims) {
		t.Error("subject match was not admitted")
	}

	claims = &providers.IdentityClaims{Subject: "user-456", Username: "mallory", Email: "mallory@example.com"}
	if env.srv.userAllowed(claims) {
		t.Error("unlisted identity was admitted")
	}

	// An empty allowlist admits everyone.
	open := newTestEnv(t, nil)
	if !open.srv.userAllowed(claims) {
		t.Error("empty allowlist rejected an identity")
	}
}

// mustQueryParam extracts a query parameter from a URL and fails the test if
// it is absent.
func mustQueryParam(t *testing.T, rawURL, key string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("failed to parse URL %q: %v", rawURL, err)
	}
	v := u.Query().Get(key)
	if v == "" {
		t.Fatalf("URL %q carries no %q parameter", rawURL, key)
	}
	return v
}
