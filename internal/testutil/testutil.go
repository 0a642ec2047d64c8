// Package testutil provides shared helpers and fixtures for the
// gateway-oauth test suites.
package testutil

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/gateway-oauth/providers"
	"github.com/giantswarm/gateway-oauth/security"
	"github.com/giantswarm/gateway-oauth/storage"
)

// MockTime is a controllable time source for deterministic tests.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a mock time source starting at t.
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time.
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward.
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// testSigningKey is generated once per test binary; 2048-bit RSA generation
// is too slow to repeat in every subtest.
var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

// SigningKey returns a process-wide RSA key for signing test tokens.
func SigningKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(fmt.Sprintf("generate test signing key: %v", err))
		}
		testKey = key
	})
	return testKey
}

// GenerateRandomString returns a random base64url string of the given length.
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair returns a valid S256 (challenge, verifier) pair.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = GenerateRandomString(50)
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return challenge, verifier
}

// FakeProvider is a providers.Provider test double. The zero value resolves
// a fixed test identity; set Err to force failures or Claims to override the
// identity.
type FakeProvider struct {
	Claims *providers.IdentityClaims
	Err    error

	mu       sync.Mutex
	resolved []string // upstream codes seen by ResolveIdentity
}

var _ providers.Provider = (*FakeProvider)(nil)

func (f *FakeProvider) Name() string { return "fake" }

func (f *FakeProvider) AuthorizationURL(state string) string {
	return "https://idp.test/authorize?state=" + state
}

func (f *FakeProvider) ResolveIdentity(_ context.Context, code string) (*providers.IdentityClaims, error) {
	f.mu.Lock()
	f.resolved = append(f.resolved, code)
	f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	if f.Claims != nil {
		cp := *f.Claims
		return &cp, nil
	}
	return &providers.IdentityClaims{
		Subject:       "user-123",
		Username:      "alice",
		Email:         "alice@example.com",
		EmailVerified: true,
		Name:          "Alice Example",
	}, nil
}

func (f *FakeProvider) HealthCheck(context.Context) error { return f.Err }

// ResolvedCodes returns the upstream codes passed to ResolveIdentity.
func (f *FakeProvider) ResolvedCodes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.resolved...)
}

// TestClient returns a public client fixture with the registration token
// plaintext "reg-token-test".
func TestClient() *storage.Client {
	return &storage.Client{
		ClientID:                "test-client-id",
		ClientType:              "public",
		RedirectURIs:            []string{"https://app.example/cb"},
		TokenEndpointAuthMethod: "none",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		ClientName:              "Test Client",
		RegistrationTokenHash:   security.HashToken("reg-token-test"),
		CreatedAt:               time.Now(),
	}
}

// TestAuthorizationCode returns a code fixture bound to TestClient and the
// given PKCE challenge.
func TestAuthorizationCode(challenge string) *storage.AuthorizationCode {
	now := time.Now()
	return &storage.AuthorizationCode{
		Code:                GenerateRandomString(43),
		ClientID:            "test-client-id",
		RedirectURI:         "https://app.example/cb",
		Scope:               "read write",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		UserID:              "user-123",
		Username:            "alice",
		Email:               "alice@example.com",
		CreatedAt:           now,
		ExpiresAt:           now.Add(time.Hour),
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}

// AssertEqual fails the test if got != want.
func AssertEqual(t *testing.T, got, want any) {
	t.Helper()
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// AssertStringContains fails the test if s does not contain substr.
func AssertStringContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("string %q does not contain %q", s, substr)
	}
}

// AssertTrue fails the test if the condition is false.
func AssertTrue(t *testing.T, condition bool, message string) {
	t.Helper()
	if !condition {
		t.Errorf("assertion failed: %s", message)
	}
}
