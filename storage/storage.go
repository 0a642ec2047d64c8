// Package storage defines the persistence interfaces for the authorization
// server: client records, authorization flow state, and token lifecycle data.
// Backends must provide per-key atomicity; cross-key transactions are never
// assumed. All methods accept context.Context for tracing and cancellation.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by store implementations. Callers compare with
// errors.Is and translate to protocol errors at the boundary.
var (
	// ErrNotFound indicates the requested record does not exist. For
	// single-use records this is indistinguishable from "already consumed"
	// on a plain read; use the Atomic* methods to tell the two apart.
	ErrNotFound = errors.New("storage: not found")

	// ErrExpired indicates the record exists but its TTL has elapsed.
	ErrExpired = errors.New("storage: expired")

	// ErrAlreadyConsumed indicates a single-use record was already redeemed.
	ErrAlreadyConsumed = errors.New("storage: already consumed")
)

// ClientStore manages registered OAuth client records.
type ClientStore interface {
	// SaveClient persists a client record. A zero ExpiresAt means the
	// record never expires.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID. Returns ErrNotFound for unknown
	// or expired clients.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// DeleteClient removes a client record. Deleting an absent client is
	// not an error.
	DeleteClient(ctx context.Context, clientID string) error
}

// FlowStore manages the ephemeral state of authorization flows: the CSRF
// state created at /authorize and the single-use authorization code minted
// at the upstream callback.
type FlowStore interface {
	// SaveAuthorizationState persists a pending authorization, keyed by the
	// server-generated state value.
	SaveAuthorizationState(ctx context.Context, state *AuthorizationState) error

	// AtomicConsumeAuthorizationState fetches and deletes the state in a
	// single step. A second consume of the same value returns ErrNotFound.
	// SECURITY: the get-and-delete MUST be atomic; two concurrent callbacks
	// carrying the same state must not both succeed.
	AtomicConsumeAuthorizationState(ctx context.Context, stateValue string) (*AuthorizationState, error)

	// SaveAuthorizationCode persists an issued authorization code.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// AtomicConsumeAuthorizationCode redeems a code by fetching and deleting
	// it in a single step. Returns ErrAlreadyConsumed when the code existed
	// but was redeemed before, where the backend can tell, and ErrNotFound
	// otherwise. Exactly one of two racing redemptions succeeds.
	// SECURITY: the get-and-delete MUST be atomic; a non-atomic
	// implementation is a correctness bug, not a performance trade-off.
	AtomicConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
}

// TokenStore manages access-token revocation records, refresh tokens, and
// the per-user token index.
type TokenStore interface {
	// SaveAccessTokenRecord stores the revocation-tracking record for an
	// issued access token, keyed by jti, with TTL equal to the token
	// lifetime. Presence of the record means the token is live.
	SaveAccessTokenRecord(ctx context.Context, rec *AccessTokenRecord) error

	// GetAccessTokenRecord retrieves the record for a jti. ErrNotFound
	// means the token is expired or revoked; the two are indistinguishable.
	// This is the hot-path lookup behind token verification and must be a
	// single round trip to the backend.
	GetAccessTokenRecord(ctx context.Context, jti string) (*AccessTokenRecord, error)

	// DeleteAccessTokenRecord revokes an access token. Deleting an absent
	// record is not an error (revocation is idempotent).
	DeleteAccessTokenRecord(ctx context.Context, jti string) error

	// SaveRefreshToken persists a refresh token record keyed by the opaque
	// token value.
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// AtomicGetAndDeleteRefreshToken rotates a refresh token: it fetches
	// and deletes the record in a single step so a previously rotated value
	// can never be redeemed twice. Returns ErrNotFound when the value is
	// unknown or already rotated.
	// SECURITY: the get-and-delete MUST be atomic to close the concurrent
	// refresh window.
	AtomicGetAndDeleteRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// DeleteRefreshToken removes a refresh token record. Idempotent.
	DeleteRefreshToken(ctx context.Context, token string) error

	// AddUserToken adds a jti to the user's set of live access tokens.
	AddUserToken(ctx context.Context, userID, jti string) error

	// RemoveUserToken removes a jti from the user's set. Idempotent.
	RemoveUserToken(ctx context.Context, userID, jti string) error

	// ListUserTokens returns the jti values currently indexed for the user.
	// Members whose access-token records have expired may still appear; the
	// caller prunes them as it walks the set.
	ListUserTokens(ctx context.Context, userID string) ([]string, error)
}

// Client is a registered OAuth client record.
type Client struct {
	ClientID                string
	ClientSecretHash        string // bcrypt hash; empty for public clients
	ClientType              string // "public" or "confidential"
	RedirectURIs            []string
	TokenEndpointAuthMethod string
	GrantTypes              []string
	ResponseTypes           []string
	ClientName              string
	Scopes                  []string
	// RegistrationTokenHash is the SHA-256 hash of the registration access
	// token issued at creation. The plaintext is returned exactly once and
	// is never regenerable.
	RegistrationTokenHash string
	CreatedAt             time.Time
	ExpiresAt             time.Time // zero = eternal
}

// IsConfidential reports whether the client was registered as confidential.
func (c *Client) IsConfidential() bool {
	return c.ClientType == "confidential"
}

// AuthorizationState is the ephemeral CSRF/PKCE binding created at
// /authorize and consumed exactly once at the upstream callback.
type AuthorizationState struct {
	// State is the server-generated CSRF value carried to the upstream
	// identity provider. It is the storage key.
	State string
	// ClientState is the client-supplied state parameter, passed through
	// opaquely and echoed back on the final redirect.
	ClientState         string
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// AuthorizationCode is a single-use code binding a client, a verified user
// identity, and the PKCE challenge from the originating /authorize request.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	UserID              string
	Username            string
	Email               string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// AccessTokenRecord is the revocation-tracking entry for an issued access
// token. The token itself is a self-contained signed JWT and is never stored.
type AccessTokenRecord struct {
	JTI       string
	ClientID  string
	UserID    string
	Scope     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// RefreshToken is an opaque, rotating credential bound to the client, user,
// scope, and the jti of the most recently issued access token.
type RefreshToken struct {
	Token          string
	ClientID       string
	UserID         string
	Username       string
	Email          string
	Scope          string
	AccessTokenJTI string
	CreatedAt      time.Time
	ExpiresAt      time.Time
}
