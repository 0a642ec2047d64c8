package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/giantswarm/gateway-oauth/storage"
)

// jwtLeeway tolerates small clock skew between this server, the store, and
// verifying gateways.
const jwtLeeway = 5 * time.Second

// TokenRequest carries the form parameters of a /token call.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	CodeVerifier string
	RefreshToken string
}

// TokenPair is a successfully issued access/refresh token pair.
type TokenPair struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	RefreshToken string
	Scope        string
}

// Identity is the verified result of a bearer-token check.
type Identity struct {
	UserID   string
	Username string
	ClientID string
	Scope    string
}

// accessClaims is the claim set of issued access tokens.
type accessClaims struct {
	Scope    string `json:"scope,omitempty"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// Exchange dispatches a token request over the closed set of supported
// grant types. This is the single place grant-type strings are interpreted.
func (s *Server) Exchange(ctx context.Context, req *TokenRequest) (*TokenPair, error) {
	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		return s.exchangeAuthorizationCode(ctx, req)
	case GrantTypeRefreshToken:
		return s.rotateRefreshToken(ctx, req)
	case "":
		return nil, ErrInvalidRequest("grant_type is required")
	default:
		return nil, ErrUnsupportedGrantType("supported grant types: authorization_code, refresh_token")
	}
}

// exchangeAuthorizationCode redeems a single-use authorization code for a
// token pair. The code is consumed atomically before anything else is
// checked, so a losing racer or a replay can never observe a half-redeemed
// code.
func (s *Server) exchangeAuthorizationCode(ctx context.Context, req *TokenRequest) (*TokenPair, error) {
	if req.Code == "" {
		return nil, ErrInvalidRequest("code is required")
	}
	if req.CodeVerifier == "" {
		return nil, ErrInvalidRequest("code_verifier is required")
	}

	code, err := s.flows.AtomicConsumeAuthorizationCode(ctx, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrAlreadyConsumed):
			if s.auditor != nil {
				s.auditor.LogReplayDetected(req.ClientID, "", "authorization_code")
			}
			if s.replayHook != nil {
				s.replayHook()
			}
			return nil, ErrInvalidGrant("authorization code has already been used")
		case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrExpired):
			return nil, ErrInvalidGrant("authorization code is invalid or expired")
		default:
			s.logger.Error("failed to redeem authorization code", "error", err)
			return nil, ErrServerError("storage unavailable")
		}
	}

	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(code.ClientID), []byte(client.ClientID)) != 1 {
		if s.auditor != nil {
			s.auditor.LogAuthFailure(code.UserID, req.ClientID, "", "authorization code client mismatch")
		}
		return nil, ErrInvalidGrant("authorization code was not issued to this client")
	}
	if req.RedirectURI != "" && req.RedirectURI != code.RedirectURI {
		return nil, ErrInvalidGrant("redirect_uri does not match the authorization request")
	}
	if err := verifyPKCE(code.CodeChallenge, req.CodeVerifier); err != nil {
		if s.auditor != nil {
			s.auditor.LogAuthFailure(code.UserID, client.ClientID, "", "PKCE verification failed")
		}
		return nil, err
	}

	pair, err := s.issueTokens(ctx, client.ClientID, code.UserID, code.Username, code.Email, code.Scope)
	if err != nil {
		return nil, err
	}
	if s.auditor != nil {
		s.auditor.LogTokenIssued(code.UserID, client.ClientID, "", code.Scope)
	}
	return pair, nil
}

// verifyPKCE recomputes the S256 challenge from the presented verifier and
// compares it to the stored challenge in constant time.
func verifyPKCE(storedChallenge, verifier string) error {
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(computed), []byte(storedChallenge)) != 1 {
		return ErrInvalidGrant("PKCE verification failed")
	}
	return nil
}

// rotateRefreshToken redeems a refresh token for a new pair. The presented
// value is atomically deleted first, so a rotated value can never succeed
// twice; reuse of an old value is the theft signal OAuth 2.1 rotation is
// designed to surface.
func (s *Server) rotateRefreshToken(ctx context.Context, req *TokenRequest) (*TokenPair, error) {
	if req.RefreshToken == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}

	rt, err := s.tokens.AtomicGetAndDeleteRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrExpired):
			if s.auditor != nil {
				s.auditor.LogReplayDetected(req.ClientID, "", "refresh_token")
			}
			if s.replayHook != nil {
				s.replayHook()
			}
			return nil, ErrInvalidGrant("refresh token is invalid, expired, or has been rotated")
		default:
			s.logger.Error("failed to rotate refresh token", "error", err)
			return nil, ErrServerError("storage unavailable")
		}
	}

	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(rt.ClientID), []byte(client.ClientID)) != 1 {
		if s.auditor != nil {
			s.auditor.LogAuthFailure(rt.UserID, req.ClientID, "", "refresh token client mismatch")
		}
		return nil, ErrInvalidGrant("refresh token was not issued to this client")
	}
	if !clientAllowsGrant(client.GrantTypes, GrantTypeRefreshToken) {
		return nil, ErrUnauthorizedClient("client is not registered for the refresh_token grant")
	}
	if !s.userStillAllowed(rt.UserID, rt.Username, rt.Email) {
		if s.auditor != nil {
			s.auditor.LogAuthorizationDenied(rt.UserID, client.ClientID, "", "user no longer in allowlist")
		}
		return nil, ErrInvalidGrant("user is no longer authorized")
	}

	// The superseded access token's jti record is left to lapse on its own
	// TTL rather than revoked here, tolerating the brief overlap of
	// client-side rotation races.
	pair, err := s.issueTokens(ctx, rt.ClientID, rt.UserID, rt.Username, rt.Email, rt.Scope)
	if err != nil {
		return nil, err
	}
	if s.auditor != nil {
		s.auditor.LogTokenRefreshed(rt.UserID, rt.ClientID, "")
	}
	return pair, nil
}

// issueTokens mints a signed access token, its revocation record, the user
// index entry, and a fresh refresh token.
func (s *Server) issueTokens(ctx context.Context, clientID, userID, username, email, scope string) (*TokenPair, error) {
	now := s.now()
	jti := uuid.NewString()
	expiresAt := now.Add(s.accessTokenTTL)

	claims := &accessClaims{
		Scope:    scope,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			Audience:  jwt.ClaimStrings{clientID},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jti,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if s.signingKeyID != "" {
		token.Header["kid"] = s.signingKeyID
	}
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		s.logger.Error("failed to sign access token", "error", err)
		return nil, ErrServerError("failed to issue token")
	}

	record := &storage.AccessTokenRecord{
		JTI:       jti,
		ClientID:  clientID,
		UserID:    userID,
		Scope:     scope,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	}
	if err := s.tokens.SaveAccessTokenRecord(ctx, record); err != nil {
		s.logger.Error("failed to save access token record", "error", err)
		return nil, ErrServerError("storage unavailable")
	}
	if err := s.tokens.AddUserToken(ctx, userID, jti); err != nil {
		s.logger.Error("failed to index user token", "error", err)
		return nil, ErrServerError("storage unavailable")
	}

	refresh := oauth2.GenerateVerifier()
	refreshRecord := &storage.RefreshToken{
		Token:          refresh,
		ClientID:       clientID,
		UserID:         userID,
		Username:       username,
		Email:          email,
		Scope:          scope,
		AccessTokenJTI: jti,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.refreshTokenTTL),
	}
	if err := s.tokens.SaveRefreshToken(ctx, refreshRecord); err != nil {
		s.logger.Error("failed to save refresh token", "error", err)
		return nil, ErrServerError("storage unavailable")
	}

	return &TokenPair{
		AccessToken:  signed,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessTokenTTL.Seconds()),
		RefreshToken: refresh,
		Scope:        scope,
	}, nil
}

// Revoke invalidates a presented token value. Per RFC 7009 the operation is
// idempotent and deliberately silent about whether the token existed, so it
// cannot be used as an oracle. Only infrastructure failures are reported.
func (s *Server) Revoke(ctx context.Context, tokenValue string) error {
	if tokenValue == "" {
		return nil
	}

	// A value that parses and verifies as one of our JWTs is an access
	// token; anything else is treated as an opaque refresh token.
	if claims, err := s.parseAccessToken(tokenValue, false); err == nil {
		if err := s.tokens.DeleteAccessTokenRecord(ctx, claims.ID); err != nil {
			s.logger.Error("failed to delete access token record", "error", err)
			return ErrServerError("storage unavailable")
		}
		if err := s.tokens.RemoveUserToken(ctx, claims.Subject, claims.ID); err != nil {
			s.logger.Error("failed to prune user token index", "error", err)
			return ErrServerError("storage unavailable")
		}
		if s.auditor != nil {
			s.auditor.LogTokenRevoked(claims.Subject, firstAudience(claims), "", "access_token")
		}
		return nil
	}

	if err := s.tokens.DeleteRefreshToken(ctx, tokenValue); err != nil {
		s.logger.Error("failed to delete refresh token", "error", err)
		return ErrServerError("storage unavailable")
	}
	if s.auditor != nil {
		s.auditor.LogTokenRevoked("", "", "", "refresh_token")
	}
	return nil
}

// RevokeUserTokens deletes every live access token record for a user by
// walking the user token index. Returns the number of records revoked.
func (s *Server) RevokeUserTokens(ctx context.Context, userID string) (int, error) {
	jtis, err := s.tokens.ListUserTokens(ctx, userID)
	if err != nil {
		return 0, ErrServerError("storage unavailable")
	}
	revoked := 0
	for _, jti := range jtis {
		if err := s.tokens.DeleteAccessTokenRecord(ctx, jti); err != nil {
			s.logger.Error("failed to delete access token record", "jti", jti, "error", err)
			continue
		}
		if err := s.tokens.RemoveUserToken(ctx, userID, jti); err != nil {
			s.logger.Error("failed to prune user token index", "jti", jti, "error", err)
			continue
		}
		revoked++
	}
	if s.auditor != nil {
		s.auditor.LogTokenRevoked(userID, "", "", "all_user_tokens")
	}
	return revoked, nil
}

// Verify checks a bearer token: signature, expiry, issuer, and audience on
// the token itself, then a single-round-trip presence check of the jti
// revocation record. An absent record means expired or revoked; callers are
// told only "invalid".
func (s *Server) Verify(ctx context.Context, bearerToken string) (*Identity, error) {
	claims, err := s.parseAccessToken(bearerToken, true)
	if err != nil {
		return nil, ErrInvalidToken("token is invalid")
	}

	if _, err := s.tokens.GetAccessTokenRecord(ctx, claims.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidToken("token is expired or revoked")
		}
		s.logger.Error("failed to check token revocation record", "error", err)
		return nil, ErrServerError("storage unavailable")
	}

	return &Identity{
		UserID:   claims.Subject,
		Username: claims.Username,
		ClientID: firstAudience(claims),
		Scope:    claims.Scope,
	}, nil
}

// parseAccessToken verifies a JWT against the signing key. The algorithm is
// pinned to RS256 so a downgraded or symmetric token can never verify.
// Expiry checking is optional so revocation can still locate the jti of a
// token that has already lapsed.
func (s *Server) parseAccessToken(tokenValue string, requireFresh bool) (*accessClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithLeeway(jwtLeeway),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return s.now() }),
	}
	if requireFresh {
		opts = append(opts, jwt.WithExpirationRequired())
	} else {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}

	claims := &accessClaims{}
	_, err := jwt.ParseWithClaims(tokenValue, claims, func(t *jwt.Token) (any, error) {
		return &s.signingKey.PublicKey, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if requireFresh && len(claims.Audience) == 0 {
		return nil, errors.New("token carries no audience")
	}
	return claims, nil
}

func firstAudience(claims *accessClaims) string {
	if len(claims.Audience) == 0 {
		return ""
	}
	return claims.Audience[0]
}
