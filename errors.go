package oauth

import "github.com/giantswarm/gateway-oauth/server"

// OAuthError is the protocol error type returned by all operations. It is
// the engine's error type re-exported so embedders only import this package.
type OAuthError = server.Error

// OAuth error codes.
const (
	ErrorCodeInvalidRequest         = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidClient          = server.ErrorCodeInvalidClient
	ErrorCodeInvalidGrant           = server.ErrorCodeInvalidGrant
	ErrorCodeUnauthorizedClient     = server.ErrorCodeUnauthorizedClient
	ErrorCodeUnsupportedGrantType   = server.ErrorCodeUnsupportedGrantType
	ErrorCodeInvalidScope           = server.ErrorCodeInvalidScope
	ErrorCodeInvalidToken           = server.ErrorCodeInvalidToken
	ErrorCodeInsufficientScope      = server.ErrorCodeInsufficientScope
	ErrorCodeAccessDenied           = server.ErrorCodeAccessDenied
	ErrorCodeServerError            = server.ErrorCodeServerError
	ErrorCodeTemporarilyUnavailable = server.ErrorCodeTemporarilyUnavailable
)

// Error constructors, one per OAuth error code.
var (
	NewOAuthError             = server.NewError
	ErrInvalidRequest         = server.ErrInvalidRequest
	ErrInvalidClient          = server.ErrInvalidClient
	ErrInvalidGrant           = server.ErrInvalidGrant
	ErrUnauthorizedClient     = server.ErrUnauthorizedClient
	ErrUnsupportedGrantType   = server.ErrUnsupportedGrantType
	ErrInvalidScope           = server.ErrInvalidScope
	ErrInvalidToken           = server.ErrInvalidToken
	ErrAccessDenied           = server.ErrAccessDenied
	ErrServerError            = server.ErrServerError
	ErrTemporarilyUnavailable = server.ErrTemporarilyUnavailable
)
