// Package oauth is an embeddable OAuth 2.1 authorization server for
// gateways fronting multiple backend resource servers.
//
// It issues, validates, and revokes access credentials; federates human
// authentication to an upstream identity provider while keeping that
// provider invisible to API clients; and lets clients self-register without
// operator intervention (dynamic client registration per RFC 7591/7592).
// Access tokens are RS256-signed JWTs; refresh tokens are opaque and rotated
// on every use; the PKCE method is pinned to S256.
//
// The package exposes an http.Handler serving the protocol endpoints plus a
// latency-critical /verify endpoint that edge routers call once per resource
// request. All durable state lives behind the storage interfaces; in-memory
// and Redis backends are provided.
package oauth
