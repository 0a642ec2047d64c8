package server

import (
	"fmt"
	"net/url"
	"strings"
)

// Grant and client type vocabulary.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"

	ResponseTypeCode = "code"

	ClientTypePublic       = "public"
	ClientTypeConfidential = "confidential"

	CodeChallengeMethodS256 = "S256"
)

// validateRedirectURIs checks every URI a client registers or updates.
// URIs must be absolute, carry no fragment, and use https; plain http is
// accepted only for loopback redirect targets (native-app development).
func validateRedirectURIs(uris []string) error {
	if len(uris) == 0 {
		return fmt.Errorf("at least one redirect_uri is required")
	}
	for _, raw := range uris {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("redirect_uri %q is not a valid URL", raw)
		}
		if !u.IsAbs() {
			return fmt.Errorf("redirect_uri %q must be absolute", raw)
		}
		if u.Fragment != "" || strings.Contains(raw, "#") {
			return fmt.Errorf("redirect_uri %q must not contain a fragment", raw)
		}
		switch u.Scheme {
		case "https":
		case "http":
			if !isLoopbackHost(u.Hostname()) {
				return fmt.Errorf("redirect_uri %q must use https (http is allowed only for loopback)", raw)
			}
		default:
			return fmt.Errorf("redirect_uri %q must use http or https", raw)
		}
		if u.Host == "" {
			return fmt.Errorf("redirect_uri %q has no host", raw)
		}
	}
	return nil
}

// redirectURIRegistered requires an exact string match against the client's
// registered URIs. No prefix, subdomain, or port flexibility.
func redirectURIRegistered(registered []string, presented string) bool {
	for _, uri := range registered {
		if uri == presented {
			return true
		}
	}
	return false
}

// validateCodeChallenge checks the shape of an S256 code challenge: the
// base64url encoding of a SHA-256 digest is exactly 43 characters.
func validateCodeChallenge(challenge string) error {
	if len(challenge) != 43 {
		return fmt.Errorf("code_challenge must be a base64url-encoded SHA-256 digest")
	}
	for _, r := range challenge {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return fmt.Errorf("code_challenge contains invalid character %q", r)
		}
	}
	return nil
}

// validateScope checks a requested scope string against the supported
// vocabulary. An empty vocabulary accepts any scope; scopes are otherwise
// opaque to this server.
func validateScope(scope string, supported []string) error {
	if scope == "" || len(supported) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(supported))
	for _, s := range supported {
		allowed[s] = struct{}{}
	}
	for _, s := range strings.Fields(scope) {
		if _, ok := allowed[s]; !ok {
			return fmt.Errorf("scope %q is not supported", s)
		}
	}
	return nil
}

// normalizeGrantTypes fills registration defaults and rejects grants outside
// the closed set this server issues.
func normalizeGrantTypes(grantTypes []string) ([]string, error) {
	if len(grantTypes) == 0 {
		return []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}, nil
	}
	for _, gt := range grantTypes {
		switch gt {
		case GrantTypeAuthorizationCode, GrantTypeRefreshToken:
		default:
			return nil, fmt.Errorf("grant_type %q is not supported", gt)
		}
	}
	return grantTypes, nil
}

// clientAllowsGrant reports whether the client registered for the grant.
func clientAllowsGrant(grantTypes []string, grant string) bool {
	for _, gt := range grantTypes {
		if gt == grant {
			return true
		}
	}
	return false
}
