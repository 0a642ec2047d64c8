// Package security provides the cross-cutting protections for the
// authorization server: audit logging with PII hashing, per-IP rate
// limiting, response security headers, and constant-time credential
// comparison.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor records security-relevant events. User identifiers are hashed
// before logging; token values never reach the log at all.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates an auditor. A nil logger falls back to slog.Default().
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// Event is a single audit record.
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
}

// LogEvent emits an audit record with hashed PII.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}
	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", HashForLogging(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", time.Now(),
	)
}

// LogClientRegistered records a successful dynamic registration.
func (a *Auditor) LogClientRegistered(clientID, clientType, ip string) {
	a.LogEvent(Event{
		Type:      "client_registered",
		ClientID:  clientID,
		IPAddress: ip,
		Details:   map[string]any{"client_type": clientType},
	})
}

// LogClientManagement records an authenticated management call on a client
// registration (read, update, delete, secret rotation).
func (a *Auditor) LogClientManagement(clientID, action, ip string) {
	a.LogEvent(Event{
		Type:      "client_management",
		ClientID:  clientID,
		IPAddress: ip,
		Details:   map[string]any{"action": action},
	})
}

// LogAuthorizationGranted records an authorization code being issued.
func (a *Auditor) LogAuthorizationGranted(userID, clientID, ip string) {
	a.LogEvent(Event{
		Type:      "authorization_granted",
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ip,
	})
}

// LogAuthorizationDenied records a terminal authorization failure.
func (a *Auditor) LogAuthorizationDenied(userID, clientID, ip, reason string) {
	a.LogEvent(Event{
		Type:      "authorization_denied",
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ip,
		Details:   map[string]any{"reason": reason},
	})
}

// LogTokenIssued records an access/refresh token pair being issued.
func (a *Auditor) LogTokenIssued(userID, clientID, ip, scope string) {
	a.LogEvent(Event{
		Type:      "token_issued",
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ip,
		Details:   map[string]any{"scope": scope},
	})
}

// LogTokenRefreshed records a refresh-token rotation.
func (a *Auditor) LogTokenRefreshed(userID, clientID, ip string) {
	a.LogEvent(Event{
		Type:      "token_refreshed",
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ip,
	})
}

// LogTokenRevoked records an explicit revocation.
func (a *Auditor) LogTokenRevoked(userID, clientID, ip, tokenType string) {
	a.LogEvent(Event{
		Type:      "token_revoked",
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ip,
		Details:   map[string]any{"token_type": tokenType},
	})
}

// LogReplayDetected records a second redemption attempt of a single-use
// credential (authorization code or rotated refresh token).
func (a *Auditor) LogReplayDetected(clientID, ip, credentialType string) {
	a.LogEvent(Event{
		Type:      "replay_detected",
		ClientID:  clientID,
		IPAddress: ip,
		Details:   map[string]any{"credential_type": credentialType},
	})
}

// LogAuthFailure records a failed authentication attempt (bad client secret,
// bad registration token, invalid bearer token).
func (a *Auditor) LogAuthFailure(userID, clientID, ip, reason string) {
	a.LogEvent(Event{
		Type:      "auth_failure",
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ip,
		Details:   map[string]any{"reason": reason},
	})
}

// LogRateLimitExceeded records a rate-limit rejection.
func (a *Auditor) LogRateLimitExceeded(ip, endpoint string) {
	a.LogEvent(Event{
		Type:      "rate_limit_exceeded",
		IPAddress: ip,
		Details:   map[string]any{"endpoint": endpoint},
	})
}

// HashForLogging returns a truncated SHA-256 of a sensitive value so events
// about the same subject can be correlated without exposing the value.
func HashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	sum := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(sum[:])[:16]
}
