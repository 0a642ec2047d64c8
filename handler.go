package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/giantswarm/gateway-oauth/instrumentation"
	"github.com/giantswarm/gateway-oauth/security"
	"github.com/giantswarm/gateway-oauth/server"
	"github.com/giantswarm/gateway-oauth/storage"
)

// maxRequestBody bounds JSON request bodies on the registration endpoints.
const maxRequestBody = 64 << 10

// Identity headers set by the verification endpoint for the edge router.
const (
	HeaderAuthUser     = "X-Auth-User"
	HeaderAuthUsername = "X-Auth-Username"
	HeaderAuthScope    = "X-Auth-Scope"
)

// Handler serves the authorization server's HTTP surface: registration and
// management, the authorization flow, the token endpoint, revocation,
// verification, and discovery.
type Handler struct {
	srv     *server.Server
	mux     *http.ServeMux
	logger  *slog.Logger
	auditor *security.Auditor
	limiter *security.RateLimiter
	inst    *instrumentation.Instrumentation

	issuer            string
	trustForwardedFor bool
}

var _ http.Handler = (*Handler)(nil)

// NewHandler builds the engine and its HTTP routes from a Config.
func NewHandler(cfg Config) (*Handler, error) {
	cfg.applyDefaults()

	auditor := security.NewAuditor(cfg.Logger, cfg.AuditLogging)
	var replayHook func()
	if cfg.Instrumentation != nil {
		metrics := cfg.Instrumentation.Metrics()
		replayHook = func() { metrics.ReplaysDetected.Add(context.Background(), 1) }
	}
	srv, err := server.New(server.Config{
		Issuer:                cfg.Issuer,
		Provider:              cfg.Provider,
		Clients:               cfg.ClientStore,
		Flows:                 cfg.FlowStore,
		Tokens:                cfg.TokenStore,
		SigningKey:            cfg.SigningKey,
		SigningKeyID:          cfg.SigningKeyID,
		AccessTokenTTL:        cfg.AccessTokenTTL,
		RefreshTokenTTL:       cfg.RefreshTokenTTL,
		AuthorizationCodeTTL:  cfg.AuthorizationCodeTTL,
		AuthorizationStateTTL: cfg.AuthorizationStateTTL,
		ClientTTL:             cfg.ClientTTL,
		AllowedUsers:          cfg.AllowedUsers,
		SupportedScopes:       cfg.SupportedScopes,
		Auditor:               auditor,
		ReplayHook:            replayHook,
		Logger:                cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}

	h := &Handler{
		srv:               srv,
		logger:            cfg.Logger,
		auditor:           auditor,
		inst:              cfg.Instrumentation,
		issuer:            strings.TrimRight(cfg.Issuer, "/"),
		trustForwardedFor: cfg.TrustForwardedFor,
	}
	if !cfg.RateLimit.Disabled {
		h.limiter = security.NewRateLimiter(
			cfg.RateLimit.RequestsPerSecond,
			cfg.RateLimit.Burst,
			cfg.RateLimit.MaxTrackedIPs,
			cfg.Logger,
		)
	}
	if cfg.Instrumentation != nil {
		registerStorageGauges(cfg.Instrumentation, cfg.ClientStore, cfg.Logger)
	}
	h.routes()
	return h, nil
}

// registerStorageGauges wires record-count gauges for backends that can
// report their sizes.
func registerStorageGauges(inst *instrumentation.Instrumentation, store any, logger *slog.Logger) {
	counter, ok := store.(interface {
		Counts() (clients, states, codes, accessRecords, refreshTokens int64)
	})
	if !ok {
		return
	}
	pick := func(i int) instrumentation.SizeCallback {
		return func() int64 {
			var counts [5]int64
			counts[0], counts[1], counts[2], counts[3], counts[4] = counter.Counts()
			return counts[i]
		}
	}
	if err := inst.RegisterStorageSizeCallbacks(pick(0), pick(1), pick(2), pick(3), pick(4)); err != nil {
		logger.Warn("failed to register storage gauges", "error", err)
	}
}

// Server exposes the protocol engine for embedders that need direct access
// (e.g. bulk user revocation from an admin surface).
func (h *Handler) Server() *server.Server { return h.srv }

// Close stops background goroutines owned by the handler.
func (h *Handler) Close() {
	if h.limiter != nil {
		h.limiter.Stop()
	}
}

func (h *Handler) routes() {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", h.handleRegister)
	mux.HandleFunc("GET /register/{client_id}", h.handleClientGet)
	mux.HandleFunc("PUT /register/{client_id}", h.handleClientUpdate)
	mux.HandleFunc("DELETE /register/{client_id}", h.handleClientDelete)
	mux.HandleFunc("POST /register/{client_id}/rotate-secret", h.handleRotateSecret)
	mux.HandleFunc("GET /authorize", h.handleAuthorize)
	mux.HandleFunc("GET /callback", h.handleCallback)
	mux.HandleFunc("POST /token", h.handleToken)
	mux.HandleFunc("POST /revoke", h.handleRevoke)
	mux.HandleFunc("GET /verify", h.handleVerify)
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", h.handleMetadata)
	h.mux = mux
}

// ServeHTTP applies security headers, records metrics, and dispatches.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	security.SetHeaders(w, h.issuer)

	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	h.mux.ServeHTTP(sw, r)

	if h.inst != nil {
		route := r.URL.Path
		if p := r.Pattern; p != "" {
			route = p
		}
		h.inst.Metrics().RecordHTTPRequest(r.Context(), r.Method, route, sw.status, time.Since(start))
	}
}

// statusWriter captures the response status for metrics.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

// --- Registration and management ---

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !h.allowRequest(w, r, "/register") {
		return
	}

	var req ClientRegistrationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, ErrInvalidRequest("request body must be a JSON client metadata document"))
		return
	}

	registered, err := h.srv.RegisterClient(r.Context(), server.ClientMetadata{
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		Scope:                   req.Scope,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.auditor.LogClientRegistered(registered.Client.ClientID, registered.Client.ClientType, h.clientIP(r))
	if h.inst != nil {
		h.inst.Metrics().ClientsRegistered.Add(r.Context(), 1)
	}
	resp := h.registrationResponse(registered.Client)
	resp.ClientSecret = registered.ClientSecret
	resp.RegistrationAccessToken = registered.RegistrationAccessToken
	h.writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleClientGet(w http.ResponseWriter, r *http.Request) {
	token, ok := h.bearerToken(w, r)
	if !ok {
		return
	}
	client, err := h.srv.GetClient(r.Context(), r.PathValue("client_id"), token)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.auditor.LogClientManagement(client.ClientID, "read", h.clientIP(r))
	h.writeJSON(w, http.StatusOK, h.registrationResponse(client))
}

func (h *Handler) handleClientUpdate(w http.ResponseWriter, r *http.Request) {
	token, ok := h.bearerToken(w, r)
	if !ok {
		return
	}
	var req ClientRegistrationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, ErrInvalidRequest("request body must be a JSON client metadata document"))
		return
	}
	client, err := h.srv.UpdateClient(r.Context(), r.PathValue("client_id"), token, server.ClientMetadata{
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		Scope:                   req.Scope,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.auditor.LogClientManagement(client.ClientID, "update", h.clientIP(r))
	h.writeJSON(w, http.StatusOK, h.registrationResponse(client))
}

func (h *Handler) handleClientDelete(w http.ResponseWriter, r *http.Request) {
	token, ok := h.bearerToken(w, r)
	if !ok {
		return
	}
	clientID := r.PathValue("client_id")
	if err := h.srv.DeleteClient(r.Context(), clientID, token); err != nil {
		h.writeError(w, err)
		return
	}
	h.auditor.LogClientManagement(clientID, "delete", h.clientIP(r))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRotateSecret(w http.ResponseWriter, r *http.Request) {
	token, ok := h.bearerToken(w, r)
	if !ok {
		return
	}
	rotated, err := h.srv.RotateClientSecret(r.Context(), r.PathValue("client_id"), token)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.auditor.LogClientManagement(rotated.Client.ClientID, "rotate_secret", h.clientIP(r))
	resp := h.registrationResponse(rotated.Client)
	resp.ClientSecret = rotated.ClientSecret
	h.writeJSON(w, http.StatusOK, resp)
}

// --- Authorization flow ---

func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if !h.allowRequest(w, r, "/authorize") {
		return
	}

	q := r.URL.Query()
	redirectURL, err := h.srv.BeginAuthorization(r.Context(), &server.AuthorizationRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	})
	if err != nil {
		// Nothing is ever redirected on a failed authorization request:
		// the redirect URI has not been validated at this point.
		h.writeError(w, err)
		return
	}
	if h.inst != nil {
		h.inst.Metrics().AuthorizationsStarted.Add(r.Context(), 1)
	}
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if upstreamErr := q.Get("error"); upstreamErr != "" {
		h.logger.Warn("upstream returned authorization error", "error", upstreamErr)
		h.writeError(w, ErrAccessDenied("upstream identity provider denied the authorization"))
		return
	}

	redirectURL, err := h.srv.CompleteAuthorization(r.Context(), q.Get("state"), q.Get("code"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if h.inst != nil {
		h.inst.Metrics().AuthorizationsCompleted.Add(r.Context(), 1)
	}
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// --- Token lifecycle ---

func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	if !h.allowRequest(w, r, "/token") {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("request body must be form-encoded"))
		return
	}

	clientID := r.PostFormValue("client_id")
	clientSecret := r.PostFormValue("client_secret")
	if basicID, basicSecret, ok := r.BasicAuth(); ok {
		clientID, clientSecret = basicID, basicSecret
	}

	pair, err := h.srv.Exchange(r.Context(), &server.TokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		CodeVerifier: r.PostFormValue("code_verifier"),
		RefreshToken: r.PostFormValue("refresh_token"),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	if h.inst != nil {
		switch r.PostFormValue("grant_type") {
		case "refresh_token":
			h.inst.Metrics().TokensRefreshed.Add(r.Context(), 1)
		default:
			h.inst.Metrics().TokensIssued.Add(r.Context(), 1)
		}
	}

	h.writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    pair.TokenType,
		ExpiresIn:    pair.ExpiresIn,
		RefreshToken: pair.RefreshToken,
		Scope:        pair.Scope,
	})
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("request body must be form-encoded"))
		return
	}
	// Revocation always reports success for unknown tokens so it cannot be
	// probed as an oracle; only infrastructure failures surface.
	if err := h.srv.Revoke(r.Context(), r.PostFormValue("token")); err != nil {
		h.writeError(w, err)
		return
	}
	if h.inst != nil {
		h.inst.Metrics().TokensRevoked.Add(r.Context(), 1)
	}
	h.writeJSON(w, http.StatusOK, struct{}{})
}

// --- Verification ---

// handleVerify is the per-request hot path called by the edge router. On
// success it answers 200 with identity headers and an empty body.
func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	token, ok := h.bearerToken(w, r)
	if !ok {
		return
	}
	identity, err := h.srv.Verify(r.Context(), token)
	if err != nil {
		if h.inst != nil {
			h.inst.Metrics().VerificationFailures.Add(r.Context(), 1)
		}
		h.writeError(w, err)
		return
	}
	w.Header().Set(HeaderAuthUser, identity.UserID)
	w.Header().Set(HeaderAuthUsername, identity.Username)
	if identity.Scope != "" {
		w.Header().Set(HeaderAuthScope, identity.Scope)
	}
	w.WriteHeader(http.StatusOK)
}

// --- Discovery ---

func (h *Handler) handleMetadata(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, AuthorizationServerMetadata{
		Issuer:                            h.issuer,
		AuthorizationEndpoint:             h.issuer + "/authorize",
		TokenEndpoint:                     h.issuer + "/token",
		RegistrationEndpoint:              h.issuer + "/register",
		RevocationEndpoint:                h.issuer + "/revoke",
		ScopesSupported:                   h.srv.SupportedScopes(),
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
		CodeChallengeMethodsSupported:     []string{"S256"},
	})
}

// --- Helpers ---

func (h *Handler) registrationResponse(c *storage.Client) ClientRegistrationResponse {
	var secretExpires int64
	if !c.ExpiresAt.IsZero() {
		secretExpires = c.ExpiresAt.Unix()
	}
	return ClientRegistrationResponse{
		ClientID:                c.ClientID,
		ClientIDIssuedAt:        c.CreatedAt.Unix(),
		ClientSecretExpiresAt:   secretExpires,
		RegistrationClientURI:   h.issuer + "/register/" + c.ClientID,
		ClientName:              c.ClientName,
		RedirectURIs:            c.RedirectURIs,
		GrantTypes:              c.GrantTypes,
		ResponseTypes:           c.ResponseTypes,
		TokenEndpointAuthMethod: c.TokenEndpointAuthMethod,
		Scope:                   strings.Join(c.Scopes, " "),
	}
}

// allowRequest applies the per-IP rate limit on public endpoints.
func (h *Handler) allowRequest(w http.ResponseWriter, r *http.Request, endpoint string) bool {
	if h.limiter == nil {
		return true
	}
	ip := h.clientIP(r)
	if h.limiter.Allow(ip) {
		return true
	}
	h.auditor.LogRateLimitExceeded(ip, endpoint)
	if h.inst != nil {
		h.inst.Metrics().RateLimitRejections.Add(r.Context(), 1)
	}
	h.writeError(w, NewOAuthError(ErrorCodeInvalidRequest, "rate limit exceeded, slow down", http.StatusTooManyRequests))
	return false
}

// bearerToken extracts the Authorization bearer credential. A missing or
// malformed header is answered with 401 before any lookup happens.
func (h *Handler) bearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="bearer token required"`)
		h.writeError(w, ErrInvalidToken("bearer token required"))
		return "", false
	}
	return auth[len(prefix):], true
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.ClientIP(r, h.trustForwardedFor)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// writeError maps an error to the OAuth error body. Unclassified errors are
// served as a generic 500 so internal details never leak.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	protoErr, ok := server.AsError(err)
	if !ok {
		h.logger.Error("unclassified error", "error", err)
		protoErr = ErrServerError("internal error")
	}
	if protoErr.Status == http.StatusUnauthorized && w.Header().Get("WWW-Authenticate") == "" {
		w.Header().Set("WWW-Authenticate",
			fmt.Sprintf("Bearer error=%q, error_description=%q", protoErr.Code, protoErr.Description))
	}
	h.writeJSON(w, protoErr.Status, ErrorResponse{
		Error:            protoErr.Code,
		ErrorDescription: protoErr.Description,
	})
}
