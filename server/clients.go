package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/giantswarm/gateway-oauth/security"
	"github.com/giantswarm/gateway-oauth/storage"
)

// ClientMetadata is the caller-supplied portion of a registration or update.
type ClientMetadata struct {
	ClientName              string
	RedirectURIs            []string
	GrantTypes              []string
	ResponseTypes           []string
	TokenEndpointAuthMethod string
	Scope                   string
}

// RegisteredClient is the result of a registration. ClientSecret and
// RegistrationAccessToken carry plaintext credentials and are only populated
// by the operations that mint them; they are never recoverable afterwards.
type RegisteredClient struct {
	Client                  *storage.Client
	ClientSecret            string
	RegistrationAccessToken string
}

// RegisterClient creates a client record from untrusted metadata. The
// endpoint behind it is public; the security of later management calls
// rests entirely on the unguessability of the registration access token,
// which is generated with 256 bits of entropy and stored only as a hash.
func (s *Server) RegisterClient(ctx context.Context, meta ClientMetadata) (*RegisteredClient, error) {
	if err := validateRedirectURIs(meta.RedirectURIs); err != nil {
		return nil, ErrInvalidRequest(err.Error())
	}
	grantTypes, err := normalizeGrantTypes(meta.GrantTypes)
	if err != nil {
		return nil, ErrInvalidRequest(err.Error())
	}
	if err := validateScope(meta.Scope, s.supportedScopes); err != nil {
		return nil, ErrInvalidScope(err.Error())
	}

	authMethod := meta.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "client_secret_post"
	}
	clientType := ClientTypeConfidential
	if authMethod == "none" {
		clientType = ClientTypePublic
	}

	responseTypes := meta.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{ResponseTypeCode}
	}
	for _, rt := range responseTypes {
		if rt != ResponseTypeCode {
			return nil, ErrInvalidRequest(fmt.Sprintf("response_type %q is not supported", rt))
		}
	}

	// GenerateVerifier yields 32 bytes of crypto/rand entropy, base64url
	// encoded, for each credential.
	clientID := oauth2.GenerateVerifier()
	registrationToken := oauth2.GenerateVerifier()

	var clientSecret, secretHash string
	if clientType == ClientTypeConfidential {
		clientSecret = oauth2.GenerateVerifier()
		hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
		if err != nil {
			return nil, ErrServerError("failed to process client credentials")
		}
		secretHash = string(hash)
	}

	now := s.now()
	client := &storage.Client{
		ClientID:                clientID,
		ClientSecretHash:        secretHash,
		ClientType:              clientType,
		RedirectURIs:            meta.RedirectURIs,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		ClientName:              meta.ClientName,
		Scopes:                  strings.Fields(meta.Scope),
		RegistrationTokenHash:   security.HashToken(registrationToken),
		CreatedAt:               now,
	}
	if s.clientTTL > 0 {
		client.ExpiresAt = now.Add(s.clientTTL)
	}

	if err := s.clients.SaveClient(ctx, client); err != nil {
		s.logger.Error("failed to save client registration", "error", err)
		return nil, ErrServerError("failed to persist registration")
	}

	s.logger.Info("client registered",
		"client_id", clientID,
		"client_type", clientType,
		"redirect_uris", len(meta.RedirectURIs))

	return &RegisteredClient{
		Client:                  client,
		ClientSecret:            clientSecret,
		RegistrationAccessToken: registrationToken,
	}, nil
}

// GetClient returns a client record after authenticating the management
// credential.
func (s *Server) GetClient(ctx context.Context, clientID, presentedToken string) (*storage.Client, error) {
	return s.authenticateManagement(ctx, clientID, presentedToken)
}

// UpdateClient replaces the mutable metadata of a registration. The client
// type, credentials, and management token are not updatable.
func (s *Server) UpdateClient(ctx context.Context, clientID, presentedToken string, meta ClientMetadata) (*storage.Client, error) {
	client, err := s.authenticateManagement(ctx, clientID, presentedToken)
	if err != nil {
		return nil, err
	}
	if err := validateRedirectURIs(meta.RedirectURIs); err != nil {
		return nil, ErrInvalidRequest(err.Error())
	}
	grantTypes, err := normalizeGrantTypes(meta.GrantTypes)
	if err != nil {
		return nil, ErrInvalidRequest(err.Error())
	}
	if err := validateScope(meta.Scope, s.supportedScopes); err != nil {
		return nil, ErrInvalidScope(err.Error())
	}

	client.RedirectURIs = meta.RedirectURIs
	client.GrantTypes = grantTypes
	if meta.ClientName != "" {
		client.ClientName = meta.ClientName
	}
	if meta.Scope != "" {
		client.Scopes = strings.Fields(meta.Scope)
	}
	if err := s.clients.SaveClient(ctx, client); err != nil {
		s.logger.Error("failed to update client", "client_id", clientID, "error", err)
		return nil, ErrServerError("failed to persist update")
	}
	return client, nil
}

// DeleteClient removes a registration after authenticating the management
// credential.
func (s *Server) DeleteClient(ctx context.Context, clientID, presentedToken string) error {
	if _, err := s.authenticateManagement(ctx, clientID, presentedToken); err != nil {
		return err
	}
	if err := s.clients.DeleteClient(ctx, clientID); err != nil {
		s.logger.Error("failed to delete client", "client_id", clientID, "error", err)
		return ErrServerError("failed to delete registration")
	}
	s.logger.Info("client deleted", "client_id", clientID)
	return nil
}

// RotateClientSecret re-issues a confidential client's secret. This is the
// only path that returns a secret after creation; the registration access
// token itself is never rotatable.
func (s *Server) RotateClientSecret(ctx context.Context, clientID, presentedToken string) (*RegisteredClient, error) {
	client, err := s.authenticateManagement(ctx, clientID, presentedToken)
	if err != nil {
		return nil, err
	}
	if !client.IsConfidential() {
		return nil, ErrInvalidRequest("public clients have no secret to rotate")
	}

	secret := oauth2.GenerateVerifier()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, ErrServerError("failed to process client credentials")
	}
	client.ClientSecretHash = string(hash)
	if err := s.clients.SaveClient(ctx, client); err != nil {
		s.logger.Error("failed to rotate client secret", "client_id", clientID, "error", err)
		return nil, ErrServerError("failed to persist rotation")
	}
	s.logger.Info("client secret rotated", "client_id", clientID)
	return &RegisteredClient{Client: client, ClientSecret: secret}, nil
}

// authenticateManagement loads a client and verifies the presented
// registration access token against the stored hash in constant time.
// An unknown client is NotFound (pre-auth); a token mismatch is Forbidden.
func (s *Server) authenticateManagement(ctx context.Context, clientID, presentedToken string) (*storage.Client, error) {
	client, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrClientNotFound()
		}
		s.logger.Error("failed to load client", "client_id", clientID, "error", err)
		return nil, ErrServerError("storage unavailable")
	}
	if !security.VerifyTokenHash(presentedToken, client.RegistrationTokenHash) {
		if s.auditor != nil {
			s.auditor.LogAuthFailure("", clientID, "", "registration access token mismatch")
		}
		return nil, ErrManagementForbidden()
	}
	return client, nil
}

// authenticateClient performs token-endpoint client authentication.
// Confidential clients must present their secret, verified with bcrypt's
// constant-time comparison; public clients authenticate by identifier alone
// and rely on PKCE.
func (s *Server) authenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	if clientID == "" {
		return nil, ErrInvalidClient("client_id is required")
	}
	client, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidClient("unknown client")
		}
		s.logger.Error("failed to load client", "client_id", clientID, "error", err)
		return nil, ErrServerError("storage unavailable")
	}
	if client.IsConfidential() {
		if clientSecret == "" {
			return nil, ErrInvalidClient("client authentication required")
		}
		if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)); err != nil {
			if s.auditor != nil {
				s.auditor.LogAuthFailure("", clientID, "", "client secret mismatch")
			}
			return nil, ErrInvalidClient("client authentication failed")
		}
	}
	return client, nil
}
