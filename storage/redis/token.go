package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/giantswarm/gateway-oauth/storage"
)

// --- TokenStore ---

func (s *Store) SaveAccessTokenRecord(ctx context.Context, rec *storage.AccessTokenRecord) error {
	return s.setJSON(ctx, s.key(keyAccessJTI, rec.JTI), rec, rec.ExpiresAt)
}

// GetAccessTokenRecord is the verification hot path: one GET per call.
func (s *Store) GetAccessTokenRecord(ctx context.Context, jti string) (*storage.AccessTokenRecord, error) {
	var rec storage.AccessTokenRecord
	if err := s.getJSON(ctx, s.key(keyAccessJTI, jti), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) DeleteAccessTokenRecord(ctx context.Context, jti string) error {
	return s.client.Del(ctx, s.key(keyAccessJTI, jti)).Err()
}

func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	return s.setJSON(ctx, s.key(keyRefresh, token.Token), token, token.ExpiresAt)
}

func (s *Store) AtomicGetAndDeleteRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	res, err := consumeScript.Run(ctx, s.client, []string{s.key(keyRefresh, token)}).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}
	if res == scriptNotFound {
		return nil, storage.ErrNotFound
	}
	var rt storage.RefreshToken
	if err := json.Unmarshal([]byte(res), &rt); err != nil {
		return nil, fmt.Errorf("unmarshal refresh token: %w", err)
	}
	return &rt, nil
}

func (s *Store) DeleteRefreshToken(ctx context.Context, token string) error {
	return s.client.Del(ctx, s.key(keyRefresh, token)).Err()
}

// User token index: a plain set per user. The set itself never expires;
// members are pruned by callers as their access records lapse.

func (s *Store) AddUserToken(ctx context.Context, userID, jti string) error {
	return s.client.SAdd(ctx, s.key(keyUserTokens, userID), jti).Err()
}

func (s *Store) RemoveUserToken(ctx context.Context, userID, jti string) error {
	return s.client.SRem(ctx, s.key(keyUserTokens, userID), jti).Err()
}

func (s *Store) ListUserTokens(ctx context.Context, userID string) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.key(keyUserTokens, userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list user tokens: %w", err)
	}
	return members, nil
}
