package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/giantswarm/gateway-oauth/storage"
)

// consumeScript deletes a key and returns its former value in one atomic
// step. Two concurrent callers racing on the same key see exactly one value;
// the loser gets NOT_FOUND.
var consumeScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
  return 'NOT_FOUND'
end
redis.call('DEL', KEYS[1])
return v
`)

// redeemCodeScript redeems an authorization code. Instead of deleting the
// key it overwrites the value with a consumed marker, keeping the original
// TTL, so a replayed code is reported as ALREADY_USED rather than NOT_FOUND.
var redeemCodeScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
  return 'NOT_FOUND'
end
if string.sub(v, 1, 5) == 'USED:' then
  return 'ALREADY_USED'
end
local ttl = redis.call('TTL', KEYS[1])
redis.call('SET', KEYS[1], 'USED:' .. v)
if ttl > 0 then
  redis.call('EXPIRE', KEYS[1], ttl)
end
return v
`)

const scriptNotFound = "NOT_FOUND"
const scriptAlreadyUsed = "ALREADY_USED"

// --- FlowStore ---

func (s *Store) SaveAuthorizationState(ctx context.Context, state *storage.AuthorizationState) error {
	return s.setJSON(ctx, s.key(keyAuthzState, state.State), state, state.ExpiresAt)
}

func (s *Store) AtomicConsumeAuthorizationState(ctx context.Context, stateValue string) (*storage.AuthorizationState, error) {
	res, err := consumeScript.Run(ctx, s.client, []string{s.key(keyAuthzState, stateValue)}).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("consume authorization state: %w", err)
	}
	if res == scriptNotFound {
		return nil, storage.ErrNotFound
	}
	var st storage.AuthorizationState
	if err := json.Unmarshal([]byte(res), &st); err != nil {
		return nil, fmt.Errorf("unmarshal authorization state: %w", err)
	}
	return &st, nil
}

func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	return s.setJSON(ctx, s.key(keyAuthzCode, code.Code), code, code.ExpiresAt)
}

func (s *Store) AtomicConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	res, err := redeemCodeScript.Run(ctx, s.client, []string{s.key(keyAuthzCode, code)}).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("redeem authorization code: %w", err)
	}
	switch res {
	case scriptNotFound:
		return nil, storage.ErrNotFound
	case scriptAlreadyUsed:
		return nil, storage.ErrAlreadyConsumed
	}
	var c storage.AuthorizationCode
	if err := json.Unmarshal([]byte(res), &c); err != nil {
		return nil, fmt.Errorf("unmarshal authorization code: %w", err)
	}
	return &c, nil
}
