// Package memory provides an in-memory implementation of the storage
// interfaces. It is suitable for single-instance deployments and tests;
// multi-instance deployments should use the redis backend instead.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/giantswarm/gateway-oauth/storage"
)

// Compile-time interface checks.
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.FlowStore   = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
)

const defaultCleanupInterval = time.Minute

// Store is an in-memory, mutex-guarded implementation of all storage
// interfaces. Expiry is enforced lazily on read and swept periodically by a
// background janitor, mirroring the native TTL behavior of the redis backend.
type Store struct {
	mu sync.RWMutex

	clients       map[string]*storage.Client
	states        map[string]*storage.AuthorizationState
	codes         map[string]*codeEntry
	accessRecords map[string]*storage.AccessTokenRecord
	refreshTokens map[string]*storage.RefreshToken
	userTokens    map[string]map[string]struct{}

	now      func() time.Time
	stopOnce sync.Once
	stopCh   chan struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithTimeSource overrides the store's clock. Intended for tests.
func WithTimeSource(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store and starts its expiry janitor. Call Stop when done.
func New(opts ...Option) *Store {
	s := &Store{
		clients:       make(map[string]*storage.Client),
		states:        make(map[string]*storage.AuthorizationState),
		codes:         make(map[string]*codeEntry),
		accessRecords: make(map[string]*storage.AccessTokenRecord),
		refreshTokens: make(map[string]*storage.RefreshToken),
		userTokens:    make(map[string]map[string]struct{}),
		now:           time.Now,
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.janitor(defaultCleanupInterval)
	return s
}

// Stop terminates the background janitor. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Store) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

// sweep removes expired records. User token index members are pruned along
// with their access records so the sets cannot grow without bound.
func (s *Store) sweep() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, c := range s.clients {
		if expired(c.ExpiresAt, now) {
			delete(s.clients, id)
		}
	}
	for k, st := range s.states {
		if expired(st.ExpiresAt, now) {
			delete(s.states, k)
		}
	}
	for k, e := range s.codes {
		if expired(e.code.ExpiresAt, now) {
			delete(s.codes, k)
		}
	}
	for jti, rec := range s.accessRecords {
		if expired(rec.ExpiresAt, now) {
			s.removeUserTokenLocked(rec.UserID, jti)
			delete(s.accessRecords, jti)
		}
	}
	for k, rt := range s.refreshTokens {
		if expired(rt.ExpiresAt, now) {
			delete(s.refreshTokens, k)
		}
	}
}

// expired reports whether a deadline has passed. A zero deadline means the
// record never expires.
func expired(at time.Time, now time.Time) bool {
	return !at.IsZero() && !now.Before(at)
}

// --- ClientStore ---

func (s *Store) SaveClient(_ context.Context, client *storage.Client) error {
	cp := *client
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client.ClientID] = &cp
	return nil
}

func (s *Store) GetClient(_ context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	c, ok := s.clients[clientID]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	if expired(c.ExpiresAt, s.now()) {
		s.mu.Lock()
		delete(s.clients, clientID)
		s.mu.Unlock()
		return nil, storage.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) DeleteClient(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, clientID)
	return nil
}

// --- FlowStore ---

func (s *Store) SaveAuthorizationState(_ context.Context, state *storage.AuthorizationState) error {
	cp := *state
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.State] = &cp
	return nil
}

func (s *Store) AtomicConsumeAuthorizationState(_ context.Context, stateValue string) (*storage.AuthorizationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[stateValue]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(s.states, stateValue)
	if expired(st.ExpiresAt, s.now()) {
		return nil, storage.ErrExpired
	}
	cp := *st
	return &cp, nil
}

// codeEntry keeps a tombstone after redemption so a replayed code can be
// told apart from one that never existed, for the audit trail.
type codeEntry struct {
	code     *storage.AuthorizationCode
	consumed bool
}

func (s *Store) SaveAuthorizationCode(_ context.Context, code *storage.AuthorizationCode) error {
	cp := *code
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code.Code] = &codeEntry{code: &cp}
	return nil
}

func (s *Store) AtomicConsumeAuthorizationCode(_ context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if expired(e.code.ExpiresAt, s.now()) {
		delete(s.codes, code)
		return nil, storage.ErrExpired
	}
	if e.consumed {
		return nil, storage.ErrAlreadyConsumed
	}
	e.consumed = true
	cp := *e.code
	return &cp, nil
}

// --- TokenStore ---

func (s *Store) SaveAccessTokenRecord(_ context.Context, rec *storage.AccessTokenRecord) error {
	cp := *rec
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessRecords[rec.JTI] = &cp
	return nil
}

func (s *Store) GetAccessTokenRecord(_ context.Context, jti string) (*storage.AccessTokenRecord, error) {
	s.mu.RLock()
	rec, ok := s.accessRecords[jti]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	if expired(rec.ExpiresAt, s.now()) {
		s.mu.Lock()
		s.removeUserTokenLocked(rec.UserID, jti)
		delete(s.accessRecords, jti)
		s.mu.Unlock()
		return nil, storage.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *Store) DeleteAccessTokenRecord(_ context.Context, jti string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accessRecords, jti)
	return nil
}

func (s *Store) SaveRefreshToken(_ context.Context, token *storage.RefreshToken) error {
	cp := *token
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens[token.Token] = &cp
	return nil
}

func (s *Store) AtomicGetAndDeleteRefreshToken(_ context.Context, token string) (*storage.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.refreshTokens[token]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(s.refreshTokens, token)
	if expired(rt.ExpiresAt, s.now()) {
		return nil, storage.ErrExpired
	}
	cp := *rt
	return &cp, nil
}

func (s *Store) DeleteRefreshToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refreshTokens, token)
	return nil
}

func (s *Store) AddUserToken(_ context.Context, userID, jti string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.userTokens[userID]
	if !ok {
		set = make(map[string]struct{})
		s.userTokens[userID] = set
	}
	set[jti] = struct{}{}
	return nil
}

func (s *Store) RemoveUserToken(_ context.Context, userID, jti string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeUserTokenLocked(userID, jti)
	return nil
}

func (s *Store) removeUserTokenLocked(userID, jti string) {
	set, ok := s.userTokens[userID]
	if !ok {
		return
	}
	delete(set, jti)
	if len(set) == 0 {
		delete(s.userTokens, userID)
	}
}

func (s *Store) ListUserTokens(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.userTokens[userID]
	out := make([]string, 0, len(set))
	for jti := range set {
		out = append(out, jti)
	}
	return out, nil
}

// Counts returns current record counts per kind, in the order clients,
// states, codes, access records, refresh tokens. Used for storage gauges.
func (s *Store) Counts() (clients, states, codes, accessRecords, refreshTokens int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.clients)), int64(len(s.states)), int64(len(s.codes)),
		int64(len(s.accessRecords)), int64(len(s.refreshTokens))
}
