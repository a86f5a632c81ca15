package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/org/vxlgateway/internal/storage"
	"github.com/org/vxlgateway/pkg/models"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrInactiveUser is returned when a verified credential belongs to a deactivated account.
	ErrInactiveUser = errors.New("user is inactive")
	// ErrMalformedAPIKey is returned before any lookup for keys that fail the format check.
	ErrMalformedAPIKey = errors.New("malformed api key")
	// ErrInvalidAPIKey covers unknown, revoked, expired and inactive keys.
	ErrInvalidAPIKey = errors.New("invalid api key")
	// ErrLookupFailed wraps identity store failures; these are not credential problems.
	ErrLookupFailed = errors.New("identity lookup failed")
)

// Backend is the subset of storage the identity store reads from.
type Backend interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error)
}

// IdentityOptions tunes lookups.
type IdentityOptions struct {
	// LookupTimeout bounds each backend round trip.
	LookupTimeout time.Duration
	// CacheTTL is how long a fetched record is reused. Zero disables caching.
	CacheTTL time.Duration
}

type cached[T any] struct {
	val     T
	expires time.Time
}

// IdentityStore turns raw credentials into principals.
type IdentityStore struct {
	backend Backend
	codec   *TokenCodec
	hashKey []byte
	opts    IdentityOptions
	now     func() time.Time

	group singleflight.Group

	mu    sync.Mutex
	users map[string]cached[*models.User]
	keys  map[string]cached[*models.APIKey]
}

// NewIdentityStore creates an IdentityStore. hashKey is the HMAC key used to
// hash API keys before lookup.
func NewIdentityStore(backend Backend, codec *TokenCodec, hashKey []byte, opts IdentityOptions) *IdentityStore {
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 2 * time.Second
	}
	return &IdentityStore{
		backend: backend,
		codec:   codec,
		hashKey: hashKey,
		opts:    opts,
		now:     time.Now,
		users:   make(map[string]cached[*models.User]),
		keys:    make(map[string]cached[*models.APIKey]),
	}
}

// ResolveToken verifies a bearer token and resolves its subject to a user
// principal. The principal's permissions are the token's permissions that the
// user still holds.
func (s *IdentityStore) ResolveToken(ctx context.Context, raw string) (*models.Principal, error) {
	claims, err := s.codec.Verify(raw)
	if err != nil {
		return nil, err
	}
	user, err := s.UserBySubject(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown subject", ErrInvalidToken)
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrInactiveUser
	}
	granted := models.NewPermissionSet(claims.Permissions...)
	held := models.NewPermissionSet(user.Permissions...)
	return &models.Principal{
		ID:          user.ID,
		Kind:        models.KindUser,
		Role:        user.Role,
		Permissions: granted.Intersect(held),
		IsActive:    true,
	}, nil
}

// ResolveAPIKey validates the format of key, then looks it up by hash.
func (s *IdentityStore) ResolveAPIKey(ctx context.Context, key string) (*models.Principal, error) {
	if !ValidAPIKeyFormat(key) {
		return nil, ErrMalformedAPIKey
	}
	hash := HashAPIKey(s.hashKey, key)
	rec, err := s.apiKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidAPIKey
		}
		return nil, err
	}
	if !rec.Usable() {
		return nil, ErrInvalidAPIKey
	}
	owner, err := s.UserBySubject(ctx, rec.OwnerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidAPIKey
		}
		return nil, err
	}
	if !owner.IsActive {
		return nil, ErrInvalidAPIKey
	}
	return &models.Principal{
		ID:          rec.ID,
		Kind:        models.KindAPIKey,
		Role:        rec.Role,
		Permissions: models.NewPermissionSet(rec.Permissions...),
		IsActive:    true,
		OwnerID:     rec.OwnerID,
	}, nil
}

// UserBySubject returns the user a token subject refers to. Backend failures
// are wrapped in ErrLookupFailed; a missing user is storage.ErrNotFound.
func (s *IdentityStore) UserBySubject(ctx context.Context, subject string) (*models.User, error) {
	if u, ok := s.cachedUser(subject); ok {
		return u, nil
	}
	v, err, _ := s.group.Do("user:"+subject, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.LookupTimeout)
		defer cancel()
		u, err := s.backend.GetUser(lctx, subject)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.users[subject] = cached[*models.User]{val: u, expires: s.now().Add(s.opts.CacheTTL)}
		s.mu.Unlock()
		return u, nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	return v.(*models.User), nil
}

func (s *IdentityStore) apiKeyByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	if k, ok := s.cachedKey(hash); ok {
		return k, nil
	}
	v, err, _ := s.group.Do("key:"+hash, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.LookupTimeout)
		defer cancel()
		k, err := s.backend.GetAPIKeyByHash(lctx, hash)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.keys[hash] = cached[*models.APIKey]{val: k, expires: s.now().Add(s.opts.CacheTTL)}
		s.mu.Unlock()
		return k, nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	return v.(*models.APIKey), nil
}

func (s *IdentityStore) cachedUser(id string) (*models.User, bool) {
	if s.opts.CacheTTL <= 0 {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.users[id]
	if !ok || !s.now().Before(c.expires) {
		delete(s.users, id)
		return nil, false
	}
	return c.val, true
}

func (s *IdentityStore) cachedKey(hash string) (*models.APIKey, bool) {
	if s.opts.CacheTTL <= 0 {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.keys[hash]
	if !ok || !s.now().Before(c.expires) {
		delete(s.keys, hash)
		return nil, false
	}
	return c.val, true
}

// Purge drops every cached record, e.g. after an API key is revoked.
func (s *IdentityStore) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = make(map[string]cached[*models.User])
	s.keys = make(map[string]cached[*models.APIKey])
}

// Codec exposes the token codec for issuance.
func (s *IdentityStore) Codec() *TokenCodec { return s.codec }

// HashKey exposes the API key hash key for issuance.
func (s *IdentityStore) HashKey() []byte { return s.hashKey }
