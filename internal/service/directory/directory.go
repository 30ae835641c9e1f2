// Package directory resolves identities to their published public keys and
// manages the accounts those keys belong to.
package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"e2e_relay/internal/model"
	redisSvc "e2e_relay/internal/service/redis"
	"e2e_relay/internal/utils/log"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

const DefaultCacheTTL = 60 * time.Second

type (
	// UserStore is the durable user record.
	UserStore interface {
		GetByName(ctx context.Context, name string) (*model.User, error)
		Create(ctx context.Context, user *model.User) (primitive.ObjectID, error)
		UpdatePublicKey(ctx context.Context, name, publicKey string) error
	}

	// Cache is a string cache whose Get returns redis.Nil on a miss.
	Cache interface {
		Get(ctx context.Context, key string) (string, error)
		Set(ctx context.Context, key string, value any, ttl time.Duration) error
	}

	Directory struct {
		users UserStore
		cache Cache
		ttl   time.Duration
	}
)

func New(users UserStore, cache Cache, ttl time.Duration) *Directory {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Directory{
		users: users,
		cache: cache,
		ttl:   ttl,
	}
}

func cacheKey(identity string) string {
	return fmt.Sprintf("publicKey:%s", identity)
}

// GetPublicKey reads through the cache. ok is false when the identity is
// unknown or has no key on record.
func (d *Directory) GetPublicKey(ctx context.Context, identity string) (string, bool, error) {
	key, err := d.cache.Get(ctx, cacheKey(identity))
	switch {
	case err == nil && key != "":
		return key, true, nil
	case err != nil && !errors.Is(err, redisSvc.Nil):
		// A broken cache must not hide the record.
		log.Warn("public key cache read failed", zap.String("identity", identity), zap.Error(err))
	}

	user, err := d.users.GetByName(ctx, identity)
	if err != nil {
		return "", false, fmt.Errorf("get user %s: %w", identity, err)
	}
	if user == nil || user.PublicKey == "" {
		return "", false, nil
	}

	d.remember(ctx, identity, user.PublicKey)
	return user.PublicKey, true, nil
}

func (d *Directory) remember(ctx context.Context, identity, publicKey string) {
	if err := d.cache.Set(ctx, cacheKey(identity), publicKey, d.ttl); err != nil {
		log.Warn("public key cache write failed", zap.String("identity", identity), zap.Error(err))
	}
}
