package directory

import (
	"context"
	"sync"
	"testing"
	"time"

	"e2e_relay/internal/model"
	redisSvc "e2e_relay/internal/service/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"golang.org/x/crypto/bcrypt"
)

type memUsers struct {
	mu    sync.Mutex
	users map[string]*model.User
	reads int
}

func newMemUsers() *memUsers {
	return &memUsers{users: make(map[string]*model.User)}
}

func (m *memUsers) GetByName(ctx context.Context, name string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	u, ok := m.users[name]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) Create(ctx context.Context, user *model.User) (primitive.ObjectID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user.ID = primitive.NewObjectID()
	cp := *user
	m.users[user.Name] = &cp
	return user.ID, nil
}

func (m *memUsers) UpdatePublicKey(ctx context.Context, name, publicKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[name].PublicKey = publicKey
	return nil
}

type staticIssuer struct{}

func (staticIssuer) Issue(identity string) (string, error) { return "token-" + identity, nil }

func setup(t *testing.T) (*Directory, *Accounts, *memUsers, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cache := redisSvc.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	users := newMemUsers()
	dir := New(users, cache, DefaultCacheTTL)
	return dir, NewAccounts(dir, staticIssuer{}, bcrypt.MinCost), users, mr
}

func TestGetPublicKeyReadThrough(t *testing.T) {
	dir, _, users, mr := setup(t)
	ctx := context.Background()
	users.users["alice"] = &model.User{Name: "alice", PublicKey: "pk-a"}

	key, ok, err := dir.GetPublicKey(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "pk-a", key)
	assert.Equal(t, 1, users.reads)

	got, err := mr.Get("publicKey:alice")
	require.NoError(t, err)
	assert.Equal(t, "pk-a", got)
	assert.Equal(t, DefaultCacheTTL, mr.TTL("publicKey:alice"))

	_, _, err = dir.GetPublicKey(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, users.reads, "second lookup served from cache")

	mr.FastForward(61 * time.Second)
	_, _, err = dir.GetPublicKey(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, users.reads)
}

func TestGetPublicKeyUnknown(t *testing.T) {
	dir, _, users, _ := setup(t)
	users.users["nokey"] = &model.User{Name: "nokey"}

	_, ok, err := dir.GetPublicKey(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = dir.GetPublicKey(context.Background(), "nokey")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetPublicKeyCacheDown(t *testing.T) {
	dir, _, users, mr := setup(t)
	users.users["alice"] = &model.User{Name: "alice", PublicKey: "pk-a"}
	mr.Close()

	key, ok, err := dir.GetPublicKey(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "pk-a", key)
}

func TestRegister(t *testing.T) {
	dir, acc, users, _ := setup(t)
	ctx := context.Background()

	tok, err := acc.Register(ctx, model.Credentials{Username: "alice", Password: "pw", PublicKey: "pk-a"})
	require.NoError(t, err)
	assert.Equal(t, "token-alice", tok)

	stored := users.users["alice"]
	require.NotNil(t, stored)
	assert.NoError(t, bcrypt.CompareHashAndPassword(stored.PasswordHash, []byte("pw")))
	assert.NotEqual(t, []byte("pw"), stored.PasswordHash)

	reads := users.reads
	key, ok, err := dir.GetPublicKey(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "pk-a", key)
	assert.Equal(t, reads, users.reads, "register writes through the cache")

	_, err = acc.Register(ctx, model.Credentials{Username: "alice", Password: "x", PublicKey: "pk"})
	assert.ErrorIs(t, err, ErrUserExists)

	_, err = acc.Register(ctx, model.Credentials{Username: "bob", Password: "pw"})
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestLoginRotatesPublicKey(t *testing.T) {
	dir, acc, users, _ := setup(t)
	ctx := context.Background()

	_, err := acc.Register(ctx, model.Credentials{Username: "alice", Password: "pw", PublicKey: "pk-old"})
	require.NoError(t, err)

	_, err = acc.Login(ctx, model.Credentials{Username: "alice", Password: "wrong", PublicKey: "pk-new"})
	assert.ErrorIs(t, err, ErrInvalidPassword)
	assert.Equal(t, "pk-old", users.users["alice"].PublicKey)

	_, err = acc.Login(ctx, model.Credentials{Username: "ghost", Password: "pw"})
	assert.ErrorIs(t, err, ErrUserNotFound)

	tok, err := acc.Login(ctx, model.Credentials{Username: "alice", Password: "pw", PublicKey: "pk-new"})
	require.NoError(t, err)
	assert.Equal(t, "token-alice", tok)
	assert.Equal(t, "pk-new", users.users["alice"].PublicKey)

	key, _, err := dir.GetPublicKey(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "pk-new", key, "cache never serves the rotated-out key")
}
