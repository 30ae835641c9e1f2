package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"e2e_relay/internal/model"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUserExists      = errors.New("User already exists")
	ErrUserNotFound    = errors.New("User not found")
	ErrInvalidPassword = errors.New("Invalid password")
	ErrMissingField    = errors.New("username, password and publicKey are required")
)

type (
	Issuer interface {
		Issue(identity string) (string, error)
	}

	// Accounts registers and logs in users. Both operations publish the
	// caller's current public key and return a fresh session token.
	Accounts struct {
		dir    *Directory
		tokens Issuer
		cost   int
		now    func() time.Time
	}
)

func NewAccounts(dir *Directory, tokens Issuer, cost int) *Accounts {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Accounts{
		dir:    dir,
		tokens: tokens,
		cost:   cost,
		now:    time.Now,
	}
}

func (a *Accounts) Register(ctx context.Context, cred model.Credentials) (string, error) {
	if cred.Username == "" || cred.Password == "" || cred.PublicKey == "" {
		return "", ErrMissingField
	}

	existing, err := a.dir.users.GetByName(ctx, cred.Username)
	if err != nil {
		return "", fmt.Errorf("get user %s: %w", cred.Username, err)
	}
	if existing != nil {
		return "", ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(cred.Password), a.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}

	_, err = a.dir.users.Create(ctx, &model.User{
		Name:         cred.Username,
		PasswordHash: hash,
		PublicKey:    cred.PublicKey,
		CreatedAt:    a.now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("create user %s: %w", cred.Username, err)
	}
	a.dir.remember(ctx, cred.Username, cred.PublicKey)

	return a.tokens.Issue(cred.Username)
}

// Login checks the password and replaces the stored public key with the one
// presented, so peers encrypt to the device that logged in last.
func (a *Accounts) Login(ctx context.Context, cred model.Credentials) (string, error) {
	if cred.Username == "" || cred.Password == "" {
		return "", ErrMissingField
	}

	user, err := a.dir.users.GetByName(ctx, cred.Username)
	if err != nil {
		return "", fmt.Errorf("get user %s: %w", cred.Username, err)
	}
	if user == nil {
		return "", ErrUserNotFound
	}
	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(cred.Password)); err != nil {
		return "", ErrInvalidPassword
	}

	if cred.PublicKey != "" && cred.PublicKey != user.PublicKey {
		if err := a.dir.users.UpdatePublicKey(ctx, cred.Username, cred.PublicKey); err != nil {
			return "", fmt.Errorf("rotate public key of %s: %w", cred.Username, err)
		}
	}
	if cred.PublicKey != "" {
		a.dir.remember(ctx, cred.Username, cred.PublicKey)
	}

	return a.tokens.Issue(cred.Username)
}
