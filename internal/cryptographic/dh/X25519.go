package dh

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"e2e_relay/internal/model"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

var ErrInvalidKey = errors.New("invalid key")

// NewKeyPair generates a fresh crypto_box (X25519) key pair.
func NewKeyPair() (*model.KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return &model.KeyPair{Public: *pub, Private: *priv}, nil
}

// KeyPairFromPrivate rebuilds a key pair from a private key the user supplied.
func KeyPairFromPrivate(priv [32]byte) (*model.KeyPair, error) {
	if priv == ([32]byte{}) {
		return nil, fmt.Errorf("%w: all-zero private key", ErrInvalidKey)
	}

	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &priv)
	return &model.KeyPair{Public: pub, Private: priv}, nil
}

func EncodeKey(key [32]byte) string {
	return base64.StdEncoding.EncodeToString(key[:])
}

func DecodeKey(s string) ([32]byte, error) {
	var key [32]byte
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != len(key) {
		return key, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, len(key), len(raw))
	}
	copy(key[:], raw)
	return key, nil
}
