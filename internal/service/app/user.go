package app

import (
	"context"
	"errors"
	"net/http"

	"e2e_relay/internal/cryptographic/dh"
	"e2e_relay/internal/model"
	"e2e_relay/internal/utils/log"

	"go.uber.org/zap"
)

type KeyStore interface {
	LoadOrCreateKeys(identity string) (*model.KeyPair, bool, error)
}

// SignIn publishes this device's key pair and returns a session token. When
// register is false and the account does not exist yet, it is created.
func SignIn(ctx context.Context, api *API, keys KeyStore, username, password string, register bool) (string, *model.KeyPair, error) {
	kp, created, err := keys.LoadOrCreateKeys(username)
	if err != nil {
		return "", nil, err
	}
	if created {
		log.Info("created device key pair", zap.String("username", username))
	}

	cred := model.Credentials{
		Username:  username,
		Password:  password,
		PublicKey: dh.EncodeKey(kp.Public),
	}

	var token string
	if register {
		token, err = api.Register(ctx, cred)
	} else {
		token, err = api.Login(ctx, cred)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized && apiErr.Message == "User not found" {
			log.Info("account not found, registering", zap.String("username", username))
			token, err = api.Register(ctx, cred)
		}
	}
	if err != nil {
		return "", nil, err
	}
	return token, kp, nil
}
