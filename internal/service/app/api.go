package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"e2e_relay/internal/model"
)

type (
	// API talks to the relay's HTTP routes.
	API struct {
		base   *url.URL
		client *http.Client
	}

	APIError struct {
		Status  int
		Message string
	}
)

func (e *APIError) Error() string {
	return fmt.Sprintf("relay returned %d: %s", e.Status, e.Message)
}

func NewAPI(baseURL string) (*API, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("relay url must be http or https, got %q", baseURL)
	}
	return &API{
		base:   u,
		client: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// WebsocketURL is the relay's websocket endpoint on the same host.
func (a *API) WebsocketURL() string {
	u := *a.base
	u.Scheme = "ws"
	if a.base.Scheme == "https" {
		u.Scheme = "wss"
	}
	u.Path = "/ws"
	return u.String()
}

func (a *API) GetPublicKey(ctx context.Context, identity string) (string, bool, error) {
	u := a.base.JoinPath("publicKey", identity)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", false, err
	}

	var res model.PublicKeyResponse
	err = a.do(req, &res)
	if apiErr, ok := err.(*APIError); ok && apiErr.Status == http.StatusNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return res.PublicKey, res.PublicKey != "", nil
}

func (a *API) Login(ctx context.Context, cred model.Credentials) (string, error) {
	return a.postCredentials(ctx, "/auth/login", cred)
}

func (a *API) Register(ctx context.Context, cred model.Credentials) (string, error) {
	return a.postCredentials(ctx, "/auth/register", cred)
}

func (a *API) postCredentials(ctx context.Context, path string, cred model.Credentials) (string, error) {
	body, err := json.Marshal(cred)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base.JoinPath(path).String(), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var res model.TokenResponse
	if err := a.do(req, &res); err != nil {
		return "", err
	}
	return res.Token, nil
}

func (a *API) do(req *http.Request, out any) error {
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}

	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e model.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
