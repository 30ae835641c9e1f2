package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"e2e_relay/internal/model"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRelay mimics the relay's account and key routes.
type fakeRelay struct {
	mu    sync.Mutex
	users map[string]model.Credentials
}

func (f *fakeRelay) routes() http.Handler {
	write := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(v)
	}

	r := mux.NewRouter()
	r.HandleFunc("/publicKey/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		u, ok := f.users[mux.Vars(r)["id"]]
		if !ok {
			write(w, http.StatusNotFound, model.ErrorResponse{Error: "User not found."})
			return
		}
		write(w, http.StatusOK, model.PublicKeyResponse{PublicKey: u.PublicKey})
	}).Methods(http.MethodGet)

	r.HandleFunc("/auth/register", func(w http.ResponseWriter, r *http.Request) {
		var c model.Credentials
		json.NewDecoder(r.Body).Decode(&c)
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.users[c.Username]; ok {
			write(w, http.StatusBadRequest, model.ErrorResponse{Error: "User already exists"})
			return
		}
		f.users[c.Username] = c
		write(w, http.StatusCreated, model.TokenResponse{Message: "User registered", Token: "reg-" + c.Username})
	}).Methods(http.MethodPost)

	r.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var c model.Credentials
		json.NewDecoder(r.Body).Decode(&c)
		f.mu.Lock()
		defer f.mu.Unlock()
		u, ok := f.users[c.Username]
		switch {
		case !ok:
			write(w, http.StatusUnauthorized, model.ErrorResponse{Error: "User not found"})
		case u.Password != c.Password:
			write(w, http.StatusUnauthorized, model.ErrorResponse{Error: "Invalid password"})
		default:
			u.PublicKey = c.PublicKey
			f.users[c.Username] = u
			write(w, http.StatusOK, model.TokenResponse{Token: "login-" + c.Username})
		}
	}).Methods(http.MethodPost)
	return r
}

type memKeys struct {
	kp *model.KeyPair
}

func (m *memKeys) LoadOrCreateKeys(identity string) (*model.KeyPair, bool, error) {
	if m.kp != nil {
		return m.kp, false, nil
	}
	m.kp = &model.KeyPair{Public: [32]byte{1}, Private: [32]byte{2}}
	return m.kp, true, nil
}

func newAPI(t *testing.T) (*API, *fakeRelay) {
	t.Helper()
	relay := &fakeRelay{users: make(map[string]model.Credentials)}
	ts := httptest.NewServer(relay.routes())
	t.Cleanup(ts.Close)

	api, err := NewAPI(ts.URL)
	require.NoError(t, err)
	return api, relay
}

func TestWebsocketURL(t *testing.T) {
	api, err := NewAPI("https://relay.example.com:8443")
	require.NoError(t, err)
	assert.Equal(t, "wss://relay.example.com:8443/ws", api.WebsocketURL())

	api, err = NewAPI("http://localhost:3001")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:3001/ws", api.WebsocketURL())

	_, err = NewAPI("ftp://localhost")
	assert.Error(t, err)
}

func TestSignInRegistersUnknownUser(t *testing.T) {
	api, relay := newAPI(t)
	keys := &memKeys{}
	ctx := context.Background()

	token, kp, err := SignIn(ctx, api, keys, "alice", "pw", false)
	require.NoError(t, err)
	assert.Equal(t, "reg-alice", token)
	assert.Equal(t, keys.kp, kp)

	token, _, err = SignIn(ctx, api, keys, "alice", "pw", false)
	require.NoError(t, err)
	assert.Equal(t, "login-alice", token)

	_, _, err = SignIn(ctx, api, keys, "alice", "wrong", false)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "Invalid password", apiErr.Message)

	_, _, err = SignIn(ctx, api, keys, "alice", "pw", true)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "User already exists", apiErr.Message)

	key, ok, err := api.GetPublicKey(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, relay.users["alice"].PublicKey, key)
}

func TestGetPublicKeyUnknown(t *testing.T) {
	api, _ := newAPI(t)

	_, ok, err := api.GetPublicKey(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}
