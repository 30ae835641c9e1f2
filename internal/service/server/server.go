package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"e2e_relay/internal/model"
	"e2e_relay/internal/service/auth"
	"e2e_relay/internal/service/delivery"
	"e2e_relay/internal/service/directory"
	"e2e_relay/internal/service/metrics"
	"e2e_relay/internal/service/presence"
	"e2e_relay/internal/service/queue"
	"e2e_relay/internal/service/registry"
	"e2e_relay/internal/utils/log"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const maxBodySize = 64 << 10

type (
	Options struct {
		Addr            string
		AckTimeout      time.Duration
		DrainSpacing    time.Duration
		SendBuffer      int
		FrameRPS        float64
		FrameBurst      int
		ShutdownTimeout time.Duration
	}

	HttpServer struct {
		opts      Options
		sessions  *registry.Registry
		engine    *delivery.Engine
		queue     *queue.Queue
		typing    *presence.Broadcaster
		tokens    auth.Verifier
		directory *directory.Directory
		accounts  *directory.Accounts
		limiter   *frameLimiter
		upgrader  websocket.Upgrader

		// live connections, closed on shutdown
		conns sync.Map
	}
)

func NewHttpServer(opts Options, tokens auth.Verifier, q *queue.Queue, dir *directory.Directory, accounts *directory.Accounts) *HttpServer {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}

	sessions := registry.New()
	return &HttpServer{
		opts:      opts,
		sessions:  sessions,
		engine:    delivery.NewEngine(sessions, q, opts.AckTimeout),
		queue:     q,
		typing:    presence.NewBroadcaster(sessions),
		tokens:    tokens,
		directory: dir,
		accounts:  accounts,
		limiter:   newFrameLimiter(opts.FrameRPS, opts.FrameBurst, 0),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
	}
}

func (s *HttpServer) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/ws", s.HandleWS()).Methods(http.MethodGet)
	r.HandleFunc("/publicKey/{id}", s.GetPublicKey()).Methods(http.MethodGet)
	r.HandleFunc("/auth/register", s.Register()).Methods(http.MethodPost)
	r.HandleFunc("/auth/login", s.Login()).Methods(http.MethodPost)
	r.HandleFunc("/health-check/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return r
}

// Run serves until ctx is done, then shuts down and closes every websocket.
func (s *HttpServer) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Info("relay listening", zap.String("addr", s.opts.Addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.conns.Range(func(k, _ any) bool {
		k.(*wsSession).close()
		return true
	})
	log.Info("relay stopped", zap.Int("pending_acks", s.engine.Pending()))
	return err
}

func (s *HttpServer) HandleWS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied with an HTTP error.
			log.Debug("websocket upgrade failed", zap.Error(err))
			return
		}

		sess := newSession(ws, s.opts.SendBuffer, r.RemoteAddr)
		s.conns.Store(sess, struct{}{})
		go sess.writeLoop()
		s.serve(sess)
	}
}

func (s *HttpServer) GetPublicKey() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]

		key, ok, err := s.directory.GetPublicKey(r.Context(), id)
		if err != nil {
			log.Error("get public key failed", zap.String("id", id), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, model.ErrorResponse{Error: "Internal server error"})
			return
		}
		if !ok {
			writeJSON(w, http.StatusNotFound, model.ErrorResponse{Error: "User not found."})
			return
		}
		writeJSON(w, http.StatusOK, model.PublicKeyResponse{PublicKey: key})
	}
}

func (s *HttpServer) Register() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cred, ok := decodeCredentials(w, r)
		if !ok {
			return
		}

		token, err := s.accounts.Register(r.Context(), cred)
		switch {
		case errors.Is(err, directory.ErrUserExists), errors.Is(err, directory.ErrMissingField):
			writeJSON(w, http.StatusBadRequest, model.ErrorResponse{Error: err.Error()})
		case err != nil:
			log.Error("register failed", zap.String("username", cred.Username), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, model.ErrorResponse{Error: "Internal server error"})
		default:
			log.Info("user registered", zap.String("username", cred.Username))
			writeJSON(w, http.StatusCreated, model.TokenResponse{Message: "User registered", Token: token})
		}
	}
}

func (s *HttpServer) Login() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cred, ok := decodeCredentials(w, r)
		if !ok {
			return
		}

		token, err := s.accounts.Login(r.Context(), cred)
		switch {
		case errors.Is(err, directory.ErrMissingField):
			writeJSON(w, http.StatusBadRequest, model.ErrorResponse{Error: err.Error()})
		case errors.Is(err, directory.ErrUserNotFound), errors.Is(err, directory.ErrInvalidPassword):
			writeJSON(w, http.StatusUnauthorized, model.ErrorResponse{Error: err.Error()})
		case err != nil:
			log.Error("login failed", zap.String("username", cred.Username), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, model.ErrorResponse{Error: "Internal server error"})
		default:
			writeJSON(w, http.StatusOK, model.TokenResponse{Token: token})
		}
	}
}

func decodeCredentials(w http.ResponseWriter, r *http.Request) (model.Credentials, bool) {
	var cred model.Credentials
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&cred); err != nil {
		writeJSON(w, http.StatusBadRequest, model.ErrorResponse{Error: "Invalid request body"})
		return cred, false
	}
	return cred, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("write response failed", zap.Error(err))
	}
}
