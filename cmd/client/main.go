package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"e2e_relay/internal/config"
	"e2e_relay/internal/model"
	"e2e_relay/internal/repository/localstore"
	"e2e_relay/internal/service/app"
	"e2e_relay/internal/service/chat"
	"e2e_relay/internal/service/client"
	"e2e_relay/internal/utils/log"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// minimum spacing between automatic re-logins after a token is rejected
const reloginInterval = time.Minute

type options struct {
	configPath string
	username   string
	password   string
	peer       string
	register   bool
}

func main() {
	var opts options

	root := &cobra.Command{
		Use:           "chat --user alice --to bob",
		Short:         "Terminal client for the end-to-end encrypted relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.password == "" {
				opts.password = os.Getenv("CHAT_PASSWORD")
			}
			if opts.password == "" {
				return errors.New("a password is required (--password or CHAT_PASSWORD)")
			}
			if opts.peer == opts.username {
				return errors.New("--to must name another user")
			}

			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, opts)
		},
	}

	f := root.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	f.StringVarP(&opts.username, "user", "u", "", "your username")
	f.StringVarP(&opts.password, "password", "p", "", "your password (or CHAT_PASSWORD)")
	f.StringVarP(&opts.peer, "to", "t", "", "who to chat with")
	f.BoolVar(&opts.register, "register", false, "create the account instead of logging in")
	_ = root.MarkFlagRequired("user")
	_ = root.MarkFlagRequired("to")

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, opts options) error {
	dataDir := filepath.Join(cfg.Client.DataDir, opts.username)
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return err
	}

	// The terminal belongs to the UI; logs go next to the local store.
	if err := log.Init(cfg.Log.Level, cfg.Log.Development, filepath.Join(dataDir, "client.log")); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	store, err := localstore.Open(filepath.Join(dataDir, "store"))
	if err != nil {
		return fmt.Errorf("open local store: %w", err)
	}
	defer store.Close()

	api, err := app.NewAPI(cfg.Client.ServerURL)
	if err != nil {
		return err
	}

	token, kp, err := app.SignIn(ctx, api, store, opts.username, opts.password, opts.register)
	if err != nil {
		return fmt.Errorf("sign in: %w", err)
	}

	ui := app.NewApp(opts.username, opts.peer)

	var (
		ch        *chat.Chat
		ctrl      *client.Controller
		lastLogin atomic.Int64
	)
	lastLogin.Store(time.Now().UnixNano())

	relogin := func() {
		last := time.Unix(0, lastLogin.Load())
		if time.Since(last) < reloginInterval || !lastLogin.CompareAndSwap(last.UnixNano(), time.Now().UnixNano()) {
			return
		}
		rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		token, _, err := app.SignIn(rctx, api, store, opts.username, opts.password, false)
		if err != nil {
			log.Error("re-login failed", zap.Error(err))
			return
		}
		log.Info("token rejected, signed in again")
		ctrl.Reauthenticate(token)
	}

	ctrl = client.NewController(client.Config{
		Dialer: &client.WSDialer{URL: api.WebsocketURL()},
		Token:  token,
		Backoff: client.Backoff{
			Base: cfg.Client.BackoffBase,
			Cap:  cfg.Client.BackoffCap,
		},
		Handler: func(f model.Frame) {
			ch.HandleFrame(f)
		},
		OnStateChange: func(state client.State, authed bool) {
			ui.OnStateChange(state, authed)
			if state == client.StateAuthFailed {
				go relogin()
			}
		},
	})
	ch = chat.New(opts.username, kp, api, store, ctrl, ui.OnEvent)
	ui.Attach(ch, ctrl)

	log.Info("client starting",
		zap.String("username", opts.username),
		zap.String("peer", opts.peer),
		zap.String("relay", cfg.Client.ServerURL))
	return ui.Run(ctx)
}
