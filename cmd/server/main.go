package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"e2e_relay/internal/config"
	"e2e_relay/internal/repository/user"
	"e2e_relay/internal/service/auth"
	"e2e_relay/internal/service/directory"
	"e2e_relay/internal/service/queue"
	redisSvc "e2e_relay/internal/service/redis"
	"e2e_relay/internal/service/server"
	"e2e_relay/internal/utils/log"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:           "relay",
		Short:         "End-to-end encrypted message relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if err := cfg.ValidateServer(); err != nil {
				return err
			}
			if err := log.Init(cfg.Log.Level, cfg.Log.Development); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	root.Flags().StringVarP(&cfgPath, "config", "c", "", "path to a YAML config file")

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	mongoClient, err := initMongo(ctx, cfg.Mongo)
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	defer mongoClient.Disconnect(context.Background())

	userRepo := user.NewUserRepo(mongoClient.Database(cfg.Mongo.Database))
	if err := userRepo.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("ensure user indexes: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	rs := redisSvc.NewRedis(rdb)
	if err := rs.Ping(ctx); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	dir := directory.New(userRepo, rs, cfg.Server.KeyCacheTTL)
	accounts := directory.NewAccounts(dir, tokens, cfg.Auth.BcryptCost)

	srv := server.NewHttpServer(server.Options{
		Addr:            cfg.Server.Addr,
		AckTimeout:      cfg.Server.AckTimeout,
		DrainSpacing:    cfg.Server.DrainSpacing,
		SendBuffer:      cfg.Server.SendBuffer,
		FrameRPS:        cfg.Server.FrameRPS,
		FrameBurst:      cfg.Server.FrameBurst,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, tokens, queue.New(rs, cfg.Server.QueueTTL), dir, accounts)

	log.Info("relay starting",
		zap.String("addr", cfg.Server.Addr),
		zap.String("redis", cfg.Redis.Addr),
		zap.String("database", cfg.Mongo.Database))
	return srv.Run(ctx)
}

func initMongo(ctx context.Context, cfg config.MongoConfig) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
