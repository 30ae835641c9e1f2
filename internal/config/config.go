package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type (
	Config struct {
		Log    LogConfig    `yaml:"log"`
		Server ServerConfig `yaml:"server"`
		Redis  RedisConfig  `yaml:"redis"`
		Mongo  MongoConfig  `yaml:"mongo"`
		Auth   AuthConfig   `yaml:"auth"`
		Client ClientConfig `yaml:"client"`
	}

	LogConfig struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	}

	ServerConfig struct {
		Addr            string        `yaml:"addr"`
		AckTimeout      time.Duration `yaml:"ackTimeout"`
		DrainSpacing    time.Duration `yaml:"drainSpacing"`
		QueueTTL        time.Duration `yaml:"queueTTL"`
		KeyCacheTTL     time.Duration `yaml:"keyCacheTTL"`
		SendBuffer      int           `yaml:"sendBuffer"`
		FrameRPS        float64       `yaml:"frameRPS"`
		FrameBurst      int           `yaml:"frameBurst"`
		ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	}

	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	MongoConfig struct {
		URI            string        `yaml:"uri"`
		Database       string        `yaml:"database"`
		ConnectTimeout time.Duration `yaml:"connectTimeout"`
	}

	AuthConfig struct {
		JWTSecret  string        `yaml:"jwtSecret"`
		TokenTTL   time.Duration `yaml:"tokenTTL"`
		BcryptCost int           `yaml:"bcryptCost"`
	}

	ClientConfig struct {
		// ServerURL is the relay's HTTP base; the websocket URL is derived from it.
		ServerURL   string        `yaml:"serverURL"`
		DataDir     string        `yaml:"dataDir"`
		BackoffBase time.Duration `yaml:"backoffBase"`
		BackoffCap  time.Duration `yaml:"backoffCap"`
	}
)

func Default() Config {
	return Config{
		Log: LogConfig{
			Level: "info",
		},
		Server: ServerConfig{
			Addr:            ":3001",
			AckTimeout:      2 * time.Second,
			DrainSpacing:    100 * time.Millisecond,
			QueueTTL:        6 * time.Hour,
			KeyCacheTTL:     60 * time.Second,
			SendBuffer:      256,
			FrameRPS:        20,
			FrameBurst:      40,
			ShutdownTimeout: 5 * time.Second,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Mongo: MongoConfig{
			URI:            "mongodb://localhost:27017",
			Database:       "e2e_relay",
			ConnectTimeout: 10 * time.Second,
		},
		Auth: AuthConfig{
			TokenTTL:   10 * 24 * time.Hour,
			BcryptCost: 10,
		},
		Client: ClientConfig{
			ServerURL:   "http://localhost:3001",
			DataDir:     ".e2e_relay",
			BackoffBase: time.Second,
			BackoffCap:  10 * time.Second,
		},
	}
}

// Load layers the YAML file at path (optional), a local .env file and the
// process environment over Default.
func Load(path string) (Config, error) {
	cfg := Default()

	_ = godotenv.Load(".env")

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	ApplyEnvOverrides(&cfg)
	return cfg, cfg.Validate()
}

func ApplyEnvOverrides(cfg *Config) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.Auth.JWTSecret, "JWT_SECRET")
	set(&cfg.Redis.Addr, "REDIS_ADDR")
	set(&cfg.Redis.Password, "REDIS_PASSWORD")
	set(&cfg.Mongo.URI, "MONGODB_URI")
	set(&cfg.Server.Addr, "RELAY_ADDR")
	set(&cfg.Client.ServerURL, "RELAY_URL")
	set(&cfg.Log.Level, "LOG_LEVEL")
}

func (c Config) Validate() error {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	positive("server.ackTimeout", c.Server.AckTimeout)
	positive("server.drainSpacing", c.Server.DrainSpacing)
	positive("server.queueTTL", c.Server.QueueTTL)
	positive("server.keyCacheTTL", c.Server.KeyCacheTTL)
	positive("auth.tokenTTL", c.Auth.TokenTTL)
	positive("client.backoffBase", c.Client.BackoffBase)
	positive("client.backoffCap", c.Client.BackoffCap)
	if c.Client.BackoffCap < c.Client.BackoffBase {
		errs = append(errs, fmt.Errorf("client.backoffCap %s is below client.backoffBase %s", c.Client.BackoffCap, c.Client.BackoffBase))
	}
	return errors.Join(errs...)
}

// ValidateServer adds the checks only the relay needs.
func (c Config) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwtSecret is required (or set JWT_SECRET)")
	}
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	return nil
}
