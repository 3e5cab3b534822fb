// Package config loads client and server configuration from yaml and environment.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type (
	// Config is the root configuration shared by the client and the dev server.
	Config struct {
		// Identity is the 8 character user identity this device acts for.
		Identity string `mapstructure:"identity"`
		DeviceID uint64 `mapstructure:"device_id"`
		DataDir  string `mapstructure:"data_dir"`

		Log         LogConfig         `mapstructure:"log"`
		Mediator    MediatorConfig    `mapstructure:"mediator"`
		Mongo       MongoConfig       `mapstructure:"mongo"`
		Redis       RedisConfig       `mapstructure:"redis"`
		MultiDevice MultiDeviceConfig `mapstructure:"multi_device"`
		Task        TaskConfig        `mapstructure:"task"`
		Transaction TransactionConfig `mapstructure:"transaction"`
		Nonce       NonceConfig       `mapstructure:"nonce"`
		Server      ServerConfig      `mapstructure:"server"`
	}

	LogConfig struct {
		// Level: debug, info, warn, error
		Level string `mapstructure:"level"`
		// Format: console or json
		Format string `mapstructure:"format"`
		// Outputs: stdout, stderr or file paths
		Outputs     []string       `mapstructure:"outputs"`
		Rotation    RotationConfig `mapstructure:"rotation"`
		Development bool           `mapstructure:"development"`
	}

	RotationConfig struct {
		Enable     bool   `mapstructure:"enable"`
		Filename   string `mapstructure:"filename"`
		MaxSizeMB  int    `mapstructure:"max_size_mb"`
		MaxBackups int    `mapstructure:"max_backups"`
		MaxAgeDays int    `mapstructure:"max_age_days"`
		Compress   bool   `mapstructure:"compress"`
	}

	MediatorConfig struct {
		// URL is the websocket base url of the mediator, e.g. ws://localhost:9090
		URL string `mapstructure:"url"`
		// HTTPURL serves the identity directory.
		HTTPURL          string        `mapstructure:"http_url"`
		HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	}

	MongoConfig struct {
		URI      string `mapstructure:"uri"`
		Database string `mapstructure:"database"`
	}

	RedisConfig struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	}

	MultiDeviceConfig struct {
		Enabled bool `mapstructure:"enabled"`
		// DeviceGroupKey overrides the stored key, hex encoded, 32 bytes.
		DeviceGroupKey string `mapstructure:"device_group_key"`
		DeviceLabel    string `mapstructure:"device_label"`
	}

	TaskConfig struct {
		// QueueStore: redis, file or memory
		QueueStore string        `mapstructure:"queue_store"`
		QueueKey   string        `mapstructure:"queue_key"`
		AckTimeout time.Duration `mapstructure:"ack_timeout"`
		Retry      RetryConfig   `mapstructure:"retry"`
	}

	RetryConfig struct {
		InitialBackoff time.Duration `mapstructure:"initial_backoff"`
		MaxBackoff     time.Duration `mapstructure:"max_backoff"`
		Multiplier     float64       `mapstructure:"multiplier"`
		// MaxAttempts of 0 retries transient failures forever.
		MaxAttempts int `mapstructure:"max_attempts"`
	}

	TransactionConfig struct {
		LockTimeout   time.Duration `mapstructure:"lock_timeout"`
		UnlockTimeout time.Duration `mapstructure:"unlock_timeout"`
		// TTL asks the mediator to drop a lock held longer than this, 0 uses the server default.
		TTL time.Duration `mapstructure:"ttl"`
	}

	NonceConfig struct {
		// Store: redis or memory
		Store string `mapstructure:"store"`
		Key   string `mapstructure:"key"`
	}

	ServerConfig struct {
		Listen string `mapstructure:"listen"`
		// LockTTL bounds how long a device may hold a transaction.
		LockTTL time.Duration `mapstructure:"lock_ttl"`
	}
)

// Default returns a Config populated with development defaults.
func Default() *Config {
	return &Config{
		DeviceID: 1,
		DataDir:  "./data",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Filename:   "logs/e2e_mediator.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Mediator: MediatorConfig{
			URL:              "ws://localhost:9090",
			HTTPURL:          "http://localhost:9090",
			HandshakeTimeout: 10 * time.Second,
		},
		Mongo: MongoConfig{
			URI:      "mongodb://localhost:27017",
			Database: "mydb",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		MultiDevice: MultiDeviceConfig{
			DeviceLabel: "go client",
		},
		Task: TaskConfig{
			QueueStore: "redis",
			QueueKey:   "tasks",
			AckTimeout: 20 * time.Second,
			Retry: RetryConfig{
				InitialBackoff: time.Second,
				MaxBackoff:     30 * time.Second,
				Multiplier:     2,
			},
		},
		Transaction: TransactionConfig{
			LockTimeout:   20 * time.Second,
			UnlockTimeout: 20 * time.Second,
		},
		Nonce: NonceConfig{
			Store: "redis",
			Key:   "nonces",
		},
		Server: ServerConfig{
			Listen:  "localhost:9090",
			LockTTL: time.Minute,
		},
	}
}

// Load reads configuration from path (if non-empty), otherwise it searches common
// locations. Environment variables use the prefix E2EM, e.g. E2EM_LOG_LEVEL=debug.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("E2EM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("identity", cfg.Identity)
	v.SetDefault("device_id", cfg.DeviceID)
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("mediator.url", cfg.Mediator.URL)
	v.SetDefault("mediator.http_url", cfg.Mediator.HTTPURL)
	v.SetDefault("mediator.handshake_timeout", cfg.Mediator.HandshakeTimeout)
	v.SetDefault("mongo.uri", cfg.Mongo.URI)
	v.SetDefault("mongo.database", cfg.Mongo.Database)
	v.SetDefault("redis.addr", cfg.Redis.Addr)
	v.SetDefault("redis.password", cfg.Redis.Password)
	v.SetDefault("redis.db", cfg.Redis.DB)
	v.SetDefault("multi_device.enabled", cfg.MultiDevice.Enabled)
	v.SetDefault("multi_device.device_group_key", cfg.MultiDevice.DeviceGroupKey)
	v.SetDefault("multi_device.device_label", cfg.MultiDevice.DeviceLabel)
	v.SetDefault("task.queue_store", cfg.Task.QueueStore)
	v.SetDefault("task.queue_key", cfg.Task.QueueKey)
	v.SetDefault("task.ack_timeout", cfg.Task.AckTimeout)
	v.SetDefault("task.retry.initial_backoff", cfg.Task.Retry.InitialBackoff)
	v.SetDefault("task.retry.max_backoff", cfg.Task.Retry.MaxBackoff)
	v.SetDefault("task.retry.multiplier", cfg.Task.Retry.Multiplier)
	v.SetDefault("task.retry.max_attempts", cfg.Task.Retry.MaxAttempts)
	v.SetDefault("transaction.lock_timeout", cfg.Transaction.LockTimeout)
	v.SetDefault("transaction.unlock_timeout", cfg.Transaction.UnlockTimeout)
	v.SetDefault("transaction.ttl", cfg.Transaction.TTL)
	v.SetDefault("nonce.store", cfg.Nonce.Store)
	v.SetDefault("nonce.key", cfg.Nonce.Key)
	v.SetDefault("server.listen", cfg.Server.Listen)
	v.SetDefault("server.lock_ttl", cfg.Server.LockTTL)

	if path == "" {
		if envPath := os.Getenv("E2EM_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("e2e_mediator")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".e2e_mediator"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}

	c.Identity = strings.ToUpper(strings.TrimSpace(c.Identity))
	if c.Identity != "" && len(c.Identity) != 8 {
		return fmt.Errorf("invalid identity %q: must be 8 characters", c.Identity)
	}

	c.Task.QueueStore = strings.ToLower(c.Task.QueueStore)
	switch c.Task.QueueStore {
	case "redis", "file", "memory":
	default:
		return fmt.Errorf("invalid task.queue_store: %q", c.Task.QueueStore)
	}
	if c.Task.AckTimeout <= 0 {
		return fmt.Errorf("task.ack_timeout must be positive")
	}
	if c.Task.Retry.Multiplier < 1 {
		c.Task.Retry.Multiplier = 1
	}
	if c.Task.Retry.MaxAttempts < 0 {
		return fmt.Errorf("task.retry.max_attempts must not be negative")
	}

	c.Nonce.Store = strings.ToLower(c.Nonce.Store)
	switch c.Nonce.Store {
	case "redis", "memory":
	default:
		return fmt.Errorf("invalid nonce.store: %q", c.Nonce.Store)
	}

	if c.Transaction.LockTimeout <= 0 || c.Transaction.UnlockTimeout <= 0 {
		return fmt.Errorf("transaction timeouts must be positive")
	}

	if c.MultiDevice.DeviceGroupKey != "" {
		if _, err := c.DeviceGroupKeyBytes(); err != nil {
			return err
		}
	}
	return nil
}

// DeviceGroupKeyBytes decodes the configured device group key. It returns nil when unset.
func (c *Config) DeviceGroupKeyBytes() ([]byte, error) {
	if c.MultiDevice.DeviceGroupKey == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(c.MultiDevice.DeviceGroupKey)
	if err != nil {
		return nil, fmt.Errorf("multi_device.device_group_key: %w", err)
	}
	return b, nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
