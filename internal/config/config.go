// Package config loads ledger settings from the environment, an optional
// config file and defaults, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"verifactu/internal/domain/invoice"
)

// EnvPrefix is prepended to every environment variable, e.g. LEDGER_DATABASE_DSN.
const EnvPrefix = "LEDGER"

// Config is the full process configuration.
type Config struct {
	App         AppConfig
	Log         LogConfig
	Database    DatabaseConfig
	Ledger      LedgerConfig
	Redis       RedisConfig
	Minio       MinioConfig
	Worker      WorkerConfig
	Idempotency IdempotencyConfig
}

type AppConfig struct {
	Env  string
	Port string
}

// Development reports whether the process runs in development mode.
func (c AppConfig) Development() bool { return c.Env == "development" }

type LogConfig struct {
	Level string
}

// DatabaseConfig holds connection settings. An empty DSN selects the
// in-memory store.
type DatabaseConfig struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

type LedgerConfig struct {
	ChainScope         string
	DefaultIssuerTaxID string
	TokenSecret        string
	TokenTTL           time.Duration
	VerificationURL    string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	MaxLen   int64
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

type WorkerConfig struct {
	RelayInterval   time.Duration
	RelayBatchSize  int
	DLQInterval     time.Duration
	PurgeInterval   time.Duration
	PurgeAge        time.Duration
	CleanupInterval time.Duration
	VerifyInterval  time.Duration
}

type IdempotencyConfig struct {
	Enabled bool
	TTL     time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("log.level", "info")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)

	v.SetDefault("ledger.chain_scope", string(invoice.ChainPerSeries))
	v.SetDefault("ledger.default_issuer_tax_id", "")
	v.SetDefault("ledger.token_secret", "")
	v.SetDefault("ledger.token_ttl", 72*time.Hour)
	v.SetDefault("ledger.verification_url", invoice.DefaultVerificationURL)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stream", "ledger:events")
	v.SetDefault("redis.max_len", 100000)

	v.SetDefault("minio.endpoint", "")
	v.SetDefault("minio.access_key", "")
	v.SetDefault("minio.secret_key", "")
	v.SetDefault("minio.use_ssl", false)
	v.SetDefault("minio.bucket", "ledger-archive")

	v.SetDefault("worker.relay_interval", 5*time.Second)
	v.SetDefault("worker.relay_batch_size", 100)
	v.SetDefault("worker.dlq_interval", 5*time.Minute)
	v.SetDefault("worker.purge_interval", time.Hour)
	v.SetDefault("worker.purge_age", 7*24*time.Hour)
	v.SetDefault("worker.cleanup_interval", time.Hour)
	v.SetDefault("worker.verify_interval", 24*time.Hour)

	v.SetDefault("idempotency.enabled", false)
	v.SetDefault("idempotency.ttl", 24*time.Hour)
}

// Load reads the configuration. A .env file in the working directory is
// loaded into the environment first when present; variables already set win.
func Load(searchPaths ...string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	if len(searchPaths) == 0 {
		searchPaths = []string{".", "./config", "/etc/verifactu"}
	}
	for _, p := range searchPaths {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Log: LogConfig{
			Level: v.GetString("log.level"),
		},
		Database: DatabaseConfig{
			DSN:      v.GetString("database.dsn"),
			MaxConns: v.GetInt32("database.max_conns"),
			MinConns: v.GetInt32("database.min_conns"),
		},
		Ledger: LedgerConfig{
			ChainScope:         v.GetString("ledger.chain_scope"),
			DefaultIssuerTaxID: v.GetString("ledger.default_issuer_tax_id"),
			TokenSecret:        v.GetString("ledger.token_secret"),
			TokenTTL:           v.GetDuration("ledger.token_ttl"),
			VerificationURL:    v.GetString("ledger.verification_url"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			Stream:   v.GetString("redis.stream"),
			MaxLen:   v.GetInt64("redis.max_len"),
		},
		Minio: MinioConfig{
			Endpoint:  v.GetString("minio.endpoint"),
			AccessKey: v.GetString("minio.access_key"),
			SecretKey: v.GetString("minio.secret_key"),
			UseSSL:    v.GetBool("minio.use_ssl"),
			Bucket:    v.GetString("minio.bucket"),
		},
		Worker: WorkerConfig{
			RelayInterval:   v.GetDuration("worker.relay_interval"),
			RelayBatchSize:  v.GetInt("worker.relay_batch_size"),
			DLQInterval:     v.GetDuration("worker.dlq_interval"),
			PurgeInterval:   v.GetDuration("worker.purge_interval"),
			PurgeAge:        v.GetDuration("worker.purge_age"),
			CleanupInterval: v.GetDuration("worker.cleanup_interval"),
			VerifyInterval:  v.GetDuration("worker.verify_interval"),
		},
		Idempotency: IdempotencyConfig{
			Enabled: v.GetBool("idempotency.enabled"),
			TTL:     v.GetDuration("idempotency.ttl"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if _, err := invoice.ParseChainScope(c.Ledger.ChainScope); err != nil {
		return fmt.Errorf("ledger.chain_scope: %w", err)
	}
	if c.Ledger.TokenSecret != "" && len(c.Ledger.TokenSecret) < 16 {
		return errors.New("ledger.token_secret must be at least 16 bytes")
	}
	if c.Idempotency.Enabled && c.Database.DSN == "" {
		return errors.New("idempotency requires database.dsn")
	}
	if c.Worker.RelayBatchSize <= 0 {
		return errors.New("worker.relay_batch_size must be positive")
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return errors.New("database.min_conns exceeds database.max_conns")
	}
	return nil
}
