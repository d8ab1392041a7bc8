package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.App.Env)
	assert.True(t, cfg.App.Development())
	assert.Equal(t, "8080", cfg.App.Port)
	assert.Empty(t, cfg.Database.DSN)
	assert.Equal(t, int32(20), cfg.Database.MaxConns)
	assert.Equal(t, "series", cfg.Ledger.ChainScope)
	assert.Equal(t, 72*time.Hour, cfg.Ledger.TokenTTL)
	assert.Equal(t, "ledger:events", cfg.Redis.Stream)
	assert.Equal(t, "ledger-archive", cfg.Minio.Bucket)
	assert.Equal(t, 5*time.Second, cfg.Worker.RelayInterval)
	assert.Equal(t, 100, cfg.Worker.RelayBatchSize)
	assert.False(t, cfg.Idempotency.Enabled)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("LEDGER_APP_PORT", "9090")
	t.Setenv("LEDGER_DATABASE_DSN", "postgres://ledger@db/ledger")
	t.Setenv("LEDGER_LEDGER_CHAIN_SCOPE", "issuer")
	t.Setenv("LEDGER_LEDGER_DEFAULT_ISSUER_TAX_ID", "B12345678")
	t.Setenv("LEDGER_WORKER_RELAY_INTERVAL", "2s")
	t.Setenv("LEDGER_IDEMPOTENCY_ENABLED", "true")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.App.Port)
	assert.Equal(t, "postgres://ledger@db/ledger", cfg.Database.DSN)
	assert.Equal(t, "issuer", cfg.Ledger.ChainScope)
	assert.Equal(t, "B12345678", cfg.Ledger.DefaultIssuerTaxID)
	assert.Equal(t, 2*time.Second, cfg.Worker.RelayInterval)
	assert.True(t, cfg.Idempotency.Enabled)
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	dir := t.TempDir()
	file := `
app:
  env: production
  port: "7000"
redis:
  addr: redis:6379
ledger:
  chain_scope: issuer
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(file), 0o600))
	t.Setenv("LEDGER_APP_PORT", "7100")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.App.Env)
	assert.False(t, cfg.App.Development())
	assert.Equal(t, "7100", cfg.App.Port)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "issuer", cfg.Ledger.ChainScope)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "unknown chain scope",
			env:  map[string]string{"LEDGER_LEDGER_CHAIN_SCOPE": "global"},
			want: "chain_scope",
		},
		{
			name: "short token secret",
			env:  map[string]string{"LEDGER_LEDGER_TOKEN_SECRET": "short"},
			want: "token_secret",
		},
		{
			name: "idempotency without database",
			env:  map[string]string{"LEDGER_IDEMPOTENCY_ENABLED": "true"},
			want: "idempotency requires",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(t.TempDir())
			assert.ErrorContains(t, err, tt.want)
		})
	}
}
